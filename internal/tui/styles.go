package tui

import "github.com/charmbracelet/lipgloss"

var (
	colorMerged   = lipgloss.Color("135") // purple
	colorApproved = lipgloss.Color("46")  // green

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingLeft(1).
			PaddingRight(1)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212")).
			MarginTop(1).
			MarginBottom(0)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	rowStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			PaddingLeft(1)

	selectedStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Background(lipgloss.Color("237"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			MarginTop(1)

	emptyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)
)

func stateIcon(condition string) string {
	switch condition {
	case "merged":
		return "🟣"
	case "approved":
		return "✅"
	default:
		return "❓"
	}
}

func stateColor(condition string) lipgloss.Color {
	switch condition {
	case "merged":
		return colorMerged
	case "approved":
		return colorApproved
	default:
		return lipgloss.Color("252")
	}
}
