package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
)

func renderListView(snap Snapshot, selected int) string {
	var b strings.Builder

	mode := "live"
	if snap.DryRun {
		mode = "dry run"
	}
	header := fmt.Sprintf("pr-reactions │ %s │ %s │ %d cycles",
		snap.Channel, mode, snap.Cycles)
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render("🔁 Polling"))
	b.WriteString("\n")
	b.WriteString(renderCycle(snap))

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render("📋 Conditions"))
	b.WriteString("\n")
	b.WriteString(renderConditions(snap.Conditions))

	b.WriteString("\n")
	b.WriteString(sectionStyle.Render(fmt.Sprintf("✅ Recent Convergences (%d)", len(snap.Recent))))
	b.WriteString("\n")
	b.WriteString(renderRecent(snap.Recent, selected))

	b.WriteString("\n")
	footer := fmt.Sprintf("Last updated: %s │ ↑↓:select enter:details r:refresh q:quit",
		snap.Timestamp.Format("15:04:05"))
	b.WriteString(footerStyle.Render(footer))

	return b.String()
}

func renderCycle(snap Snapshot) string {
	c := snap.LastCycle
	if c.ID == "" {
		return emptyStyle.Render("  (first cycle running)") + "\n"
	}

	var b strings.Builder
	line := fmt.Sprintf("  last: %s │ %d messages │ took %s",
		c.Started.Format("15:04:05"), c.Messages, formatDuration(c.Duration))
	b.WriteString(infoStyle.Render(line))
	b.WriteString("\n")
	if c.Err != "" {
		b.WriteString(errorStyle.Render("  error: " + truncate(c.Err, 70)))
		b.WriteString("\n")
	}
	if !snap.NextCycle.IsZero() {
		b.WriteString(infoStyle.Render("  next: " + snap.NextCycle.Format("15:04:05")))
		b.WriteString("\n")
	}
	return b.String()
}

func renderConditions(conds []ConditionState) string {
	if len(conds) == 0 {
		return emptyStyle.Render("  (no conditions)") + "\n"
	}

	var b strings.Builder
	for i, c := range conds {
		prefix := "├─"
		if i == len(conds)-1 {
			prefix = "└─"
		}
		line := fmt.Sprintf("%s %s %s :%s: │ queued %d │ converged %d │ pending %d",
			prefix, stateIcon(c.Name), c.Name, c.Reaction, c.Queued, c.Converged, c.Pending)
		b.WriteString(lipgloss.NewStyle().Foreground(stateColor(c.Name)).Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func renderRecent(recent []ConvergenceState, selected int) string {
	if len(recent) == 0 {
		return emptyStyle.Render("  (nothing converged yet)") + "\n"
	}

	var b strings.Builder
	for i, r := range recent {
		status := "reacted"
		switch {
		case r.DryRun:
			status = "dry run"
		case !r.Reacted:
			status = "reaction failed"
		}
		line := fmt.Sprintf("%d. %s %s ts=%s │ %d PRs │ %s │ %s",
			i+1, stateIcon(r.Condition), r.Condition, r.TS, len(r.Refs), status, r.At.Format("15:04:05"))
		if i == selected {
			b.WriteString(selectedStyle.Render("▶ " + line))
		} else {
			b.WriteString(rowStyle.Render("  " + line))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func renderDetailView(r ConvergenceState, offset int) string {
	var b strings.Builder

	header := fmt.Sprintf("%s │ ts=%s │ %s", r.Condition, r.TS, r.At.Format(time.DateTime))
	b.WriteString(headerStyle.Render(header))
	b.WriteString("\n")

	b.WriteString(sectionStyle.Render(fmt.Sprintf("🔗 Pull Requests (%d)", len(r.Refs))))
	b.WriteString("\n")

	end := min(len(r.Refs), offset+detailLines)
	for i := offset; i < end; i++ {
		b.WriteString(infoStyle.Render("  • " + truncate(r.Refs[i], 70)))
		b.WriteString("\n")
	}
	if len(r.Refs) > detailLines {
		b.WriteString(emptyStyle.Render(fmt.Sprintf("  (%d-%d of %d)", offset+1, end, len(r.Refs))))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(footerStyle.Render("↑↓:scroll esc:back q:quit"))
	return b.String()
}

func truncate(s string, width int) string {
	if runewidth.StringWidth(s) > width {
		return runewidth.Truncate(s, width, "...")
	}
	return s
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	m := d / time.Minute
	s := (d % time.Minute) / time.Second
	if m > 0 {
		return fmt.Sprintf("%dm %ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
