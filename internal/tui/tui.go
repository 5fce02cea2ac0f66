package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

type SnapshotProvider interface {
	GetSnapshot() Snapshot
}

type viewMode int

const (
	viewModeList viewMode = iota
	viewModeDetail
)

// detailLines is how many reference lines the detail view shows at once.
const detailLines = 20

type Model struct {
	provider        SnapshotProvider
	snapshot        Snapshot
	refreshInterval time.Duration
	mode            viewMode
	selected        int // -1 = none, otherwise index in snapshot.Recent
	selectedKey     convergenceKey
	scrollOffset    int // For scrolling in detail view
}

// convergenceKey identifies an entry of Recent across refreshes; new
// entries are prepended, so indexes shift.
type convergenceKey struct {
	condition string
	ts        string
}

func keyOf(c ConvergenceState) convergenceKey {
	return convergenceKey{condition: c.Condition, ts: c.TS}
}

type tickMsg time.Time

func NewModel(provider SnapshotProvider, refreshInterval time.Duration) Model {
	return Model{
		provider:        provider,
		snapshot:        provider.GetSnapshot(),
		refreshInterval: refreshInterval,
		mode:            viewModeList,
		selected:        -1,
	}
}

func (m Model) Init() tea.Cmd {
	return tickCmd(m.refreshInterval)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch m.mode {
		case viewModeList:
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "r":
				m = m.refresh()
				return m, nil
			case "up", "k":
				if m.selected > 0 {
					m = m.selectIndex(m.selected - 1)
				}
			case "down", "j":
				if m.selected < len(m.snapshot.Recent)-1 {
					m = m.selectIndex(m.selected + 1)
				}
			case "enter", " ":
				if m.selected >= 0 && m.selected < len(m.snapshot.Recent) {
					m.mode = viewModeDetail
					m.scrollOffset = 0
				}
			}

		case viewModeDetail:
			switch msg.String() {
			case "q", "ctrl+c":
				return m, tea.Quit
			case "esc":
				m.mode = viewModeList
				return m, nil
			case "up", "k":
				if m.scrollOffset > 0 {
					m.scrollOffset--
				}
			case "down", "j":
				m.scrollOffset = min(m.scrollOffset+1, m.maxOffset())
			case "home", "g":
				m.scrollOffset = 0
			case "end", "G":
				m.scrollOffset = m.maxOffset()
			}
		}

	case tickMsg:
		m = m.refresh()
		return m, tickCmd(m.refreshInterval)
	}

	return m, nil
}

func (m Model) selectIndex(i int) Model {
	m.selected = i
	m.selectedKey = keyOf(m.snapshot.Recent[i])
	return m
}

// refresh takes a new snapshot and keeps the selection on the same entry.
// When that entry is gone the nearest index is selected and the detail
// view is closed.
func (m Model) refresh() Model {
	m.snapshot = m.provider.GetSnapshot()
	recent := m.snapshot.Recent
	if len(recent) == 0 {
		m.selected = -1
		m.mode = viewModeList
		return m
	}
	if m.selected == -1 {
		return m.selectIndex(0)
	}
	for i, c := range recent {
		if keyOf(c) == m.selectedKey {
			m.selected = i
			return m
		}
	}
	if m.mode == viewModeDetail {
		m.mode = viewModeList
	}
	return m.selectIndex(min(m.selected, len(recent)-1))
}

func (m Model) maxOffset() int {
	if m.selected < 0 || m.selected >= len(m.snapshot.Recent) {
		return 0
	}
	return max(0, len(m.snapshot.Recent[m.selected].Refs)-detailLines)
}

func (m Model) View() string {
	if m.mode == viewModeDetail && m.selected >= 0 && m.selected < len(m.snapshot.Recent) {
		return renderDetailView(m.snapshot.Recent[m.selected], m.scrollOffset)
	}
	return renderListView(m.snapshot, m.selected)
}

func tickCmd(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}
