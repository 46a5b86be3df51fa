// Package tui renders a live view of a download run: one progress bar per item, fed by
// the same model.ChangeEvent stream the Controller already fans out to every observer.
// Grounded on the teacher's internal/tui/model.go (its bubbletea Model, progress/tick
// message loop, and header/content/footer layout), generalized from a single engine's
// per-track progress to a Controller's per-item progress and from a terminal download to
// a set of items that may still be queued, downloading, or done.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/fetchgrid/fetchgrid/internal/model"
)

type eventMsg model.ChangeEvent
type tickMsg time.Time

// DoneMsg is sent once every registered item has reached a terminal state.
type DoneMsg struct{}

type itemRow struct {
	uid        string
	name       string
	downloaded int64
	total      int64
	state      model.State
	err        error
}

// Model is the bubbletea program state for a live fetchgrid run.
type Model struct {
	events <-chan model.ChangeEvent

	rows  map[string]*itemRow
	order []string

	startTime time.Time
	width     int
	height    int
	frame     int
	quit      bool
}

// NewModel builds a Model tracking items, fed progress via events (typically a channel an
// observer registered with the Controller writes ChangeEvents to).
func NewModel(items []*model.DownloadItem, events <-chan model.ChangeEvent) *Model {
	rows := make(map[string]*itemRow, len(items))
	order := make([]string, 0, len(items))
	for _, it := range items {
		rows[it.UID] = &itemRow{
			uid:        it.UID,
			name:       it.Name + it.Extension,
			total:      it.TotalSize,
			downloaded: it.Downloaded(),
			state:      it.State(),
		}
		order = append(order, it.UID)
	}
	return &Model{
		events:    events,
		rows:      rows,
		order:     order,
		startTime: time.Now(),
		width:     80,
		height:    24,
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.listenEvents(), tick())
}

func (m *Model) listenEvents() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.events
		if !ok {
			return DoneMsg{}
		}
		return eventMsg(ev)
	}
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quit = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case eventMsg:
		m.handleEvent(model.ChangeEvent(msg))
		if m.allTerminal() {
			return m, tea.Quit
		}
		return m, m.listenEvents()

	case tickMsg:
		m.frame++
		return m, tick()

	case DoneMsg:
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) handleEvent(ev model.ChangeEvent) {
	row, ok := m.rows[ev.UID]
	if !ok {
		return
	}
	switch ev.Kind {
	case model.EventProgress:
		row.downloaded = ev.Downloaded
		row.total = ev.TotalSize
	case model.EventState:
		row.state = ev.State
	case model.EventError:
		row.err = ev.Err
		row.state = ev.State
	}
}

func (m *Model) allTerminal() bool {
	for _, row := range m.rows {
		if !row.state.Terminal() {
			return false
		}
	}
	return true
}

func (m *Model) View() string {
	w := clamp(m.width-4, 60, 100)

	var b strings.Builder
	b.WriteString(headerStyle.Width(w).Render(titleStyle.Render("fetchgrid") + dimStyle.Render(" - download run")))
	b.WriteString("\n\n")
	b.WriteString(contentStyle.Width(w).Render(m.viewRows(w - 6)))
	return b.String()
}

func (m *Model) viewRows(w int) string {
	var b strings.Builder
	for i, uid := range m.order {
		row := m.rows[uid]
		b.WriteString(m.renderRow(row, w))
		if i < len(m.order)-1 {
			b.WriteString("\n")
		}
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("q to quit"))
	return b.String()
}

func (m *Model) renderRow(row *itemRow, w int) string {
	var b strings.Builder

	name := row.name
	if len(name) > 28 {
		name = name[:25] + "..."
	}
	b.WriteString(normalStyle.Render(fmt.Sprintf("%-28s", name)))
	b.WriteString(" ")

	pct := 0.0
	if row.total > 0 {
		pct = float64(row.downloaded) / float64(row.total)
	}
	barWidth := clamp(w-50, 10, 40)
	filled := clamp(int(pct*float64(barWidth)), 0, barWidth)
	bar := progressActive.Render(strings.Repeat("█", filled)) +
		progressWait.Render(strings.Repeat("░", barWidth-filled))
	b.WriteString(bar)
	b.WriteString(" ")
	b.WriteString(statValueStyle.Render(fmt.Sprintf("%3.0f%%", pct*100)))
	b.WriteString(" ")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%s/%s", humanize.Bytes(uint64(row.downloaded)), humanize.Bytes(uint64(row.total)))))
	b.WriteString(" ")
	b.WriteString(m.renderState(row))

	return b.String()
}

func (m *Model) renderState(row *itemRow) string {
	switch row.state {
	case model.Completed:
		return successStyle.Render("done")
	case model.Error:
		return errorStyle.Render("error: " + errString(row.err))
	case model.Cancelled:
		return warningStyle.Render("paused")
	default:
		return dimStyle.Render(row.state.String())
	}
}

func errString(err error) string {
	if err == nil {
		return "unknown"
	}
	return err.Error()
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
