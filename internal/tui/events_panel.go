package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// LogLevel represents the severity of an event line.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelDebug LogLevel = "DEBUG"
)

// eventLevel classifies an event type for display.
func eventLevel(t models.EventType) LogLevel {
	switch t {
	case models.EventFailed, models.EventStepFailed, models.EventWorkflowFailed:
		return LogLevelError
	case models.EventRetryScheduled, models.EventStepRetry, models.EventWorkflowCancelled,
		models.EventCancelled, models.EventStuckItemsReset:
		return LogLevelWarn
	case models.EventEnqueued, models.EventDequeued, models.EventStateChanged:
		return LogLevelDebug
	}
	return LogLevelInfo
}

// entry is one line of the event feed. Audit events carry their ID so a
// refresh does not repeat them.
type entry struct {
	id    string
	level LogLevel
	event orchestrator.Event
}

// EventsPanel is a filterable, scrollable feed of audit and live events.
type EventsPanel struct {
	entries    []entry
	seen       map[string]bool
	filter     string
	autoScroll bool
	maxEntries int
	width      int
	height     int
	focused    bool
	viewport   viewport.Model

	titleStyle  lipgloss.Style
	filterStyle lipgloss.Style
	timeStyle   lipgloss.Style
	execStyle   lipgloss.Style
	levelStyles map[LogLevel]lipgloss.Style
}

// NewEventsPanel creates a new EventsPanel instance.
func NewEventsPanel() *EventsPanel {
	return &EventsPanel{
		seen:       make(map[string]bool),
		autoScroll: true,
		maxEntries: 1000,
		viewport:   viewport.New(80, 10),

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		filterStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1),

		timeStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		execStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("63")),

		levelStyles: map[LogLevel]lipgloss.Style{
			LogLevelInfo:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			LogLevelWarn:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			LogLevelError: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			LogLevelDebug: lipgloss.NewStyle().Foreground(lipgloss.Color("244")),
		},
	}
}

// MergeAudit adds audit events not seen before.
func (p *EventsPanel) MergeAudit(events []models.Event) {
	added := false
	for i := range events {
		ev := &events[i]
		if ev.ID == "" || p.seen[ev.ID] {
			continue
		}
		p.seen[ev.ID] = true
		p.entries = append(p.entries, entry{id: ev.ID, level: eventLevel(ev.Type), event: orchestrator.FromAuditEvent(ev)})
		added = true
	}
	if added {
		p.settle()
	}
}

// AddLive appends a live orchestrator event.
func (p *EventsPanel) AddLive(ev orchestrator.Event) {
	level := eventLevel(ev.Type)
	if ev.Error != "" && level == LogLevelInfo {
		level = LogLevelWarn
	}
	p.entries = append(p.entries, entry{level: level, event: ev})
	p.settle()
}

// settle orders entries by time, trims the oldest and refreshes the view.
func (p *EventsPanel) settle() {
	sort.SliceStable(p.entries, func(i, j int) bool {
		return p.entries[i].event.Timestamp.Before(p.entries[j].event.Timestamp)
	})
	if over := len(p.entries) - p.maxEntries; over > 0 {
		for _, e := range p.entries[:over] {
			delete(p.seen, e.id)
		}
		p.entries = p.entries[over:]
	}
	p.refresh()
}

// SetFilter shows only lines containing text (case-insensitive).
func (p *EventsPanel) SetFilter(text string) {
	p.filter = strings.ToLower(strings.TrimSpace(text))
	p.refresh()
}

// Filter returns the active filter.
func (p *EventsPanel) Filter() string {
	return p.filter
}

// SetSize updates the panel dimensions.
func (p *EventsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	p.viewport.Width = max(width-4, 1)
	p.viewport.Height = max(height-3, 1)
	p.refresh()
}

// SetFocused sets whether this panel has keyboard focus.
func (p *EventsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// ToggleFollow flips auto-scrolling.
func (p *EventsPanel) ToggleFollow() {
	p.autoScroll = !p.autoScroll
	if p.autoScroll {
		p.viewport.GotoBottom()
	}
}

// Update handles scrolling input.
func (p *EventsPanel) Update(msg tea.Msg) (*EventsPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "g":
			p.viewport.GotoTop()
			p.autoScroll = false
			return p, nil
		case "G":
			p.viewport.GotoBottom()
			p.autoScroll = true
			return p, nil
		case "up", "k", "pgup":
			p.autoScroll = false
		}
	}
	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	if p.viewport.AtBottom() {
		p.autoScroll = true
	}
	return p, cmd
}

func (p *EventsPanel) refresh() {
	lines := p.visible()
	if len(lines) == 0 {
		p.viewport.SetContent(lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Render("  No events"))
		return
	}
	rendered := make([]string, len(lines))
	for i, e := range lines {
		rendered[i] = p.renderLine(e)
	}
	p.viewport.SetContent(strings.Join(rendered, "\n"))
	if p.autoScroll {
		p.viewport.GotoBottom()
	}
}

// visible returns the entries matching the filter.
func (p *EventsPanel) visible() []entry {
	if p.filter == "" {
		return p.entries
	}
	var out []entry
	for _, e := range p.entries {
		if strings.Contains(strings.ToLower(plainLine(e)), p.filter) {
			out = append(out, e)
		}
	}
	return out
}

// plainLine is the unstyled text of an entry, used for filtering.
func plainLine(e entry) string {
	ev := e.event
	parts := []string{string(e.level), string(ev.Type), ev.ExecutionID}
	if ev.StepKey != "" {
		parts = append(parts, ev.StepKey)
	}
	return strings.Join(append(parts, describe(ev)), " ")
}

// describe summarizes the event's details.
func describe(ev orchestrator.Event) string {
	var parts []string
	if ev.StepKey != "" {
		parts = append(parts, "step="+ev.StepKey)
	}
	if ev.WorkerID != "" {
		parts = append(parts, "worker="+ev.WorkerID)
	}
	if ev.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempt=%d", ev.Attempts))
	}
	if ev.Duration > 0 {
		parts = append(parts, "took="+formatDuration(ev.Duration))
	}
	if ev.Count > 0 {
		parts = append(parts, fmt.Sprintf("count=%d", ev.Count))
	}
	if ev.Message != "" {
		parts = append(parts, ev.Message)
	}
	if ev.Error != "" {
		parts = append(parts, "error: "+ev.Error)
	}
	return strings.Join(parts, " ")
}

func (p *EventsPanel) renderLine(e entry) string {
	ev := e.event
	parts := []string{
		p.timeStyle.Render(ev.Timestamp.Format("15:04:05")),
		p.levelStyles[e.level].Render(string(e.level)[:1]),
	}
	if ev.ExecutionID != "" {
		parts = append(parts, p.execStyle.Render("["+shortID(ev.ExecutionID)+"]"))
	}
	parts = append(parts, string(ev.Type))
	if d := describe(ev); d != "" {
		parts = append(parts, d)
	}
	return truncate(strings.Join(parts, " "), max(p.viewport.Width, 20))
}

// View renders the events panel.
func (p *EventsPanel) View() string {
	var b strings.Builder

	title := "Events"
	if p.focused {
		title = "[Events]"
	}
	b.WriteString(p.titleStyle.Render(title))
	status := fmt.Sprintf(" %d", len(p.entries))
	if p.filter != "" {
		status = fmt.Sprintf(" %d/%d /%s", len(p.visible()), len(p.entries), p.filter)
	}
	if p.autoScroll {
		status += " (auto)"
	}
	b.WriteString(p.filterStyle.Render(status))
	b.WriteString("\n")
	b.WriteString(p.viewport.View())

	borderColor := lipgloss.Color("240")
	if p.focused {
		borderColor = lipgloss.Color("63")
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(borderColor).
		Width(max(p.width-2, 1)).
		Height(max(p.height-2, 1)).
		Render(b.String())
}

// Count returns the number of retained entries.
func (p *EventsPanel) Count() int {
	return len(p.entries)
}

// VisibleCount returns the number of entries matching the filter.
func (p *EventsPanel) VisibleCount() int {
	return len(p.visible())
}
