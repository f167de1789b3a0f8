package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stepflow/internal/orchestrator"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// Panel indices.
const (
	PanelExecutions = 0
	PanelQueue      = 1
	PanelEvents     = 2
)

const panelCount = 3

// snapshotTimeout bounds one refresh.
const snapshotTimeout = 5 * time.Second

// SnapshotMsg carries a refresh result.
type SnapshotMsg struct {
	Snapshot *Snapshot
	Err      error
	// oneShot marks refreshes outside the tick loop.
	oneShot bool
}

// EventMsg carries a live orchestrator event.
type EventMsg struct {
	Event orchestrator.Event
}

// DroppedMsg reports how many live events the feeder has dropped.
type DroppedMsg struct {
	Count uint64
}

// StatusMsg sets the footer status line.
type StatusMsg struct {
	Text  string
	Error bool
}

// actionDoneMsg reports the outcome of a pause, resume or cancel.
type actionDoneMsg struct {
	action string
	id     string
	err    error
}

type tickMsg time.Time

// Dashboard is the bubbletea model for `stepflow top`.
type Dashboard struct {
	header     *Header
	executions *ExecutionsPanel
	queue      *QueuePanel
	events     *EventsPanel
	filter     *FilterInput
	footer     *Footer
	layout     *LayoutManager
	keys       keyMap

	source   Source
	control  Controller
	interval time.Duration

	focusedPanel int
	width        int
	height       int
	quitting     bool
	lastErr      error
}

// NewDashboard creates a dashboard refreshing from source every interval.
// control may be nil, which disables the execution actions.
func NewDashboard(source Source, control Controller, interval time.Duration) *Dashboard {
	if interval <= 0 {
		interval = time.Second
	}
	keys := defaultKeyMap()
	if control == nil {
		keys.Pause.SetEnabled(false)
		keys.Resume.SetEnabled(false)
		keys.Cancel.SetEnabled(false)
	}
	d := &Dashboard{
		header:       NewHeader(),
		executions:   NewExecutionsPanel(),
		queue:        NewQueuePanel(),
		events:       NewEventsPanel(),
		filter:       NewFilterInput(),
		footer:       NewFooter(keys),
		layout:       NewLayoutManager(80, 24),
		keys:         keys,
		source:       source,
		control:      control,
		interval:     interval,
		focusedPanel: PanelExecutions,
	}
	d.updatePanelFocus()
	d.updatePanelSizes()
	return d
}

// Init implements tea.Model.
func (d *Dashboard) Init() tea.Cmd {
	return tea.Batch(d.refresh(false), d.header.Tick())
}

// refresh fetches a snapshot off the UI goroutine.
func (d *Dashboard) refresh(oneShot bool) tea.Cmd {
	source := d.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		snap, err := source.Snapshot(ctx)
		return SnapshotMsg{Snapshot: snap, Err: err, oneShot: oneShot}
	}
}

func (d *Dashboard) scheduleTick() tea.Cmd {
	return tea.Tick(d.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update implements tea.Model.
func (d *Dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if d.filter.Active() {
			var cmd tea.Cmd
			d.filter, cmd = d.filter.Update(msg)
			return d, cmd
		}
		return d, d.handleKey(msg)

	case tea.WindowSizeMsg:
		d.width = msg.Width
		d.height = msg.Height
		d.layout.SetSize(msg.Width, msg.Height)
		d.updatePanelSizes()

	case SnapshotMsg:
		d.applySnapshot(msg)
		if !msg.oneShot {
			cmds = append(cmds, d.scheduleTick())
		}

	case tickMsg:
		cmds = append(cmds, d.refresh(false))

	case EventMsg:
		d.events.AddLive(msg.Event)

	case DroppedMsg:
		d.queue.SetDropped(msg.Count)

	case FilterAppliedMsg:
		d.events.SetFilter(msg.Text)

	case StatusMsg:
		d.footer.SetMessage(msg.Text, msg.Error)

	case actionDoneMsg:
		if msg.err != nil {
			d.footer.SetMessage(fmt.Sprintf("%s %s: %v", msg.action, shortID(msg.id), msg.err), true)
		} else {
			d.footer.SetMessage(fmt.Sprintf("%s %s requested", msg.action, shortID(msg.id)), false)
		}
		cmds = append(cmds, d.refresh(true))

	default:
		// spinner ticks and anything else the header consumes
		cmds = append(cmds, d.header.Update(msg))
	}

	return d, tea.Batch(cmds...)
}

func (d *Dashboard) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, d.keys.Quit):
		d.quitting = true
		return tea.Quit

	case key.Matches(msg, d.keys.Focus):
		if msg.String() == "shift+tab" {
			d.focusedPanel = (d.focusedPanel + panelCount - 1) % panelCount
		} else {
			d.focusedPanel = (d.focusedPanel + 1) % panelCount
		}
		d.updatePanelFocus()
		return nil

	case key.Matches(msg, d.keys.Filter):
		d.focusedPanel = PanelEvents
		d.updatePanelFocus()
		return d.filter.Open(d.events.Filter())

	case key.Matches(msg, d.keys.Follow):
		d.events.ToggleFollow()
		return nil

	case key.Matches(msg, d.keys.Pause):
		return d.act("pause", func(ctx context.Context, id string) error {
			return d.control.PauseExecution(ctx, id)
		})

	case key.Matches(msg, d.keys.Resume):
		return d.act("resume", func(ctx context.Context, id string) error {
			_, err := d.control.ResumeLatest(ctx, id)
			return err
		})

	case key.Matches(msg, d.keys.Cancel):
		return d.act("cancel", func(ctx context.Context, id string) error {
			return d.control.CancelExecution(ctx, id, "cancelled from dashboard")
		})
	}

	var cmd tea.Cmd
	switch d.focusedPanel {
	case PanelExecutions:
		d.executions, cmd = d.executions.Update(msg)
	case PanelEvents:
		d.events, cmd = d.events.Update(msg)
	}
	return cmd
}

// act runs an action on the selected execution off the UI goroutine.
func (d *Dashboard) act(action string, fn func(ctx context.Context, id string) error) tea.Cmd {
	if d.control == nil {
		return nil
	}
	sel := d.executions.Selected()
	if sel == nil {
		d.footer.SetMessage("no execution selected", true)
		return nil
	}
	id := sel.ID
	if action == "resume" && sel.State != models.ExecutionPaused {
		d.footer.SetMessage(fmt.Sprintf("%s is %s, not paused", shortID(id), sel.State), true)
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		defer cancel()
		return actionDoneMsg{action: action, id: id, err: fn(ctx, id)}
	}
}

func (d *Dashboard) applySnapshot(msg SnapshotMsg) {
	if msg.Err != nil {
		d.lastErr = msg.Err
		d.header.SetRefreshed(d.lastRefreshed(), true)
		d.footer.SetMessage("refresh: "+msg.Err.Error(), true)
		return
	}
	if d.lastErr != nil {
		d.lastErr = nil
		d.footer.SetMessage("", false)
	}
	snap := msg.Snapshot
	d.header.SetRefreshed(snap.TakenAt, false)
	d.queue.SetStats(snap.Stats)
	d.executions.SetExecutions(snap.Executions)
	d.events.MergeAudit(snap.Events)
}

func (d *Dashboard) lastRefreshed() time.Time {
	return d.header.refreshed
}

// updatePanelFocus updates focus state on all panels.
func (d *Dashboard) updatePanelFocus() {
	d.executions.SetFocused(d.focusedPanel == PanelExecutions)
	d.queue.SetFocused(d.focusedPanel == PanelQueue)
	d.events.SetFocused(d.focusedPanel == PanelEvents)
}

// updatePanelSizes updates panel dimensions based on layout.
func (d *Dashboard) updatePanelSizes() {
	dims := d.layout.Calculate()
	d.header.SetWidth(d.layout.TotalWidth())
	d.footer.SetWidth(d.layout.TotalWidth())
	d.filter.SetWidth(d.layout.TotalWidth())
	d.executions.SetSize(dims.ExecutionsWidth, dims.TopHeight)
	d.queue.SetSize(dims.QueueWidth, dims.TopHeight)
	d.events.SetSize(dims.EventsWidth, dims.EventsHeight)
}

// View implements tea.Model.
func (d *Dashboard) View() string {
	if d.quitting {
		return ""
	}

	dims := d.layout.Calculate()
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		lipgloss.NewStyle().Width(dims.ExecutionsWidth).Render(d.executions.View()),
		lipgloss.NewStyle().Width(dims.QueueWidth).Render(d.queue.View()),
	)

	bottom := d.footer.View()
	if d.filter.Active() {
		bottom = d.filter.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left, d.header.View(), top, d.events.View(), bottom)
}

// FocusedPanel returns the index of the currently focused panel.
func (d *Dashboard) FocusedPanel() int {
	return d.focusedPanel
}

// NewProgram creates the bubbletea program for the dashboard. Live events
// can be delivered with program.Send(EventMsg{...}).
func NewProgram(source Source, control Controller, interval time.Duration) (*tea.Program, *Dashboard) {
	d := NewDashboard(source, control, interval)
	return tea.NewProgram(d, tea.WithAltScreen()), d
}
