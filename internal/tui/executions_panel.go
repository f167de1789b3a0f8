package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"

	"github.com/ShayCichocki/stepflow/internal/graph"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// ExecutionsPanel displays a scrollable, selectable list of active executions.
type ExecutionsPanel struct {
	executions   []models.Execution
	levels       map[string]int
	selected     int
	scrollOffset int
	width        int
	height       int
	focused      bool
	now          func() time.Time

	titleStyle    lipgloss.Style
	selectedStyle lipgloss.Style
	mutedStyle    lipgloss.Style
	stateStyles   map[models.ExecutionState]lipgloss.Style
}

// NewExecutionsPanel creates a new ExecutionsPanel instance.
func NewExecutionsPanel() *ExecutionsPanel {
	return &ExecutionsPanel{
		levels: make(map[string]int),
		now:    time.Now,

		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		selectedStyle: lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Bold(true),

		mutedStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")),

		stateStyles: map[models.ExecutionState]lipgloss.Style{
			models.ExecutionParsing:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.ExecutionValidating: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.ExecutionExecuting:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.ExecutionPaused:     lipgloss.NewStyle().Foreground(lipgloss.Color("63")),
			models.ExecutionCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.ExecutionFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		},
	}
}

// SetExecutions replaces the list, keeping the selection on the same
// execution when it is still present.
func (p *ExecutionsPanel) SetExecutions(executions []models.Execution) {
	selectedID := ""
	if sel := p.Selected(); sel != nil {
		selectedID = sel.ID
	}

	p.executions = executions
	for _, e := range executions {
		if _, ok := p.levels[e.ID]; ok || e.Definition == nil {
			continue
		}
		if g, err := graph.Build(e.Definition.Steps); err == nil {
			p.levels[e.ID] = g.NumLevels()
		}
	}

	p.selected = 0
	for i, e := range executions {
		if e.ID == selectedID {
			p.selected = i
			break
		}
	}
	p.ensureVisible()
}

// SetSize updates the panel dimensions.
func (p *ExecutionsPanel) SetSize(width, height int) {
	p.width = width
	p.height = height
	p.ensureVisible()
}

// SetFocused sets whether this panel has keyboard focus.
func (p *ExecutionsPanel) SetFocused(focused bool) {
	p.focused = focused
}

// Update handles navigation keys.
func (p *ExecutionsPanel) Update(msg tea.Msg) (*ExecutionsPanel, tea.Cmd) {
	if !p.focused {
		return p, nil
	}
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "up", "k":
			if p.selected > 0 {
				p.selected--
			}
		case "down", "j":
			if p.selected < len(p.executions)-1 {
				p.selected++
			}
		case "g":
			p.selected = 0
		case "G":
			p.selected = max(len(p.executions)-1, 0)
		}
		p.ensureVisible()
	}
	return p, nil
}

func (p *ExecutionsPanel) visibleLines() int {
	// title, column header and borders
	return max(p.height-4, 1)
}

func (p *ExecutionsPanel) ensureVisible() {
	visible := p.visibleLines()
	if p.selected < p.scrollOffset {
		p.scrollOffset = p.selected
	}
	if p.selected >= p.scrollOffset+visible {
		p.scrollOffset = p.selected - visible + 1
	}
	if p.scrollOffset < 0 {
		p.scrollOffset = 0
	}
}

// View renders the executions panel.
func (p *ExecutionsPanel) View() string {
	var b strings.Builder

	title := fmt.Sprintf("Executions (%d)", len(p.executions))
	if p.focused {
		title = "[" + title + "]"
	}
	b.WriteString(p.titleStyle.Render(title))
	b.WriteString("\n")

	if len(p.executions) == 0 {
		b.WriteString(p.mutedStyle.Italic(true).Render("  No active executions"))
	} else {
		b.WriteString(p.mutedStyle.Render(fmt.Sprintf("  %-8s %-10s %-7s %-7s %s", "ID", "STATE", "LEVEL", "AGE", "WORKFLOW")))
		b.WriteString("\n")
		end := min(p.scrollOffset+p.visibleLines(), len(p.executions))
		for i := p.scrollOffset; i < end; i++ {
			b.WriteString(p.renderLine(&p.executions[i], i == p.selected))
			b.WriteString("\n")
		}
	}

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

func (p *ExecutionsPanel) renderLine(e *models.Execution, selected bool) string {
	level := fmt.Sprintf("%d", e.CurrentLevel)
	if n, ok := p.levels[e.ID]; ok {
		level = fmt.Sprintf("%d/%d", min(e.CurrentLevel, n), n)
	}

	state := string(e.State)
	switch {
	case e.CancelRequested:
		state += "!"
	case e.PauseRequested && e.State != models.ExecutionPaused:
		state += "…"
	}
	stateStyle, ok := p.stateStyles[e.State]
	if !ok {
		stateStyle = p.mutedStyle
	}

	name := e.WorkflowName
	if e.ResumeCount > 0 {
		name += fmt.Sprintf(" (resumed %d)", e.ResumeCount)
	}

	marker := "  "
	if selected {
		marker = "> "
	}
	line := fmt.Sprintf("%s%-8s %s %-7s %-7s %s",
		marker,
		shortID(e.ID),
		stateStyle.Render(fmt.Sprintf("%-10s", state)),
		level,
		formatDuration(p.now().Sub(e.CreatedAt).Truncate(time.Second)),
		name,
	)
	line = truncate(line, max(p.width-4, 20))
	if selected && p.focused {
		return p.selectedStyle.Render(line)
	}
	return line
}

// Selected returns the selected execution, or nil when the list is empty.
func (p *ExecutionsPanel) Selected() *models.Execution {
	if p.selected < 0 || p.selected >= len(p.executions) {
		return nil
	}
	return &p.executions[p.selected]
}

// Count returns the number of listed executions.
func (p *ExecutionsPanel) Count() int {
	return len(p.executions)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// truncate cuts s to n display cells, keeping styling intact.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "…")
}
