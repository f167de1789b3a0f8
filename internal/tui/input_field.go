package tui

import (
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FilterAppliedMsg is sent when the user confirms or clears the event filter.
type FilterAppliedMsg struct {
	Text string
}

// FilterInput is the one-line prompt for the event filter.
type FilterInput struct {
	input  textinput.Model
	width  int
	active bool
}

// NewFilterInput creates a new FilterInput.
func NewFilterInput() *FilterInput {
	ti := textinput.New()
	ti.Placeholder = "filter events (execution, step, type)..."
	ti.CharLimit = 120
	ti.Width = 60

	return &FilterInput{
		input: ti,
		width: 80,
	}
}

// SetWidth sets the width of the input field.
func (f *FilterInput) SetWidth(width int) {
	f.width = width
	f.input.Width = max(width-4, 1)
}

// Active reports whether the prompt is open.
func (f *FilterInput) Active() bool {
	return f.active
}

// Open shows the prompt with the current filter.
func (f *FilterInput) Open(current string) tea.Cmd {
	f.active = true
	f.input.SetValue(current)
	f.input.CursorEnd()
	return f.input.Focus()
}

// Update handles keys while the prompt is open. Enter applies the filter,
// Esc clears it.
func (f *FilterInput) Update(msg tea.Msg) (*FilterInput, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "enter":
			return f, f.close(f.input.Value())
		case "esc":
			return f, f.close("")
		}
	}

	var cmd tea.Cmd
	f.input, cmd = f.input.Update(msg)
	return f, cmd
}

func (f *FilterInput) close(text string) tea.Cmd {
	f.active = false
	f.input.Blur()
	f.input.Reset()
	return func() tea.Msg {
		return FilterAppliedMsg{Text: text}
	}
}

// View renders the input field.
func (f *FilterInput) View() string {
	promptStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("39")).
		Bold(true)
	return promptStyle.Render("/ ") + f.input.View()
}
