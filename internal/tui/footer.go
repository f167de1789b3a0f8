package tui

import (
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/lipgloss"
)

// Footer renders the status message and keyboard hints.
type Footer struct {
	message string
	isError bool
	width   int
	help    help.Model
	keys    keyMap

	okStyle        lipgloss.Style
	errorStyle     lipgloss.Style
	separatorStyle lipgloss.Style
}

// NewFooter creates a new Footer instance.
func NewFooter(keys keyMap) *Footer {
	return &Footer{
		help: help.New(),
		keys: keys,

		okStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("28")).
			Bold(true),

		errorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true),

		separatorStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("236")),
	}
}

// SetMessage sets the status message.
func (f *Footer) SetMessage(message string, isError bool) {
	f.message = message
	f.isError = isError
}

// Message returns the current status message.
func (f *Footer) Message() string {
	return f.message
}

// SetWidth sets the footer width.
func (f *Footer) SetWidth(width int) {
	f.width = width
	f.help.Width = width
}

// View renders the footer.
func (f *Footer) View() string {
	hints := f.help.View(f.keys)
	if f.message == "" {
		return hints
	}
	style := f.okStyle
	if f.isError {
		style = f.errorStyle
	}
	return style.Render(f.message) + f.separatorStyle.Render(" │ ") + hints
}
