package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Header renders the title bar with a refresh indicator.
type Header struct {
	width     int
	spinner   spinner.Model
	refreshed time.Time
	stale     bool

	titleStyle lipgloss.Style
	metaStyle  lipgloss.Style
	staleStyle lipgloss.Style
}

// NewHeader creates a new Header.
func NewHeader() *Header {
	s := spinner.New(spinner.WithSpinner(spinner.MiniDot))
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("63"))
	return &Header{
		width:   80,
		spinner: s,

		titleStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Bold(true),

		metaStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")),

		staleStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")),
	}
}

// SetWidth sets the header width.
func (h *Header) SetWidth(width int) {
	h.width = width
}

// SetRefreshed records the time of the last successful refresh.
func (h *Header) SetRefreshed(t time.Time, stale bool) {
	h.refreshed = t
	h.stale = stale
}

// Tick starts the spinner.
func (h *Header) Tick() tea.Cmd {
	return h.spinner.Tick
}

// Update advances the spinner.
func (h *Header) Update(msg tea.Msg) tea.Cmd {
	var cmd tea.Cmd
	h.spinner, cmd = h.spinner.Update(msg)
	return cmd
}

// View renders the header.
func (h *Header) View() string {
	left := h.spinner.View() + " " + h.titleStyle.Render("stepflow top")

	var right string
	switch {
	case h.refreshed.IsZero():
		right = h.metaStyle.Render("waiting for data")
	case h.stale:
		right = h.staleStyle.Render(fmt.Sprintf("refresh failed, last ok %s", h.refreshed.Format("15:04:05")))
	default:
		right = h.metaStyle.Render("updated " + h.refreshed.Format("15:04:05"))
	}

	gap := h.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + lipgloss.NewStyle().Width(gap).Render("") + right
}
