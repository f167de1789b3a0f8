package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ShayCichocki/stepflow/internal/queue"
	"github.com/ShayCichocki/stepflow/pkg/models"
)

// statusOrder is the display order of item statuses.
var statusOrder = []models.ItemStatus{
	models.ItemPending,
	models.ItemProcessing,
	models.ItemCompleted,
	models.ItemFailed,
	models.ItemCancelled,
}

// QueuePanel shows per-status counts, throughput and processing time.
type QueuePanel struct {
	stats   *queue.Stats
	dropped uint64
	width   int
	height  int
	focused bool

	titleStyle    lipgloss.Style
	labelStyle    lipgloss.Style
	valueStyle    lipgloss.Style
	progressEmpty lipgloss.Style
	statusStyles  map[models.ItemStatus]lipgloss.Style
}

// NewQueuePanel creates a new QueuePanel instance.
func NewQueuePanel() *QueuePanel {
	return &QueuePanel{
		titleStyle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Padding(0, 1),

		labelStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Width(12),

		valueStyle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Bold(true),

		progressEmpty: lipgloss.NewStyle().
			Foreground(lipgloss.Color("238")),

		statusStyles: map[models.ItemStatus]lipgloss.Style{
			models.ItemPending:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			models.ItemProcessing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
			models.ItemCompleted:  lipgloss.NewStyle().Foreground(lipgloss.Color("34")),
			models.ItemFailed:     lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
			models.ItemCancelled:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
		},
	}
}

// SetStats replaces the displayed statistics.
func (p *QueuePanel) SetStats(stats *queue.Stats) {
	p.stats = stats
}

// SetDropped records how many live events the dashboard failed to receive.
func (p *QueuePanel) SetDropped(n uint64) {
	p.dropped = n
}

// SetSize updates the panel dimensions.
func (p *QueuePanel) SetSize(width, height int) {
	p.width = width
	p.height = height
}

// SetFocused sets whether this panel has keyboard focus.
func (p *QueuePanel) SetFocused(focused bool) {
	p.focused = focused
}

// View renders the queue panel.
func (p *QueuePanel) View() string {
	var b strings.Builder

	title := "Queue"
	if p.focused {
		title = "[Queue]"
	}
	b.WriteString(p.titleStyle.Render(title))
	b.WriteString("\n")

	if p.stats == nil {
		b.WriteString(lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true).
			Render("  No data"))
	} else {
		barWidth := p.width - 26
		if barWidth < 5 {
			barWidth = 5
		}
		for _, status := range statusOrder {
			n := p.stats.Counts[status]
			b.WriteString(p.labelStyle.Render(string(status)))
			b.WriteString(p.valueStyle.Render(fmt.Sprintf("%6d", n)))
			b.WriteString(" ")
			b.WriteString(p.renderBar(status, n, p.stats.Total, barWidth))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(p.labelStyle.Render("total"))
		b.WriteString(p.valueStyle.Render(fmt.Sprintf("%6d", p.stats.Total)))
		b.WriteString("\n")
		b.WriteString(p.labelStyle.Render("throughput"))
		b.WriteString(p.valueStyle.Render(fmt.Sprintf("%6d", p.stats.Throughput)))
		b.WriteString(fmt.Sprintf(" / %s", formatDuration(p.stats.ThroughputWindow)))
		b.WriteString("\n")
		b.WriteString(p.labelStyle.Render("avg time"))
		b.WriteString(p.valueStyle.Render(fmt.Sprintf("%6s", formatDuration(p.stats.AvgProcessingTime))))
		if p.dropped > 0 {
			b.WriteString("\n")
			b.WriteString(p.labelStyle.Render("dropped"))
			b.WriteString(p.statusStyles[models.ItemFailed].Render(fmt.Sprintf("%6d", p.dropped)))
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

// renderBar renders n as a share of total.
func (p *QueuePanel) renderBar(status models.ItemStatus, n, total, width int) string {
	filled := 0
	if total > 0 {
		filled = n * width / total
	}
	if n > 0 && filled == 0 {
		filled = 1
	}
	return p.statusStyles[status].Render(strings.Repeat("█", filled)) +
		p.progressEmpty.Render(strings.Repeat("░", width-filled))
}

// formatDuration renders d compactly for narrow columns.
func formatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
