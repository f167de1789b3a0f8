package tui

// PanelDimensions holds calculated dimensions for each panel in the layout.
type PanelDimensions struct {
	// ExecutionsWidth is the width of the executions panel (top left).
	ExecutionsWidth int
	// QueueWidth is the width of the queue panel (top right).
	QueueWidth int
	// TopHeight is the height of the top row.
	TopHeight int
	// EventsWidth is the width of the events panel (bottom).
	EventsWidth int
	// EventsHeight is the height of the events panel.
	EventsHeight int
}

// LayoutManager calculates panel dimensions based on terminal size.
type LayoutManager struct {
	totalWidth   int
	totalHeight  int
	headerHeight int
	footerHeight int
}

// NewLayoutManager creates a new LayoutManager with the given terminal dimensions.
func NewLayoutManager(width, height int) *LayoutManager {
	return &LayoutManager{
		totalWidth:   width,
		totalHeight:  height,
		headerHeight: 1,
		footerHeight: 1,
	}
}

// SetSize updates the terminal dimensions.
func (l *LayoutManager) SetSize(width, height int) {
	l.totalWidth = width
	l.totalHeight = height
}

// Calculate returns the panel dimensions based on current terminal size.
// Layout ratios: Executions 60% / Queue 40% on top, events below.
func (l *LayoutManager) Calculate() PanelDimensions {
	const (
		minQueueWidth  = 34
		minTopHeight   = 12
		minEventHeight = 4
	)

	queueWidth := l.totalWidth * 40 / 100
	if queueWidth < minQueueWidth {
		queueWidth = minQueueWidth
	}
	if queueWidth > l.totalWidth {
		queueWidth = l.totalWidth
	}
	execWidth := l.totalWidth - queueWidth

	content := l.totalHeight - l.headerHeight - l.footerHeight
	if content < minTopHeight+minEventHeight {
		content = minTopHeight + minEventHeight
	}
	top := content * 55 / 100
	if top < minTopHeight {
		top = minTopHeight
	}
	events := content - top
	if events < minEventHeight {
		events = minEventHeight
		top = content - events
	}

	return PanelDimensions{
		ExecutionsWidth: execWidth,
		QueueWidth:      queueWidth,
		TopHeight:       top,
		EventsWidth:     l.totalWidth,
		EventsHeight:    events,
	}
}

// TotalWidth returns the current terminal width.
func (l *LayoutManager) TotalWidth() int {
	return l.totalWidth
}

// TotalHeight returns the current terminal height.
func (l *LayoutManager) TotalHeight() int {
	return l.totalHeight
}
