// Package watch is the live terminal view of remote updates.
package watch

import (
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
)

// Status is the engine state shown in the header.
type Status struct {
	Listeners int
	Pending   int // queued retries
	Dirty     int // unpushed local records
}

// MaxEvents bounds the feed kept in memory
const MaxEvents = 500

// MinWidth is the minimum terminal width for the full view
const MinWidth = 40

// MinHeight is the minimum terminal height for the full view
const MinHeight = 10

// TickMsg triggers a status refresh
type TickMsg time.Time

// EventMsg carries one update from the feed
type EventMsg Event

// closedMsg reports that the feed channel was closed
type closedMsg struct{}

// Model is the Bubble Tea model for the watch TUI
type Model struct {
	events <-chan Event
	status func() Status

	// Window dimensions
	Width  int
	Height int

	Items  []Event
	Counts map[string]int
	Stat   Status

	Scroll      int
	ShowHelp    bool
	FilterMode  bool
	FilterInput textinput.Model
	Filter      string
	Closed      bool
	StartedAt   time.Time

	RefreshInterval time.Duration
}

// NewModel creates a watch model reading from events. status may be nil.
func NewModel(events <-chan Event, status func() Status, interval time.Duration) Model {
	if interval <= 0 {
		interval = time.Second
	}
	fi := textinput.New()
	fi.Placeholder = "collection"
	fi.Prompt = "/"
	fi.CharLimit = 64

	return Model{
		events:          events,
		status:          status,
		Counts:          map[string]int{},
		FilterInput:     fi,
		StartedAt:       time.Now(),
		RefreshInterval: interval,
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitForEvent(), m.refreshStatus(), m.scheduleTick())
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.FilterMode {
			return m.handleFilterKey(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.Width = msg.Width
		m.Height = msg.Height
		return m, nil

	case TickMsg:
		return m, tea.Batch(m.refreshStatus(), m.scheduleTick())

	case Status:
		m.Stat = msg
		return m, nil

	case EventMsg:
		m.add(Event(msg))
		return m, m.waitForEvent()

	case closedMsg:
		m.Closed = true
		return m, nil
	}

	return m, nil
}

// add prepends ev so the newest update is on top.
func (m *Model) add(ev Event) {
	m.Items = append([]Event{ev}, m.Items...)
	if len(m.Items) > MaxEvents {
		m.Items = m.Items[:MaxEvents]
	}
	m.Counts[ev.Collection]++
	if m.Scroll > 0 {
		// keep the same rows in view while scrolled back
		m.Scroll++
	}
}

// Visible returns the items that pass the current filter.
func (m Model) Visible() []Event {
	if m.Filter == "" {
		return m.Items
	}
	f := strings.ToLower(m.Filter)
	var out []Event
	for _, ev := range m.Items {
		if strings.Contains(strings.ToLower(ev.Collection), f) {
			out = append(out, ev)
		}
	}
	return out
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "/":
		m.FilterMode = true
		m.FilterInput.SetValue(m.Filter)
		m.FilterInput.Focus()
		return m, m.FilterInput.Cursor.BlinkCmd()

	case "esc":
		m.Filter = ""
		m.Scroll = 0
		return m, nil

	case "j", "down":
		if m.Scroll < len(m.Visible())-1 {
			m.Scroll++
		}
		return m, nil

	case "k", "up":
		if m.Scroll > 0 {
			m.Scroll--
		}
		return m, nil

	case "g", "home":
		m.Scroll = 0
		return m, nil

	case "c":
		m.Items = nil
		m.Counts = map[string]int{}
		m.Scroll = 0
		return m, nil

	case "?":
		m.ShowHelp = !m.ShowHelp
		return m, nil
	}

	return m, nil
}

func (m Model) handleFilterKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEnter:
		m.Filter = strings.TrimSpace(m.FilterInput.Value())
		m.FilterMode = false
		m.FilterInput.Blur()
		m.Scroll = 0
		return m, nil
	case tea.KeyEsc:
		m.FilterMode = false
		m.FilterInput.Blur()
		return m, nil
	case tea.KeyCtrlC:
		return m, tea.Quit
	}
	var cmd tea.Cmd
	m.FilterInput, cmd = m.FilterInput.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m Model) View() string {
	return m.renderView()
}

func (m Model) scheduleTick() tea.Cmd {
	return tea.Tick(m.RefreshInterval, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func (m Model) refreshStatus() tea.Cmd {
	if m.status == nil {
		return nil
	}
	return func() tea.Msg {
		return m.status()
	}
}

// waitForEvent blocks on the feed in a command goroutine.
func (m Model) waitForEvent() tea.Cmd {
	if m.events == nil {
		return nil
	}
	ch := m.events
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return EventMsg(ev)
	}
}
