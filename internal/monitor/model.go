// ABOUTME: Bubbletea model for the daemon monitor TUI
// ABOUTME: Renders the shared state region and drives volume keys
package monitor

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// Control is the slice of the client surface the monitor drives.
type Control interface {
	SetSystemVolume(volume uint32) error
	SetSystemMute(mute bool) error
}

// StateMsg carries a fresh copy of the server state region.
type StateMsg struct {
	State shm.StateData
}

// ErrMsg reports a state read or control failure.
type ErrMsg struct {
	Err error
}

// Model represents the monitor state
type Model struct {
	ctrl Control

	state   shm.StateData
	haveOne bool
	lastErr error

	width  int
	height int
}

// NewModel creates a monitor model around the control surface
func NewModel(ctrl Control) Model {
	return Model{ctrl: ctrl}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return nil
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
	case StateMsg:
		m.state = msg.State
		m.haveOne = true
		m.lastErr = nil
	case ErrMsg:
		m.lastErr = msg.Err
	}

	return m, nil
}

// handleKey handles keyboard input
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case "up":
		v := m.state.Volume + 5
		if v > 100 {
			v = 100
		}
		m.control(m.ctrl.SetSystemVolume(v))
	case "down":
		v := int32(m.state.Volume) - 5
		if v < 0 {
			v = 0
		}
		m.control(m.ctrl.SetSystemVolume(uint32(v)))
	case "m":
		m.control(m.ctrl.SetSystemMute(m.state.Muted == 0))
	}

	return m, nil
}

func (m *Model) control(err error) {
	if err != nil {
		m.lastErr = err
	}
}

// View renders the monitor
func (m Model) View() string {
	if !m.haveOne {
		return "Waiting for server state...\n"
	}

	s := m.renderHeader()
	s += m.renderVolume()
	s += m.renderDevices()
	s += m.renderFooter()
	return s
}

func (m Model) renderHeader() string {
	return fmt.Sprintf(`┌─ tapmix ─────────────────────────────────────────────┐
│ Clients: %-3d  Streams attached: %-3d%-17s │
├──────────────────────────────────────────────────────┤
`, m.state.NumClients, m.state.NumStreamsAttached, "")
}

func (m Model) renderVolume() string {
	muteIcon := ""
	switch {
	case m.state.MuteLocked != 0:
		muteIcon = " [mute locked]"
	case m.state.Muted != 0:
		muteIcon = " [muted]"
	}
	captIcon := ""
	if m.state.CaptureMuted != 0 || m.state.CaptureMuteLocked != 0 {
		captIcon = " [muted]"
	}

	return fmt.Sprintf("│ Volume:  [%s] %3d%%%-24s│\n│ Capture: %+6.1f dB%s%-27s│\n",
		renderBar(int(m.state.Volume), 100, 10), m.state.Volume, muteIcon,
		float64(m.state.CaptureGain)/100.0, captIcon, "")
}

func (m Model) renderDevices() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	if m.state.NumDevs == 0 {
		s += "│ No devices                                           │\n"
		return s
	}
	for i := uint32(0); i < m.state.NumDevs; i++ {
		d := &m.state.Devs[i]
		mark := " "
		idx := protocol.NodeID(m.state.SelectedOutput).DevIdx()
		if protocol.Direction(d.Direction) == protocol.DirectionInput {
			idx = protocol.NodeID(m.state.SelectedInput).DevIdx()
		}
		if d.Idx == idx {
			mark = "*"
		}
		s += fmt.Sprintf("│ %s[%2d] %-6s %-38s │\n", mark, d.Idx,
			protocol.Direction(d.Direction), truncate(protocol.CString(d.Name[:]), 38))
	}
	return s
}

func (m Model) renderFooter() string {
	s := "├──────────────────────────────────────────────────────┤\n"
	if m.lastErr != nil {
		s += fmt.Sprintf("│ Error: %-45s │\n", truncate(m.lastErr.Error(), 45))
	}
	s += `│ ↑/↓:Volume  m:Mute  q:Quit                           │
└──────────────────────────────────────────────────────┘
`
	return s
}

func renderBar(value, max, width int) string {
	filled := (value * width) / max
	bar := ""
	for i := 0; i < width; i++ {
		if i < filled {
			bar += "█"
		} else {
			bar += "░"
		}
	}
	return bar
}

func truncate(s string, length int) string {
	r := []rune(s)
	if len(r) <= length {
		return s
	}
	return string(r[:length-3]) + "..."
}
