// ABOUTME: Terminal monitor for the tapmix daemon
// ABOUTME: Live view of the state region with volume and mute keys
package main

import (
	"flag"
	"log"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tapmix/tapmix/internal/client"
	"github.com/tapmix/tapmix/internal/monitor"
	"github.com/tapmix/tapmix/pkg/protocol"
)

var (
	socketPath = flag.String("socket", "/run/tapmix/tapmix.sock", "Control socket path")
	interval   = flag.Duration("interval", 500*time.Millisecond, "State refresh interval")
)

func main() {
	flag.Parse()

	c, err := client.Dial(*socketPath)
	if err != nil {
		log.Fatalf("connect to %s: %v", *socketPath, err)
	}
	defer c.Close()

	p := tea.NewProgram(monitor.NewModel(c), tea.WithAltScreen())

	refresh := func() {
		if st, err := c.State(); err == nil {
			p.Send(monitor.StateMsg{State: st})
		} else {
			p.Send(monitor.ErrMsg{Err: err})
		}
	}
	// Server pushes nudge an immediate refresh; the ticker covers the rest.
	c.OnVolume = func(protocol.ClientVolumeUpdate) { go refresh() }
	c.OnIodevList = func(protocol.ClientIodevList) { go refresh() }
	c.OnClientList = func(protocol.ClientClientListUpdate) { go refresh() }

	go func() {
		ticker := time.NewTicker(*interval)
		defer ticker.Stop()
		refresh()
		for {
			select {
			case <-ticker.C:
				refresh()
			case <-c.Done():
				p.Quit()
				return
			}
		}
	}()

	if _, err := p.Run(); err != nil {
		log.Fatalf("monitor: %v", err)
	}
}
