// ABOUTME: Pending-flag alerts for state changes
// ABOUTME: Coalesces bursts of changes into one notification per drain
package server

import "sync"

// AlertID names one class of change the control loop can be told about.
type AlertID int

const (
	AlertVolume AlertID = iota
	AlertIodevList
	AlertClientList
	numAlerts
)

// Alerts coalesces change notifications. Any goroutine may Pend; the control
// loop drains with Process, firing each pending alert's callbacks exactly
// once no matter how many times it was pended since the last drain.
type Alerts struct {
	mu        sync.Mutex
	pending   [numAlerts]bool
	callbacks [numAlerts][]func()
	kick      chan struct{}
}

// NewAlerts builds an empty alert table.
func NewAlerts() *Alerts {
	return &Alerts{kick: make(chan struct{}, 1)}
}

// Subscribe registers a callback for one alert. Callbacks run on the
// draining goroutine.
func (a *Alerts) Subscribe(id AlertID, fn func()) {
	a.mu.Lock()
	a.callbacks[id] = append(a.callbacks[id], fn)
	a.mu.Unlock()
}

// Pend marks an alert for the next drain.
func (a *Alerts) Pend(id AlertID) {
	a.mu.Lock()
	a.pending[id] = true
	a.mu.Unlock()
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Kick signals when at least one alert is pending.
func (a *Alerts) Kick() <-chan struct{} { return a.kick }

// Process fires callbacks for every pending alert and clears the flags.
func (a *Alerts) Process() {
	a.mu.Lock()
	var fire [numAlerts][]func()
	for id := AlertID(0); id < numAlerts; id++ {
		if a.pending[id] {
			a.pending[id] = false
			fire[id] = a.callbacks[id]
		}
	}
	a.mu.Unlock()
	for _, fns := range fire {
		for _, fn := range fns {
			fn()
		}
	}
}
