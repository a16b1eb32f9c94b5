// ABOUTME: The audio worker loop servicing devices and stream sockets
// ABOUTME: Typed command channel from the control thread plus a wake pipe
package audiothread

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// EventKind tags notifications posted to the control thread.
type EventKind int

const (
	// EventStreamError: a stream's audio socket failed; the control thread
	// should disconnect it.
	EventStreamError EventKind = iota
	// EventDeviceSuspended: a device hit fatal errors and was closed.
	EventDeviceSuspended
	// EventStreamsReattached: streams were moved to the fallback device.
	EventStreamsReattached
)

// Event is a notification from the audio thread to the control thread.
type Event struct {
	Kind    EventKind
	Streams []protocol.StreamID
	DevIdx  uint32
}

type cmdKind int

const (
	cmdAddStream cmdKind = iota
	cmdRemoveStream
	cmdAttachDev
	cmdDetachDev
	cmdSetScaler
	cmdDump
	cmdQuit
)

type command struct {
	kind     cmdKind
	stream   *Stream
	streamID protocol.StreamID
	dev      iodev.Iodev
	devIdx   uint32
	scaler   float32
	snap     *Snapshot
	reply    chan error
}

// StreamSnapshot is one stream's state in a thread dump.
type StreamSnapshot struct {
	ID          protocol.StreamID
	Direction   protocol.Direction
	FrameRate   int
	CbThreshold int
	ShmLevel    int
	Pending     bool
	NextCbTs    time.Time
}

// DeviceSnapshot is one device's state in a thread dump.
type DeviceSnapshot struct {
	Idx       uint32
	Name      string
	Direction protocol.Direction
	State     string
	Level     int
	WakeTs    time.Time
	Streams   []StreamSnapshot
}

// Snapshot is a point-in-time view of the audio thread for introspection.
type Snapshot struct {
	TakenAt time.Time
	Devices []DeviceSnapshot
}

// Thread owns all device I/O and stream servicing. The control thread
// talks to it only through commands; state inside is single threaded.
type Thread struct {
	cmds   chan command
	events chan Event

	wakeR, wakeW int

	devs        map[uint32]*activeDev
	fallbackOut *activeDev
	fallbackIn  *activeDev
	loopbacks   []*iodev.Loopback

	scaler float32
	done   chan struct{}
}

// NewThread builds the audio thread around the two fallback devices and
// any loopback taps. Call Start to begin servicing.
func NewThread(fallbackOut, fallbackIn iodev.Iodev, loopbacks []*iodev.Loopback) (*Thread, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("audiothread: wake pipe: %w", err)
	}
	t := &Thread{
		cmds:        make(chan command, 16),
		events:      make(chan Event, 64),
		wakeR:       p[0],
		wakeW:       p[1],
		devs:        make(map[uint32]*activeDev),
		fallbackOut: newActiveDev(fallbackOut),
		fallbackIn:  newActiveDev(fallbackIn),
		loopbacks:   loopbacks,
		scaler:      1.0,
		done:        make(chan struct{}),
	}
	return t, nil
}

// Events delivers notifications for the control thread to drain.
func (t *Thread) Events() <-chan Event { return t.events }

// Start launches the worker goroutine.
func (t *Thread) Start() {
	go t.run()
}

// Stop shuts the worker down and closes every device.
func (t *Thread) Stop() {
	t.submit(command{kind: cmdQuit})
	<-t.done
	unix.Close(t.wakeR)
	unix.Close(t.wakeW)
}

// AddStream attaches a stream to the device with devIdx, or to the
// fallback of its direction when the device is unknown or faces the other
// way.
func (t *Thread) AddStream(s *Stream, devIdx uint32) error {
	return t.submit(command{kind: cmdAddStream, stream: s, devIdx: devIdx})
}

// RemoveStream detaches a stream wherever it is attached.
func (t *Thread) RemoveStream(id protocol.StreamID) error {
	return t.submit(command{kind: cmdRemoveStream, streamID: id})
}

// AttachDevice hands a device to the audio thread.
func (t *Thread) AttachDevice(dev iodev.Iodev) error {
	return t.submit(command{kind: cmdAttachDev, dev: dev})
}

// DetachDevice removes a device; its streams move to the fallback.
func (t *Thread) DetachDevice(devIdx uint32) error {
	return t.submit(command{kind: cmdDetachDev, devIdx: devIdx})
}

// SetVolumeScaler sets the system software volume applied during mixing.
func (t *Thread) SetVolumeScaler(scaler float32) error {
	return t.submit(command{kind: cmdSetScaler, scaler: scaler})
}

// Dump captures a snapshot of thread state.
func (t *Thread) Dump() (Snapshot, error) {
	var snap Snapshot
	err := t.submit(command{kind: cmdDump, snap: &snap})
	return snap, err
}

// submit sends a command, kicks the wake pipe and waits for the ack.
// Commands are FIFO and acknowledged one at a time.
func (t *Thread) submit(c command) error {
	c.reply = make(chan error, 1)
	select {
	case t.cmds <- c:
	case <-t.done:
		return errors.New("audiothread: stopped")
	}
	var one [1]byte
	unix.Write(t.wakeW, one[:])
	select {
	case err := <-c.reply:
		return err
	case <-t.done:
		return errors.New("audiothread: stopped")
	}
}

func (t *Thread) post(ev Event) {
	select {
	case t.events <- ev:
	default:
		log.Printf("audiothread: event queue full, dropping %v", ev.Kind)
	}
}

func (t *Thread) fallback(dir protocol.Direction) *activeDev {
	if dir == protocol.DirectionInput {
		return t.fallbackIn
	}
	return t.fallbackOut
}

// allDevs iterates attached devices plus the fallbacks.
func (t *Thread) allDevs(fn func(*activeDev)) {
	for _, ad := range t.devs {
		fn(ad)
	}
	fn(t.fallbackOut)
	fn(t.fallbackIn)
}

func (t *Thread) run() {
	defer close(t.done)
	for {
		if !t.loop() {
			return
		}
	}
}

// loop runs one wake: poll, handle commands and stream replies, service
// devices. Returns false on quit.
func (t *Thread) loop() bool {
	now := time.Now()

	// Assemble the poll set: wake pipe first, then every stream with an
	// outstanding callback.
	fds := []unix.PollFd{{Fd: int32(t.wakeR), Events: unix.POLLIN}}
	owners := []*Stream{nil}
	t.allDevs(func(ad *activeDev) {
		for _, ds := range ad.streams {
			if fd := ds.Stream.PollFd(); fd >= 0 {
				fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
				owners = append(owners, ds.Stream)
			}
		}
	})

	timeout := t.pollTimeout(now)
	n, err := unix.Poll(fds, timeout)
	if err != nil && err != unix.EINTR {
		log.Printf("audiothread: poll: %v", err)
	}

	if n > 0 {
		if fds[0].Revents != 0 {
			t.drainWakePipe()
		}
		for i := 1; i < len(fds); i++ {
			if fds[i].Revents == 0 {
				continue
			}
			if _, err := owners[i].ReadReply(); err != nil &&
				err != unix.EAGAIN && err != unix.EINTR {
				log.Printf("audiothread: stream %#x reply: %v",
					uint32(owners[i].ID), err)
			}
		}
	}

	if !t.handleCommands() {
		return false
	}

	now = time.Now()
	t.allDevs(func(ad *activeDev) {
		if ad.state == StateClosed {
			return
		}
		if err := ad.service(now, t.scaler, t.loopbacks); errors.Is(err, errDeviceFatal) {
			t.suspend(ad)
			return
		}
		if dead := ad.reapDead(); len(dead) > 0 {
			ids := make([]protocol.StreamID, len(dead))
			for i, s := range dead {
				ids[i] = s.ID
			}
			t.post(Event{Kind: EventStreamError, Streams: ids})
		}
	})
	return true
}

// pollTimeout converts the nearest device deadline to poll milliseconds.
func (t *Thread) pollTimeout(now time.Time) int {
	var nearest time.Time
	t.allDevs(func(ad *activeDev) {
		if ad.state == StateClosed {
			return
		}
		if len(ad.streams) == 0 && ad.state != StateDraining {
			return
		}
		w := ad.nextWake(now)
		if nearest.IsZero() || w.Before(nearest) {
			nearest = w
		}
	})
	if nearest.IsZero() {
		return -1
	}
	ms := int(nearest.Sub(now).Milliseconds())
	if ms < 0 {
		ms = 0
	}
	return ms
}

func (t *Thread) drainWakePipe() {
	var buf [64]byte
	for {
		if _, err := unix.Read(t.wakeR, buf[:]); err != nil {
			return
		}
	}
}

// handleCommands drains the command channel. Returns false on quit.
func (t *Thread) handleCommands() bool {
	for {
		select {
		case c := <-t.cmds:
			if c.kind == cmdQuit {
				t.shutdown()
				c.reply <- nil
				return false
			}
			c.reply <- t.execute(c)
		default:
			return true
		}
	}
}

func (t *Thread) execute(c command) error {
	switch c.kind {
	case cmdAddStream:
		ad, ok := t.devs[c.devIdx]
		if !ok || ad.direction() != c.stream.Direction {
			ad = t.fallback(c.stream.Direction)
		}
		if err := ad.attach(c.stream); err != nil {
			// A broken device must not fail the stream; park it on the
			// fallback instead.
			fb := t.fallback(c.stream.Direction)
			if ad == fb {
				return err
			}
			log.Printf("audiothread: attach to dev %d failed (%v), using fallback",
				c.devIdx, err)
			return fb.attach(c.stream)
		}
		return nil

	case cmdRemoveStream:
		var removed *Stream
		t.allDevs(func(ad *activeDev) {
			if s := ad.detach(c.streamID); s != nil {
				removed = s
			}
		})
		if removed == nil {
			return fmt.Errorf("audiothread: stream %#x not attached", uint32(c.streamID))
		}
		return nil

	case cmdAttachDev:
		idx := c.dev.Info().Idx
		if _, ok := t.devs[idx]; ok {
			return fmt.Errorf("audiothread: device %d already attached", idx)
		}
		t.devs[idx] = newActiveDev(c.dev)
		return nil

	case cmdDetachDev:
		ad, ok := t.devs[c.devIdx]
		if !ok {
			return fmt.Errorf("audiothread: device %d not attached", c.devIdx)
		}
		delete(t.devs, c.devIdx)
		t.reattachToFallback(ad)
		return nil

	case cmdSetScaler:
		if c.scaler < 0 || c.scaler > 1 {
			return fmt.Errorf("audiothread: scaler %v out of range", c.scaler)
		}
		t.scaler = c.scaler
		return nil

	case cmdDump:
		*c.snap = t.snapshot()
		return nil
	}
	return fmt.Errorf("audiothread: unknown command %d", c.kind)
}

// suspend closes a failed device and moves its streams to the fallback.
func (t *Thread) suspend(ad *activeDev) {
	idx := ad.dev.Info().Idx
	log.Printf("audiothread: suspending %s", ad.dev.Info().Name)
	delete(t.devs, idx)
	t.post(Event{Kind: EventDeviceSuspended, DevIdx: idx})
	t.reattachToFallback(ad)
}

func (t *Thread) reattachToFallback(ad *activeDev) {
	streams := ad.takeStreams()
	if len(streams) == 0 {
		return
	}
	fb := t.fallback(ad.direction())
	ids := make([]protocol.StreamID, 0, len(streams))
	for _, s := range streams {
		if err := fb.attach(s); err != nil {
			log.Printf("audiothread: fallback attach %#x: %v", uint32(s.ID), err)
			continue
		}
		ids = append(ids, s.ID)
	}
	t.post(Event{Kind: EventStreamsReattached, Streams: ids, DevIdx: fb.dev.Info().Idx})
}

func (t *Thread) shutdown() {
	t.allDevs(func(ad *activeDev) {
		ad.close()
	})
}

func (t *Thread) snapshot() Snapshot {
	now := time.Now()
	snap := Snapshot{TakenAt: now}
	t.allDevs(func(ad *activeDev) {
		level := 0
		if ad.state != StateClosed {
			level, _ = ad.dev.FramesQueued(now)
		}
		d := DeviceSnapshot{
			Idx:       ad.dev.Info().Idx,
			Name:      ad.dev.Info().Name,
			Direction: ad.direction(),
			State:     ad.state.String(),
			Level:     level,
			WakeTs:    ad.wakeTs,
		}
		for _, ds := range ad.streams {
			s := ds.Stream
			d.Streams = append(d.Streams, StreamSnapshot{
				ID:          s.ID,
				Direction:   s.Direction,
				FrameRate:   s.Format.FrameRate,
				CbThreshold: s.CbThreshold,
				ShmLevel:    s.Area.Level(),
				Pending:     s.Area.CallbackPending(),
				NextCbTs:    s.NextCbTs,
			})
		}
		snap.Devices = append(snap.Devices, d)
	})
	return snap
}
