// ABOUTME: Empty fallback device backed by nothing but the wall clock
// ABOUTME: Keeps streams schedulable while no real device is attached
package iodev

import (
	"log"
	"time"

	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// EmptyBufferFrames is the simulated hardware buffer of a fallback device.
const EmptyBufferFrames = 4096

// Empty is the per-direction fallback device. Playback frames drain and
// capture frames accrue at the nominal rate, derived from elapsed monotonic
// time, so attached streams keep their callback cadence.
type Empty struct {
	info  Info
	node  Node
	open  bool
	fmt   audio.Format
	level int
	last  time.Time

	scratch   []byte
	heldBytes int
}

// NewEmpty builds a fallback device for one direction.
func NewEmpty(idx uint32, dir protocol.Direction) *Empty {
	name := "(empty playback)"
	if dir == protocol.DirectionInput {
		name = "(empty capture)"
	}
	e := &Empty{
		info: Info{
			Idx:                    idx,
			Name:                   name,
			Direction:              dir,
			BufferFrames:           EmptyBufferFrames,
			SupportedRates:         []int{8000, 16000, 44100, 48000, 96000},
			SupportedChannelCounts: []int{1, 2},
			SupportedFormats: []audio.SampleFormat{
				audio.FormatS16LE, audio.FormatS24LE, audio.FormatS32LE,
			},
		},
	}
	e.node = Node{
		ID:       protocol.MakeNodeID(idx, 0),
		Name:     name,
		Type:     "fallback",
		Plugged:  true,
		Priority: 0,
		Volume:   100,
		Active:   true,
	}
	return e
}

func (e *Empty) Info() *Info        { return &e.info }
func (e *Empty) Nodes() []*Node     { return []*Node{&e.node} }
func (e *Empty) ActiveNode() *Node  { return &e.node }
func (e *Empty) IsOpen() bool       { return e.open }
func (e *Empty) DevRunning() bool   { return e.open }
func (e *Empty) Format() audio.Format { return e.fmt }

func (e *Empty) UpdateActiveNode(nodeIdx uint32) error { return nil }
func (e *Empty) UpdateSupportedFormats() error         { return nil }

func (e *Empty) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	e.fmt = f
	e.open = true
	e.level = 0
	e.last = time.Now()
	e.scratch = make([]byte, EmptyBufferFrames*f.FrameBytes())
	log.Printf("iodev: opened %s at %d Hz", e.info.Name, f.FrameRate)
	return nil
}

func (e *Empty) Close() error {
	e.open = false
	e.scratch = nil
	e.heldBytes = 0
	return nil
}

// advance folds elapsed wall-clock time into the simulated buffer level.
func (e *Empty) advance(now time.Time) {
	if !e.open || !now.After(e.last) {
		return
	}
	elapsed := int(now.Sub(e.last).Seconds() * float64(e.fmt.FrameRate))
	if elapsed == 0 {
		return
	}
	e.last = now
	if e.info.Direction == protocol.DirectionOutput {
		e.level -= elapsed
		if e.level < 0 {
			e.level = 0
		}
	} else {
		e.level += elapsed
		if e.level > EmptyBufferFrames {
			e.level = EmptyBufferFrames
		}
	}
}

func (e *Empty) FramesQueued(now time.Time) (int, error) {
	if !e.open {
		return 0, ErrNotOpen
	}
	e.advance(now)
	return e.level, nil
}

func (e *Empty) DelayFrames() (int, error) {
	return e.level, nil
}

func (e *Empty) GetBuffer(frames int) ([]byte, int, error) {
	if !e.open {
		return nil, 0, ErrNotOpen
	}
	if e.heldBytes != 0 {
		return nil, 0, ErrBufferHeld
	}
	e.advance(time.Now())
	avail := EmptyBufferFrames - e.level
	if e.info.Direction == protocol.DirectionInput {
		avail = e.level
	}
	if frames > avail {
		frames = avail
	}
	if frames < 0 {
		frames = 0
	}
	n := frames * e.fmt.FrameBytes()
	e.heldBytes = n
	if e.info.Direction == protocol.DirectionInput {
		// Captured audio from nowhere is silence.
		dspSilence(e.scratch[:n], e.fmt)
	}
	return e.scratch[:n], frames, nil
}

func (e *Empty) PutBuffer(frames int) error {
	if !e.open {
		return ErrNotOpen
	}
	e.heldBytes = 0
	if e.info.Direction == protocol.DirectionOutput {
		e.level += frames
		if e.level > EmptyBufferFrames {
			e.level = EmptyBufferFrames
		}
	} else {
		e.level -= frames
		if e.level < 0 {
			e.level = 0
		}
	}
	return nil
}

func dspSilence(buf []byte, f audio.Format) {
	zero := byte(0)
	if f.Format == audio.FormatU8 {
		zero = 0x80
	}
	for i := range buf {
		buf[i] = zero
	}
}
