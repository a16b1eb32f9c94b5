// ABOUTME: Scriptable device for exercising the scheduler without hardware
// ABOUTME: Injectable buffer levels, capture samples and failure modes
package iodev

import (
	"time"

	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// TestDev is a fully programmable device. Buffer levels are set directly
// instead of evolving with time, which makes scheduler behavior
// deterministic under test.
type TestDev struct {
	DevInfo Info
	node    Node

	open bool
	fmt  audio.Format

	// Level is returned by FramesQueued verbatim.
	Level int
	// CaptureData is handed out by GetBuffer on capture devices.
	CaptureData []byte
	// FailPut makes the next PutBuffer calls return ErrXrun.
	FailPut int

	// Written accumulates every committed playback buffer.
	Written []byte
	Gets    int
	Puts    int

	scratch []byte
	granted int
}

// NewTestDev builds a programmable device for the given direction.
func NewTestDev(idx uint32, dir protocol.Direction) *TestDev {
	d := &TestDev{
		DevInfo: Info{
			Idx:                    idx,
			Name:                   "test device",
			Direction:              dir,
			BufferFrames:           4096,
			SupportedRates:         []int{44100, 48000},
			SupportedChannelCounts: []int{1, 2},
			SupportedFormats:       []audio.SampleFormat{audio.FormatS16LE},
		},
	}
	d.node = Node{
		ID:      protocol.MakeNodeID(idx, 0),
		Name:    "test node",
		Type:    "test",
		Plugged: true,
		Volume:  100,
		Active:  true,
	}
	return d
}

func (d *TestDev) Info() *Info          { return &d.DevInfo }
func (d *TestDev) Nodes() []*Node       { return []*Node{&d.node} }
func (d *TestDev) ActiveNode() *Node    { return &d.node }
func (d *TestDev) IsOpen() bool         { return d.open }
func (d *TestDev) DevRunning() bool     { return d.open }
func (d *TestDev) Format() audio.Format { return d.fmt }

func (d *TestDev) UpdateActiveNode(nodeIdx uint32) error { return nil }
func (d *TestDev) UpdateSupportedFormats() error         { return nil }

func (d *TestDev) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	d.fmt = f
	d.open = true
	d.scratch = make([]byte, d.DevInfo.BufferFrames*f.FrameBytes())
	return nil
}

func (d *TestDev) Close() error {
	d.open = false
	return nil
}

func (d *TestDev) FramesQueued(now time.Time) (int, error) {
	if !d.open {
		return 0, ErrNotOpen
	}
	return d.Level, nil
}

func (d *TestDev) DelayFrames() (int, error) {
	return d.Level, nil
}

func (d *TestDev) GetBuffer(frames int) ([]byte, int, error) {
	if !d.open {
		return nil, 0, ErrNotOpen
	}
	d.Gets++
	fb := d.fmt.FrameBytes()
	if d.DevInfo.Direction == protocol.DirectionInput {
		avail := len(d.CaptureData) / fb
		if avail < d.Level {
			avail = d.Level
			need := avail * fb
			for len(d.CaptureData) < need {
				d.CaptureData = append(d.CaptureData, 0)
			}
		}
		if frames > avail {
			frames = avail
		}
		d.granted = frames
		return d.CaptureData[:frames*fb], frames, nil
	}
	if max := d.DevInfo.BufferFrames - d.Level; frames > max {
		frames = max
	}
	d.granted = frames
	return d.scratch[:frames*fb], frames, nil
}

func (d *TestDev) PutBuffer(frames int) error {
	if !d.open {
		return ErrNotOpen
	}
	d.Puts++
	if d.FailPut > 0 {
		d.FailPut--
		return ErrXrun
	}
	if frames > d.granted {
		frames = d.granted
	}
	fb := d.fmt.FrameBytes()
	if d.DevInfo.Direction == protocol.DirectionOutput {
		d.Written = append(d.Written, d.scratch[:frames*fb]...)
		d.Level += frames
	} else {
		d.CaptureData = d.CaptureData[frames*fb:]
		d.Level -= frames
		if d.Level < 0 {
			d.Level = 0
		}
	}
	return nil
}
