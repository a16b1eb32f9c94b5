// ABOUTME: Virtual capture device fed by a tap on the playback path
// ABOUTME: Single ring with unbounded 64-bit write/read counters
package iodev

import (
	"log"
	"time"

	"github.com/tapmix/tapmix/internal/dsp"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// TapPoint selects where in the playback path the loopback copies frames.
type TapPoint int

const (
	// TapPostMix copies the raw stream mix before device processing.
	TapPostMix TapPoint = iota
	// TapPostDSP copies the frames actually sent to hardware.
	TapPostDSP
)

func (p TapPoint) String() string {
	if p == TapPostMix {
		return "post-mix"
	}
	return "post-dsp"
}

// DefaultLoopbackFrames is the ring capacity when none is configured.
const DefaultLoopbackFrames = 8192

// Loopback is a capture device whose samples come from playback commits.
// Counters grow without bound; queued level is always write minus read, so a
// writer lapping the reader cannot lose a wrap. When the writer gets more
// than the ring ahead, the oldest frames are dropped.
type Loopback struct {
	info  Info
	node  Node
	point TapPoint

	open   bool
	fmt    audio.Format
	ring   []byte
	frames int
	write  uint64
	read   uint64
	held   int

	// conv rewrites tapped frames from the feeding device's format into the
	// tap's own. Rebuilt when the source format changes, so only on device
	// open, never per wake.
	conv    *dsp.Converter
	convBuf []byte
	convCap int
}

// NewLoopback builds a loopback device tapping the given point. ringFrames
// of zero means DefaultLoopbackFrames.
func NewLoopback(idx uint32, point TapPoint, ringFrames int) *Loopback {
	if ringFrames <= 0 {
		ringFrames = DefaultLoopbackFrames
	}
	name := "loopback " + point.String()
	l := &Loopback{
		info: Info{
			Idx:                    idx,
			Name:                   name,
			Direction:              protocol.DirectionInput,
			BufferFrames:           ringFrames,
			SupportedRates:         []int{48000},
			SupportedChannelCounts: []int{2},
			SupportedFormats:       []audio.SampleFormat{audio.FormatS16LE},
		},
		point:  point,
		frames: ringFrames,
	}
	l.node = Node{
		ID:      protocol.MakeNodeID(idx, 0),
		Name:    name,
		Type:    "loopback",
		Plugged: true,
		Volume:  100,
		Active:  true,
	}
	return l
}

func (l *Loopback) Info() *Info          { return &l.info }
func (l *Loopback) Nodes() []*Node       { return []*Node{&l.node} }
func (l *Loopback) ActiveNode() *Node    { return &l.node }
func (l *Loopback) IsOpen() bool         { return l.open }
func (l *Loopback) DevRunning() bool     { return l.open }
func (l *Loopback) Format() audio.Format { return l.fmt }

// Point reports where this loopback taps the playback path.
func (l *Loopback) Point() TapPoint { return l.point }

func (l *Loopback) UpdateActiveNode(nodeIdx uint32) error { return nil }
func (l *Loopback) UpdateSupportedFormats() error         { return nil }

func (l *Loopback) Open(f audio.Format) error {
	if err := f.Validate(); err != nil {
		return err
	}
	l.fmt = f
	l.ring = make([]byte, l.frames*f.FrameBytes())
	l.write = 0
	l.read = 0
	l.held = 0
	l.open = true
	return nil
}

func (l *Loopback) Close() error {
	l.open = false
	l.ring = nil
	return nil
}

// WriteFrames feeds frames of playback mix into the ring, converting from
// the feeding device's format when it differs from the tap's. Called by the
// audio thread on every playback commit; drops the oldest frames when the
// reader is more than a full ring behind.
func (l *Loopback) WriteFrames(src []byte, frames int, from audio.Format) {
	if !l.open || frames == 0 {
		return
	}
	if from.Equal(l.fmt) {
		l.ringWrite(src, frames)
		return
	}
	if l.conv == nil || !l.conv.From().Equal(from) ||
		!l.conv.To().Equal(l.fmt) || frames > l.convCap {
		maxIn := frames
		if maxIn < l.frames {
			maxIn = l.frames
		}
		conv, err := dsp.NewConverter(from, l.fmt, maxIn)
		if err != nil {
			log.Printf("iodev: %s converter: %v", l.info.Name, err)
			return
		}
		l.conv = conv
		l.convCap = maxIn
		l.convBuf = make([]byte, (conv.InFramesToOut(maxIn)+1)*l.fmt.FrameBytes())
	}
	n, err := l.conv.Convert(src, l.convBuf, frames, len(l.convBuf)/l.fmt.FrameBytes())
	if err != nil {
		log.Printf("iodev: %s convert: %v", l.info.Name, err)
		return
	}
	l.ringWrite(l.convBuf, n)
}

func (l *Loopback) ringWrite(src []byte, frames int) {
	fb := l.fmt.FrameBytes()
	if frames > l.frames {
		// Only the newest ring-full matters.
		src = src[(frames-l.frames)*fb:]
		frames = l.frames
	}
	pos := int(l.write % uint64(l.frames))
	first := l.frames - pos
	if first > frames {
		first = frames
	}
	copy(l.ring[pos*fb:], src[:first*fb])
	copy(l.ring, src[first*fb:frames*fb])
	l.write += uint64(frames)
	if l.write-l.read > uint64(l.frames) {
		l.read = l.write - uint64(l.frames)
	}
}

func (l *Loopback) queued() int {
	return int(l.write - l.read)
}

func (l *Loopback) FramesQueued(now time.Time) (int, error) {
	if !l.open {
		return 0, ErrNotOpen
	}
	return l.queued(), nil
}

func (l *Loopback) DelayFrames() (int, error) {
	return l.queued(), nil
}

// GetBuffer exposes the oldest contiguous chunk of the ring, at most up to
// the wrap point.
func (l *Loopback) GetBuffer(frames int) ([]byte, int, error) {
	if !l.open {
		return nil, 0, ErrNotOpen
	}
	if l.held != 0 {
		return nil, 0, ErrBufferHeld
	}
	fb := l.fmt.FrameBytes()
	avail := l.queued()
	if frames > avail {
		frames = avail
	}
	pos := int(l.read % uint64(l.frames))
	if contiguous := l.frames - pos; frames > contiguous {
		frames = contiguous
	}
	l.held = frames
	return l.ring[pos*fb : (pos+frames)*fb], frames, nil
}

func (l *Loopback) PutBuffer(frames int) error {
	if !l.open {
		return ErrNotOpen
	}
	if frames > l.held {
		frames = l.held
	}
	l.held = 0
	l.read += uint64(frames)
	return nil
}
