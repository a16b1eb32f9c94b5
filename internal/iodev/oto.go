// ABOUTME: Portable playback device backed by the oto library
// ABOUTME: Bridges push-style commits onto oto's pull-style player
package iodev

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// Oto is a playback device for hosts without direct PCM access. Committed
// frames land in a feed buffer that the oto player drains on its own thread.
type Oto struct {
	info Info
	node Node

	ctx    *oto.Context
	player *oto.Player
	feed   *otoFeed
	fmt    audio.Format

	scratch []byte
	granted int
}

// NewOto builds the portable playback device.
func NewOto(idx uint32) *Oto {
	o := &Oto{
		info: Info{
			Idx:                    idx,
			Name:                   "system output",
			Direction:              protocol.DirectionOutput,
			BufferFrames:           4096,
			SupportedRates:         []int{44100, 48000},
			SupportedChannelCounts: []int{1, 2},
			SupportedFormats:       []audio.SampleFormat{audio.FormatS16LE},
			SoftwareVolume:         true,
		},
	}
	o.node = Node{
		ID:       protocol.MakeNodeID(idx, 0),
		Name:     "system output",
		Type:     "internal",
		Plugged:  true,
		Priority: 50,
		Volume:   100,
		Active:   true,
	}
	return o
}

func (o *Oto) Info() *Info          { return &o.info }
func (o *Oto) Nodes() []*Node       { return []*Node{&o.node} }
func (o *Oto) ActiveNode() *Node    { return &o.node }
func (o *Oto) IsOpen() bool         { return o.ctx != nil }
func (o *Oto) DevRunning() bool     { return o.player != nil && o.player.IsPlaying() }
func (o *Oto) Format() audio.Format { return o.fmt }

func (o *Oto) UpdateActiveNode(nodeIdx uint32) error { return nil }
func (o *Oto) UpdateSupportedFormats() error         { return nil }

func (o *Oto) Open(f audio.Format) error {
	if o.ctx != nil {
		return fmt.Errorf("iodev: %s already open", o.info.Name)
	}
	if f.Format != audio.FormatS16LE {
		return fmt.Errorf("%w: oto plays S16LE only", ErrNoFormat)
	}
	op := &oto.NewContextOptions{
		SampleRate:   f.FrameRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("oto context: %w", err)
	}
	<-readyChan

	o.ctx = ctx
	o.fmt = f
	o.feed = &otoFeed{}
	o.player = ctx.NewPlayer(o.feed)
	o.player.Play()
	o.scratch = make([]byte, o.info.BufferFrames*f.FrameBytes())
	log.Printf("iodev: opened %s at %d Hz %d ch", o.info.Name, f.FrameRate, f.Channels)
	return nil
}

func (o *Oto) Close() error {
	if o.ctx == nil {
		return nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	o.ctx.Suspend()
	o.ctx = nil
	o.feed = nil
	o.scratch = nil
	o.granted = 0
	return nil
}

func (o *Oto) FramesQueued(now time.Time) (int, error) {
	if o.ctx == nil {
		return 0, ErrNotOpen
	}
	bytes := o.feed.pending() + int(o.player.BufferedSize())
	return bytes / o.fmt.FrameBytes(), nil
}

func (o *Oto) DelayFrames() (int, error) {
	return o.FramesQueued(time.Now())
}

func (o *Oto) GetBuffer(frames int) ([]byte, int, error) {
	if o.ctx == nil {
		return nil, 0, ErrNotOpen
	}
	if o.granted != 0 {
		return nil, 0, ErrBufferHeld
	}
	level, err := o.FramesQueued(time.Now())
	if err != nil {
		return nil, 0, err
	}
	if max := o.info.BufferFrames - level; frames > max {
		frames = max
	}
	if frames < 0 {
		frames = 0
	}
	o.granted = frames
	return o.scratch[:frames*o.fmt.FrameBytes()], frames, nil
}

func (o *Oto) PutBuffer(frames int) error {
	if o.ctx == nil {
		return ErrNotOpen
	}
	if frames > o.granted {
		frames = o.granted
	}
	o.granted = 0
	o.feed.push(o.scratch[:frames*o.fmt.FrameBytes()])
	return nil
}

// otoFeed is the io.Reader the player drains. Push happens on the audio
// thread, Read on oto's worker, so the buffer is mutex guarded.
type otoFeed struct {
	mu  sync.Mutex
	buf []byte
}

func (f *otoFeed) push(b []byte) {
	f.mu.Lock()
	f.buf = append(f.buf, b...)
	f.mu.Unlock()
}

func (f *otoFeed) pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}

func (f *otoFeed) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := copy(p, f.buf)
	f.buf = f.buf[n:]
	return n, nil
}
