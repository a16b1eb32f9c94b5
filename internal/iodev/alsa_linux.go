// ABOUTME: Hardware device backed by ALSA PCM ioctls
// ABOUTME: Staging buffer between the mix and interleaved read/write
package iodev

import (
	"fmt"
	"log"
	"time"

	"github.com/gen2brain/alsa"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

const (
	alsaPeriodFrames = 480
	alsaPeriodCount  = 4
)

// Alsa drives one hardware PCM like "hw:0,0".
type Alsa struct {
	info    Info
	nodes   []*Node
	pcmName string

	pcm       *alsa.PCM
	fmt       audio.Format
	running   bool
	lastXruns int

	scratch []byte
	granted int
}

// NewAlsa builds a device around the named PCM. Nodes mirror what the card
// exposes; a single always-plugged node covers cards without jack events.
func NewAlsa(idx uint32, pcmName, cardName string, dir protocol.Direction) *Alsa {
	a := &Alsa{
		info: Info{
			Idx:                    idx,
			Name:                   cardName,
			Direction:              dir,
			BufferFrames:           alsaPeriodFrames * alsaPeriodCount,
			SupportedRates:         []int{44100, 48000},
			SupportedChannelCounts: []int{1, 2},
			SupportedFormats: []audio.SampleFormat{
				audio.FormatS16LE, audio.FormatS32LE,
			},
		},
		pcmName: pcmName,
	}
	a.nodes = []*Node{{
		ID:       protocol.MakeNodeID(idx, 0),
		Name:     cardName,
		Type:     "internal",
		Plugged:  true,
		Priority: 100,
		Volume:   100,
		Active:   true,
	}}
	return a
}

func (a *Alsa) Info() *Info          { return &a.info }
func (a *Alsa) Nodes() []*Node       { return a.nodes }
func (a *Alsa) IsOpen() bool         { return a.pcm != nil }
func (a *Alsa) DevRunning() bool     { return a.running }
func (a *Alsa) Format() audio.Format { return a.fmt }

func (a *Alsa) ActiveNode() *Node {
	for _, n := range a.nodes {
		if n.Active {
			return n
		}
	}
	return a.nodes[0]
}

func (a *Alsa) UpdateActiveNode(nodeIdx uint32) error {
	for _, n := range a.nodes {
		n.Active = n.ID.NodeIdx() == nodeIdx
	}
	return nil
}

func (a *Alsa) UpdateSupportedFormats() error { return nil }

func pcmFormat(f audio.SampleFormat) (alsa.PcmFormat, error) {
	switch f {
	case audio.FormatU8:
		return alsa.PCM_FORMAT_U8, nil
	case audio.FormatS16LE:
		return alsa.PCM_FORMAT_S16_LE, nil
	case audio.FormatS32LE:
		return alsa.PCM_FORMAT_S32_LE, nil
	default:
		return alsa.PCM_FORMAT_INVALID, fmt.Errorf("%w: %s on alsa", ErrNoFormat, f)
	}
}

func (a *Alsa) Open(f audio.Format) error {
	if a.pcm != nil {
		return fmt.Errorf("iodev: %s already open", a.info.Name)
	}
	pf, err := pcmFormat(f.Format)
	if err != nil {
		return err
	}
	flags := alsa.PCM_OUT
	if a.info.Direction == protocol.DirectionInput {
		flags = alsa.PCM_IN
	}
	cfg := alsa.Config{
		Channels:    uint32(f.Channels),
		Rate:        uint32(f.FrameRate),
		PeriodSize:  alsaPeriodFrames,
		PeriodCount: alsaPeriodCount,
		Format:      pf,
	}
	pcm, err := alsa.PcmOpenByName(a.pcmName, flags, &cfg)
	if err != nil {
		return fmt.Errorf("open %s: %w", a.pcmName, err)
	}
	if err := pcm.Prepare(); err != nil {
		pcm.Close()
		return fmt.Errorf("prepare %s: %w", a.pcmName, err)
	}
	a.pcm = pcm
	a.fmt = f
	a.running = false
	a.lastXruns = pcm.Xruns()
	a.scratch = make([]byte, a.info.BufferFrames*f.FrameBytes())
	log.Printf("iodev: opened %s (%s) at %d Hz %d ch",
		a.info.Name, a.pcmName, f.FrameRate, f.Channels)
	return nil
}

func (a *Alsa) Close() error {
	if a.pcm == nil {
		return nil
	}
	err := a.pcm.Close()
	a.pcm = nil
	a.running = false
	a.scratch = nil
	a.granted = 0
	return err
}

// checkXrun surfaces hardware xruns as ErrXrun exactly once per occurrence.
func (a *Alsa) checkXrun() error {
	x := a.pcm.Xruns()
	if x != a.lastXruns {
		a.lastXruns = x
		return ErrXrun
	}
	return nil
}

func (a *Alsa) FramesQueued(now time.Time) (int, error) {
	if a.pcm == nil {
		return 0, ErrNotOpen
	}
	if err := a.checkXrun(); err != nil {
		return 0, err
	}
	delay, err := a.pcm.Delay()
	if err != nil {
		return 0, fmt.Errorf("delay %s: %w", a.pcmName, err)
	}
	if delay < 0 {
		delay = 0
	}
	if a.info.Direction == protocol.DirectionOutput {
		return delay, nil
	}
	// For capture the delay reports frames sitting in hardware.
	return delay, nil
}

func (a *Alsa) DelayFrames() (int, error) {
	if a.pcm == nil {
		return 0, ErrNotOpen
	}
	d, err := a.pcm.Delay()
	if err != nil {
		return 0, err
	}
	return d, nil
}

func (a *Alsa) GetBuffer(frames int) ([]byte, int, error) {
	if a.pcm == nil {
		return nil, 0, ErrNotOpen
	}
	if a.granted != 0 {
		return nil, 0, ErrBufferHeld
	}
	if frames > a.info.BufferFrames {
		frames = a.info.BufferFrames
	}
	fb := a.fmt.FrameBytes()
	if a.info.Direction == protocol.DirectionInput {
		n, err := a.pcm.ReadI(a.scratch, uint32(frames))
		if err != nil {
			return nil, 0, fmt.Errorf("read %s: %w", a.pcmName, err)
		}
		frames = int(n)
	}
	a.granted = frames
	return a.scratch[:frames*fb], frames, nil
}

func (a *Alsa) PutBuffer(frames int) error {
	if a.pcm == nil {
		return ErrNotOpen
	}
	if frames > a.granted {
		frames = a.granted
	}
	a.granted = 0
	if a.info.Direction == protocol.DirectionInput || frames == 0 {
		return nil
	}
	if _, err := a.pcm.WriteI(a.scratch, uint32(frames)); err != nil {
		if err := a.checkXrun(); err != nil {
			return err
		}
		return fmt.Errorf("write %s: %w", a.pcmName, err)
	}
	a.running = true
	return nil
}
