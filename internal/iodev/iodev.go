// ABOUTME: Device abstraction shared by hardware and virtual audio devices
// ABOUTME: Capability interface, endpoint nodes, format negotiation helpers
package iodev

import (
	"errors"
	"time"

	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

var (
	// ErrNotOpen reports an operation that needs an open device.
	ErrNotOpen = errors.New("iodev: device not open")
	// ErrXrun reports a hardware under- or over-run. The audio thread
	// recovers by cycling the device closed and open again.
	ErrXrun = errors.New("iodev: xrun")
	// ErrNoFormat reports that negotiation found no usable format.
	ErrNoFormat = errors.New("iodev: no supported format")
	// ErrBufferHeld reports a GetBuffer without a matching PutBuffer.
	ErrBufferHeld = errors.New("iodev: buffer already held")
)

// Node is one selectable endpoint inside a device, like the speaker or the
// headphone jack of a sound card. Mutated by the control thread only.
type Node struct {
	ID               protocol.NodeID
	Name             string
	Type             string
	Plugged          bool
	PluggedAt        time.Time
	Priority         uint32
	Volume           uint32 // 0-100
	CaptureGain      int32  // dBFS * 100
	Active           bool
	LeftRightSwapped bool
}

// Info is the static description of a device.
type Info struct {
	Idx       uint32
	Name      string
	Direction protocol.Direction

	BufferFrames           int
	SupportedRates         []int
	SupportedChannelCounts []int
	SupportedFormats       []audio.SampleFormat

	// SoftwareVolume means the driver cannot scale, so volume is applied in
	// the mix.
	SoftwareVolume bool
}

// Iodev is the capability set every device implements. Between a matched
// GetBuffer and PutBuffer no other buffer call may be issued on the same
// device; the audio thread is single threaded so this needs no locking.
type Iodev interface {
	Info() *Info
	Nodes() []*Node
	ActiveNode() *Node
	UpdateActiveNode(nodeIdx uint32) error

	// Open configures the device for the given format. UpdateSupportedFormats
	// must have been called at least once before negotiation.
	Open(f audio.Format) error
	Close() error
	IsOpen() bool
	DevRunning() bool
	Format() audio.Format

	// FramesQueued is the level of the device buffer at now: frames queued
	// ahead for playback, frames available to read for capture. Virtual
	// devices derive it from elapsed wall clock.
	FramesQueued(now time.Time) (int, error)
	DelayFrames() (int, error)

	// GetBuffer exposes up to frames of linear device memory and the count
	// actually available. PutBuffer commits k frames, k at most the granted
	// count.
	GetBuffer(frames int) ([]byte, int, error)
	PutBuffer(frames int) error

	UpdateSupportedFormats() error
}

// NegotiateFormat picks the device format closest to the requested stream
// format from the device's supported sets. Exact rate match wins, then the
// nearest higher rate, then the highest available.
func NegotiateFormat(info *Info, want audio.Format) (audio.Format, error) {
	if len(info.SupportedRates) == 0 || len(info.SupportedChannelCounts) == 0 ||
		len(info.SupportedFormats) == 0 {
		return audio.Format{}, ErrNoFormat
	}

	rate := pickRate(info.SupportedRates, want.FrameRate)
	channels := pickNearest(info.SupportedChannelCounts, want.Channels)
	sf := info.SupportedFormats[0]
	for _, f := range info.SupportedFormats {
		if f == want.Format {
			sf = f
			break
		}
	}
	return audio.NewFormat(sf, rate, channels), nil
}

func pickRate(rates []int, want int) int {
	best := rates[0]
	for _, r := range rates {
		if r == want {
			return r
		}
		if betterRate(r, best, want) {
			best = r
		}
	}
	return best
}

// betterRate prefers the smallest rate at or above want; if none, the
// largest below.
func betterRate(r, best, want int) bool {
	if r >= want && best >= want {
		return r < best
	}
	if r >= want {
		return true
	}
	if best >= want {
		return false
	}
	return r > best
}

func pickNearest(vals []int, want int) int {
	best := vals[0]
	for _, v := range vals {
		if abs(v-want) < abs(best-want) {
			best = v
		}
	}
	return best
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
