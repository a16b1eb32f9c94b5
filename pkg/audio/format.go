// ABOUTME: Audio format model shared by daemon and clients
// ABOUTME: Sample formats, channel layouts and frame geometry
package audio

import "fmt"

// SampleFormat identifies the in-memory encoding of one sample.
type SampleFormat int32

const (
	FormatU8 SampleFormat = iota
	FormatS16LE
	FormatS24LE // packed in 4 bytes, low 24 bits significant
	FormatS32LE
)

// BytesPerSample returns the storage size of one sample.
func (f SampleFormat) BytesPerSample() int {
	switch f {
	case FormatU8:
		return 1
	case FormatS16LE:
		return 2
	case FormatS24LE, FormatS32LE:
		return 4
	default:
		return 0
	}
}

func (f SampleFormat) String() string {
	switch f {
	case FormatU8:
		return "U8"
	case FormatS16LE:
		return "S16_LE"
	case FormatS24LE:
		return "S24_LE"
	case FormatS32LE:
		return "S32_LE"
	default:
		return fmt.Sprintf("SampleFormat(%d)", int32(f))
	}
}

// Channel is a semantic speaker position used by channel layouts.
type Channel int

const (
	ChannelFL Channel = iota // front left
	ChannelFR                // front right
	ChannelRL                // rear left
	ChannelRR                // rear right
	ChannelFC                // front center
	ChannelLFE
	ChannelSL // side left
	ChannelSR // side right
	ChannelRC // rear center
	ChannelFLC
	ChannelFRC
	ChannelMax
)

// Layout maps each semantic channel to a physical channel index, -1 if absent.
type Layout [ChannelMax]int8

// DefaultLayout returns the conventional layout for a channel count.
// Mono maps FC, stereo maps FL/FR, and so on up to 6 channels.
func DefaultLayout(channels int) Layout {
	var l Layout
	for i := range l {
		l[i] = -1
	}
	switch channels {
	case 1:
		l[ChannelFC] = 0
	case 2:
		l[ChannelFL] = 0
		l[ChannelFR] = 1
	case 4:
		l[ChannelFL] = 0
		l[ChannelFR] = 1
		l[ChannelRL] = 2
		l[ChannelRR] = 3
	case 6:
		l[ChannelFL] = 0
		l[ChannelFR] = 1
		l[ChannelRL] = 2
		l[ChannelRR] = 3
		l[ChannelFC] = 4
		l[ChannelLFE] = 5
	default:
		for i := 0; i < channels && i < int(ChannelMax); i++ {
			l[Channel(i)] = int8(i)
		}
	}
	return l
}

// Format fully describes a PCM stream: sample encoding, rate, channel count
// and the mapping from semantic channels to interleaved slots.
type Format struct {
	Format     SampleFormat
	FrameRate  int
	Channels   int
	Layout     Layout
}

// NewFormat builds a Format with the default layout for the channel count.
func NewFormat(sf SampleFormat, rate, channels int) Format {
	return Format{
		Format:    sf,
		FrameRate: rate,
		Channels:  channels,
		Layout:    DefaultLayout(channels),
	}
}

// FrameBytes returns the storage size of one frame (all channels).
func (f Format) FrameBytes() int {
	return f.Format.BytesPerSample() * f.Channels
}

// Validate checks the invariants a usable format must satisfy: a positive
// rate and channel count, a known sample format, and every mapped layout
// entry below the channel count.
func (f Format) Validate() error {
	if f.Format.BytesPerSample() == 0 {
		return fmt.Errorf("unknown sample format %d", f.Format)
	}
	if f.FrameRate <= 0 {
		return fmt.Errorf("invalid frame rate %d", f.FrameRate)
	}
	if f.Channels <= 0 {
		return fmt.Errorf("invalid channel count %d", f.Channels)
	}
	for ch, idx := range f.Layout {
		if idx >= int8(f.Channels) {
			return fmt.Errorf("layout channel %d maps to slot %d, only %d channels",
				ch, idx, f.Channels)
		}
	}
	return nil
}

// Equal reports whether two formats describe identical streams.
func (f Format) Equal(o Format) bool {
	return f.Format == o.Format &&
		f.FrameRate == o.FrameRate &&
		f.Channels == o.Channels &&
		f.Layout == o.Layout
}
