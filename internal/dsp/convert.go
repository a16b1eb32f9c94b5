// ABOUTME: Opaque format converter between stream and device formats
// ABOUTME: Sample decode, channel mix, rate conversion, re-encode
package dsp

import (
	"encoding/binary"
	"fmt"

	"github.com/oov/audio/resampler"
	"github.com/tapmix/tapmix/pkg/audio"
)

// resamplerQuality trades CPU for stop-band attenuation; 10 is the library's
// highest setting and still cheap at these rates.
const resamplerQuality = 10

// Converter transforms PCM between two fully described formats. The identity
// case is detected at construction and costs nothing per call.
type Converter struct {
	from audio.Format
	to   audio.Format

	identity bool

	// Planar scratch in float32, sized for maxFrames at construction so the
	// audio thread never allocates per wake.
	src *resampler.Resampler

	decoded   [][]float32 // from-format channels, input rate
	mixed     [][]float32 // to-format channels, input rate
	resampled [][]float32 // to-format channels, output rate
}

// NewConverter builds a converter able to process up to maxFrames input
// frames per call.
func NewConverter(from, to audio.Format, maxFrames int) (*Converter, error) {
	if err := from.Validate(); err != nil {
		return nil, fmt.Errorf("converter from-format: %w", err)
	}
	if err := to.Validate(); err != nil {
		return nil, fmt.Errorf("converter to-format: %w", err)
	}
	c := &Converter{from: from, to: to}
	if from.Equal(to) {
		c.identity = true
		return c, nil
	}

	outCap := c.InFramesToOut(maxFrames) + 1
	c.decoded = planar(from.Channels, maxFrames)
	c.mixed = planar(to.Channels, maxFrames)
	if from.FrameRate != to.FrameRate {
		c.src = resampler.New(to.Channels, from.FrameRate, to.FrameRate, resamplerQuality)
		c.resampled = planar(to.Channels, outCap)
	}
	return c, nil
}

func planar(channels, frames int) [][]float32 {
	p := make([][]float32, channels)
	for i := range p {
		p[i] = make([]float32, frames)
	}
	return p
}

// Identity reports whether conversion is a no-op.
func (c *Converter) Identity() bool { return c.identity }

// From returns the input format.
func (c *Converter) From() audio.Format { return c.from }

// To returns the output format.
func (c *Converter) To() audio.Format { return c.to }

// InFramesToOut returns how many output frames inFrames convert to,
// rounding up.
func (c *Converter) InFramesToOut(inFrames int) int {
	return framesAtRate(c.from.FrameRate, inFrames, c.to.FrameRate)
}

// OutFramesToIn returns how many input frames are needed to produce
// outFrames, rounding up.
func (c *Converter) OutFramesToIn(outFrames int) int {
	return framesAtRate(c.to.FrameRate, outFrames, c.from.FrameRate)
}

// framesAtRate converts a frame count between rates, rounding up so the
// caller never under-provisions.
func framesAtRate(fromRate, frames, toRate int) int {
	if fromRate == toRate || frames == 0 {
		return frames
	}
	return (frames*toRate + fromRate - 1) / fromRate
}

// Convert processes inFrames from in, writing at most outCap frames of
// to-format PCM into out. Returns the frames produced. in and out are
// interleaved byte buffers in their respective formats.
func (c *Converter) Convert(in, out []byte, inFrames, outCap int) (int, error) {
	if inFrames == 0 || outCap == 0 {
		return 0, nil
	}
	if len(in) < inFrames*c.from.FrameBytes() {
		return 0, fmt.Errorf("convert: input %d bytes short of %d frames",
			len(in), inFrames)
	}
	if len(out) < outCap*c.to.FrameBytes() {
		return 0, fmt.Errorf("convert: output %d bytes short of %d frames",
			len(out), outCap)
	}

	if c.identity {
		n := inFrames
		if n > outCap {
			n = outCap
		}
		copy(out, in[:n*c.from.FrameBytes()])
		return n, nil
	}
	if inFrames > len(c.decoded[0]) {
		return 0, fmt.Errorf("convert: %d frames exceeds configured max %d",
			inFrames, len(c.decoded[0]))
	}

	decodePlanar(in, c.decoded, c.from, inFrames)
	mixChannels(c.decoded, c.mixed, c.from, c.to, inFrames)

	final := c.mixed
	outFrames := inFrames
	if c.src != nil {
		written := 0
		for ch := 0; ch < c.to.Channels; ch++ {
			_, written = c.src.ProcessFloat32(ch, c.mixed[ch][:inFrames], c.resampled[ch])
		}
		final = c.resampled
		outFrames = written
	}
	if outFrames > outCap {
		outFrames = outCap
	}
	encodePlanar(final, out, c.to, outFrames)
	return outFrames, nil
}

// decodePlanar expands interleaved PCM into planar float32 in [-1, 1).
func decodePlanar(in []byte, out [][]float32, f audio.Format, frames int) {
	fb := f.FrameBytes()
	switch f.Format {
	case audio.FormatU8:
		for i := 0; i < frames; i++ {
			base := i * fb
			for ch := 0; ch < f.Channels; ch++ {
				out[ch][i] = (float32(in[base+ch]) - 128) / 128
			}
		}
	case audio.FormatS16LE:
		for i := 0; i < frames; i++ {
			base := i * fb
			for ch := 0; ch < f.Channels; ch++ {
				s := int16(binary.LittleEndian.Uint16(in[base+2*ch:]))
				out[ch][i] = float32(s) / 32768
			}
		}
	case audio.FormatS24LE:
		for i := 0; i < frames; i++ {
			base := i * fb
			for ch := 0; ch < f.Channels; ch++ {
				raw := int32(binary.LittleEndian.Uint32(in[base+4*ch:]) << 8)
				out[ch][i] = float32(raw>>8) / 8388608
			}
		}
	case audio.FormatS32LE:
		for i := 0; i < frames; i++ {
			base := i * fb
			for ch := 0; ch < f.Channels; ch++ {
				s := int32(binary.LittleEndian.Uint32(in[base+4*ch:]))
				out[ch][i] = float32(float64(s) / 2147483648)
			}
		}
	}
}

// encodePlanar interleaves planar float32 into PCM, clamping to [-1, 1] and
// truncating toward zero.
func encodePlanar(in [][]float32, out []byte, f audio.Format, frames int) {
	fb := f.FrameBytes()
	for i := 0; i < frames; i++ {
		base := i * fb
		for ch := 0; ch < f.Channels; ch++ {
			v := clamp1(in[ch][i])
			switch f.Format {
			case audio.FormatU8:
				out[base+ch] = byte(int32(v*128) + 128)
			case audio.FormatS16LE:
				binary.LittleEndian.PutUint16(out[base+2*ch:], uint16(quantize(v, 32767)))
			case audio.FormatS24LE:
				binary.LittleEndian.PutUint32(out[base+4*ch:],
					uint32(quantize(v, 8388607))&0xFFFFFF)
			case audio.FormatS32LE:
				binary.LittleEndian.PutUint32(out[base+4*ch:], uint32(quantize(v, 2147483647)))
			}
		}
	}
}

func clamp1(v float32) float32 {
	if v > 1 {
		return 1
	}
	if v < -1 {
		return -1
	}
	return v
}

func quantize(v float32, max int32) int32 {
	return int32(float64(v) * float64(max))
}

// mixChannels maps source semantic channels onto target slots. Mono fans out
// to every mapped target channel; a narrower target averages the sources
// that fold into each slot; otherwise channels copy by layout and unmatched
// target slots fall back to source slot modulo source count.
func mixChannels(in, out [][]float32, from, to audio.Format, frames int) {
	if from.Channels == to.Channels {
		for ch := range out {
			copy(out[ch][:frames], in[ch][:frames])
		}
		return
	}

	if from.Channels == 1 {
		for ch := range out {
			copy(out[ch][:frames], in[0][:frames])
		}
		return
	}
	if to.Channels == 1 {
		scale := 1 / float32(from.Channels)
		dst := out[0][:frames]
		for i := range dst {
			dst[i] = 0
		}
		for _, src := range in {
			for i := 0; i < frames; i++ {
				dst[i] += src[i] * scale
			}
		}
		return
	}

	// General case: follow semantic layout where both sides map a channel,
	// then fill leftovers by wrapping.
	assigned := make([]bool, to.Channels)
	for sem := audio.Channel(0); sem < audio.ChannelMax; sem++ {
		si := from.Layout[sem]
		ti := to.Layout[sem]
		if si < 0 || ti < 0 {
			continue
		}
		copy(out[ti][:frames], in[si][:frames])
		assigned[ti] = true
	}
	for ch := range out {
		if !assigned[ch] {
			copy(out[ch][:frames], in[ch%from.Channels][:frames])
		}
	}
}
