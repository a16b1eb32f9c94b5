// ABOUTME: Sample mixing and scaling primitives for the audio thread
// ABOUTME: Saturating adds per sample format, float volume scaling
package dsp

import (
	"encoding/binary"
	"math"

	"github.com/tapmix/tapmix/pkg/audio"
)

// MixAdd adds count samples of src into dst with saturation, scaling src by
// scaler first. dst and src are interleaved PCM in format f. A scaler of 0
// leaves dst untouched.
func MixAdd(dst, src []byte, f audio.SampleFormat, count int, scaler float32) {
	if scaler <= 0 {
		return
	}
	switch f {
	case audio.FormatU8:
		mixAddU8(dst, src, count, scaler)
	case audio.FormatS16LE:
		mixAddS16(dst, src, count, scaler)
	case audio.FormatS24LE:
		mixAddS24(dst, src, count, scaler)
	case audio.FormatS32LE:
		mixAddS32(dst, src, count, scaler)
	}
}

// Scale multiplies count samples in place by scaler, clamping to the format's
// range. A scaler of 1 is a no-op; 0 silences.
func Scale(buf []byte, f audio.SampleFormat, count int, scaler float32) {
	if scaler == 1 {
		return
	}
	if scaler <= 0 {
		Silence(buf, f, count)
		return
	}
	switch f {
	case audio.FormatU8:
		for i := 0; i < count; i++ {
			s := int32(buf[i]) - 128
			buf[i] = byte(satAdd32(int32(float32(s)*scaler), 0, -128, 127) + 128)
		}
	case audio.FormatS16LE:
		for i := 0; i < count; i++ {
			s := int16(binary.LittleEndian.Uint16(buf[2*i:]))
			v := satAdd32(int32(float32(s)*scaler), 0, math.MinInt16, math.MaxInt16)
			binary.LittleEndian.PutUint16(buf[2*i:], uint16(v))
		}
	case audio.FormatS24LE:
		for i := 0; i < count; i++ {
			s := audio.SampleFrom24Bit(binary.LittleEndian.Uint32(buf[4*i:]))
			v := satAdd32(int32(float64(s)*float64(scaler)), 0, audio.Min24Bit, audio.Max24Bit)
			binary.LittleEndian.PutUint32(buf[4*i:], audio.SampleTo24Bit(v))
		}
	case audio.FormatS32LE:
		for i := 0; i < count; i++ {
			s := int32(binary.LittleEndian.Uint32(buf[4*i:]))
			v := satAdd64(int64(float64(s)*float64(scaler)), 0)
			binary.LittleEndian.PutUint32(buf[4*i:], uint32(v))
		}
	}
}

// Silence writes count samples of the format's zero level. U8 is unsigned so
// its zero is 0x80.
func Silence(buf []byte, f audio.SampleFormat, count int) {
	if f == audio.FormatU8 {
		for i := 0; i < count; i++ {
			buf[i] = 0x80
		}
		return
	}
	n := count * f.BytesPerSample()
	for i := 0; i < n; i++ {
		buf[i] = 0
	}
}

func mixAddU8(dst, src []byte, count int, scaler float32) {
	for i := 0; i < count; i++ {
		a := int32(dst[i]) - 128
		b := int32(float32(int32(src[i])-128) * scaler)
		dst[i] = byte(satAdd32(a, b, -128, 127) + 128)
	}
}

func mixAddS16(dst, src []byte, count int, scaler float32) {
	for i := 0; i < count; i++ {
		a := int32(int16(binary.LittleEndian.Uint16(dst[2*i:])))
		b := int32(float32(int16(binary.LittleEndian.Uint16(src[2*i:]))) * scaler)
		binary.LittleEndian.PutUint16(dst[2*i:],
			uint16(satAdd32(a, b, math.MinInt16, math.MaxInt16)))
	}
}

func mixAddS24(dst, src []byte, count int, scaler float32) {
	for i := 0; i < count; i++ {
		a := audio.SampleFrom24Bit(binary.LittleEndian.Uint32(dst[4*i:]))
		b := int32(float64(audio.SampleFrom24Bit(binary.LittleEndian.Uint32(src[4*i:]))) * float64(scaler))
		binary.LittleEndian.PutUint32(dst[4*i:],
			audio.SampleTo24Bit(satAdd32(a, b, audio.Min24Bit, audio.Max24Bit)))
	}
}

func mixAddS32(dst, src []byte, count int, scaler float32) {
	for i := 0; i < count; i++ {
		a := int64(int32(binary.LittleEndian.Uint32(dst[4*i:])))
		b := int64(float64(int32(binary.LittleEndian.Uint32(src[4*i:]))) * float64(scaler))
		binary.LittleEndian.PutUint32(dst[4*i:], uint32(satAdd64(a, b)))
	}
}

func satAdd32(a, b, min, max int32) int32 {
	s := a + b
	if s > max {
		return max
	}
	if s < min {
		return min
	}
	return s
}

func satAdd64(a, b int64) int32 {
	s := a + b
	if s > math.MaxInt32 {
		return math.MaxInt32
	}
	if s < math.MinInt32 {
		return math.MinInt32
	}
	return int32(s)
}
