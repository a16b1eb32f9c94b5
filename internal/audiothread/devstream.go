// ABOUTME: Per-device view of a stream with its format converter
// ABOUTME: Mixing, capture fill, callback firing and wake-time math
package audiothread

import (
	"fmt"
	"time"

	"github.com/tapmix/tapmix/internal/dsp"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// DevStream wraps a Stream for one device attachment. For playback the
// converter runs stream to device format; for capture, device to stream.
type DevStream struct {
	Stream *Stream

	conv    *dsp.Converter
	devFmt  audio.Format
	scratch []byte // converted frames, sized at attach
}

// NewDevStream attaches a stream to a device running devFmt with the given
// hardware buffer size.
func NewDevStream(s *Stream, devFmt audio.Format, devBufferFrames int) (*DevStream, error) {
	from, to := s.Format, devFmt
	if s.Direction == protocol.DirectionInput {
		from, to = devFmt, s.Format
	}
	// Either side can push at most its full buffer through one call.
	maxIn := s.TotalShmFrames() + devBufferFrames
	conv, err := dsp.NewConverter(from, to, maxIn)
	if err != nil {
		return nil, fmt.Errorf("attach stream %#x: %w", uint32(s.ID), err)
	}
	ds := &DevStream{
		Stream:  s,
		conv:    conv,
		devFmt:  devFmt,
		scratch: make([]byte, (conv.InFramesToOut(maxIn)+1)*to.FrameBytes()),
	}
	return ds, nil
}

// streamToDevFrames converts a stream-rate frame count to device rate,
// rounding up.
func (d *DevStream) streamToDevFrames(frames int) int {
	if d.Stream.Direction == protocol.DirectionInput {
		return d.conv.OutFramesToIn(frames)
	}
	return d.conv.InFramesToOut(frames)
}

// devToStreamFrames converts a device-rate frame count to stream rate.
func (d *DevStream) devToStreamFrames(frames int) int {
	if d.Stream.Direction == protocol.DirectionInput {
		return d.conv.InFramesToOut(frames)
	}
	return d.conv.OutFramesToIn(frames)
}

// PlaybackFramesReady is how many device-rate frames this stream could
// contribute right now.
func (d *DevStream) PlaybackFramesReady() int {
	queued := d.Stream.Area.FramesQueued()
	if queued == 0 {
		return 0
	}
	return d.streamToDevFrames(queued)
}

// MixInto converts up to frames device-rate frames from the stream's shm
// and adds them into dst, applying the stream volume scaler on top of
// sysScaler. Returns the device frames mixed.
func (d *DevStream) MixInto(dst []byte, frames int, sysScaler float32) int {
	area := d.Stream.Area
	fb := d.devFmt.FrameBytes()
	mixed := 0
	for mixed < frames {
		src := area.ReadBuf()
		if len(src) == 0 {
			break
		}
		inAvail := len(src) / area.FrameBytes()
		inWant := d.conv.OutFramesToIn(frames - mixed)
		if inWant > inAvail {
			inWant = inAvail
		}
		out, err := d.conv.Convert(src, d.scratch, inWant, frames-mixed)
		if err != nil {
			break
		}
		if !area.Mute() {
			scaler := sysScaler * area.VolumeScaler()
			dsp.MixAdd(dst[mixed*fb:], d.scratch, d.devFmt.Format,
				out*d.devFmt.Channels, scaler)
		}
		area.MarkRead(inWant)
		mixed += out
		if out == 0 && inWant == 0 {
			break
		}
	}
	return mixed
}

// CaptureSink converts frames device-rate frames into the stream's shm.
// Full windows are completed as they fill; frames that do not fit are
// dropped and counted as overruns.
func (d *DevStream) CaptureSink(devBuf []byte, frames int, now time.Time) {
	area := d.Stream.Area
	outFb := d.Stream.Format.FrameBytes()
	consumed := 0
	for consumed < frames {
		writable := area.WritableFrames()
		if writable == 0 {
			area.IncrOverruns()
			return
		}
		inWant := d.conv.OutFramesToIn(writable)
		if rest := frames - consumed; inWant > rest {
			inWant = rest
		}
		out, err := d.conv.Convert(devBuf[consumed*d.devFmt.FrameBytes():],
			d.scratch, inWant, writable)
		if err != nil {
			return
		}
		tail := area.BeginWrite()
		copy(tail, d.scratch[:out*outFb])
		if err := area.CommitWritten(out, now); err != nil {
			return
		}
		if area.WritableFrames() == 0 {
			area.CompleteWrite()
		}
		consumed += inWant
		if inWant == 0 && out == 0 {
			return
		}
	}
}

// FireCaptureCallback posts DATA_READY if a full callback of samples is
// waiting, the deadline has passed and no callback is outstanding.
func (d *DevStream) FireCaptureCallback(now time.Time) error {
	s := d.Stream
	if s.Area.Level() < s.CbThreshold || s.Area.CallbackPending() {
		return nil
	}
	if s.NextCbTs.After(now) {
		return nil
	}
	if err := s.DataReady(s.CbThreshold); err != nil {
		return err
	}
	s.AdvanceNextCb(now)
	return nil
}

// CaptureWake computes when this stream next needs the device, given the
// device's current level. ok is false when the stream is socket driven and
// contributes no device deadline.
func (d *DevStream) CaptureWake(now time.Time, devLevel, devRate int) (time.Time, bool) {
	s := d.Stream
	level := s.Area.Level()
	if s.IsHotword() {
		if level >= s.CbThreshold {
			return time.Time{}, false
		}
		// Wake when the whole shm could be filled, ignoring the callback
		// schedule; a detection burst must be picked up as one unit.
		needed := d.streamToDevFrames(s.TotalShmFrames() - level)
		if needed > devLevel {
			needed -= devLevel
		} else {
			needed = 0
		}
		return now.Add(framesDuration(needed, devRate)), true
	}

	needed := s.CbThreshold - level
	if needed < 0 {
		needed = 0
	}
	devFrames := 0
	if needed > 0 {
		devFrames = d.streamToDevFrames(needed)
		if devFrames > devLevel {
			devFrames -= devLevel
		} else {
			devFrames = 0
		}
	}
	wake := now.Add(framesDuration(devFrames, devRate))
	if s.NextCbTs.After(wake) {
		wake = s.NextCbTs
	}
	return wake, true
}

// PlaybackWake computes when this stream next needs servicing on a playback
// device.
func (d *DevStream) PlaybackWake(now time.Time, devRate int) time.Time {
	s := d.Stream
	needed := s.CbThreshold - s.Area.Level()
	if needed < 0 {
		needed = 0
	}
	wake := now.Add(framesDuration(d.streamToDevFrames(needed), devRate))
	if s.NextCbTs.After(wake) {
		wake = s.NextCbTs
	}
	return wake
}
