// ABOUTME: One attached device and its per-stream views
// ABOUTME: Open/run/drain state machine, servicing and wake computation
package audiothread

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/tapmix/tapmix/internal/dsp"
	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// DevState tracks an attached device through its lifecycle.
type DevState int

const (
	StateClosed DevState = iota
	StateOpenPending
	StateNormalRun
	StateDraining
)

func (s DevState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpenPending:
		return "open-pending"
	case StateNormalRun:
		return "running"
	case StateDraining:
		return "draining"
	}
	return "unknown"
}

// hotwordWakeFloor caps how long a socket-driven stream lets its device
// sleep.
const hotwordWakeFloor = 20 * time.Second

// maxDevErrors is how many consecutive fatal buffer errors suspend a
// device.
const maxDevErrors = 2

// errDeviceFatal asks the thread to suspend the device and move its
// streams to the fallback.
var errDeviceFatal = errors.New("audiothread: device failed")

// activeDev couples an iodev with its attached streams. Owned by the audio
// thread once handed over; nothing here locks.
type activeDev struct {
	dev     iodev.Iodev
	streams []*DevStream
	share   *BufferShare
	state   DevState
	wakeTs  time.Time

	// cbThreshold is the device-level target residual in frames.
	cbThreshold int

	mixBuf   []byte
	errCount int

	// drainRemaining counts real frames still owed to hardware while
	// draining; -1 until the first drain service samples the level.
	drainRemaining int
	drainLevel     int
}

func newActiveDev(dev iodev.Iodev) *activeDev {
	return &activeDev{dev: dev, state: StateClosed}
}

func (ad *activeDev) direction() protocol.Direction {
	return ad.dev.Info().Direction
}

func (ad *activeDev) rate() int {
	return ad.dev.Format().FrameRate
}

// open negotiates a format from the first stream and brings the device up.
func (ad *activeDev) open(want *Stream) error {
	ad.state = StateOpenPending
	if err := ad.dev.UpdateSupportedFormats(); err != nil {
		ad.state = StateClosed
		return err
	}
	devFmt, err := iodev.NegotiateFormat(ad.dev.Info(), want.Format)
	if err != nil {
		ad.state = StateClosed
		return err
	}
	if err := ad.dev.Open(devFmt); err != nil {
		ad.state = StateClosed
		return fmt.Errorf("open %s: %w", ad.dev.Info().Name, err)
	}
	frames := ad.dev.Info().BufferFrames
	ad.cbThreshold = frames / 2
	ad.mixBuf = make([]byte, frames*devFmt.FrameBytes())
	ad.share = NewBufferShare(frames)
	ad.state = StateNormalRun
	ad.errCount = 0
	return nil
}

// attach adds a stream, opening the device if this is the first one.
func (ad *activeDev) attach(s *Stream) error {
	if ad.state == StateClosed {
		if err := ad.open(s); err != nil {
			return err
		}
	}
	if ad.state == StateDraining {
		ad.state = StateNormalRun
	}
	ds, err := NewDevStream(s, ad.dev.Format(), ad.dev.Info().BufferFrames)
	if err != nil {
		return err
	}
	ad.streams = append(ad.streams, ds)
	ad.share.AddStream(s.ID)
	return nil
}

// detach removes a stream. The last playback stream leaves the device
// draining; a capture device closes immediately.
func (ad *activeDev) detach(id protocol.StreamID) *Stream {
	var removed *Stream
	kept := ad.streams[:0]
	for _, ds := range ad.streams {
		if ds.Stream.ID == id {
			removed = ds.Stream
			continue
		}
		kept = append(kept, ds)
	}
	ad.streams = kept
	if removed == nil {
		return nil
	}
	ad.share.RemoveStream(id)
	if len(ad.streams) == 0 {
		if ad.direction() == protocol.DirectionOutput && ad.state == StateNormalRun {
			ad.state = StateDraining
			ad.drainRemaining = -1
		} else {
			ad.close()
		}
	}
	return removed
}

func (ad *activeDev) close() {
	if ad.state != StateClosed {
		ad.dev.Close()
		ad.state = StateClosed
		ad.mixBuf = nil
	}
}

// takeStreams hands every stream back, used when the device is suspended.
func (ad *activeDev) takeStreams() []*Stream {
	streams := make([]*Stream, 0, len(ad.streams))
	for _, ds := range ad.streams {
		streams = append(streams, ds.Stream)
		ad.share.RemoveStream(ds.Stream.ID)
	}
	ad.streams = nil
	ad.close()
	return streams
}

// reapDead drops streams whose sockets failed and returns them.
func (ad *activeDev) reapDead() []*Stream {
	var dead []*Stream
	for _, ds := range ad.streams {
		if ds.Stream.Dead() {
			dead = append(dead, ds.Stream)
		}
	}
	for _, s := range dead {
		ad.detach(s.ID)
	}
	return dead
}

// recoverXrun cycles the device and clears window accounting; streams stay
// attached.
func (ad *activeDev) recoverXrun() error {
	log.Printf("audiothread: xrun on %s, resetting", ad.dev.Info().Name)
	fmt := ad.dev.Format()
	ad.dev.Close()
	if err := ad.dev.Open(fmt); err != nil {
		ad.errCount++
		if ad.errCount >= maxDevErrors {
			return errDeviceFatal
		}
		return err
	}
	ad.share.Reset()
	return nil
}

// service runs one wake worth of work for the device.
func (ad *activeDev) service(now time.Time, sysScaler float32, taps []*iodev.Loopback) error {
	if ad.state == StateClosed || ad.state == StateOpenPending {
		return nil
	}
	if ad.direction() == protocol.DirectionInput {
		return ad.serviceCapture(now)
	}
	return ad.servicePlayback(now, sysScaler, taps)
}

func (ad *activeDev) serviceCapture(now time.Time) error {
	level, err := ad.dev.FramesQueued(now)
	if errors.Is(err, iodev.ErrXrun) {
		return ad.recoverXrun()
	}
	if err != nil {
		return ad.fatal(err)
	}

	for level > 0 {
		buf, granted, err := ad.dev.GetBuffer(level)
		if err != nil {
			return ad.fatal(err)
		}
		if granted == 0 {
			ad.dev.PutBuffer(0)
			break
		}
		for _, ds := range ad.streams {
			ds.CaptureSink(buf, granted, now)
		}
		if err := ad.dev.PutBuffer(granted); err != nil {
			if errors.Is(err, iodev.ErrXrun) {
				return ad.recoverXrun()
			}
			return ad.fatal(err)
		}
		level -= granted
	}

	for _, ds := range ad.streams {
		ds.FireCaptureCallback(now)
	}
	ad.errCount = 0
	return nil
}

func (ad *activeDev) servicePlayback(now time.Time, sysScaler float32, taps []*iodev.Loopback) error {
	level, err := ad.dev.FramesQueued(now)
	if errors.Is(err, iodev.ErrXrun) {
		return ad.recoverXrun()
	}
	if err != nil {
		return ad.fatal(err)
	}
	if ad.state == StateDraining {
		return ad.serviceDrain(level, taps)
	}

	ad.fetchStreams(now)

	devFmt := ad.dev.Format()
	fb := devFmt.FrameBytes()
	window := len(ad.mixBuf) / fb
	if free := ad.dev.Info().BufferFrames - level; window > free {
		window = free
	}
	for _, ds := range ad.streams {
		off := ad.share.Offset(ds.Stream.ID)
		if off >= window {
			continue
		}
		n := ds.MixInto(ad.mixBuf[off*fb:], window-off, sysScaler)
		ad.share.SetOffset(ds.Stream.ID, off+n)
	}

	commit := ad.share.MinOffset()
	if commit == 0 && level < ad.cbThreshold {
		// Nobody has data and the hardware is about to run dry; pad with
		// silence rather than xrun.
		return ad.fillSilence(ad.cbThreshold-level, taps)
	}
	if commit == 0 {
		return nil
	}

	buf, granted, err := ad.dev.GetBuffer(commit)
	if err != nil {
		return ad.fatal(err)
	}
	for _, tap := range taps {
		if tap.Point() == iodev.TapPostMix {
			tap.WriteFrames(ad.mixBuf, granted, devFmt)
		}
	}
	copy(buf, ad.mixBuf[:granted*fb])
	if ad.dev.Info().SoftwareVolume {
		dsp.Scale(buf, devFmt.Format, granted*devFmt.Channels, sysScaler)
	}
	for _, tap := range taps {
		if tap.Point() == iodev.TapPostDSP {
			tap.WriteFrames(buf, granted, devFmt)
		}
	}
	if err := ad.dev.PutBuffer(granted); err != nil {
		if errors.Is(err, iodev.ErrXrun) {
			return ad.recoverXrun()
		}
		return ad.fatal(err)
	}

	// Shift the uncommitted tail of the window to the front and re-zero
	// the freed region.
	copy(ad.mixBuf, ad.mixBuf[granted*fb:])
	tail := len(ad.mixBuf) - granted*fb
	dsp.Silence(ad.mixBuf[tail:], devFmt.Format, granted*devFmt.Channels)
	ad.share.Commit(granted)
	ad.errCount = 0
	return nil
}

// serviceDrain plays out the audio left in hardware when the last stream
// detached, padding with silence so the tail is never cut off by an
// underrun, then closes once that many real frames have been consumed.
func (ad *activeDev) serviceDrain(level int, taps []*iodev.Loopback) error {
	if ad.drainRemaining < 0 {
		ad.drainRemaining = level
	} else if consumed := ad.drainLevel - level; consumed > 0 {
		ad.drainRemaining -= consumed
	}
	if ad.drainRemaining <= 0 {
		ad.close()
		return nil
	}
	if pad := ad.cbThreshold - level; pad > 0 {
		if err := ad.fillSilence(pad, taps); err != nil {
			return err
		}
		level += pad
	}
	ad.drainLevel = level
	return nil
}

// fetchStreams posts REQUEST_DATA to playback clients that can accept a
// callback of samples.
func (ad *activeDev) fetchStreams(now time.Time) {
	for _, ds := range ad.streams {
		s := ds.Stream
		if s.Dead() || s.Area.CallbackPending() {
			continue
		}
		writable := s.Area.WritableFrames()
		if writable < s.MinCbLevel || s.NextCbTs.After(now) {
			continue
		}
		if err := s.RequestData(now, writable); err != nil {
			continue
		}
		s.AdvanceNextCb(now)
	}
}

func (ad *activeDev) fillSilence(frames int, taps []*iodev.Loopback) error {
	devFmt := ad.dev.Format()
	for frames > 0 {
		buf, granted, err := ad.dev.GetBuffer(frames)
		if err != nil {
			return ad.fatal(err)
		}
		if granted == 0 {
			ad.dev.PutBuffer(0)
			return nil
		}
		dsp.Silence(buf, devFmt.Format, granted*devFmt.Channels)
		for _, tap := range taps {
			tap.WriteFrames(buf, granted, devFmt)
		}
		if err := ad.dev.PutBuffer(granted); err != nil {
			if errors.Is(err, iodev.ErrXrun) {
				return ad.recoverXrun()
			}
			return ad.fatal(err)
		}
		frames -= granted
	}
	return nil
}

func (ad *activeDev) fatal(err error) error {
	ad.errCount++
	log.Printf("audiothread: %s: %v", ad.dev.Info().Name, err)
	if ad.errCount >= maxDevErrors {
		return errDeviceFatal
	}
	return nil
}

// nextWake computes the deadline by which this device must be serviced.
func (ad *activeDev) nextWake(now time.Time) time.Time {
	if ad.state == StateClosed {
		return now.Add(hotwordWakeFloor)
	}
	if ad.direction() == protocol.DirectionInput {
		return ad.captureWake(now)
	}
	return ad.playbackWake(now)
}

func (ad *activeDev) captureWake(now time.Time) time.Time {
	wake := now.Add(hotwordWakeFloor)
	level, err := ad.dev.FramesQueued(now)
	if err != nil {
		level = 0
	}
	for _, ds := range ad.streams {
		if ds.Stream.Dead() {
			continue
		}
		if w, ok := ds.CaptureWake(now, level, ad.rate()); ok && w.Before(wake) {
			wake = w
		}
	}
	ad.wakeTs = wake
	return wake
}

func (ad *activeDev) playbackWake(now time.Time) time.Time {
	level, err := ad.dev.FramesQueued(now)
	if err != nil {
		level = 0
	}
	var wake time.Time
	if level > ad.cbThreshold {
		wake = now.Add(framesDuration(level-ad.cbThreshold, ad.rate()))
	} else {
		wake = now
	}
	if ad.state == StateDraining {
		ad.wakeTs = wake
		return wake
	}
	for _, ds := range ad.streams {
		if ds.Stream.Dead() {
			continue
		}
		if w := ds.PlaybackWake(now, ad.rate()); w.Before(wake) {
			wake = w
		}
	}
	// Never schedule a zero-length sleep; a device sitting exactly at its
	// threshold would otherwise spin.
	if floor := now.Add(time.Millisecond); wake.Before(floor) {
		wake = floor
	}
	ad.wakeTs = wake
	return wake
}
