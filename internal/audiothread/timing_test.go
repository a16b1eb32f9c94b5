// ABOUTME: Wake-time computation tests for capture scheduling
// ABOUTME: Covers SRC, multi-stream and hotword socket-driven cases
package audiothread

import (
	"testing"
	"time"

	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

const fakeAudioFd = 33

func makeInputStream(t *testing.T, idx uint16, cbThreshold, rate int) *Stream {
	t.Helper()
	format := audio.NewFormat(audio.FormatS16LE, rate, 2)
	used := cbThreshold * format.FrameBytes()
	area, err := shm.InitArea(shm.NewAreaBuffer(shm.AreaSize(used)), format, used)
	if err != nil {
		t.Fatalf("init area: %v", err)
	}
	return &Stream{
		ID:           protocol.MakeStreamID(1, idx),
		Direction:    protocol.DirectionInput,
		Format:       format,
		BufferFrames: 2 * cbThreshold,
		CbThreshold:  cbThreshold,
		MinCbLevel:   cbThreshold,
		Area:         area,
		AudioFd:      fakeAudioFd,
		sendFn:       func([]byte) error { return nil },
	}
}

// addFakeData fills the stream's shm as if the device had captured frames.
func addFakeData(t *testing.T, s *Stream, frames int) {
	t.Helper()
	for frames > 0 {
		writable := s.Area.WritableFrames()
		if writable == 0 {
			t.Fatalf("shm full while adding fake data")
		}
		n := frames
		if n > writable {
			n = writable
		}
		s.Area.BeginWrite()
		if err := s.Area.CommitWritten(n, time.Now()); err != nil {
			t.Fatalf("commit fake data: %v", err)
		}
		if s.Area.WritableFrames() == 0 {
			s.Area.CompleteWrite()
		}
		frames -= n
	}
}

// inputDevNextWake mirrors one audio thread wake on a single capture
// device: service it, restore the scripted level, then compute the next
// deadline.
func inputDevNextWake(t *testing.T, devCb, devLevel, devRate int, start time.Time, streams []*Stream) (time.Time, *activeDev) {
	t.Helper()
	dev := iodev.NewTestDev(1, protocol.DirectionInput)
	devFmt := audio.NewFormat(audio.FormatS16LE, devRate, 2)
	if err := dev.Open(devFmt); err != nil {
		t.Fatalf("open test dev: %v", err)
	}

	ad := newActiveDev(dev)
	ad.state = StateNormalRun
	ad.cbThreshold = devCb
	ad.share = NewBufferShare(dev.DevInfo.BufferFrames)
	for _, s := range streams {
		ds, err := NewDevStream(s, devFmt, dev.DevInfo.BufferFrames)
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		ad.streams = append(ad.streams, ds)
		ad.share.AddStream(s.ID)
	}

	dev.Level = devLevel
	if err := ad.serviceCapture(start); err != nil {
		t.Fatalf("service: %v", err)
	}
	dev.Level = devLevel
	return ad.captureWake(start), ad
}

func TestWaitAfterFill(t *testing.T) {
	start := time.Now()
	s := makeInputStream(t, 1, 480, 48000)
	s.NextCbTs = start
	addFakeData(t, s, 480)

	wake, _ := inputDevNextWake(t, 480, 0, 48000, start, []*Stream{s})

	// One full callback was delivered, so the deadline is the stream's
	// advanced callback time, exactly 10 ms out.
	if !wake.Equal(s.NextCbTs) {
		t.Errorf("wake %v != next_cb_ts %v", wake, s.NextCbTs)
	}
	if got := s.NextCbTs.Sub(start); got != 10*time.Millisecond {
		t.Errorf("next_cb_ts advanced by %v, want 10ms", got)
	}
}

func TestWaitAfterFillSRC(t *testing.T) {
	start := time.Now()
	s := makeInputStream(t, 1, 441, 44100)
	s.NextCbTs = start
	addFakeData(t, s, 441)

	wake, _ := inputDevNextWake(t, 480, 0, 48000, start, []*Stream{s})

	delta := wake.Sub(start)
	if delta <= 9900*time.Microsecond || delta >= 10100*time.Microsecond {
		t.Errorf("wake delta = %v, want about 10ms", delta)
	}
}

func TestWaitTwoStreamsSameFormat(t *testing.T) {
	start := time.Now()
	s1 := makeInputStream(t, 1, 480, 48000)
	s1.NextCbTs = start
	addFakeData(t, s1, 480)

	s2 := makeInputStream(t, 2, 480, 48000)
	s2.NextCbTs = start
	addFakeData(t, s2, 240)

	wake, _ := inputDevNextWake(t, 480, 0, 48000, start, []*Stream{s1, s2})

	// The half-full stream needs 240 more frames at 48 kHz: 5 ms.
	delta := wake.Sub(start)
	if delta <= 4900*time.Microsecond || delta >= 5100*time.Microsecond {
		t.Errorf("wake delta = %v, want about 5ms", delta)
	}
}

func TestWaitTwoStreamsDifferentRates(t *testing.T) {
	start := time.Now()
	s1 := makeInputStream(t, 1, 441, 44100)
	s1.NextCbTs = start
	addFakeData(t, s1, 441)

	s2 := makeInputStream(t, 2, 480, 48000)
	s2.NextCbTs = start
	addFakeData(t, s2, 240)

	wake, _ := inputDevNextWake(t, 441, 0, 44100, start, []*Stream{s1, s2})

	// 240 stream frames at 48k need 221 device frames at 44.1k: about 5 ms.
	delta := wake.Sub(start)
	if delta <= 4900*time.Microsecond || delta >= 5100*time.Microsecond {
		t.Errorf("wake delta = %v, want about 5ms", delta)
	}
}

func TestWaitTwoStreamsDifferentWakeupTimes(t *testing.T) {
	start := time.Now()
	s1 := makeInputStream(t, 1, 441, 44100)
	s1.NextCbTs = start.Add(3 * time.Millisecond)
	addFakeData(t, s1, 441)

	s2 := makeInputStream(t, 2, 480, 48000)
	s2.NextCbTs = start.Add(5 * time.Millisecond)
	addFakeData(t, s2, 480)

	wake, _ := inputDevNextWake(t, 441, 441, 44100, start, []*Stream{s1, s2})

	// Both are full; the earlier callback deadline wins.
	delta := wake.Sub(start)
	if delta <= 2900*time.Microsecond || delta >= 3100*time.Microsecond {
		t.Errorf("wake delta = %v, want about 3ms", delta)
	}
}

func TestHotwordStreamUseDevTiming(t *testing.T) {
	start := time.Now()
	s := makeInputStream(t, 1, 240, 48000)
	s.Flags = protocol.FlagHotword
	s.NextCbTs = start.Add(3 * time.Millisecond)
	addFakeData(t, s, 192)

	wake, _ := inputDevNextWake(t, 4096, 0, 48000, start, []*Stream{s})

	// Below threshold the stream waits for the whole shm to fill:
	// 480 - 192 = 288 frames, exactly 6 ms, callback schedule ignored.
	if delta := wake.Sub(start); delta != 6*time.Millisecond {
		t.Errorf("wake delta = %v, want exactly 6ms", delta)
	}
}

func TestHotwordStreamBulkData(t *testing.T) {
	start := time.Now()
	s := makeInputStream(t, 1, 240, 48000)
	s.Flags = protocol.FlagHotword
	s.NextCbTs = start
	addFakeData(t, s, 480)

	wake, _ := inputDevNextWake(t, 4096, 7000, 48000, start, []*Stream{s})

	// At or past the threshold the socket drives the stream, so its fd is
	// in the poll set and the device deadline stays at the long floor.
	if got := s.PollFd(); got != fakeAudioFd {
		t.Errorf("poll fd = %d, want %d", got, fakeAudioFd)
	}
	delta := wake.Sub(start)
	if delta <= 19*time.Second || delta >= 21*time.Second {
		t.Errorf("wake delta = %v, want about 20s", delta)
	}
}

func TestHotwordBoundaryAtThreshold(t *testing.T) {
	start := time.Now()

	// One frame short of the threshold keeps device timing.
	below := makeInputStream(t, 1, 240, 48000)
	below.Flags = protocol.FlagHotword
	addFakeData(t, below, 239)
	wake, _ := inputDevNextWake(t, 4096, 0, 48000, start, []*Stream{below})
	if delta := wake.Sub(start); delta >= time.Second {
		t.Errorf("below threshold: wake delta %v, want device timed", delta)
	}

	// Exactly at the threshold switches to socket-driven.
	at := makeInputStream(t, 2, 240, 48000)
	at.Flags = protocol.FlagHotword
	at.NextCbTs = start.Add(time.Hour) // keep the callback from firing
	addFakeData(t, at, 240)
	wake, _ = inputDevNextWake(t, 4096, 0, 48000, start, []*Stream{at})
	if delta := wake.Sub(start); delta <= 19*time.Second {
		t.Errorf("at threshold: wake delta %v, want 20s floor", delta)
	}
}
