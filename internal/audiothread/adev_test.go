// ABOUTME: Playback device servicing tests
// ABOUTME: Min-commit mixing, silence fill, drain, xrun and loopback taps
package audiothread

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

func makeOutputStream(t *testing.T, idx uint16, cbThreshold, rate int) *Stream {
	t.Helper()
	format := audio.NewFormat(audio.FormatS16LE, rate, 2)
	used := cbThreshold * format.FrameBytes()
	area, err := shm.InitArea(shm.NewAreaBuffer(shm.AreaSize(used)), format, used)
	if err != nil {
		t.Fatalf("init area: %v", err)
	}
	return &Stream{
		ID:           protocol.MakeStreamID(1, idx),
		Direction:    protocol.DirectionOutput,
		Format:       format,
		BufferFrames: 2 * cbThreshold,
		CbThreshold:  cbThreshold,
		MinCbLevel:   cbThreshold,
		Area:         area,
		AudioFd:      fakeAudioFd,
		// Never due, so servicing does not post data requests.
		NextCbTs: time.Now().Add(time.Hour),
		sendFn:   func([]byte) error { return nil },
	}
}

// fillPlayback writes frames of the given sample value into the stream shm,
// publishing each chunk the way a client does.
func fillPlayback(t *testing.T, s *Stream, frames int, val int16) {
	t.Helper()
	for frames > 0 {
		writable := s.Area.WritableFrames()
		if writable == 0 {
			t.Fatalf("shm full while filling playback data")
		}
		n := frames
		if n > writable {
			n = writable
		}
		tail := s.Area.BeginWrite()
		for i := 0; i < n*s.Format.Channels; i++ {
			binary.LittleEndian.PutUint16(tail[2*i:], uint16(val))
		}
		if err := s.Area.CommitWrite(n, time.Now()); err != nil {
			t.Fatalf("commit playback data: %v", err)
		}
		frames -= n
	}
}

func outputDev(t *testing.T, streams ...*Stream) (*activeDev, *iodev.TestDev) {
	t.Helper()
	dev := iodev.NewTestDev(1, protocol.DirectionOutput)
	devFmt := audio.NewFormat(audio.FormatS16LE, 48000, 2)
	if err := dev.Open(devFmt); err != nil {
		t.Fatalf("open test dev: %v", err)
	}
	ad := newActiveDev(dev)
	ad.state = StateNormalRun
	ad.cbThreshold = 480
	ad.mixBuf = make([]byte, dev.DevInfo.BufferFrames*devFmt.FrameBytes())
	ad.share = NewBufferShare(dev.DevInfo.BufferFrames)
	for _, s := range streams {
		ds, err := NewDevStream(s, devFmt, dev.DevInfo.BufferFrames)
		if err != nil {
			t.Fatalf("attach: %v", err)
		}
		ad.streams = append(ad.streams, ds)
		ad.share.AddStream(s.ID)
	}
	return ad, dev
}

func TestPlaybackCommitsMinStream(t *testing.T) {
	s1 := makeOutputStream(t, 1, 480, 48000)
	fillPlayback(t, s1, 480, 1000)
	s2 := makeOutputStream(t, 2, 480, 48000)
	fillPlayback(t, s2, 240, 500)

	ad, dev := outputDev(t, s1, s2)
	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service: %v", err)
	}

	// Only the 240 frames both streams covered may reach the hardware.
	fb := dev.Format().FrameBytes()
	if got := len(dev.Written) / fb; got != 240 {
		t.Fatalf("device got %d frames, want 240", got)
	}
	for i := 0; i < 240*2; i++ {
		got := int16(binary.LittleEndian.Uint16(dev.Written[2*i:]))
		if got != 1500 {
			t.Fatalf("sample %d = %d, want mixed 1500", i, got)
		}
	}
	if got := ad.share.Offset(s1.ID); got != 240 {
		t.Errorf("s1 offset after commit = %d, want 240", got)
	}
	if got := ad.share.Offset(s2.ID); got != 0 {
		t.Errorf("s2 offset after commit = %d, want 0", got)
	}
}

func TestPlaybackKeepsUncommittedMix(t *testing.T) {
	s1 := makeOutputStream(t, 1, 480, 48000)
	fillPlayback(t, s1, 480, 1000)
	s2 := makeOutputStream(t, 2, 480, 48000)
	fillPlayback(t, s2, 240, 500)

	ad, dev := outputDev(t, s1, s2)
	now := time.Now()
	if err := ad.servicePlayback(now, 1.0, nil); err != nil {
		t.Fatalf("first service: %v", err)
	}

	// s1's extra 240 frames stayed in the window; once s2 catches up they
	// go out already mixed.
	fillPlayback(t, s2, 240, 500)
	if err := ad.servicePlayback(now, 1.0, nil); err != nil {
		t.Fatalf("second service: %v", err)
	}

	fb := dev.Format().FrameBytes()
	if got := len(dev.Written) / fb; got != 480 {
		t.Fatalf("device got %d frames total, want 480", got)
	}
	for i := 0; i < 480*2; i++ {
		got := int16(binary.LittleEndian.Uint16(dev.Written[2*i:]))
		if got != 1500 {
			t.Fatalf("sample %d = %d, want 1500", i, got)
		}
	}
}

func TestPlaybackPadsSilenceNearUnderrun(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	ad, dev := outputDev(t, s)

	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service: %v", err)
	}

	fb := dev.Format().FrameBytes()
	if got := len(dev.Written) / fb; got != 480 {
		t.Fatalf("device got %d frames, want 480 of silence", got)
	}
	for i, b := range dev.Written {
		if b != 0 {
			t.Fatalf("byte %d = %#x, want silence", i, b)
		}
	}
}

func TestPlaybackNoPadAboveThreshold(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	ad, dev := outputDev(t, s)
	dev.Level = 1000

	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service: %v", err)
	}
	if len(dev.Written) != 0 {
		t.Errorf("device got %d bytes with a healthy level", len(dev.Written))
	}
}

func TestPlaybackDrainPadsTailThenCloses(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	ad, dev := outputDev(t, s)
	ad.streams = nil
	ad.state = StateDraining
	ad.drainRemaining = -1

	// 1000 real frames in hardware when the last stream left.
	dev.Level = 1000
	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service while draining: %v", err)
	}
	if !dev.IsOpen() {
		t.Fatal("device closed with the tail still queued")
	}
	if len(dev.Written) != 0 {
		t.Fatalf("padded %d bytes with a healthy level", len(dev.Written))
	}

	// Hardware consumed 900; the tail dips under the threshold and must be
	// protected with silence, not cut off.
	dev.Level = 100
	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service near drain end: %v", err)
	}
	if !dev.IsOpen() {
		t.Fatal("device closed before the tail played out")
	}
	fb := dev.Format().FrameBytes()
	if got := len(dev.Written) / fb; got != 380 {
		t.Fatalf("padded %d frames, want 380 up to the threshold", got)
	}
	for i, b := range dev.Written {
		if b != 0 {
			t.Fatalf("pad byte %d = %#x, want silence", i, b)
		}
	}

	// Everything, tail included, has played.
	dev.Level = 0
	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service at drain end: %v", err)
	}
	if dev.IsOpen() {
		t.Fatal("device still open after draining out")
	}
	if ad.state != StateClosed {
		t.Errorf("state = %v, want closed", ad.state)
	}
}

func TestPlaybackXrunResetsDevice(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	fillPlayback(t, s, 480, 1000)
	ad, dev := outputDev(t, s)
	dev.FailPut = 1

	if err := ad.servicePlayback(time.Now(), 1.0, nil); err != nil {
		t.Fatalf("service with xrun: %v", err)
	}
	if !dev.IsOpen() {
		t.Fatal("device not reopened after xrun")
	}
	if got := ad.share.Offset(s.ID); got != 0 {
		t.Errorf("share offset after reset = %d, want 0", got)
	}
}

func TestPlaybackFeedsPostMixTap(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	fillPlayback(t, s, 480, 1000)
	ad, _ := outputDev(t, s)

	tap := iodev.NewLoopback(9, iodev.TapPostMix, iodev.DefaultLoopbackFrames)
	if err := tap.Open(audio.NewFormat(audio.FormatS16LE, 48000, 2)); err != nil {
		t.Fatalf("open tap: %v", err)
	}

	if err := ad.servicePlayback(time.Now(), 1.0, []*iodev.Loopback{tap}); err != nil {
		t.Fatalf("service: %v", err)
	}
	got, err := tap.FramesQueued(time.Now())
	if err != nil {
		t.Fatalf("tap queued: %v", err)
	}
	if got != 480 {
		t.Errorf("tap holds %d frames, want 480", got)
	}
}

func TestPlaybackTapFromMonoDevice(t *testing.T) {
	format := audio.NewFormat(audio.FormatS16LE, 48000, 1)
	used := 4096 * format.FrameBytes()
	area, err := shm.InitArea(shm.NewAreaBuffer(shm.AreaSize(used)), format, used)
	if err != nil {
		t.Fatalf("init area: %v", err)
	}
	s := &Stream{
		ID:           protocol.MakeStreamID(1, 1),
		Direction:    protocol.DirectionOutput,
		Format:       format,
		BufferFrames: 8192,
		CbThreshold:  4096,
		MinCbLevel:   4096,
		Area:         area,
		AudioFd:      fakeAudioFd,
		NextCbTs:     time.Now().Add(time.Hour),
		sendFn:       func([]byte) error { return nil },
	}
	fillPlayback(t, s, 4096, 1000)

	dev := iodev.NewTestDev(1, protocol.DirectionOutput)
	if err := dev.Open(format); err != nil {
		t.Fatalf("open mono dev: %v", err)
	}
	ad := newActiveDev(dev)
	ad.state = StateNormalRun
	ad.cbThreshold = 480
	ad.mixBuf = make([]byte, dev.DevInfo.BufferFrames*format.FrameBytes())
	ad.share = NewBufferShare(dev.DevInfo.BufferFrames)
	ds, err := NewDevStream(s, format, dev.DevInfo.BufferFrames)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	ad.streams = append(ad.streams, ds)
	ad.share.AddStream(s.ID)

	// The tap speaks stereo while the device is mono; a full-buffer commit
	// must land converted, not reinterpreted.
	tap := iodev.NewLoopback(9, iodev.TapPostMix, iodev.DefaultLoopbackFrames)
	if err := tap.Open(audio.NewFormat(audio.FormatS16LE, 48000, 2)); err != nil {
		t.Fatalf("open tap: %v", err)
	}
	if err := ad.servicePlayback(time.Now(), 1.0, []*iodev.Loopback{tap}); err != nil {
		t.Fatalf("service: %v", err)
	}

	got, err := tap.FramesQueued(time.Now())
	if err != nil {
		t.Fatalf("tap queued: %v", err)
	}
	if got != 4096 {
		t.Errorf("tap holds %d frames, want 4096", got)
	}
	buf, n, err := tap.GetBuffer(16)
	if err != nil || n == 0 {
		t.Fatalf("tap read: n=%d err=%v", n, err)
	}
	for i := 0; i < n*2; i++ {
		v := int16(binary.LittleEndian.Uint16(buf[2*i:]))
		if v < 999 || v > 1001 {
			t.Fatalf("tap sample %d = %d, want about 1000", i, v)
		}
	}
}

func TestFetchStreamsPostsRequest(t *testing.T) {
	s := makeOutputStream(t, 1, 480, 48000)
	var sent []protocol.AudioMessage
	s.sendFn = func(b []byte) error {
		msg, err := protocol.DecodeAudioMessage(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		sent = append(sent, msg)
		return nil
	}
	now := time.Now()
	s.NextCbTs = now

	ad, _ := outputDev(t, s)
	if err := ad.servicePlayback(now, 1.0, nil); err != nil {
		t.Fatalf("service: %v", err)
	}

	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].ID != uint32(protocol.AudioRequestData) {
		t.Errorf("message id = %d, want REQUEST_DATA", sent[0].ID)
	}
	if sent[0].Frames != 480 {
		t.Errorf("requested %d frames, want 480", sent[0].Frames)
	}
	if !s.Area.CallbackPending() {
		t.Error("callback pending flag not set after request")
	}
	if !s.NextCbTs.After(now) {
		t.Error("next callback time did not advance")
	}
}

func TestReapDeadDetachesStream(t *testing.T) {
	s1 := makeOutputStream(t, 1, 480, 48000)
	s2 := makeOutputStream(t, 2, 480, 48000)
	ad, _ := outputDev(t, s1, s2)

	s1.dead = true
	dead := ad.reapDead()
	if len(dead) != 1 || dead[0] != s1 {
		t.Fatalf("reaped %v, want just s1", dead)
	}
	if len(ad.streams) != 1 || ad.streams[0].Stream != s2 {
		t.Fatalf("remaining streams wrong")
	}
	if ad.state != StateNormalRun {
		t.Errorf("state = %v, want still running", ad.state)
	}

	s2.dead = true
	ad.reapDead()
	if ad.state != StateDraining {
		t.Errorf("state after last stream = %v, want draining", ad.state)
	}
	if ad.drainRemaining != -1 {
		t.Errorf("drain accounting not armed, remaining = %d", ad.drainRemaining)
	}
}
