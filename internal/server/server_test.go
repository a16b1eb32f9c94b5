// ABOUTME: Control-path integration tests
// ABOUTME: Real socket, shm and audio thread against the client library
package server

import (
	"bytes"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/tapmix/tapmix/internal/client"
	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(Options{SocketDir: t.TempDir()})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	go func() {
		if err := srv.Serve(); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(srv.Stop)

	// Wait for the listener.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if conn, err := net.Dial("unix", srv.SocketPath()); err == nil {
			conn.Close()
			return srv
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("server never started listening")
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHandshakeAndState(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if c.ID() == 0 {
		t.Error("client id is zero")
	}
	state, err := c.State()
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Volume != 100 {
		t.Errorf("initial volume = %d, want 100", state.Volume)
	}
	// The two loopback taps are published as capture devices.
	waitFor(t, "loopback devices in state", func() bool {
		s, err := c.State()
		return err == nil && s.NumDevs >= 2
	})
}

func TestSystemVolumeReachesState(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	if err := c.SetSystemVolume(42); err != nil {
		t.Fatalf("set volume: %v", err)
	}
	waitFor(t, "volume in state region", func() bool {
		s, err := c.State()
		return err == nil && s.Volume == 42
	})

	if err := c.SetSystemMuteLocked(true); err != nil {
		t.Fatalf("set mute locked: %v", err)
	}
	waitFor(t, "mute in state region", func() bool {
		s, err := c.State()
		return err == nil && s.Muted == 1 && s.MuteLocked == 1
	})
}

func TestConnectStreamRejectsBadDirection(t *testing.T) {
	srv := startServer(t)

	// Raw connection; the client library cannot emit an invalid direction.
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	if protocol.ClientMessageID(hello.ID) != protocol.MsgClientConnected {
		t.Fatalf("first message id = %d", hello.ID)
	}

	req := protocol.ConnectStream{
		StreamID:     uint32(protocol.MakeStreamID(1, 1)),
		Direction:    7,
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       protocol.ToWire(audio.NewFormat(audio.FormatS16LE, 48000, 2)),
	}
	if err := protocol.WriteMessage(conn, uint32(protocol.MsgConnectStream), &req); err != nil {
		t.Fatalf("send: %v", err)
	}

	reply, err := protocol.ReadMessage(conn)
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	var msg protocol.ClientStreamConnected
	if err := protocol.DecodeBody(reply.Body, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Err >= 0 {
		t.Errorf("err = %d, want negative errno for invalid direction", msg.Err)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	srv := startServer(t)
	conn, err := net.Dial("unix", srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := protocol.ReadMessage(conn); err != nil {
		t.Fatalf("hello: %v", err)
	}

	// Header declaring a 3-byte frame: invalid, must be dropped.
	conn.Write([]byte{3, 0, 0, 0, 0, 0, 0, 0})

	// Oversized frame whose body smuggles a valid mute-lock message. The
	// body must be discarded wholesale, never parsed as fresh frames.
	var smuggled bytes.Buffer
	if err := protocol.WriteMessage(&smuggled, uint32(protocol.MsgSetSystemMuteLocked),
		&protocol.SetSystemMute{Mute: 1}); err != nil {
		t.Fatalf("build smuggled frame: %v", err)
	}
	const declared = 20000
	var hdr [protocol.HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], declared)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(protocol.MsgSetSystemVolume))
	conn.Write(hdr[:])
	body := make([]byte, declared-protocol.HeaderSize)
	copy(body, smuggled.Bytes())
	conn.Write(body)

	if err := protocol.WriteMessage(conn, uint32(protocol.MsgSetSystemVolume),
		&protocol.SetSystemVolume{Volume: 33}); err != nil {
		t.Fatalf("send after bad frame: %v", err)
	}
	waitFor(t, "volume change after malformed frame", func() bool {
		return srv.system.Volume() == 33
	})
	if srv.system.MuteLocked() {
		t.Error("smuggled mute-lock frame was executed")
	}
}

func TestStreamDevicePinIgnoresWrongDirection(t *testing.T) {
	dl := NewDeviceList()
	in := iodev.NewTestDev(dl.NextIdx(), protocol.DirectionInput)
	dl.Add(in)

	s := &Server{
		devices:  dl,
		typePins: make(map[protocol.StreamType]uint32),
	}
	s.pinStreamType(protocol.StreamTypeDefault, in.Info().Idx)

	if got := s.streamDevice(protocol.StreamTypeDefault, protocol.DirectionInput); got != in.Info().Idx {
		t.Errorf("capture stream device = %d, want pinned %d", got, in.Info().Idx)
	}
	// A playback stream must not follow a pin onto a capture device.
	if got := s.streamDevice(protocol.StreamTypeDefault, protocol.DirectionOutput); got != FallbackOutputIdx {
		t.Errorf("playback stream device = %d, want fallback %d", got, FallbackOutputIdx)
	}
	// A pin to a device that has since gone away falls back too.
	s.pinStreamType(protocol.StreamTypeDefault, 99)
	if got := s.streamDevice(protocol.StreamTypeDefault, protocol.DirectionInput); got != in.Info().Idx {
		t.Errorf("stale pin stream device = %d, want selected %d", got, in.Info().Idx)
	}
}

func TestPlaybackStreamGetsCallbacks(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	filled := make(chan int, 64)
	s, err := c.NewPlaybackStream(client.StreamParams{
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, 2),
	}, func(buf []byte, frames int) (int, error) {
		for i := range buf {
			buf[i] = 0x11
		}
		select {
		case filled <- frames:
		default:
		}
		return frames, nil
	})
	if err != nil {
		t.Fatalf("new playback stream: %v", err)
	}
	defer s.Close()

	if s.Direction != protocol.DirectionOutput {
		t.Errorf("direction = %v", s.Direction)
	}
	select {
	case frames := <-filled:
		if frames <= 0 {
			t.Errorf("fill callback got %d frames", frames)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fill callback never ran")
	}
}

func TestCaptureStreamGetsCallbacks(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	captured := make(chan int, 64)
	s, err := c.NewCaptureStream(client.StreamParams{
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, 2),
	}, func(buf []byte, frames int) error {
		select {
		case captured <- frames:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("new capture stream: %v", err)
	}
	defer s.Close()

	select {
	case frames := <-captured:
		if frames <= 0 {
			t.Errorf("capture callback got %d frames", frames)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("capture callback never ran")
	}
}

func TestStreamReconnectAfterClose(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	params := client.StreamParams{
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, 2),
	}
	fill := func(buf []byte, frames int) (int, error) { return frames, nil }

	s1, err := c.NewPlaybackStream(params, fill)
	if err != nil {
		t.Fatalf("first stream: %v", err)
	}
	s1.Close()

	s2, err := c.NewPlaybackStream(params, fill)
	if err != nil {
		t.Fatalf("second stream after close: %v", err)
	}
	s2.Close()

	waitFor(t, "stream count back to zero", func() bool {
		st, err := c.State()
		return err == nil && st.NumStreamsAttached == 0
	})
}

func TestLoopbackHearsPlayback(t *testing.T) {
	srv := startServer(t)
	c, err := client.Dial(srv.SocketPath())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()

	// Find the post-mix loopback device index from the published list.
	var lbIdx uint32
	waitFor(t, "loopback in device list", func() bool {
		st, err := c.State()
		if err != nil {
			return false
		}
		for i := uint32(0); i < st.NumDevs; i++ {
			if protocol.Direction(st.Devs[i].Direction) == protocol.DirectionInput {
				lbIdx = st.Devs[i].Idx
				return true
			}
		}
		return false
	})

	play, err := c.NewPlaybackStream(client.StreamParams{
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, 2),
	}, func(buf []byte, frames int) (int, error) {
		for i := range buf {
			buf[i] = 0x22
		}
		return frames, nil
	})
	if err != nil {
		t.Fatalf("playback stream: %v", err)
	}
	defer play.Close()

	// Pin capture streams to the loopback and record from it.
	if err := c.SwitchStreamTypeIodev(protocol.StreamTypeDefault, lbIdx); err != nil {
		t.Fatalf("pin: %v", err)
	}
	heard := make(chan bool, 1)
	cap, err := c.NewCaptureStream(client.StreamParams{
		BufferFrames: 960,
		CbThreshold:  480,
		Format:       audio.NewFormat(audio.FormatS16LE, 48000, 2),
	}, func(buf []byte, frames int) error {
		for _, b := range buf {
			if b != 0 {
				select {
				case heard <- true:
				default:
				}
				return nil
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("capture stream: %v", err)
	}
	defer cap.Close()

	select {
	case <-heard:
	case <-time.After(10 * time.Second):
		t.Fatal("loopback capture never heard the playback audio")
	}
}
