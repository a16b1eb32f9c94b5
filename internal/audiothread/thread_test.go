// ABOUTME: Audio thread command loop tests
// ABOUTME: Stream routing across attached devices and the fallbacks
package audiothread

import (
	"testing"

	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/pkg/protocol"
)

func startThread(t *testing.T) *Thread {
	t.Helper()
	th, err := NewThread(
		iodev.NewEmpty(0, protocol.DirectionOutput),
		iodev.NewEmpty(1, protocol.DirectionInput),
		nil)
	if err != nil {
		t.Fatalf("new thread: %v", err)
	}
	th.Start()
	t.Cleanup(th.Stop)
	return th
}

// streamsOn returns the stream count on a device in a snapshot, -1 if the
// device is not there.
func streamsOn(snap Snapshot, idx uint32) int {
	for _, d := range snap.Devices {
		if d.Idx == idx {
			return len(d.Streams)
		}
	}
	return -1
}

func TestAddStreamUnknownDeviceUsesFallback(t *testing.T) {
	th := startThread(t)

	s := makeOutputStream(t, 1, 480, 48000)
	if err := th.AddStream(s, 99); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	snap, err := th.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if n := streamsOn(snap, 0); n != 1 {
		t.Errorf("fallback output streams = %d, want 1", n)
	}
}

func TestAddStreamWrongDirectionUsesFallback(t *testing.T) {
	th := startThread(t)

	in := iodev.NewTestDev(5, protocol.DirectionInput)
	if err := th.AttachDevice(in); err != nil {
		t.Fatalf("attach device: %v", err)
	}

	// A playback stream aimed at a capture device must not land there.
	s := makeOutputStream(t, 1, 480, 48000)
	if err := th.AddStream(s, 5); err != nil {
		t.Fatalf("add stream: %v", err)
	}
	snap, err := th.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	if n := streamsOn(snap, 5); n != 0 {
		t.Errorf("capture device streams = %d, want 0", n)
	}
	if n := streamsOn(snap, 0); n != 1 {
		t.Errorf("fallback output streams = %d, want 1", n)
	}
}
