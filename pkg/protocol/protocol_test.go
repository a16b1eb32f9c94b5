// ABOUTME: Tests for wire protocol framing and message codecs
// ABOUTME: Covers frame validation, id helpers and audio message packing
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tapmix/tapmix/pkg/audio"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := ConnectStream{
		StreamID:     uint32(MakeStreamID(3, 7)),
		Direction:    uint32(DirectionInput),
		Flags:        FlagHotword,
		BufferFrames: 4096,
		CbThreshold:  2048,
		MinCbLevel:   2048,
		Format:       ToWire(audio.NewFormat(audio.FormatS16LE, 48000, 2)),
	}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, uint32(MsgConnectStream), &msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	frame, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.ID != uint32(MsgConnectStream) {
		t.Errorf("id mismatch: %d", frame.ID)
	}

	var got ConnectStream
	if err := DecodeBody(frame.Body, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != msg {
		t.Errorf("round trip mismatch: %+v != %+v", got, msg)
	}
}

func TestReadMessageRejectsBadLength(t *testing.T) {
	tests := []struct {
		name   string
		length uint32
	}{
		{"shorter than header", 4},
		{"zero", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hdr [HeaderSize]byte
			binary.LittleEndian.PutUint32(hdr[0:4], tt.length)
			binary.LittleEndian.PutUint32(hdr[4:8], uint32(MsgDumpDSP))

			_, err := ReadMessage(bytes.NewReader(hdr[:]))
			if !errors.Is(err, ErrBadLength) {
				t.Errorf("expected ErrBadLength, got %v", err)
			}
		})
	}
}

func TestReadMessageSkipsOversizedBody(t *testing.T) {
	var wire bytes.Buffer

	// Oversized frame whose body smuggles a complete, valid frame. The
	// reader must throw the whole body away, not resynchronize inside it.
	var smuggled bytes.Buffer
	if err := WriteMessage(&smuggled, uint32(MsgSetSystemVolume),
		&SetSystemVolume{Volume: 77}); err != nil {
		t.Fatalf("build smuggled frame: %v", err)
	}
	const declared = 20000
	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], declared)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(MsgSetSystemVolume))
	wire.Write(hdr[:])
	body := make([]byte, declared-HeaderSize)
	copy(body, smuggled.Bytes())
	wire.Write(body)

	if err := WriteMessage(&wire, uint32(MsgSetSystemMute),
		&SetSystemMute{Mute: 1}); err != nil {
		t.Fatalf("write trailing frame: %v", err)
	}

	if _, err := ReadMessage(&wire); !errors.Is(err, ErrBadLength) {
		t.Fatalf("oversized frame: got %v, want ErrBadLength", err)
	}
	frame, err := ReadMessage(&wire)
	if err != nil {
		t.Fatalf("frame after oversized: %v", err)
	}
	if frame.ID != uint32(MsgSetSystemMute) {
		t.Errorf("resynced on id %d, want %d", frame.ID, uint32(MsgSetSystemMute))
	}
}

func TestDecodeBodyTruncated(t *testing.T) {
	var out ConnectStream
	if err := DecodeBody([]byte{1, 2, 3}, &out); !errors.Is(err, ErrShortBody) {
		t.Errorf("expected ErrShortBody, got %v", err)
	}
}

func TestStreamIDParts(t *testing.T) {
	id := MakeStreamID(0xabcd, 0x1234)
	if id.ClientID() != 0xabcd || id.StreamIdx() != 0x1234 {
		t.Errorf("got client %x idx %x", id.ClientID(), id.StreamIdx())
	}
}

func TestNodeIDParts(t *testing.T) {
	id := MakeNodeID(5, 2)
	if id.DevIdx() != 5 || id.NodeIdx() != 2 {
		t.Errorf("got dev %d node %d", id.DevIdx(), id.NodeIdx())
	}
}

func TestDirectionValid(t *testing.T) {
	if !DirectionOutput.Valid() || !DirectionInput.Valid() {
		t.Error("real directions rejected")
	}
	// The legacy duplex value and garbage must both be rejected.
	if Direction(2).Valid() || Direction(99).Valid() {
		t.Error("invalid direction accepted")
	}
}

func TestAudioMessageRoundTrip(t *testing.T) {
	m := AudioMessage{ID: uint32(AudioDataReady), Error: -5, Frames: 480}
	b := EncodeAudioMessage(m)
	got, err := DecodeAudioMessage(b[:])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != m {
		t.Errorf("round trip mismatch: %+v != %+v", got, m)
	}

	if _, err := DecodeAudioMessage(b[:5]); err == nil {
		t.Error("expected error for truncated record")
	}
}

func TestAudioShmName(t *testing.T) {
	id := MakeStreamID(1, 2)
	if got := AudioShmName(id); got != "aud-10002" {
		t.Errorf("unexpected shm name %q", got)
	}
}

func TestFormatWireRoundTrip(t *testing.T) {
	f := audio.NewFormat(audio.FormatS24LE, 44100, 6)
	if got := FromWire(ToWire(f)); !got.Equal(f) {
		t.Errorf("wire round trip mismatch: %+v != %+v", got, f)
	}
}
