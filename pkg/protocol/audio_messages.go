// ABOUTME: Audio side-channel message definitions
// ABOUTME: Fixed-size records on each stream's dedicated unix socket
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Audio message ids carried on the per-stream socket.
type AudioMessageID uint32

const (
	// AudioRequestData: server asks the client for frames (playback).
	AudioRequestData AudioMessageID = iota
	// AudioDataReady: frames are available (server->client for capture,
	// client->server after filling shm for playback).
	AudioDataReady
)

// AudioMessage is the fixed 12-byte record exchanged on the audio socket.
type AudioMessage struct {
	ID     uint32
	Error  int32
	Frames uint32
}

// AudioMessageSize is the wire size of an AudioMessage.
const AudioMessageSize = 12

// EncodeAudioMessage packs a message into its 12-byte wire form.
func EncodeAudioMessage(m AudioMessage) [AudioMessageSize]byte {
	var b [AudioMessageSize]byte
	binary.LittleEndian.PutUint32(b[0:4], m.ID)
	binary.LittleEndian.PutUint32(b[4:8], uint32(m.Error))
	binary.LittleEndian.PutUint32(b[8:12], m.Frames)
	return b
}

// DecodeAudioMessage unpacks a 12-byte record. Short input is an error; the
// socket is a stream so a partial record means the peer died mid-write.
func DecodeAudioMessage(b []byte) (AudioMessage, error) {
	if len(b) < AudioMessageSize {
		return AudioMessage{}, fmt.Errorf("audio message truncated: %d bytes: %w",
			len(b), io.ErrUnexpectedEOF)
	}
	return AudioMessage{
		ID:     binary.LittleEndian.Uint32(b[0:4]),
		Error:  int32(binary.LittleEndian.Uint32(b[4:8])),
		Frames: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// AudioShmName returns the name of one stream's shared memory region. The
// name shows up in /proc/<pid>/fd for inspection.
func AudioShmName(id StreamID) string {
	return fmt.Sprintf("aud-%x", uint32(id))
}
