// ABOUTME: Binary framing for control messages
// ABOUTME: 4-byte length + 4-byte id header, little-endian fixed-size bodies
package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// HeaderSize is the fixed prefix of every framed message.
const HeaderSize = 8

// MaxMessageSize bounds a declared frame length. Anything larger is treated
// as a protocol error and dropped without killing the connection.
const MaxMessageSize = 16384

var (
	// ErrBadLength reports a frame whose declared length is inconsistent.
	ErrBadLength = errors.New("protocol: declared message length invalid")
	// ErrUnknownID reports a message id outside the known set.
	ErrUnknownID = errors.New("protocol: unknown message id")
	// ErrShortBody reports a body smaller than its id requires.
	ErrShortBody = errors.New("protocol: message body truncated")
)

// Frame is one received message before the body is decoded.
type Frame struct {
	ID   uint32
	Body []byte
}

// WriteMessage frames and writes id plus the fixed-size body struct.
func WriteMessage(w io.Writer, id uint32, body any) error {
	var payload bytes.Buffer
	if body != nil {
		if err := binary.Write(&payload, binary.LittleEndian, body); err != nil {
			return fmt.Errorf("encode message %d: %w", id, err)
		}
	}
	length := uint32(HeaderSize + payload.Len())
	if length > MaxMessageSize {
		return ErrBadLength
	}

	var hdr [HeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], length)
	binary.LittleEndian.PutUint32(hdr[4:8], id)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if payload.Len() > 0 {
		if _, err := w.Write(payload.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// ReadMessage reads one framed message. The declared length is validated
// against the header size and MaxMessageSize before any body bytes are
// buffered, so a malformed frame cannot force a huge allocation. An
// oversized frame's body is still consumed from the wire; otherwise the
// next read would parse the dropped bytes as fresh frames.
func ReadMessage(r io.Reader) (Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	length := binary.LittleEndian.Uint32(hdr[0:4])
	id := binary.LittleEndian.Uint32(hdr[4:8])

	if length < HeaderSize {
		return Frame{}, ErrBadLength
	}
	if length > MaxMessageSize {
		if _, err := io.CopyN(io.Discard, r, int64(length-HeaderSize)); err != nil {
			return Frame{}, err
		}
		return Frame{}, ErrBadLength
	}
	body := make([]byte, length-HeaderSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, err
	}
	return Frame{ID: id, Body: body}, nil
}

// DecodeBody unpacks a frame body into the fixed-size struct for its id.
func DecodeBody(body []byte, out any) error {
	if err := binary.Read(bytes.NewReader(body), binary.LittleEndian, out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return ErrShortBody
		}
		return err
	}
	return nil
}
