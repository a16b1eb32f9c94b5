// ABOUTME: Per-window accounting for devices mixing several streams
// ABOUTME: Device write pointer advances by the minimum stream contribution
package audiothread

import "github.com/tapmix/tapmix/pkg/protocol"

// BufferShare tracks, for the window of frames a device is currently
// filling, how far into the window each attached stream has written. The
// device only commits the frames every stream has covered.
type BufferShare struct {
	window  int
	offsets map[protocol.StreamID]int
}

// NewBufferShare builds accounting for a window of the given frame size.
func NewBufferShare(window int) *BufferShare {
	return &BufferShare{
		window:  window,
		offsets: make(map[protocol.StreamID]int),
	}
}

// Window returns the window size in frames.
func (b *BufferShare) Window() int { return b.window }

// AddStream starts tracking a stream at offset zero.
func (b *BufferShare) AddStream(id protocol.StreamID) {
	b.offsets[id] = 0
}

// RemoveStream stops tracking a stream.
func (b *BufferShare) RemoveStream(id protocol.StreamID) {
	delete(b.offsets, id)
}

// Offset returns how many frames of the current window the stream has
// written.
func (b *BufferShare) Offset(id protocol.StreamID) int {
	return b.offsets[id]
}

// SetOffset records a stream's progress, clamped to the window.
func (b *BufferShare) SetOffset(id protocol.StreamID, frames int) {
	if _, ok := b.offsets[id]; !ok {
		return
	}
	if frames > b.window {
		frames = b.window
	}
	if frames < 0 {
		frames = 0
	}
	b.offsets[id] = frames
}

// MinOffset returns the frames covered by every stream, which is how far
// the device may advance. An empty share reports zero.
func (b *BufferShare) MinOffset() int {
	if len(b.offsets) == 0 {
		return 0
	}
	min := b.window
	for _, off := range b.offsets {
		if off < min {
			min = off
		}
	}
	return min
}

// Commit subtracts committed frames from every stream's offset after the
// device advanced. frames must not exceed MinOffset.
func (b *BufferShare) Commit(frames int) {
	for id, off := range b.offsets {
		off -= frames
		if off < 0 {
			off = 0
		}
		b.offsets[id] = off
	}
}

// Reset clears all offsets, used after an xrun recovery.
func (b *BufferShare) Reset() {
	for id := range b.offsets {
		b.offsets[id] = 0
	}
}
