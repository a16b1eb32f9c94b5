// ABOUTME: Per-stream shared audio area
// ABOUTME: Double-buffered lock-free ring shared between daemon and client
package shm

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/tapmix/tapmix/pkg/audio"
)

// AreaVersion is stamped into every audio area header and checked on attach.
const AreaVersion = 2

// Header field offsets. The layout is fixed little-endian and shared with
// clients, so these never change without bumping AreaVersion.
const (
	offFrameBytes      = 0
	offUsedSize        = 4
	offFrameRate       = 8
	offNumChannels     = 12
	offLayout          = 16 // ChannelMax int8 entries, padded to 12 bytes
	offVersion         = 28
	offReadBufIdx      = 32
	offWriteBufIdx     = 36
	offReadOffset      = 40 // [2]uint32
	offWriteOffset     = 48 // [2]uint32
	offWriteInProgress = 56 // [2]uint32
	offVolumeScaler    = 64 // float32 bits
	offMute            = 68
	offCallbackPending = 72
	offNumOverruns     = 76
	offTsSec           = 80
	offTsNsec          = 88

	// AreaHeaderSize is where sample bytes begin; 8-byte aligned.
	AreaHeaderSize = 96
)

const numAreaBuffers = 2

var (
	// ErrAreaVersion reports an attach to an incompatible area layout.
	ErrAreaVersion = errors.New("shm: audio area version mismatch")
	// ErrAreaSize reports a mapping too small for its declared used size.
	ErrAreaSize = errors.New("shm: audio area too small")
	// ErrRange reports an out-of-range parameter such as a bad volume.
	ErrRange = errors.New("shm: value out of range")
)

// AreaSize returns the total byte size of an area holding usedSize bytes per
// buffer, rounded up so the whole region is a power of two (cheap for the
// kernel and keeps the mapping math trivial for clients).
func AreaSize(usedSize int) int {
	need := AreaHeaderSize + numAreaBuffers*usedSize
	size := 1
	for size < need {
		size <<= 1
	}
	return size
}

// Area is a view of one mapped audio region. All header accesses go through
// atomics; sample bytes are plain memory guarded by the write_in_progress
// protocol. Exactly one producer and one consumer may use an Area, their
// roles fixed by stream direction.
type Area struct {
	buf        []byte
	frameBytes int
	usedSize   int
}

func (a *Area) u32(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&a.buf[off]))
}

func (a *Area) i64(off int) *int64 {
	return (*int64)(unsafe.Pointer(&a.buf[off]))
}

// InitArea formats a fresh mapping for the given stream format and per-buffer
// byte size, and returns the Area view of it.
func InitArea(buf []byte, format audio.Format, usedSize int) (*Area, error) {
	if len(buf) < AreaHeaderSize+numAreaBuffers*usedSize {
		return nil, ErrAreaSize
	}
	frameBytes := format.FrameBytes()
	if usedSize%frameBytes != 0 {
		return nil, fmt.Errorf("shm: used size %d not a frame multiple: %w",
			usedSize, ErrRange)
	}
	for i := range buf[:AreaHeaderSize] {
		buf[i] = 0
	}
	a := &Area{buf: buf, frameBytes: frameBytes, usedSize: usedSize}
	atomic.StoreUint32(a.u32(offFrameBytes), uint32(frameBytes))
	atomic.StoreUint32(a.u32(offUsedSize), uint32(usedSize))
	atomic.StoreUint32(a.u32(offFrameRate), uint32(format.FrameRate))
	atomic.StoreUint32(a.u32(offNumChannels), uint32(format.Channels))
	for i, v := range format.Layout {
		buf[offLayout+i] = byte(v)
	}
	atomic.StoreUint32(a.u32(offVolumeScaler), math.Float32bits(1.0))
	atomic.StoreUint32(a.u32(offVersion), AreaVersion)
	return a, nil
}

// AttachArea wraps an already formatted mapping, checking the version stamp.
func AttachArea(buf []byte) (*Area, error) {
	if len(buf) < AreaHeaderSize {
		return nil, ErrAreaSize
	}
	a := &Area{buf: buf}
	if v := atomic.LoadUint32(a.u32(offVersion)); v != AreaVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrAreaVersion, v, AreaVersion)
	}
	a.frameBytes = int(atomic.LoadUint32(a.u32(offFrameBytes)))
	a.usedSize = int(atomic.LoadUint32(a.u32(offUsedSize)))
	if a.frameBytes <= 0 || len(buf) < AreaHeaderSize+numAreaBuffers*a.usedSize {
		return nil, ErrAreaSize
	}
	return a, nil
}

// FrameBytes returns the byte size of one frame.
func (a *Area) FrameBytes() int { return a.frameBytes }

// UsedSize returns the byte capacity of each of the two buffers.
func (a *Area) UsedSize() int { return a.usedSize }

// BufferFrames returns the frame capacity of each buffer.
func (a *Area) BufferFrames() int { return a.usedSize / a.frameBytes }

func (a *Area) samples(idx uint32) []byte {
	start := AreaHeaderSize + int(idx)*a.usedSize
	return a.buf[start : start+a.usedSize]
}

func (a *Area) readBufIdx() uint32 {
	return atomic.LoadUint32(a.u32(offReadBufIdx)) & 1
}

func (a *Area) writeBufIdx() uint32 {
	return atomic.LoadUint32(a.u32(offWriteBufIdx)) & 1
}

func (a *Area) readOffset(idx uint32) uint32 {
	return atomic.LoadUint32(a.u32(offReadOffset + 4*int(idx)))
}

func (a *Area) writeOffset(idx uint32) uint32 {
	return atomic.LoadUint32(a.u32(offWriteOffset + 4*int(idx)))
}

func (a *Area) writeInProgress(idx uint32) bool {
	return atomic.LoadUint32(a.u32(offWriteInProgress+4*int(idx))) != 0
}

// FramesQueued returns the frames readable across both buffers. A buffer
// mid-write is not counted until its producer commits.
func (a *Area) FramesQueued() int {
	var bytes uint32
	for idx := uint32(0); idx < numAreaBuffers; idx++ {
		if a.writeInProgress(idx) {
			continue
		}
		w := a.writeOffset(idx)
		r := a.readOffset(idx)
		if w > r {
			bytes += w - r
		}
	}
	return int(bytes) / a.frameBytes
}

// WritableFrames returns how many frames the producer can still add to the
// current write buffer: the remaining capacity of a window being filled, the
// whole buffer if it is drained, or 0 while it holds unread data.
func (a *Area) WritableFrames() int {
	idx := a.writeBufIdx()
	if a.writeInProgress(idx) {
		return a.BufferFrames() - int(a.writeOffset(idx))/a.frameBytes
	}
	if a.writeOffset(idx) > a.readOffset(idx) {
		return 0
	}
	return a.BufferFrames()
}

// BeginWrite marks the current write buffer in-progress and returns its
// unwritten tail. The flag stays set across incremental CommitWritten calls
// until CompleteWrite publishes the window.
func (a *Area) BeginWrite() []byte {
	idx := a.writeBufIdx()
	atomic.StoreUint32(a.u32(offWriteInProgress+4*int(idx)), 1)
	return a.samples(idx)[a.writeOffset(idx):]
}

// CommitWritten advances the write offset by frames just written and stamps
// ts. The buffer stays in-progress and invisible to the reader until
// CompleteWrite.
func (a *Area) CommitWritten(frames int, ts time.Time) error {
	idx := a.writeBufIdx()
	bytes := a.writeOffset(idx) + uint32(frames*a.frameBytes)
	if frames < 0 || bytes > uint32(a.usedSize) {
		return fmt.Errorf("shm: commit of %d frames exceeds buffer: %w", frames, ErrRange)
	}
	atomic.StoreUint32(a.u32(offWriteOffset+4*int(idx)), bytes)
	atomic.StoreInt64(a.i64(offTsSec), int64(ts.Unix()))
	atomic.StoreInt64(a.i64(offTsNsec), int64(ts.Nanosecond()))
	return nil
}

// CompleteWrite publishes the window: rewinds the read offset, clears
// write_in_progress (the release point for the samples) and flips the write
// buffer.
func (a *Area) CompleteWrite() {
	idx := a.writeBufIdx()
	atomic.StoreUint32(a.u32(offReadOffset+4*int(idx)), 0)
	atomic.StoreUint32(a.u32(offWriteInProgress+4*int(idx)), 0)
	atomic.StoreUint32(a.u32(offWriteBufIdx), idx^1)
}

// CommitWrite publishes frames written after BeginWrite in one step, for
// producers that fill a whole window at a time.
func (a *Area) CommitWrite(frames int, ts time.Time) error {
	if err := a.CommitWritten(frames, ts); err != nil {
		return err
	}
	a.CompleteWrite()
	return nil
}

// Level counts every unread frame in the area, including a window still
// being filled. Scheduling uses this; readers use FramesQueued.
func (a *Area) Level() int {
	var bytes uint32
	for idx := uint32(0); idx < numAreaBuffers; idx++ {
		w := a.writeOffset(idx)
		r := a.readOffset(idx)
		if w > r {
			bytes += w - r
		}
	}
	return int(bytes) / a.frameBytes
}

// ReadBuf returns the readable bytes of the current read buffer. An empty
// slice means the ring is drained or the producer is mid-write.
func (a *Area) ReadBuf() []byte {
	idx := a.readBufIdx()
	if a.writeInProgress(idx) {
		return nil
	}
	w := a.readOffset(idx)
	end := a.writeOffset(idx)
	if end <= w {
		return nil
	}
	return a.samples(idx)[w:end]
}

// MarkRead consumes frames from the current read buffer, flipping to the
// other buffer once this one is drained.
func (a *Area) MarkRead(frames int) {
	idx := a.readBufIdx()
	r := a.readOffset(idx) + uint32(frames*a.frameBytes)
	w := a.writeOffset(idx)
	if r > w {
		r = w
	}
	atomic.StoreUint32(a.u32(offReadOffset+4*int(idx)), r)
	if r >= w {
		// Buffer drained; hand it back to the producer.
		atomic.StoreUint32(a.u32(offWriteOffset+4*int(idx)), 0)
		atomic.StoreUint32(a.u32(offReadOffset+4*int(idx)), 0)
		atomic.StoreUint32(a.u32(offReadBufIdx), idx^1)
	}
}

// VolumeScaler returns the stream's software volume multiplier.
func (a *Area) VolumeScaler() float32 {
	return math.Float32frombits(atomic.LoadUint32(a.u32(offVolumeScaler)))
}

// SetVolumeScaler sets the multiplier; values outside [0,1] are rejected
// and leave the current value untouched.
func (a *Area) SetVolumeScaler(v float32) error {
	if v < 0 || v > 1 || v != v {
		return fmt.Errorf("shm: volume scaler %v: %w", v, ErrRange)
	}
	atomic.StoreUint32(a.u32(offVolumeScaler), math.Float32bits(v))
	return nil
}

// Mute reports the stream mute flag.
func (a *Area) Mute() bool {
	return atomic.LoadUint32(a.u32(offMute)) != 0
}

// SetMute sets the stream mute flag.
func (a *Area) SetMute(m bool) {
	var v uint32
	if m {
		v = 1
	}
	atomic.StoreUint32(a.u32(offMute), v)
}

// CallbackPending reports whether a callback has been posted to the client
// and not yet acknowledged.
func (a *Area) CallbackPending() bool {
	return atomic.LoadUint32(a.u32(offCallbackPending)) != 0
}

// SetCallbackPending sets or clears the pending flag.
func (a *Area) SetCallbackPending(p bool) {
	var v uint32
	if p {
		v = 1
	}
	atomic.StoreUint32(a.u32(offCallbackPending), v)
}

// IncrOverruns counts one dropped window and returns the new total.
func (a *Area) IncrOverruns() uint32 {
	return atomic.AddUint32(a.u32(offNumOverruns), 1)
}

// Overruns returns how many windows have been dropped on this stream.
func (a *Area) Overruns() uint32 {
	return atomic.LoadUint32(a.u32(offNumOverruns))
}

// Timestamp returns the time of the oldest committed sample.
func (a *Area) Timestamp() time.Time {
	sec := atomic.LoadInt64(a.i64(offTsSec))
	nsec := atomic.LoadInt64(a.i64(offTsNsec))
	return time.Unix(sec, nsec)
}

// NewAreaBuffer allocates a heap-backed, 8-byte aligned buffer suitable for
// InitArea. Used by tests and virtual devices; real streams map a memfd.
func NewAreaBuffer(size int) []byte {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
}
