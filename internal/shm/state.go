// ABOUTME: Global server state region
// ABOUTME: Seq-locked single-writer snapshot readable by every client
package shm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/tapmix/tapmix/pkg/protocol"
)

// StateVersion is checked when a client attaches; mismatch means detach.
const StateVersion = 2

// StateRegionSize is the fixed allocation for the state region. The encoded
// StateData is well under this; the remainder is zero padding.
const StateRegionSize = 8192

const (
	offStateVersion = 0
	offUpdateCount  = 4
	offStateData    = 8
)

var (
	// ErrStateVersion reports an incompatible state region layout.
	ErrStateVersion = errors.New("shm: server state version mismatch")
	// ErrStateTorn reports that a consistent snapshot could not be taken.
	ErrStateTorn = errors.New("shm: server state read kept tearing")
)

// StateData is the snapshot body. It is a fixed-size struct so it encodes to
// a constant byte length with encoding/binary.
type StateData struct {
	BootID            [16]byte // daemon boot uuid
	Volume            uint32   // system playback volume 0-100
	Muted             int32
	MuteLocked        int32
	CaptureGain       int32 // dBFS * 100
	CaptureMuted      int32
	CaptureMuteLocked int32
	NumStreamsAttached uint32
	NumClients         uint32
	LastActiveSec      int64 // unix time of last stream activity
	SelectedOutput     uint64
	SelectedInput      uint64
	NumDevs            uint32
	NumNodes           uint32
	Devs               [protocol.MaxIodevs]protocol.IodevInfo
	Nodes              [protocol.MaxIonodes]protocol.IonodeInfo
	Clients            [protocol.MaxClients]uint32
}

// StateWriter owns the region. Single writer: the control thread.
type StateWriter struct {
	buf  []byte
	data StateData
}

func stateU32(buf []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[off]))
}

// NewStateWriter formats a fresh state region.
func NewStateWriter(buf []byte) (*StateWriter, error) {
	need := offStateData + binary.Size(StateData{})
	if len(buf) < need {
		return nil, fmt.Errorf("shm: state region %d bytes, need %d: %w",
			len(buf), need, ErrAreaSize)
	}
	w := &StateWriter{buf: buf}
	atomic.StoreUint32(stateU32(buf, offUpdateCount), 0)
	atomic.StoreUint32(stateU32(buf, offStateVersion), StateVersion)
	w.publish()
	return w, nil
}

// Data returns the writer's cached copy for inspection.
func (w *StateWriter) Data() StateData { return w.data }

// Update applies fn to the snapshot and publishes it under the seq-lock:
// odd counter while the write is in flight, even when complete.
func (w *StateWriter) Update(fn func(*StateData)) {
	fn(&w.data)
	w.publish()
}

func (w *StateWriter) publish() {
	cnt := stateU32(w.buf, offUpdateCount)
	atomic.AddUint32(cnt, 1) // odd: write in progress

	var enc bytes.Buffer
	binary.Write(&enc, binary.LittleEndian, &w.data)
	copy(w.buf[offStateData:], enc.Bytes())

	atomic.AddUint32(cnt, 1) // even: consistent
}

// StateReader attaches to a region written by another process.
type StateReader struct {
	buf []byte
}

// NewStateReader wraps a mapped state region, verifying the version field.
func NewStateReader(buf []byte) (*StateReader, error) {
	need := offStateData + binary.Size(StateData{})
	if len(buf) < need {
		return nil, ErrAreaSize
	}
	if v := atomic.LoadUint32(stateU32(buf, offStateVersion)); v != StateVersion {
		return nil, fmt.Errorf("%w: got %d want %d", ErrStateVersion, v, StateVersion)
	}
	return &StateReader{buf: buf}, nil
}

// Read takes a consistent snapshot. It retries while the writer is mid
// update; a bounded retry count keeps a crashed writer from spinning us
// forever.
func (r *StateReader) Read() (StateData, error) {
	cnt := stateU32(r.buf, offUpdateCount)
	size := binary.Size(StateData{})
	raw := make([]byte, size)

	for attempt := 0; attempt < 100; attempt++ {
		before := atomic.LoadUint32(cnt)
		if before&1 != 0 {
			continue
		}
		copy(raw, r.buf[offStateData:offStateData+size])
		after := atomic.LoadUint32(cnt)
		if before != after {
			continue
		}
		var data StateData
		if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &data); err != nil {
			return StateData{}, err
		}
		return data, nil
	}
	return StateData{}, ErrStateTorn
}
