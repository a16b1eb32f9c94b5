// ABOUTME: Tests for the seq-locked server state region
// ABOUTME: Snapshot consistency and version checking
package shm

import (
	"errors"
	"sync"
	"testing"
)

func TestStateWriteRead(t *testing.T) {
	buf := NewAreaBuffer(StateRegionSize)
	w, err := NewStateWriter(buf)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}

	w.Update(func(s *StateData) {
		s.Volume = 75
		s.Muted = 1
		s.CaptureGain = -600
		s.NumClients = 2
	})

	r, err := NewStateReader(buf)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	got, err := r.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Volume != 75 || got.Muted != 1 || got.CaptureGain != -600 || got.NumClients != 2 {
		t.Errorf("snapshot mismatch: %+v", got)
	}
}

func TestStateVolumeReadBack(t *testing.T) {
	buf := NewAreaBuffer(StateRegionSize)
	w, _ := NewStateWriter(buf)
	r, _ := NewStateReader(buf)

	for _, v := range []uint32{0, 1, 50, 100} {
		w.Update(func(s *StateData) { s.Volume = v })
		got, err := r.Read()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got.Volume != v {
			t.Errorf("volume %d read back as %d", v, got.Volume)
		}
	}
}

func TestStateReaderRejectsVersion(t *testing.T) {
	buf := NewAreaBuffer(StateRegionSize)
	if _, err := NewStateReader(buf); !errors.Is(err, ErrStateVersion) {
		t.Errorf("zeroed region accepted: %v", err)
	}
}

func TestStateConcurrentReaders(t *testing.T) {
	buf := NewAreaBuffer(StateRegionSize)
	w, _ := NewStateWriter(buf)

	stop := make(chan struct{})
	writerDone := make(chan struct{})

	// Writer keeps Volume and NumClients in lockstep; a torn read would
	// observe them out of sync.
	go func() {
		defer close(writerDone)
		for i := uint32(0); ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			w.Update(func(s *StateData) {
				s.Volume = i % 101
				s.NumClients = i % 101
			})
		}
	}()

	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			reader, err := NewStateReader(buf)
			if err != nil {
				t.Errorf("reader: %v", err)
				return
			}
			for i := 0; i < 1000; i++ {
				snap, err := reader.Read()
				if err != nil {
					t.Errorf("read: %v", err)
					return
				}
				if snap.Volume != snap.NumClients {
					t.Errorf("torn snapshot: volume %d clients %d",
						snap.Volume, snap.NumClients)
					return
				}
			}
		}()
	}

	readers.Wait()
	close(stop)
	<-writerDone
}
