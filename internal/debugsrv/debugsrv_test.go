// ABOUTME: Debug server tests
// ABOUTME: Snapshot endpoint and websocket feed against a fake dumper
package debugsrv

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapmix/tapmix/internal/audiothread"
	"github.com/tapmix/tapmix/pkg/protocol"
)

type fakeDumper struct{}

func (fakeDumper) Dump() (audiothread.Snapshot, error) {
	return audiothread.Snapshot{
		TakenAt: time.Now(),
		Devices: []audiothread.DeviceSnapshot{{
			Idx:       3,
			Name:      "fake device",
			Direction: protocol.DirectionOutput,
			State:     "running",
			Level:     1234,
		}},
	}, nil
}

func TestSnapshotEndpoint(t *testing.T) {
	s := New(fakeDumper{})
	rec := httptest.NewRecorder()
	s.handleSnapshot(rec, httptest.NewRequest(http.MethodGet, "/snapshot", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var snap audiothread.Snapshot
	if err := json.Unmarshal(rec.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Name != "fake device" {
		t.Errorf("snapshot devices = %+v", snap.Devices)
	}
	if snap.Devices[0].Level != 1234 {
		t.Errorf("level = %d", snap.Devices[0].Level)
	}
}

func TestWebsocketFeed(t *testing.T) {
	s := New(fakeDumper{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.ListenAndServe(ctx, "127.0.0.1:0")
	}()

	url := fmt.Sprintf("ws://%s/ws", s.Addr())
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial ws: %v", err)
	}
	defer conn.Close()

	var snap audiothread.Snapshot
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&snap); err != nil {
		t.Fatalf("read snapshot: %v", err)
	}
	if len(snap.Devices) != 1 || snap.Devices[0].Idx != 3 {
		t.Errorf("snapshot = %+v", snap)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server did not stop on context cancel")
	}
}
