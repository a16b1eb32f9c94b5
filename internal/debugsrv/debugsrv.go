// ABOUTME: Localhost websocket feed of audio thread snapshots
// ABOUTME: One JSON snapshot per interval to every connected watcher
package debugsrv

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tapmix/tapmix/internal/audiothread"
)

// snapshotInterval is how often connected watchers receive a dump.
const snapshotInterval = 500 * time.Millisecond

// Dumper is the audio thread surface the debug server needs.
type Dumper interface {
	Dump() (audiothread.Snapshot, error)
}

// Server serves audio thread snapshots over a websocket for debugging.
type Server struct {
	dumper   Dumper
	httpSrv  *http.Server
	upgrader websocket.Upgrader

	ready chan struct{}
	addr  net.Addr
}

// New builds a debug server around the dumper.
func New(dumper Dumper) *Server {
	return &Server{dumper: dumper, ready: make(chan struct{})}
}

// Addr returns the bound address once ListenAndServe is up.
func (s *Server) Addr() net.Addr {
	<-s.ready
	return s.addr
}

// ListenAndServe serves on addr until the context is canceled. Intended for
// localhost only; there is no auth.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/snapshot", s.handleSnapshot)
	mux.HandleFunc("/ws", s.handleWS)

	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.addr = ln.Addr()
	close(s.ready)

	go func() {
		<-ctx.Done()
		s.httpSrv.Close()
	}()
	log.Printf("debugsrv: listening on %s", ln.Addr())
	if err := s.httpSrv.Serve(ln); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// handleSnapshot returns one dump as JSON, for curl-style inspection.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.dumper.Dump()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snap); err != nil {
		log.Printf("debugsrv: encode snapshot: %v", err)
	}
}

// handleWS streams a dump every interval until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("debugsrv: upgrade: %v", err)
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for range ticker.C {
		snap, err := s.dumper.Dump()
		if err != nil {
			log.Printf("debugsrv: dump: %v", err)
			return
		}
		if err := conn.WriteJSON(snap); err != nil {
			return
		}
	}
}
