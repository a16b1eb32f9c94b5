// ABOUTME: Server-side registered stream state
// ABOUTME: Callback timing and the per-stream audio socket channel
package audiothread

import (
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// maxSendErrors is the retry budget for transient audio socket failures
// before the stream is declared dead.
const maxSendErrors = 5

// ErrStreamDead reports a stream whose audio socket failed past the retry
// budget or returned a hard error.
var ErrStreamDead = errors.New("audiothread: stream socket failed")

// Stream is one registered client stream. It owns the client-facing shm
// area and the audio side-channel socket. Created by the control thread,
// handed to the audio thread, and only touched there afterwards.
type Stream struct {
	ID        protocol.StreamID
	Direction protocol.Direction
	Type      protocol.StreamType
	Flags     uint32
	Format    audio.Format

	BufferFrames int
	CbThreshold  int
	MinCbLevel   int

	Area    *shm.Area
	Mapping *shm.Mapping
	AudioFd int

	// NextCbTs is the earliest time the next client callback may fire.
	// Monotonically non-decreasing.
	NextCbTs    time.Time
	LastFetchTs time.Time

	sendErrs int
	dead     bool

	// sendFn and recvFn override socket I/O under test.
	sendFn func([]byte) error
	recvFn func() (protocol.AudioMessage, error)
}

// IsHotword reports whether this is an always-on detection stream.
func (s *Stream) IsHotword() bool {
	return s.Flags&protocol.FlagHotword != 0
}

// CbInterval is the wall-clock period of one callback at the stream rate.
func (s *Stream) CbInterval() time.Duration {
	return framesDuration(s.CbThreshold, s.Format.FrameRate)
}

// TotalShmFrames is the full capacity of the stream's shared area.
func (s *Stream) TotalShmFrames() int {
	return 2 * s.Area.BufferFrames()
}

// AdvanceNextCb moves the callback deadline one interval forward, resyncing
// if scheduling fell far behind.
func (s *Stream) AdvanceNextCb(now time.Time) {
	interval := s.CbInterval()
	s.NextCbTs = s.NextCbTs.Add(interval)
	if s.NextCbTs.Add(interval).Before(now) {
		s.NextCbTs = now.Add(interval)
	}
}

// Dead reports whether the stream has been marked for removal.
func (s *Stream) Dead() bool { return s.dead }

// PollFd returns the socket to include in the audio thread's poll set, or
// -1. Only a stream with an outstanding callback has anything to say.
func (s *Stream) PollFd() int {
	if s.dead || !s.Area.CallbackPending() {
		return -1
	}
	return s.AudioFd
}

// sendAudioMessage writes one fixed-size record, tolerating EINTR and a
// bounded number of EAGAINs.
func (s *Stream) sendAudioMessage(id protocol.AudioMessageID, frames int) error {
	msg := protocol.AudioMessage{ID: uint32(id), Frames: uint32(frames)}
	buf := protocol.EncodeAudioMessage(msg)

	var err error
	if s.sendFn != nil {
		err = s.sendFn(buf[:])
	} else {
		_, err = unix.Write(s.AudioFd, buf[:])
		for err == unix.EINTR {
			_, err = unix.Write(s.AudioFd, buf[:])
		}
	}
	if err == nil {
		s.sendErrs = 0
		return nil
	}
	if err == unix.EAGAIN {
		s.sendErrs++
		if s.sendErrs < maxSendErrors {
			return nil
		}
	}
	s.dead = true
	log.Printf("audiothread: stream %#x socket write: %v", uint32(s.ID), err)
	return fmt.Errorf("%w: %v", ErrStreamDead, err)
}

// RequestData asks a playback client for frames of audio.
func (s *Stream) RequestData(now time.Time, frames int) error {
	if err := s.sendAudioMessage(protocol.AudioRequestData, frames); err != nil {
		return err
	}
	s.Area.SetCallbackPending(true)
	s.LastFetchTs = now
	return nil
}

// DataReady tells a capture client that frames are waiting in shm.
func (s *Stream) DataReady(frames int) error {
	if err := s.sendAudioMessage(protocol.AudioDataReady, frames); err != nil {
		return err
	}
	s.Area.SetCallbackPending(true)
	return nil
}

// ReadReply consumes the client's pending audio message and clears the
// callback flag. An EOF or hard error marks the stream dead.
func (s *Stream) ReadReply() (protocol.AudioMessage, error) {
	var msg protocol.AudioMessage
	var err error
	if s.recvFn != nil {
		msg, err = s.recvFn()
	} else {
		buf := make([]byte, protocol.AudioMessageSize)
		var n int
		n, err = unix.Read(s.AudioFd, buf)
		if err == nil && n == 0 {
			err = fmt.Errorf("%w: closed", ErrStreamDead)
		}
		if err == nil {
			msg, err = protocol.DecodeAudioMessage(buf[:n])
		}
	}
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			s.dead = true
		}
		return msg, err
	}
	s.Area.SetCallbackPending(false)
	return msg, nil
}

// Close releases the stream's socket and shared mapping.
func (s *Stream) Close() {
	if s.AudioFd >= 0 {
		unix.Close(s.AudioFd)
		s.AudioFd = -1
	}
	if s.Mapping != nil {
		s.Mapping.Close()
		s.Mapping = nil
	}
}

func framesDuration(frames, rate int) time.Duration {
	return time.Duration(int64(frames) * int64(time.Second) / int64(rate))
}
