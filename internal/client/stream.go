// ABOUTME: Client-side audio streams
// ABOUTME: Shm attach, audio socket servicing and the data callbacks
package client

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// StreamParams describes a stream to create.
type StreamParams struct {
	Type         protocol.StreamType
	Flags        uint32
	BufferFrames int
	CbThreshold  int
	MinCbLevel   int
	Format       audio.Format
}

// PlaybackFunc fills buf with up to frames of audio and returns how many it
// wrote. Returning 0 sends silence for this callback; an error stops the
// stream.
type PlaybackFunc func(buf []byte, frames int) (int, error)

// CaptureFunc consumes frames of captured audio from buf.
type CaptureFunc func(buf []byte, frames int) error

// Stream is one connected audio stream.
type Stream struct {
	ID        protocol.StreamID
	Direction protocol.Direction
	Format    audio.Format

	client  *Client
	area    *shm.Area
	mapping *shm.Mapping
	audioFd int

	playback PlaybackFunc
	capture  CaptureFunc

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// NewPlaybackStream creates an output stream; fill is called from a
// dedicated goroutine whenever the daemon wants audio.
func (c *Client) NewPlaybackStream(p StreamParams, fill PlaybackFunc) (*Stream, error) {
	if fill == nil {
		return nil, errors.New("client: playback stream needs a fill callback")
	}
	s, err := c.connectStream(p, protocol.DirectionOutput)
	if err != nil {
		return nil, err
	}
	s.playback = fill
	go s.serve()
	return s, nil
}

// NewCaptureStream creates an input stream; sink receives captured frames.
func (c *Client) NewCaptureStream(p StreamParams, sink CaptureFunc) (*Stream, error) {
	if sink == nil {
		return nil, errors.New("client: capture stream needs a sink callback")
	}
	s, err := c.connectStream(p, protocol.DirectionInput)
	if err != nil {
		return nil, err
	}
	s.capture = sink
	go s.serve()
	return s, nil
}

func (c *Client) connectStream(p StreamParams, dir protocol.Direction) (*Stream, error) {
	if err := p.Format.Validate(); err != nil {
		return nil, fmt.Errorf("client: stream format: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	idx := c.nextStreamIdx
	c.nextStreamIdx++
	if c.nextStreamIdx == 0 {
		c.nextStreamIdx = 1
	}
	ch := make(chan streamReply, 1)
	c.pendingConn[idx] = ch
	c.mu.Unlock()

	req := protocol.ConnectStream{
		StreamID:     uint32(protocol.MakeStreamID(c.id, idx)),
		Direction:    uint32(dir),
		StreamType:   uint32(p.Type),
		Flags:        p.Flags,
		BufferFrames: uint32(p.BufferFrames),
		CbThreshold:  uint32(p.CbThreshold),
		MinCbLevel:   uint32(p.MinCbLevel),
		Format:       protocol.ToWire(p.Format),
	}
	if err := c.send(protocol.MsgConnectStream, &req); err != nil {
		c.mu.Lock()
		delete(c.pendingConn, idx)
		c.mu.Unlock()
		return nil, err
	}

	var reply streamReply
	select {
	case r, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		reply = r
	case <-time.After(connectTimeout):
		c.mu.Lock()
		delete(c.pendingConn, idx)
		c.mu.Unlock()
		return nil, errors.New("client: stream connect timed out")
	}
	if reply.msg.Err != 0 {
		return nil, errnoError(reply.msg.Err)
	}

	shmFd, audioFd := reply.fds[0], reply.fds[1]
	mapping, err := shm.AttachMapping(shmFd, int(reply.msg.ShmSize), true)
	if err != nil {
		unix.Close(shmFd)
		unix.Close(audioFd)
		return nil, fmt.Errorf("client: map stream shm: %w", err)
	}
	area, err := shm.AttachArea(mapping.Buf)
	if err != nil {
		mapping.Close()
		unix.Close(audioFd)
		return nil, fmt.Errorf("client: attach stream area: %w", err)
	}

	s := &Stream{
		ID:        protocol.StreamID(reply.msg.StreamID),
		Direction: dir,
		Format:    protocol.FromWire(reply.msg.Format),
		client:    c,
		area:      area,
		mapping:   mapping,
		audioFd:   audioFd,
		done:      make(chan struct{}),
	}
	c.mu.Lock()
	c.streams[s.ID] = s
	c.mu.Unlock()
	return s, nil
}

// serve answers audio socket messages until the stream dies.
func (s *Stream) serve() {
	defer close(s.done)
	buf := make([]byte, protocol.AudioMessageSize)
	for {
		n, err := unix.Read(s.audioFd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil || n == 0 {
			s.err = fmt.Errorf("client: stream %#x socket: %w", uint32(s.ID), errOrEOF(err))
			return
		}
		msg, err := protocol.DecodeAudioMessage(buf[:n])
		if err != nil {
			s.err = err
			return
		}
		if err := s.handle(msg); err != nil {
			s.err = err
			return
		}
	}
}

func errOrEOF(err error) error {
	if err == nil {
		return errors.New("closed by daemon")
	}
	return err
}

func (s *Stream) handle(msg protocol.AudioMessage) error {
	switch protocol.AudioMessageID(msg.ID) {
	case protocol.AudioRequestData:
		return s.fillPlayback(int(msg.Frames))
	case protocol.AudioDataReady:
		return s.drainCapture()
	default:
		return fmt.Errorf("client: stream %#x: unknown audio message %d", uint32(s.ID), msg.ID)
	}
}

// fillPlayback asks the callback for audio and publishes it to the shm.
func (s *Stream) fillPlayback(requested int) error {
	fb := s.area.FrameBytes()
	writable := s.area.WritableFrames()
	frames := requested
	if frames > writable {
		frames = writable
	}
	wrote := 0
	if frames > 0 {
		tail := s.area.BeginWrite()
		n, err := s.playback(tail[:frames*fb], frames)
		if err != nil {
			return err
		}
		if n > frames {
			n = frames
		}
		if err := s.area.CommitWrite(n, time.Now()); err != nil {
			return err
		}
		wrote = n
	}
	return s.reply(wrote)
}

// drainCapture hands every queued frame to the callback.
func (s *Stream) drainCapture() error {
	fb := s.area.FrameBytes()
	read := 0
	for {
		buf := s.area.ReadBuf()
		if len(buf) == 0 {
			break
		}
		frames := len(buf) / fb
		if err := s.capture(buf, frames); err != nil {
			return err
		}
		s.area.MarkRead(frames)
		read += frames
	}
	return s.reply(read)
}

// reply acknowledges a callback so the daemon clears the pending flag.
func (s *Stream) reply(frames int) error {
	msg := protocol.EncodeAudioMessage(protocol.AudioMessage{
		ID:     uint32(protocol.AudioDataReady),
		Frames: uint32(frames),
	})
	for {
		_, err := unix.Write(s.audioFd, msg[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("client: stream %#x reply: %w", uint32(s.ID), err)
		}
		return nil
	}
}

// SetVolume sets the stream's software volume scaler, 0 to 1.
func (s *Stream) SetVolume(scaler float32) error {
	return s.area.SetVolumeScaler(scaler)
}

// SetMute mutes or unmutes the stream in the mix.
func (s *Stream) SetMute(m bool) {
	s.area.SetMute(m)
}

// Overruns reports how many capture windows the daemon dropped.
func (s *Stream) Overruns() uint32 {
	return s.area.Overruns()
}

// Err returns what killed the stream, once Done is closed.
func (s *Stream) Err() error { return s.err }

// Done is closed when the stream's socket loop exits.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Close disconnects the stream from the daemon and releases its resources.
func (s *Stream) Close() {
	s.closeOnce.Do(func() {
		c := s.client
		c.mu.Lock()
		delete(c.streams, s.ID)
		closed := c.closed
		c.mu.Unlock()
		if !closed {
			c.send(protocol.MsgDisconnectStream,
				&protocol.DisconnectStream{StreamID: uint32(s.ID)})
		}
		// Shutdown wakes the serve loop out of its blocking read; the fd is
		// closed only after the loop exits.
		unix.Shutdown(s.audioFd, unix.SHUT_RDWR)
		<-s.done
		unix.Close(s.audioFd)
		s.mapping.Close()
	})
}
