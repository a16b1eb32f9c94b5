// ABOUTME: Server-side stream resource creation
// ABOUTME: Shared area allocation and the per-stream audio socketpair
package server

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/audiothread"
	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// streamResources is everything handed to the audio thread plus the fds the
// client side needs.
type streamResources struct {
	stream  *audiothread.Stream
	shmFd   int // client's copy, sent over SCM_RIGHTS
	audioFd int // client's end of the socketpair
	shmSize int
}

// newStreamResources allocates the shm area and audio socketpair for one
// stream. The area holds two buffers of cb_threshold frames each.
func newStreamResources(id protocol.StreamID, req *protocol.ConnectStream,
	format audio.Format) (*streamResources, error) {

	usedSize := int(req.CbThreshold) * format.FrameBytes()
	size := shm.AreaSize(usedSize)
	mapping, err := shm.CreateMapping(protocol.AudioShmName(id), size)
	if err != nil {
		return nil, fmt.Errorf("stream %#x shm: %w", uint32(id), err)
	}
	area, err := shm.InitArea(mapping.Buf, format, usedSize)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("stream %#x area: %w", uint32(id), err)
	}

	// Seqpacket keeps the fixed-size records framed; nonblocking on the
	// server end so a stuck client cannot stall the audio thread.
	fds, err := unix.Socketpair(unix.AF_UNIX,
		unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		mapping.Close()
		return nil, fmt.Errorf("stream %#x socketpair: %w", uint32(id), err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		mapping.Close()
		return nil, fmt.Errorf("stream %#x nonblock: %w", uint32(id), err)
	}

	s := &audiothread.Stream{
		ID:           id,
		Direction:    protocol.Direction(req.Direction),
		Type:         protocol.StreamType(req.StreamType),
		Flags:        req.Flags,
		Format:       format,
		BufferFrames: int(req.BufferFrames),
		CbThreshold:  int(req.CbThreshold),
		MinCbLevel:   int(req.MinCbLevel),
		Area:         area,
		Mapping:      mapping,
		AudioFd:      fds[0],
	}
	return &streamResources{
		stream:  s,
		shmFd:   mapping.Fd(),
		audioFd: fds[1],
		shmSize: size,
	}, nil
}
