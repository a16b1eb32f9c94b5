// ABOUTME: One connected control client
// ABOUTME: Message dispatch, replies and fd passing over the control socket
package server

import (
	"errors"
	"io"
	"log"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/audiothread"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// rclient is the server side of one control connection.
type rclient struct {
	id   uint16
	conn *net.UnixConn
	srv  *Server

	sendMu sync.Mutex

	mu      sync.Mutex
	streams map[protocol.StreamID]*audiothread.Stream
}

func newRClient(id uint16, conn *net.UnixConn, srv *Server) *rclient {
	return &rclient{
		id:      id,
		conn:    conn,
		srv:     srv,
		streams: make(map[protocol.StreamID]*audiothread.Stream),
	}
}

// send writes one framed message, optionally with fds as ancillary data.
func (c *rclient) send(id protocol.ClientMessageID, body any, fds ...int) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if len(fds) == 0 {
		return protocol.WriteMessage(c.conn, uint32(id), body)
	}
	var frame frameBuffer
	if err := protocol.WriteMessage(&frame, uint32(id), body); err != nil {
		return err
	}
	rights := unix.UnixRights(fds...)
	_, _, err := c.conn.WriteMsgUnix(frame.buf, rights, nil)
	return err
}

// frameBuffer collects a framed message so it can go out in one sendmsg
// together with its fds.
type frameBuffer struct {
	buf []byte
}

func (f *frameBuffer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	return len(p), nil
}

// run reads and dispatches messages until the connection dies.
func (c *rclient) run() {
	defer c.srv.dropClient(c)

	hello := protocol.ClientConnected{
		ClientID:     uint32(c.id),
		StateShmSize: uint64(len(c.srv.stateMapping.Buf)),
	}
	if err := c.send(protocol.MsgClientConnected, &hello, c.srv.stateMapping.Fd()); err != nil {
		log.Printf("server: client %d hello: %v", c.id, err)
		return
	}

	for {
		frame, err := protocol.ReadMessage(c.conn)
		if errors.Is(err, protocol.ErrBadLength) {
			// Bad frame: drop the message, keep the connection.
			log.Printf("server: client %d sent a malformed frame", c.id)
			continue
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Printf("server: client %d read: %v", c.id, err)
			}
			return
		}
		c.dispatch(frame)
	}
}

func (c *rclient) dispatch(frame protocol.Frame) {
	switch protocol.ServerMessageID(frame.ID) {
	case protocol.MsgConnectStream:
		var req protocol.ConnectStream
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			log.Printf("server: client %d connect stream: %v", c.id, err)
			return
		}
		c.connectStream(&req)

	case protocol.MsgDisconnectStream:
		var req protocol.DisconnectStream
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.disconnectStream(protocol.StreamID(req.StreamID))

	case protocol.MsgSwitchStreamTypeIodev:
		var req protocol.SwitchStreamTypeIodev
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.pinStreamType(protocol.StreamType(req.StreamType), req.DevIdx)

	case protocol.MsgSetSystemVolume:
		var req protocol.SetSystemVolume
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetVolume(req.Volume)

	case protocol.MsgSetSystemMute:
		var req protocol.SetSystemMute
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetMute(req.Mute != 0)

	case protocol.MsgSetSystemMuteLocked:
		var req protocol.SetSystemMute
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetMuteLocked(req.Mute != 0)

	case protocol.MsgSetSystemCaptureGain:
		var req protocol.SetSystemCaptureGain
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetCaptureGain(req.Gain)

	case protocol.MsgSetSystemCaptureMute:
		var req protocol.SetSystemCaptureMute
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetCaptureMute(req.Mute != 0)

	case protocol.MsgSetSystemCaptureMuteLocked:
		var req protocol.SetSystemCaptureMute
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.system.SetCaptureMuteLocked(req.Mute != 0)

	case protocol.MsgReloadDSP:
		c.srv.reloadDSP()

	case protocol.MsgDumpDSP:
		c.srv.dumpDSP()

	case protocol.MsgSelectNode:
		var req protocol.SelectNode
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		c.srv.selectNode(protocol.Direction(req.Direction), protocol.NodeID(req.NodeID))

	case protocol.MsgSetNodeAttr:
		var req protocol.SetNodeAttr
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		if err := c.srv.devices.SetNodeAttr(protocol.NodeID(req.NodeID),
			protocol.NodeAttr(req.Attr), req.Value); err != nil {
			log.Printf("server: client %d set node attr: %v", c.id, err)
			return
		}
		c.srv.alerts.Pend(AlertIodevList)

	case protocol.MsgSetNodeVolume:
		var req protocol.SetNodeVolume
		if err := protocol.DecodeBody(frame.Body, &req); err != nil {
			return
		}
		if err := c.srv.devices.SetNodeVolume(protocol.NodeID(req.NodeID),
			req.Volume); err != nil {
			log.Printf("server: client %d set node volume: %v", c.id, err)
			return
		}
		c.srv.alerts.Pend(AlertIodevList)

	default:
		log.Printf("server: client %d sent unknown message id %d", c.id, frame.ID)
	}
}

// connectStream validates the request, allocates resources and hands the
// stream to the audio thread. The reply carries the shm and audio socket
// fds on success, a negative errno on failure.
func (c *rclient) connectStream(req *protocol.ConnectStream) {
	fail := func(errno int32) {
		reply := protocol.ClientStreamConnected{
			Err:      -errno,
			StreamID: req.StreamID,
		}
		c.send(protocol.MsgClientStreamConnected, &reply)
	}

	if !protocol.Direction(req.Direction).Valid() {
		fail(int32(unix.EINVAL))
		return
	}
	format := protocol.FromWire(req.Format)
	if err := format.Validate(); err != nil {
		fail(int32(unix.EINVAL))
		return
	}
	if req.CbThreshold == 0 || req.BufferFrames == 0 ||
		req.CbThreshold > req.BufferFrames {
		fail(int32(unix.EINVAL))
		return
	}
	if req.MinCbLevel == 0 || req.MinCbLevel > req.CbThreshold {
		req.MinCbLevel = req.CbThreshold
	}

	id := protocol.MakeStreamID(c.id, protocol.StreamID(req.StreamID).StreamIdx())
	c.mu.Lock()
	if _, exists := c.streams[id]; exists {
		c.mu.Unlock()
		fail(int32(unix.EEXIST))
		return
	}
	c.mu.Unlock()

	res, err := newStreamResources(id, req, format)
	if err != nil {
		log.Printf("server: stream %#x resources: %v", uint32(id), err)
		fail(int32(unix.ENOMEM))
		return
	}

	devIdx := c.srv.streamDevice(protocol.StreamType(req.StreamType),
		protocol.Direction(req.Direction))
	if err := c.srv.thread.AddStream(res.stream, devIdx); err != nil {
		res.stream.Close()
		unix.Close(res.audioFd)
		log.Printf("server: stream %#x attach: %v", uint32(id), err)
		fail(int32(unix.EIO))
		return
	}

	c.mu.Lock()
	c.streams[id] = res.stream
	c.mu.Unlock()
	c.srv.streamsChanged(1)

	reply := protocol.ClientStreamConnected{
		StreamID:     uint32(id),
		Format:       protocol.ToWire(format),
		BufferFrames: req.BufferFrames,
		CbThreshold:  req.CbThreshold,
		ShmSize:      uint64(res.shmSize),
	}
	if err := c.send(protocol.MsgClientStreamConnected, &reply,
		res.shmFd, res.audioFd); err != nil {
		log.Printf("server: stream %#x reply: %v", uint32(id), err)
	}
	// The client received its own copies; close ours.
	unix.Close(res.audioFd)
}

// disconnectStream detaches and releases one stream. Unknown ids are
// ignored so teardown is idempotent.
func (c *rclient) disconnectStream(id protocol.StreamID) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	if err := c.srv.thread.RemoveStream(id); err != nil {
		log.Printf("server: remove stream %#x: %v", uint32(id), err)
	}
	s.Close()
	c.srv.streamsChanged(-1)
}

// dropStream releases a stream the audio thread already detached.
func (c *rclient) dropStream(id protocol.StreamID) {
	c.mu.Lock()
	s, ok := c.streams[id]
	if ok {
		delete(c.streams, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	s.Close()
	c.srv.streamsChanged(-1)
}

// close tears down every stream and the connection.
func (c *rclient) close() {
	c.mu.Lock()
	streams := make([]protocol.StreamID, 0, len(c.streams))
	for id := range c.streams {
		streams = append(streams, id)
	}
	c.mu.Unlock()
	for _, id := range streams {
		c.disconnectStream(id)
	}
	c.conn.Close()
}
