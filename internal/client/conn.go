// ABOUTME: Client library for the daemon's control socket
// ABOUTME: Connection handshake, fd passing, dispatch and control requests
package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// connectTimeout bounds the initial handshake and stream setup replies.
const connectTimeout = 5 * time.Second

var (
	// ErrClosed reports use of a client after Close.
	ErrClosed = errors.New("client: connection closed")
	// ErrRefused wraps a negative errno in a stream reply.
	ErrRefused = errors.New("client: request refused")
)

// Client is one control connection to the daemon.
type Client struct {
	conn *net.UnixConn
	rd   *fdReader
	id   uint16

	stateMapping *shm.Mapping
	state        *shm.StateReader

	sendMu sync.Mutex

	mu            sync.Mutex
	nextStreamIdx uint16
	pendingConn   map[uint16]chan streamReply
	streams       map[protocol.StreamID]*Stream
	closed        bool

	// Notification callbacks, set before traffic arrives.
	OnVolume     func(protocol.ClientVolumeUpdate)
	OnIodevList  func(protocol.ClientIodevList)
	OnClientList func(protocol.ClientClientListUpdate)
	OnReattach   func(protocol.StreamID)

	done chan struct{}
}

type streamReply struct {
	msg protocol.ClientStreamConnected
	fds []int
}

// fdReader reads the control socket, collecting any rights-passed fds that
// arrive with the byte stream.
type fdReader struct {
	conn *net.UnixConn
	buf  []byte
	fds  []int
}

func (r *fdReader) Read(p []byte) (int, error) {
	if len(r.buf) > 0 {
		n := copy(p, r.buf)
		r.buf = r.buf[n:]
		return n, nil
	}
	oob := make([]byte, unix.CmsgSpace(4*4))
	n, oobn, _, _, err := r.conn.ReadMsgUnix(p, oob)
	if oobn > 0 {
		r.collectFds(oob[:oobn])
	}
	if n > 0 {
		return n, nil
	}
	if err != nil {
		return 0, err
	}
	return 0, nil
}

func (r *fdReader) collectFds(oob []byte) {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return
	}
	for _, m := range msgs {
		fds, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			unix.CloseOnExec(fd)
			r.fds = append(r.fds, fd)
		}
	}
}

// takeFds pops n received fds, in arrival order.
func (r *fdReader) takeFds(n int) ([]int, error) {
	if len(r.fds) < n {
		return nil, fmt.Errorf("client: expected %d passed fds, have %d", n, len(r.fds))
	}
	fds := r.fds[:n]
	r.fds = append([]int(nil), r.fds[n:]...)
	return fds, nil
}

// Dial connects to the daemon, completes the handshake and maps the server
// state region. The returned client is ready for streams and requests.
func Dial(socketPath string) (*Client, error) {
	addr, err := net.ResolveUnixAddr("unix", socketPath)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUnix("unix", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", socketPath, err)
	}

	c := &Client{
		conn:          conn,
		rd:            &fdReader{conn: conn},
		nextStreamIdx: 1,
		pendingConn:   make(map[uint16]chan streamReply),
		streams:       make(map[protocol.StreamID]*Stream),
		done:          make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(connectTimeout))
	frame, err := protocol.ReadMessage(c.rd)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})
	if protocol.ClientMessageID(frame.ID) != protocol.MsgClientConnected {
		conn.Close()
		return nil, fmt.Errorf("client: unexpected first message id %d", frame.ID)
	}
	var hello protocol.ClientConnected
	if err := protocol.DecodeBody(frame.Body, &hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("client: handshake body: %w", err)
	}
	fds, err := c.rd.takeFds(1)
	if err != nil {
		conn.Close()
		return nil, err
	}
	c.id = uint16(hello.ClientID)

	mapping, err := shm.AttachMapping(fds[0], int(hello.StateShmSize), false)
	if err != nil {
		unix.Close(fds[0])
		conn.Close()
		return nil, fmt.Errorf("client: map state region: %w", err)
	}
	reader, err := shm.NewStateReader(mapping.Buf)
	if err != nil {
		mapping.Close()
		conn.Close()
		return nil, err
	}
	c.stateMapping = mapping
	c.state = reader

	go c.readLoop()
	return c, nil
}

// ID returns the client id the daemon assigned.
func (c *Client) ID() uint16 { return c.id }

// State takes a consistent snapshot of the server state region.
func (c *Client) State() (shm.StateData, error) {
	return c.state.Read()
}

// Done is closed when the connection dies.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close tears down every stream and the connection.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.Close()
	}
	c.conn.Close()
	<-c.done
	c.stateMapping.Close()
}

func (c *Client) send(id protocol.ServerMessageID, body any) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return protocol.WriteMessage(c.conn, uint32(id), body)
}

// readLoop dispatches server messages until the connection dies.
func (c *Client) readLoop() {
	defer close(c.done)
	for {
		frame, err := protocol.ReadMessage(c.rd)
		if err != nil {
			c.failPending()
			return
		}
		c.handle(frame)
	}
}

// failPending wakes every waiter for a stream reply that will never come.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for idx, ch := range c.pendingConn {
		delete(c.pendingConn, idx)
		close(ch)
	}
}

func (c *Client) handle(frame protocol.Frame) {
	switch protocol.ClientMessageID(frame.ID) {
	case protocol.MsgClientStreamConnected:
		var msg protocol.ClientStreamConnected
		if err := protocol.DecodeBody(frame.Body, &msg); err != nil {
			log.Printf("client: stream reply: %v", err)
			return
		}
		var fds []int
		if msg.Err == 0 {
			var err error
			fds, err = c.rd.takeFds(2)
			if err != nil {
				log.Printf("client: %v", err)
				return
			}
		}
		idx := protocol.StreamID(msg.StreamID).StreamIdx()
		c.mu.Lock()
		ch := c.pendingConn[idx]
		delete(c.pendingConn, idx)
		c.mu.Unlock()
		if ch == nil {
			for _, fd := range fds {
				unix.Close(fd)
			}
			return
		}
		ch <- streamReply{msg: msg, fds: fds}

	case protocol.MsgClientStreamReattach:
		var msg protocol.ClientStreamReattach
		if err := protocol.DecodeBody(frame.Body, &msg); err != nil {
			return
		}
		if c.OnReattach != nil {
			c.OnReattach(protocol.StreamID(msg.StreamID))
		}

	case protocol.MsgClientVolumeUpdate:
		var msg protocol.ClientVolumeUpdate
		if err := protocol.DecodeBody(frame.Body, &msg); err != nil {
			return
		}
		if c.OnVolume != nil {
			c.OnVolume(msg)
		}

	case protocol.MsgClientIodevList:
		var msg protocol.ClientIodevList
		if err := protocol.DecodeBody(frame.Body, &msg); err != nil {
			return
		}
		if c.OnIodevList != nil {
			c.OnIodevList(msg)
		}

	case protocol.MsgClientClientListUpdate:
		var msg protocol.ClientClientListUpdate
		if err := protocol.DecodeBody(frame.Body, &msg); err != nil {
			return
		}
		if c.OnClientList != nil {
			c.OnClientList(msg)
		}

	default:
		log.Printf("client: unknown server message id %d", frame.ID)
	}
}

// SetSystemVolume sets the daemon playback volume, 0-100.
func (c *Client) SetSystemVolume(volume uint32) error {
	return c.send(protocol.MsgSetSystemVolume, &protocol.SetSystemVolume{Volume: volume})
}

// SetSystemMute sets system mute.
func (c *Client) SetSystemMute(mute bool) error {
	return c.send(protocol.MsgSetSystemMute, &protocol.SetSystemMute{Mute: b2i(mute)})
}

// SetSystemMuteLocked sets and locks system mute.
func (c *Client) SetSystemMuteLocked(mute bool) error {
	return c.send(protocol.MsgSetSystemMuteLocked, &protocol.SetSystemMute{Mute: b2i(mute)})
}

// SetSystemCaptureGain sets capture gain in dBFS * 100.
func (c *Client) SetSystemCaptureGain(gain int32) error {
	return c.send(protocol.MsgSetSystemCaptureGain, &protocol.SetSystemCaptureGain{Gain: gain})
}

// SetSystemCaptureMute sets capture mute.
func (c *Client) SetSystemCaptureMute(mute bool) error {
	return c.send(protocol.MsgSetSystemCaptureMute, &protocol.SetSystemCaptureMute{Mute: b2i(mute)})
}

// SetSystemCaptureMuteLocked sets and locks capture mute.
func (c *Client) SetSystemCaptureMuteLocked(mute bool) error {
	return c.send(protocol.MsgSetSystemCaptureMuteLocked, &protocol.SetSystemCaptureMute{Mute: b2i(mute)})
}

// SwitchStreamTypeIodev pins a stream type to a device.
func (c *Client) SwitchStreamTypeIodev(st protocol.StreamType, devIdx uint32) error {
	return c.send(protocol.MsgSwitchStreamTypeIodev,
		&protocol.SwitchStreamTypeIodev{StreamType: uint32(st), DevIdx: devIdx})
}

// SelectNode makes a node the active endpoint for its direction.
func (c *Client) SelectNode(dir protocol.Direction, id protocol.NodeID) error {
	return c.send(protocol.MsgSelectNode,
		&protocol.SelectNode{Direction: uint32(dir), NodeID: uint64(id)})
}

// SetNodeAttr mutates one node attribute.
func (c *Client) SetNodeAttr(id protocol.NodeID, attr protocol.NodeAttr, value int32) error {
	return c.send(protocol.MsgSetNodeAttr,
		&protocol.SetNodeAttr{NodeID: uint64(id), Attr: uint32(attr), Value: value})
}

// SetNodeVolume sets a node's volume or capture gain.
func (c *Client) SetNodeVolume(id protocol.NodeID, volume uint32) error {
	return c.send(protocol.MsgSetNodeVolume,
		&protocol.SetNodeVolume{NodeID: uint64(id), Volume: volume})
}

// ReloadDSP asks the daemon to reload its DSP configuration.
func (c *Client) ReloadDSP() error {
	return c.send(protocol.MsgReloadDSP, &protocol.ReloadDSP{})
}

// DumpDSP asks the daemon to log its DSP and thread state.
func (c *Client) DumpDSP() error {
	return c.send(protocol.MsgDumpDSP, &protocol.DumpDSP{})
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func errnoError(code int32) error {
	return fmt.Errorf("%w: %v", ErrRefused, syscall.Errno(-code))
}
