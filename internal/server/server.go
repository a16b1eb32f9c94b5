// ABOUTME: The control side of the daemon
// ABOUTME: Socket setup, client accept loop, state region and alert fanout
package server

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tapmix/tapmix/internal/audiothread"
	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/internal/shm"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// ControlSocketFile is the control socket name inside the socket directory.
const ControlSocketFile = "tapmix.sock"

// Options configures a Server.
type Options struct {
	// SocketDir holds the control socket. Created 0770 group AudioGroup.
	SocketDir string
	// AudioGroup is the group allowed to connect; empty keeps the daemon's.
	AudioGroup string
	// LoopbackFrames sizes the loopback capture rings.
	LoopbackFrames int
	// DSPConfigPath is logged on reload; DSP internals are opaque here.
	DSPConfigPath string
}

// Server owns the control socket, the client registry, the global state
// region and the audio thread.
type Server struct {
	opts     Options
	listener *net.UnixListener

	stateMapping *shm.Mapping
	stateWriter  *shm.StateWriter
	bootID       uuid.UUID

	system  *SystemState
	devices *DeviceList
	alerts  *Alerts
	thread  *audiothread.Thread

	loopbacks []*iodev.Loopback

	mu           sync.Mutex
	clients      map[uint16]*rclient
	nextClientID uint16
	numStreams   int
	lastActive   time.Time
	typePins     map[protocol.StreamType]uint32

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New builds a server: socket directory, state shm, fallback devices,
// loopback taps and the audio thread. Call Serve to start accepting.
func New(opts Options) (*Server, error) {
	if opts.LoopbackFrames <= 0 {
		opts.LoopbackFrames = iodev.DefaultLoopbackFrames
	}

	if err := setupSocketDir(opts.SocketDir, opts.AudioGroup); err != nil {
		return nil, err
	}

	stateMapping, err := shm.CreateMapping("tapmix-state", shm.StateRegionSize)
	if err != nil {
		return nil, fmt.Errorf("server: state region: %w", err)
	}
	stateWriter, err := shm.NewStateWriter(stateMapping.Buf)
	if err != nil {
		stateMapping.Close()
		return nil, fmt.Errorf("server: state writer: %w", err)
	}

	s := &Server{
		opts:         opts,
		stateMapping: stateMapping,
		stateWriter:  stateWriter,
		bootID:       uuid.New(),
		devices:      NewDeviceList(),
		alerts:       NewAlerts(),
		clients:      make(map[uint16]*rclient),
		nextClientID: 1,
		typePins:     make(map[protocol.StreamType]uint32),
		stopChan:     make(chan struct{}),
	}
	s.system = NewSystemState(s.systemChanged)

	fallbackOut := iodev.NewEmpty(FallbackOutputIdx, protocol.DirectionOutput)
	fallbackIn := iodev.NewEmpty(FallbackInputIdx, protocol.DirectionInput)
	s.loopbacks = []*iodev.Loopback{
		iodev.NewLoopback(s.devices.NextIdx(), iodev.TapPostMix, opts.LoopbackFrames),
		iodev.NewLoopback(s.devices.NextIdx(), iodev.TapPostDSP, opts.LoopbackFrames),
	}

	thread, err := audiothread.NewThread(fallbackOut, fallbackIn, s.loopbacks)
	if err != nil {
		stateMapping.Close()
		return nil, err
	}
	s.thread = thread
	thread.Start()
	for _, lb := range s.loopbacks {
		s.devices.Add(lb)
		if err := thread.AttachDevice(lb); err != nil {
			log.Printf("server: attach loopback: %v", err)
		}
	}

	s.alerts.Subscribe(AlertVolume, s.publishVolume)
	s.alerts.Subscribe(AlertIodevList, s.publishIodevList)
	s.alerts.Subscribe(AlertClientList, s.publishClientList)
	s.publishState()
	return s, nil
}

// setupSocketDir creates the directory closed, hands it to the audio group,
// then opens it up to the group.
func setupSocketDir(dir, group string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("server: socket dir: %w", err)
	}
	if group == "" {
		return os.Chmod(dir, 0o770)
	}
	g, err := user.LookupGroup(group)
	if err != nil {
		return fmt.Errorf("server: audio group %q: %w", group, err)
	}
	gid, err := strconv.Atoi(g.Gid)
	if err != nil {
		return fmt.Errorf("server: audio group gid %q: %w", g.Gid, err)
	}
	if err := os.Chown(dir, -1, gid); err != nil {
		return fmt.Errorf("server: chown socket dir: %w", err)
	}
	return os.Chmod(dir, 0o770)
}

// SocketPath returns the control socket path.
func (s *Server) SocketPath() string {
	return filepath.Join(s.opts.SocketDir, ControlSocketFile)
}

// Thread exposes the audio thread for introspection surfaces.
func (s *Server) Thread() *audiothread.Thread { return s.thread }

// AddDevice registers a device with the list and the audio thread.
func (s *Server) AddDevice(dev iodev.Iodev) error {
	s.devices.Add(dev)
	if err := s.thread.AttachDevice(dev); err != nil {
		s.devices.Remove(dev.Info().Idx)
		return err
	}
	s.alerts.Pend(AlertIodevList)
	return nil
}

// DeviceList exposes the registry, used when assembling hardware devices.
func (s *Server) DeviceList() *DeviceList { return s.devices }

// Serve starts the audio thread and accepts control clients until Stop.
func (s *Server) Serve() error {
	path := s.SocketPath()
	os.Remove(path)
	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return err
	}
	l, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o770); err != nil {
		l.Close()
		return fmt.Errorf("server: socket perms: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.eventLoop()

	log.Printf("server: listening on %s", path)
	for {
		conn, err := l.AcceptUnix()
		if err != nil {
			select {
			case <-s.stopChan:
				return nil
			default:
			}
			return err
		}
		s.addClient(conn)
	}
}

// Stop shuts down the listener, all clients and the audio thread.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		clients := make([]*rclient, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()
		for _, c := range clients {
			c.close()
		}
		s.thread.Stop()
		s.wg.Wait()
		s.stateMapping.Close()
		os.Remove(s.SocketPath())
	})
}

func (s *Server) addClient(conn *net.UnixConn) {
	s.mu.Lock()
	id := s.nextClientID
	s.nextClientID++
	if s.nextClientID == 0 {
		s.nextClientID = 1
	}
	c := newRClient(id, conn, s)
	s.clients[id] = c
	s.mu.Unlock()

	s.alerts.Pend(AlertClientList)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.run()
	}()
}

func (s *Server) dropClient(c *rclient) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	if ok {
		delete(s.clients, c.id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	s.alerts.Pend(AlertClientList)
}

func (s *Server) client(id uint16) *rclient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clients[id]
}

// eventLoop drains audio thread events and pending alerts. It is the single
// writer of the state region.
func (s *Server) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopChan:
			return
		case ev := <-s.thread.Events():
			s.handleEvent(ev)
		case <-s.alerts.Kick():
			s.alerts.Process()
			s.publishState()
		}
	}
}

func (s *Server) handleEvent(ev audiothread.Event) {
	switch ev.Kind {
	case audiothread.EventStreamError:
		for _, id := range ev.Streams {
			log.Printf("server: stream %#x died, cleaning up", uint32(id))
			if c := s.client(id.ClientID()); c != nil {
				c.dropStream(id)
			}
		}
	case audiothread.EventDeviceSuspended:
		log.Printf("server: device %d suspended", ev.DevIdx)
		s.devices.Remove(ev.DevIdx)
		s.alerts.Pend(AlertIodevList)
	case audiothread.EventStreamsReattached:
		for _, id := range ev.Streams {
			if c := s.client(id.ClientID()); c != nil {
				msg := protocol.ClientStreamReattach{StreamID: uint32(id)}
				c.send(protocol.MsgClientStreamReattach, &msg)
			}
		}
	}
}

// systemChanged runs after every SystemState mutation.
func (s *Server) systemChanged() {
	if err := s.thread.SetVolumeScaler(s.system.VolumeScaler()); err != nil {
		log.Printf("server: set volume scaler: %v", err)
	}
	s.alerts.Pend(AlertVolume)
}

// streamsChanged adjusts the attached stream count.
func (s *Server) streamsChanged(delta int) {
	s.mu.Lock()
	s.numStreams += delta
	s.lastActive = time.Now()
	s.mu.Unlock()
	s.alerts.Pend(AlertClientList)
}

// pinStreamType routes new streams of a type to a device.
func (s *Server) pinStreamType(st protocol.StreamType, devIdx uint32) {
	if st >= protocol.NumStreamTypes {
		return
	}
	s.mu.Lock()
	s.typePins[st] = devIdx
	s.mu.Unlock()
}

// streamDevice picks the device for a new stream: type pin first, then the
// selected node of its direction. A pin pointing at a device of the other
// direction is ignored; streams only ever attach same-direction.
func (s *Server) streamDevice(st protocol.StreamType, dir protocol.Direction) uint32 {
	s.mu.Lock()
	idx, pinned := s.typePins[st]
	s.mu.Unlock()
	if pinned {
		if dev, err := s.devices.Get(idx); err == nil && dev.Info().Direction == dir {
			return idx
		}
	}
	return s.devices.SelectedDev(dir)
}

func (s *Server) selectNode(dir protocol.Direction, id protocol.NodeID) {
	if !dir.Valid() {
		log.Printf("server: select node: bad direction %d", dir)
		return
	}
	if err := s.devices.SelectNode(dir, id); err != nil {
		log.Printf("server: select node %#x: %v", uint64(id), err)
		return
	}
	s.alerts.Pend(AlertIodevList)
}

func (s *Server) reloadDSP() {
	log.Printf("server: reloading DSP config %q", s.opts.DSPConfigPath)
}

func (s *Server) dumpDSP() {
	snap, err := s.thread.Dump()
	if err != nil {
		log.Printf("server: dump: %v", err)
		return
	}
	for _, d := range snap.Devices {
		log.Printf("server: dev %d %s %s state=%s level=%d streams=%d",
			d.Idx, d.Name, d.Direction, d.State, d.Level, len(d.Streams))
	}
}

// publishState rewrites the whole state region from current settings.
func (s *Server) publishState() {
	s.mu.Lock()
	numStreams := s.numStreams
	lastActive := s.lastActive
	clientIDs := make([]uint32, 0, len(s.clients))
	for id := range s.clients {
		clientIDs = append(clientIDs, uint32(id))
	}
	s.mu.Unlock()

	s.stateWriter.Update(func(d *shm.StateData) {
		copy(d.BootID[:], s.bootID[:])
		d.Volume = s.system.Volume()
		d.Muted = b2i(s.system.Muted())
		d.MuteLocked = b2i(s.system.MuteLocked())
		d.CaptureGain = s.system.CaptureGain()
		d.CaptureMuted = b2i(s.system.CaptureMuted())
		d.CaptureMuteLocked = b2i(s.system.CaptureMuteLocked())
		d.NumStreamsAttached = uint32(numStreams)
		d.NumClients = uint32(len(clientIDs))
		if !lastActive.IsZero() {
			d.LastActiveSec = lastActive.Unix()
		}
		d.SelectedOutput = uint64(s.devices.Selected(protocol.DirectionOutput))
		d.SelectedInput = uint64(s.devices.Selected(protocol.DirectionInput))

		var list protocol.ClientIodevList
		s.devices.Fill(&list)
		d.NumDevs = list.NumDevs
		d.NumNodes = list.NumNodes
		d.Devs = list.Devs
		d.Nodes = list.Nodes

		d.Clients = [protocol.MaxClients]uint32{}
		copy(d.Clients[:], clientIDs)
	})
}

// broadcast sends a message to every connected client.
func (s *Server) broadcast(id protocol.ClientMessageID, body any) {
	s.mu.Lock()
	clients := make([]*rclient, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		if err := c.send(id, body); err != nil {
			log.Printf("server: broadcast to client %d: %v", c.id, err)
		}
	}
}

func (s *Server) publishVolume() {
	msg := protocol.ClientVolumeUpdate{
		Volume:       s.system.Volume(),
		Muted:        b2i(s.system.Muted()),
		CaptureGain:  s.system.CaptureGain(),
		CaptureMuted: b2i(s.system.CaptureMuted()),
	}
	s.broadcast(protocol.MsgClientVolumeUpdate, &msg)
}

func (s *Server) publishIodevList() {
	var msg protocol.ClientIodevList
	s.devices.Fill(&msg)
	s.broadcast(protocol.MsgClientIodevList, &msg)
}

func (s *Server) publishClientList() {
	var msg protocol.ClientClientListUpdate
	s.mu.Lock()
	for id := range s.clients {
		if int(msg.NumClients) >= protocol.MaxClients {
			break
		}
		msg.Clients[msg.NumClients] = uint32(id)
		msg.NumClients++
	}
	s.mu.Unlock()
	s.broadcast(protocol.MsgClientClientListUpdate, &msg)
}
