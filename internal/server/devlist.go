// ABOUTME: Registry of audio devices and their endpoint nodes
// ABOUTME: Node selection, attributes and the wire-format device list
package server

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/pkg/protocol"
)

// Reserved device indices. Dynamic devices start above these.
const (
	FallbackOutputIdx uint32 = 0
	FallbackInputIdx  uint32 = 1
	firstDynamicIdx   uint32 = 2
)

var (
	// ErrNoSuchDevice reports an index not in the list.
	ErrNoSuchDevice = errors.New("server: no such device")
	// ErrNoSuchNode reports a node id that resolves to nothing.
	ErrNoSuchNode = errors.New("server: no such node")
	// ErrBadAttr reports an unknown node attribute.
	ErrBadAttr = errors.New("server: unknown node attribute")
)

// DeviceList tracks every registered iodev and which node is selected per
// direction. Guarded by its own lock; the audio thread never touches it.
type DeviceList struct {
	mu      sync.Mutex
	devs    map[uint32]iodev.Iodev
	nextIdx uint32

	selected [protocol.NumDirections]protocol.NodeID
}

// NewDeviceList returns an empty registry.
func NewDeviceList() *DeviceList {
	return &DeviceList{
		devs:    make(map[uint32]iodev.Iodev),
		nextIdx: firstDynamicIdx,
	}
}

// NextIdx reserves a device index for a device about to be added.
func (dl *DeviceList) NextIdx() uint32 {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	idx := dl.nextIdx
	dl.nextIdx++
	return idx
}

// Add registers a device under its Info().Idx. The first plugged device of a
// direction becomes the selection if nothing is selected yet.
func (dl *DeviceList) Add(dev iodev.Iodev) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	info := dev.Info()
	dl.devs[info.Idx] = dev
	if dl.selected[info.Direction] == 0 {
		for _, n := range dev.Nodes() {
			if n.Plugged {
				dl.selected[info.Direction] = n.ID
				n.Active = true
				break
			}
		}
	}
}

// Remove drops a device, clearing the selection if it pointed there.
func (dl *DeviceList) Remove(idx uint32) (iodev.Iodev, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dev, ok := dl.devs[idx]
	if !ok {
		return nil, ErrNoSuchDevice
	}
	delete(dl.devs, idx)
	for dir := range dl.selected {
		if dl.selected[dir].DevIdx() == idx {
			dl.selected[dir] = 0
		}
	}
	return dev, nil
}

// Get returns a device by index.
func (dl *DeviceList) Get(idx uint32) (iodev.Iodev, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dev, ok := dl.devs[idx]
	if !ok {
		return nil, ErrNoSuchDevice
	}
	return dev, nil
}

// Selected returns the node selected for a direction, zero if none.
func (dl *DeviceList) Selected(dir protocol.Direction) protocol.NodeID {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.selected[dir]
}

// SelectedDev returns the device index serving a direction, or the
// direction's fallback when nothing is selected.
func (dl *DeviceList) SelectedDev(dir protocol.Direction) uint32 {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	if id := dl.selected[dir]; id != 0 {
		return id.DevIdx()
	}
	if dir == protocol.DirectionInput {
		return FallbackInputIdx
	}
	return FallbackOutputIdx
}

func (dl *DeviceList) findNode(id protocol.NodeID) (iodev.Iodev, *iodev.Node, error) {
	dev, ok := dl.devs[id.DevIdx()]
	if !ok {
		return nil, nil, ErrNoSuchDevice
	}
	for _, n := range dev.Nodes() {
		if n.ID == id {
			return dev, n, nil
		}
	}
	return nil, nil, ErrNoSuchNode
}

// SelectNode makes the node the active endpoint for dir. Every other node of
// that direction loses its active flag.
func (dl *DeviceList) SelectNode(dir protocol.Direction, id protocol.NodeID) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dev, node, err := dl.findNode(id)
	if err != nil {
		return err
	}
	if dev.Info().Direction != dir {
		return ErrNoSuchNode
	}
	for _, d := range dl.devs {
		if d.Info().Direction != dir {
			continue
		}
		for _, n := range d.Nodes() {
			n.Active = false
		}
	}
	node.Active = true
	dl.selected[dir] = id
	return dev.UpdateActiveNode(id.NodeIdx())
}

// SetNodeAttr mutates one attribute of a node.
func (dl *DeviceList) SetNodeAttr(id protocol.NodeID, attr protocol.NodeAttr, value int32) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, node, err := dl.findNode(id)
	if err != nil {
		return err
	}
	switch attr {
	case protocol.NodeAttrPlugged:
		node.Plugged = value != 0
		if node.Plugged {
			node.PluggedAt = time.Now()
		}
	case protocol.NodeAttrSwapLeftRight:
		node.LeftRightSwapped = value != 0
	case protocol.NodeAttrCaptureGain:
		node.CaptureGain = value
	default:
		return ErrBadAttr
	}
	return nil
}

// SetNodeVolume sets a node's volume, clamped to 0-100.
func (dl *DeviceList) SetNodeVolume(id protocol.NodeID, volume uint32) error {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	_, node, err := dl.findNode(id)
	if err != nil {
		return err
	}
	if volume > 100 {
		volume = 100
	}
	node.Volume = volume
	return nil
}

// Fill writes the device and node lists into the wire message, truncating at
// the fixed array sizes. Devices are emitted in index order so repeated dumps
// are stable.
func (dl *DeviceList) Fill(msg *protocol.ClientIodevList) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	idxs := make([]uint32, 0, len(dl.devs))
	for idx := range dl.devs {
		idxs = append(idxs, idx)
	}
	sort.Slice(idxs, func(i, j int) bool { return idxs[i] < idxs[j] })

	msg.NumDevs = 0
	msg.NumNodes = 0
	for _, idx := range idxs {
		dev := dl.devs[idx]
		if int(msg.NumDevs) >= protocol.MaxIodevs {
			break
		}
		info := dev.Info()
		d := &msg.Devs[msg.NumDevs]
		d.Idx = info.Idx
		d.Direction = uint32(info.Direction)
		protocol.PutCString(d.Name[:], info.Name)
		msg.NumDevs++

		for _, n := range dev.Nodes() {
			if int(msg.NumNodes) >= protocol.MaxIonodes {
				break
			}
			wn := &msg.Nodes[msg.NumNodes]
			wn.DevIdx = info.Idx
			wn.NodeIdx = n.ID.NodeIdx()
			wn.Plugged = b2i(n.Plugged)
			wn.Active = b2i(n.Active)
			wn.Priority = n.Priority
			wn.Volume = n.Volume
			wn.LeftRightSwapped = b2i(n.LeftRightSwapped)
			protocol.PutCString(wn.Name[:], n.Name)
			msg.NumNodes++
		}
	}
}

func b2i(b bool) int32 {
	if b {
		return 1
	}
	return 0
}
