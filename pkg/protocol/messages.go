// ABOUTME: Control protocol message definitions
// ABOUTME: Framed binary messages exchanged on the daemon's unix socket
package protocol

import "github.com/tapmix/tapmix/pkg/audio"

// ProtocolVersion is checked on connect; bumped on any wire layout change.
const ProtocolVersion = 2

// Direction of a stream or device, from the daemon's point of view.
type Direction uint32

const (
	DirectionOutput Direction = iota // playback
	DirectionInput                   // capture
	NumDirections
)

func (d Direction) String() string {
	switch d {
	case DirectionOutput:
		return "output"
	case DirectionInput:
		return "input"
	default:
		return "invalid"
	}
}

// Valid reports whether d names a real direction. Legacy duplex ("unified")
// values are rejected along with anything else out of range.
func (d Direction) Valid() bool {
	return d < NumDirections
}

// StreamID identifies one stream server-wide: client id in the high half,
// per-client stream counter in the low half.
type StreamID uint32

// MakeStreamID composes a stream id from its parts.
func MakeStreamID(clientID uint16, streamIdx uint16) StreamID {
	return StreamID(uint32(clientID)<<16 | uint32(streamIdx))
}

// ClientID returns the owning client's id.
func (id StreamID) ClientID() uint16 { return uint16(id >> 16) }

// StreamIdx returns the per-client stream counter.
func (id StreamID) StreamIdx() uint16 { return uint16(id) }

// Stream flags.
const (
	// FlagHotword marks an always-on detection stream whose wakeups may be
	// driven by its socket instead of device level.
	FlagHotword uint32 = 1 << 0
)

// StreamType groups streams for per-type device routing.
type StreamType uint32

const (
	StreamTypeDefault StreamType = iota
	StreamTypeMultimedia
	StreamTypeVoiceCommunication
	StreamTypeSpeechRecognition
	NumStreamTypes
)

// NodeID identifies an endpoint: device index in the high half, node index
// within the device in the low half.
type NodeID uint64

// MakeNodeID composes a node id from device and node indices.
func MakeNodeID(devIdx, nodeIdx uint32) NodeID {
	return NodeID(uint64(devIdx)<<32 | uint64(nodeIdx))
}

// DevIdx returns the device index half of the node id.
func (id NodeID) DevIdx() uint32 { return uint32(id >> 32) }

// NodeIdx returns the node index half of the node id.
func (id NodeID) NodeIdx() uint32 { return uint32(id) }

// Node attributes settable through SetNodeAttr.
type NodeAttr uint32

const (
	NodeAttrPlugged NodeAttr = iota
	NodeAttrSwapLeftRight
	NodeAttrCaptureGain
)

// Client-to-server message ids.
type ServerMessageID uint32

const (
	MsgConnectStream ServerMessageID = iota
	MsgDisconnectStream
	MsgSwitchStreamTypeIodev
	MsgSetSystemVolume
	MsgSetSystemMute
	MsgSetSystemMuteLocked
	MsgSetSystemCaptureGain
	MsgSetSystemCaptureMute
	MsgSetSystemCaptureMuteLocked
	MsgReloadDSP
	MsgDumpDSP
	MsgSelectNode
	MsgSetNodeAttr
	MsgSetNodeVolume
	numServerMessages
)

// Server-to-client message ids.
type ClientMessageID uint32

const (
	MsgClientConnected ClientMessageID = iota
	MsgClientStreamConnected
	MsgClientStreamReattach
	MsgClientIodevList
	MsgClientVolumeUpdate
	MsgClientClientListUpdate
	numClientMessages
)

// WireFormat is the fixed-size on-wire form of audio.Format.
type WireFormat struct {
	SampleFormat int32
	FrameRate    uint32
	Channels     uint32
	Layout       [audio.ChannelMax]int8
}

// ToWire converts an audio.Format for transmission.
func ToWire(f audio.Format) WireFormat {
	return WireFormat{
		SampleFormat: int32(f.Format),
		FrameRate:    uint32(f.FrameRate),
		Channels:     uint32(f.Channels),
		Layout:       [audio.ChannelMax]int8(f.Layout),
	}
}

// FromWire converts a received WireFormat back to audio.Format.
func FromWire(w WireFormat) audio.Format {
	return audio.Format{
		Format:    audio.SampleFormat(w.SampleFormat),
		FrameRate: int(w.FrameRate),
		Channels:  int(w.Channels),
		Layout:    audio.Layout(w.Layout),
	}
}

// ConnectStream asks the server to create a stream. The client composes the
// stream id from the client id it was assigned at connect time.
type ConnectStream struct {
	StreamID     uint32
	Direction    uint32
	StreamType   uint32
	Flags        uint32
	BufferFrames uint32
	CbThreshold  uint32
	MinCbLevel   uint32
	Format       WireFormat
}

// DisconnectStream tears down a previously connected stream.
type DisconnectStream struct {
	StreamID uint32
}

// SwitchStreamTypeIodev pins a stream type to a device.
type SwitchStreamTypeIodev struct {
	StreamType uint32
	DevIdx     uint32
}

// SetSystemVolume sets the system playback volume, 0-100.
type SetSystemVolume struct {
	Volume uint32
}

// SetSystemMute sets system mute; the same body serves the locked variant.
type SetSystemMute struct {
	Mute int32
}

// SetSystemCaptureGain sets system capture gain in dBFS * 100.
type SetSystemCaptureGain struct {
	Gain int32
}

// SetSystemCaptureMute sets capture mute; same body for the locked variant.
type SetSystemCaptureMute struct {
	Mute int32
}

// ReloadDSP asks the daemon to reload its DSP configuration file.
type ReloadDSP struct{}

// DumpDSP asks the daemon to log its DSP state.
type DumpDSP struct{}

// SelectNode makes a node the active endpoint for its direction.
type SelectNode struct {
	Direction uint32
	NodeID    uint64
}

// SetNodeAttr mutates one attribute of a node.
type SetNodeAttr struct {
	NodeID uint64
	Attr   uint32
	Value  int32
}

// SetNodeVolume sets the volume (0-100) or capture gain of a node.
type SetNodeVolume struct {
	NodeID uint64
	Volume uint32
}

// ClientConnected is the first message on a new control connection. The
// server state shm fd rides the same sendmsg as ancillary data.
type ClientConnected struct {
	ClientID     uint32
	StateShmSize uint64
}

// ClientStreamConnected answers ConnectStream. Err is 0 on success or a
// negative errno; on success the stream shm fd rides as ancillary data.
type ClientStreamConnected struct {
	Err          int32
	StreamID     uint32
	Format       WireFormat
	BufferFrames uint32
	CbThreshold  uint32
	ShmSize      uint64
}

// ClientStreamReattach tells a client its stream hopped devices; the client
// only needs to note the interruption, shm and sockets are unchanged.
type ClientStreamReattach struct {
	StreamID uint32
}

// Limits for the fixed-size list messages.
const (
	MaxIodevs     = 20
	MaxIonodes    = 40
	MaxClients    = 20
	IodevNameSize = 64
	NodeNameSize  = 64
)

// IodevInfo describes one device in a list update.
type IodevInfo struct {
	Idx       uint32
	Direction uint32
	Name      [IodevNameSize]byte
}

// IonodeInfo describes one node in a list update.
type IonodeInfo struct {
	DevIdx           uint32
	NodeIdx          uint32
	Type             uint32
	Plugged          int32
	Active           int32
	Priority         uint32
	Volume           uint32
	LeftRightSwapped int32
	Name             [NodeNameSize]byte
}

// ClientIodevList publishes the device and node lists.
type ClientIodevList struct {
	NumDevs  uint32
	NumNodes uint32
	Devs     [MaxIodevs]IodevInfo
	Nodes    [MaxIonodes]IonodeInfo
}

// ClientVolumeUpdate publishes system volume state.
type ClientVolumeUpdate struct {
	Volume       uint32
	Muted        int32
	CaptureGain  int32
	CaptureMuted int32
}

// ClientClientListUpdate publishes the ids of attached clients.
type ClientClientListUpdate struct {
	NumClients uint32
	Clients    [MaxClients]uint32
}

// CString copies a NUL-terminated string out of a fixed-size name field.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PutCString copies s into a fixed-size name field, truncating if needed and
// always leaving a terminating NUL.
func PutCString(dst []byte, s string) {
	n := copy(dst, s)
	if n == len(dst) {
		n--
	}
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}
