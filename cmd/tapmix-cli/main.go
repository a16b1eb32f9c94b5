// ABOUTME: Command line client for the tapmix daemon
// ABOUTME: Plays and records files, inspects and controls server state
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	mp3 "github.com/hajimehoshi/go-mp3"

	"github.com/tapmix/tapmix/internal/client"
	"github.com/tapmix/tapmix/pkg/audio"
	"github.com/tapmix/tapmix/pkg/protocol"
)

var (
	socketPath   = flag.String("socket", "/run/tapmix/tapmix.sock", "Control socket path")
	rate         = flag.Int("rate", 48000, "Stream sample rate")
	channels     = flag.Int("channels", 2, "Stream channel count")
	bufferFrames = flag.Int("buffer-frames", 4800, "Stream buffer size in frames")
	cbThreshold  = flag.Int("cb-threshold", 2400, "Stream callback threshold in frames")
	duration     = flag.Duration("duration", 0, "Stop after this long (0 = until done or interrupted)")
	streamVolume = flag.Float64("stream-volume", 1.0, "Per-stream volume scaler 0.0-1.0")
	pinDev       = flag.Uint("pin-dev", 0, "Pin default streams to this device index before starting")
	direction    = flag.String("direction", "output", "Direction for select (output or input)")
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage: tapmix-cli [flags] <command> [args]

commands:
  play FILE        play a .wav or .mp3 file
  capture FILE     record to a 16-bit wav file (use -duration)
  state            print the shared server state
  nodes            list devices and nodes
  select NODE_ID   select the node (see -direction)
  volume N         set system volume 0-100
  mute on|off      set system mute
  capture-gain N   set system capture gain in dBFS*100
  dump             log an audio thread dump on the server

flags:
`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}

	c, err := client.Dial(*socketPath)
	if err != nil {
		log.Fatalf("connect to %s: %v", *socketPath, err)
	}
	defer c.Close()

	if *pinDev != 0 {
		if err := c.SwitchStreamTypeIodev(protocol.StreamTypeDefault, uint32(*pinDev)); err != nil {
			log.Fatalf("pin to device %d: %v", *pinDev, err)
		}
	}

	cmd, args := flag.Arg(0), flag.Args()[1:]
	switch cmd {
	case "play":
		err = play(c, arg(args, "play FILE"))
	case "capture":
		err = capture(c, arg(args, "capture FILE"))
	case "state":
		err = printState(c)
	case "nodes":
		err = printNodes(c)
	case "select":
		err = selectNode(c, arg(args, "select NODE_ID"))
	case "volume":
		err = setVolume(c, arg(args, "volume N"))
	case "mute":
		err = setMute(c, arg(args, "mute on|off"))
	case "capture-gain":
		err = setCaptureGain(c, arg(args, "capture-gain N"))
	case "dump":
		err = c.DumpDSP()
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func arg(args []string, what string) string {
	if len(args) != 1 {
		fmt.Fprintf(os.Stderr, "usage: tapmix-cli %s\n", what)
		os.Exit(2)
	}
	return args[0]
}

// source is decoded file audio ready to feed a playback stream.
type source struct {
	format audio.Format
	pcm    []byte // interleaved s16le
}

func play(c *client.Client, path string) error {
	src, err := loadFile(path)
	if err != nil {
		return err
	}
	log.Printf("playing %s: %d Hz, %d ch, %d frames",
		path, src.format.FrameRate, src.format.Channels,
		len(src.pcm)/src.format.FrameBytes())

	var mu sync.Mutex
	off := 0
	drained := make(chan struct{})
	var drainOnce sync.Once

	s, err := c.NewPlaybackStream(client.StreamParams{
		BufferFrames: *bufferFrames,
		CbThreshold:  *cbThreshold,
		Format:       src.format,
	}, func(buf []byte, frames int) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		n := copy(buf, src.pcm[off:])
		off += n
		if off >= len(src.pcm) {
			drainOnce.Do(func() { close(drained) })
		}
		return n / src.format.FrameBytes(), nil
	})
	if err != nil {
		return err
	}
	defer s.Close()

	if *streamVolume != 1.0 {
		if err := s.SetVolume(float32(*streamVolume)); err != nil {
			return err
		}
	}

	select {
	case <-drained:
		// Let the last buffer reach the device before tearing down.
		time.Sleep(bufferDelay(src.format))
	case <-interruptOrDeadline():
	case <-s.Done():
		return s.Err()
	}
	return nil
}

func capture(c *client.Client, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	format := audio.NewFormat(audio.FormatS16LE, *rate, *channels)
	enc := wav.NewEncoder(f, format.FrameRate, 16, format.Channels, 1)

	var mu sync.Mutex
	var encErr error
	frames := 0

	s, err := c.NewCaptureStream(client.StreamParams{
		BufferFrames: *bufferFrames,
		CbThreshold:  *cbThreshold,
		Format:       format,
	}, func(buf []byte, n int) error {
		data := make([]int, len(buf)/2)
		for i := range data {
			data[i] = int(int16(uint16(buf[2*i]) | uint16(buf[2*i+1])<<8))
		}
		mu.Lock()
		defer mu.Unlock()
		if encErr != nil {
			return encErr
		}
		encErr = enc.Write(&goaudio.IntBuffer{
			Data:           data,
			Format:         &goaudio.Format{NumChannels: format.Channels, SampleRate: format.FrameRate},
			SourceBitDepth: 16,
		})
		frames += n
		return encErr
	})
	if err != nil {
		return err
	}

	select {
	case <-interruptOrDeadline():
	case <-s.Done():
	}
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	log.Printf("captured %d frames to %s", frames, path)
	if encErr != nil {
		return encErr
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if serr := s.Err(); serr != nil {
		return serr
	}
	return nil
}

// loadFile decodes a wav or mp3 file to interleaved s16le.
func loadFile(path string) (*source, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".wav":
		return loadWav(path)
	case ".mp3":
		return loadMP3(path)
	default:
		return nil, fmt.Errorf("unsupported file type %q", filepath.Ext(path))
	}
}

func loadWav(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || len(buf.Data) == 0 {
		return nil, fmt.Errorf("%s: no audio data", path)
	}

	shift := uint(0)
	if buf.SourceBitDepth > 16 {
		shift = uint(buf.SourceBitDepth - 16)
	}
	pcm := make([]byte, len(buf.Data)*2)
	for i, sample := range buf.Data {
		v := int16(sample >> shift)
		pcm[2*i] = byte(v)
		pcm[2*i+1] = byte(v >> 8)
	}
	return &source{
		format: audio.NewFormat(audio.FormatS16LE, buf.Format.SampleRate, buf.Format.NumChannels),
		pcm:    pcm,
	}, nil
}

func loadMP3(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := mp3.NewDecoder(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	// go-mp3 always emits s16le stereo at the file's sample rate.
	pcm := make([]byte, dec.Length())
	n, err := io.ReadFull(dec, pcm)
	if err != nil && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return &source{
		format: audio.NewFormat(audio.FormatS16LE, dec.SampleRate(), 2),
		pcm:    pcm[:n],
	}, nil
}

func printState(c *client.Client) error {
	st, err := c.State()
	if err != nil {
		return err
	}
	fmt.Printf("volume: %d%s\n", st.Volume, lockSuffix(st.Muted, st.MuteLocked))
	fmt.Printf("capture gain: %d%s\n", st.CaptureGain, lockSuffix(st.CaptureMuted, st.CaptureMuteLocked))
	fmt.Printf("clients: %d  streams: %d\n", st.NumClients, st.NumStreamsAttached)
	if st.LastActiveSec != 0 {
		fmt.Printf("last active: %s\n", time.Unix(st.LastActiveSec, 0).Format(time.RFC3339))
	}
	fmt.Printf("selected output: %s  input: %s\n",
		nodeIDString(protocol.NodeID(st.SelectedOutput)),
		nodeIDString(protocol.NodeID(st.SelectedInput)))
	fmt.Printf("devices: %d\n", st.NumDevs)
	for i := uint32(0); i < st.NumDevs; i++ {
		d := &st.Devs[i]
		fmt.Printf("  [%d] %-6s %s\n", d.Idx,
			protocol.Direction(d.Direction), protocol.CString(d.Name[:]))
	}
	return nil
}

func printNodes(c *client.Client) error {
	st, err := c.State()
	if err != nil {
		return err
	}
	for i := uint32(0); i < st.NumNodes; i++ {
		n := &st.Nodes[i]
		marks := ""
		if n.Plugged != 0 {
			marks += " plugged"
		}
		if n.Active != 0 {
			marks += " *active"
		}
		fmt.Printf("%d:%d  %-20s vol %3d%s\n", n.DevIdx, n.NodeIdx,
			protocol.CString(n.Name[:]), n.Volume, marks)
	}
	return nil
}

// selectNode accepts "DEV:NODE" or a raw 64-bit node id.
func selectNode(c *client.Client, s string) error {
	var id protocol.NodeID
	if dev, node, ok := strings.Cut(s, ":"); ok {
		d, err1 := strconv.ParseUint(dev, 10, 32)
		n, err2 := strconv.ParseUint(node, 10, 32)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("bad node id %q", s)
		}
		id = protocol.MakeNodeID(uint32(d), uint32(n))
	} else {
		raw, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return fmt.Errorf("bad node id %q", s)
		}
		id = protocol.NodeID(raw)
	}

	dir := protocol.DirectionOutput
	if *direction == "input" {
		dir = protocol.DirectionInput
	}
	return c.SelectNode(dir, id)
}

func setVolume(c *client.Client, s string) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("bad volume %q", s)
	}
	return c.SetSystemVolume(uint32(v))
}

func setMute(c *client.Client, s string) error {
	switch s {
	case "on", "1", "true":
		return c.SetSystemMute(true)
	case "off", "0", "false":
		return c.SetSystemMute(false)
	}
	return fmt.Errorf("bad mute value %q", s)
}

func setCaptureGain(c *client.Client, s string) error {
	g, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		return fmt.Errorf("bad gain %q", s)
	}
	return c.SetSystemCaptureGain(int32(g))
}

func lockSuffix(muted, locked int32) string {
	switch {
	case locked != 0:
		return " (mute locked)"
	case muted != 0:
		return " (muted)"
	}
	return ""
}

func nodeIDString(id protocol.NodeID) string {
	if id == 0 {
		return "-"
	}
	return fmt.Sprintf("%d:%d", id.DevIdx(), id.NodeIdx())
}

func bufferDelay(f audio.Format) time.Duration {
	return time.Duration(*bufferFrames) * time.Second / time.Duration(f.FrameRate)
}

// interruptOrDeadline closes the returned channel on SIGINT/SIGTERM or after
// -duration when set.
func interruptOrDeadline() <-chan struct{} {
	done := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer close(done)
		if *duration > 0 {
			select {
			case <-sig:
			case <-time.After(*duration):
			}
			return
		}
		<-sig
	}()
	return done
}
