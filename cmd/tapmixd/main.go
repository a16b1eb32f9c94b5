// ABOUTME: Entry point for the tapmix audio daemon
// ABOUTME: Loads config, assembles devices and runs the control server
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/tapmix/tapmix/internal/config"
	"github.com/tapmix/tapmix/internal/debugsrv"
	"github.com/tapmix/tapmix/internal/iodev"
	"github.com/tapmix/tapmix/internal/server"
	"github.com/tapmix/tapmix/pkg/protocol"
)

var (
	configPath = flag.String("config", "", "Config file path (default: search standard locations)")
	socketDir  = flag.String("socket-dir", "", "Override socket directory")
	logFile    = flag.String("log-file", "", "Log file path (default: stderr)")
	debugAddr  = flag.String("debug-addr", "", "Serve the debug websocket on this address")
	alsaDevs   = flag.String("alsa", "", "Semicolon-separated hw:CARD,DEV playback devices to open")
	alsaCapt   = flag.String("alsa-capture", "", "Semicolon-separated hw:CARD,DEV capture devices to open")
	otoOut     = flag.Bool("oto", false, "Add the portable playback device")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if *socketDir != "" {
		cfg.SocketDir = *socketDir
	}
	if *logFile != "" {
		cfg.LogFile = *logFile
	}
	if *debugAddr != "" {
		cfg.DebugAddr = *debugAddr
	}
	if *otoOut {
		cfg.OtoOutput = true
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
		if err != nil {
			log.Fatalf("error opening log file: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	srv, err := server.New(server.Options{
		SocketDir:      cfg.SocketDir,
		AudioGroup:     cfg.AudioGroup,
		LoopbackFrames: cfg.LoopbackFrames,
		DSPConfigPath:  cfg.DSPConfigPath,
	})
	if err != nil {
		log.Fatalf("server: %v", err)
	}

	addDevices(srv, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if cfg.DebugAddr != "" {
		dbg := debugsrv.New(srv.Thread())
		go func() {
			if err := dbg.ListenAndServe(ctx, cfg.DebugAddr); err != nil {
				log.Printf("debugsrv: %v", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("received %v, shutting down", sig)
		cancel()
		srv.Stop()
	}()

	if err := srv.Serve(); err != nil {
		log.Fatalf("serve: %v", err)
	}
	log.Printf("daemon stopped")
}

// addDevices opens the configured hardware and portable devices. A device
// that fails to register is logged and skipped; the fallbacks keep streams
// alive regardless.
func addDevices(srv *server.Server, cfg *config.Config) {
	devs := cfg.ALSADevices
	if *alsaDevs != "" {
		devs = splitList(*alsaDevs)
	}
	for _, name := range devs {
		idx := srv.DeviceList().NextIdx()
		dev := iodev.NewAlsa(idx, name, fmt.Sprintf("alsa %s", name),
			protocol.DirectionOutput)
		if err := srv.AddDevice(dev); err != nil {
			log.Printf("skipping alsa device %s: %v", name, err)
		}
	}
	for _, name := range splitList(*alsaCapt) {
		idx := srv.DeviceList().NextIdx()
		dev := iodev.NewAlsa(idx, name, fmt.Sprintf("alsa capture %s", name),
			protocol.DirectionInput)
		if err := srv.AddDevice(dev); err != nil {
			log.Printf("skipping alsa capture device %s: %v", name, err)
		}
	}
	if cfg.OtoOutput {
		dev := iodev.NewOto(srv.DeviceList().NextIdx())
		if err := srv.AddDevice(dev); err != nil {
			log.Printf("skipping oto device: %v", err)
		}
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
