// ABOUTME: Daemon configuration loading
// ABOUTME: Defaults, optional config file and TAPMIX_ environment overrides
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is everything tapmixd reads at startup.
type Config struct {
	// SocketDir holds the control socket and is the rendezvous for clients.
	SocketDir string `mapstructure:"socket_dir"`
	// AudioGroup may connect to the daemon; empty disables the chown.
	AudioGroup string `mapstructure:"audio_group"`
	// LoopbackFrames sizes the loopback capture rings.
	LoopbackFrames int `mapstructure:"loopback_frames"`
	// DebugAddr serves the websocket introspection feed; empty disables it.
	DebugAddr string `mapstructure:"debug_addr"`
	// DSPConfigPath is the DSP configuration file reported on reload.
	DSPConfigPath string `mapstructure:"dsp_config"`
	// ALSADevices lists hw:CARD,DEV names to open at startup.
	ALSADevices []string `mapstructure:"alsa_devices"`
	// OtoOutput enables the portable playback device.
	OtoOutput bool `mapstructure:"oto_output"`
	// LogFile redirects the daemon log; empty keeps stderr.
	LogFile string `mapstructure:"log_file"`
}

// Load reads configuration with this precedence: defaults, then the config
// file (if found), then TAPMIX_* environment variables. path may be empty to
// search the standard locations.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetDefault("socket_dir", "/run/tapmix")
	v.SetDefault("audio_group", "")
	v.SetDefault("loopback_frames", 8192)
	v.SetDefault("debug_addr", "")
	v.SetDefault("dsp_config", "")
	v.SetDefault("alsa_devices", []string{})
	v.SetDefault("oto_output", false)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("TAPMIX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tapmix")
		v.AddConfigPath("/etc/tapmix")
		v.AddConfigPath("$HOME/.config/tapmix")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			if path != "" {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
			// A broken file in the search path should not be silently skipped.
			return nil, fmt.Errorf("config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if cfg.LoopbackFrames <= 0 {
		return nil, fmt.Errorf("config: loopback_frames must be positive, got %d",
			cfg.LoopbackFrames)
	}
	return &cfg, nil
}
