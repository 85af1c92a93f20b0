// Package config holds the runtime settings shared by every command.
// Defaults are overridden by NEARWAVE_* environment variables, which are in
// turn overridden by command-line flags.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/spf13/pflag"
)

// Config holds configuration shared by the host and join commands.
type Config struct {
	DisplayName   string // Name advertised to and shown on the remote device
	DiscoveryPort int    // UDP port for announce broadcasts
	LinkPort      int    // UDP port the QUIC acceptor binds to when hosting
	LogLevel      string // one of "debug", "info", "warn", "error"
	ControlAddr   string // HTTP address for the websocket observer endpoint; "" disables it
	RegistryPath  string // Path to the paired-device database
	CaptureDev    string // ALSA capture device name
	PlaybackDev   string // ALSA playback device name
}

// FromEnv returns the configuration built from defaults and NEARWAVE_*
// environment variables.
func FromEnv() Config {
	cfg := Config{
		DisplayName:   defaultDisplayName(),
		DiscoveryPort: 48111,
		LinkPort:      48112,
		LogLevel:      "info",
		ControlAddr:   "",
		RegistryPath:  defaultRegistryPath(),
		CaptureDev:    "default",
		PlaybackDev:   "default",
	}

	if name := os.Getenv("NEARWAVE_NAME"); name != "" {
		cfg.DisplayName = name
	}
	if port := os.Getenv("NEARWAVE_DISCOVERY_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 {
			cfg.DiscoveryPort = parsed
		}
	}
	if port := os.Getenv("NEARWAVE_LINK_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil && parsed > 0 {
			cfg.LinkPort = parsed
		}
	}
	if level := os.Getenv("NEARWAVE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if addr := os.Getenv("NEARWAVE_CONTROL_ADDR"); addr != "" {
		cfg.ControlAddr = addr
	}
	if path := os.Getenv("NEARWAVE_REGISTRY"); path != "" {
		cfg.RegistryPath = path
	}
	if dev := os.Getenv("NEARWAVE_CAPTURE_DEVICE"); dev != "" {
		cfg.CaptureDev = dev
	}
	if dev := os.Getenv("NEARWAVE_PLAYBACK_DEVICE"); dev != "" {
		cfg.PlaybackDev = dev
	}

	return cfg
}

// AddFlags registers flags for every setting, defaulting to the current
// values, so parsed flags override the environment.
func (c *Config) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.DisplayName, "name", c.DisplayName, "display name advertised to peers")
	fs.IntVar(&c.DiscoveryPort, "discovery-port", c.DiscoveryPort, "UDP port for peer discovery broadcasts")
	fs.IntVar(&c.LinkPort, "link-port", c.LinkPort, "UDP port for the audio link when hosting")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&c.ControlAddr, "control-addr", c.ControlAddr, "address for the websocket control endpoint (empty = disabled)")
	fs.StringVar(&c.RegistryPath, "registry", c.RegistryPath, "path to the paired-device database")
	fs.StringVar(&c.CaptureDev, "capture-device", c.CaptureDev, "ALSA capture device")
	fs.StringVar(&c.PlaybackDev, "playback-device", c.PlaybackDev, "ALSA playback device")
}

func defaultDisplayName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "nearwave"
	}
	return host
}

func defaultRegistryPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "nearwave.sqlite3"
	}
	return filepath.Join(dir, "nearwave", "devices.sqlite3")
}
