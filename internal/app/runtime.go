// Package app assembles the running program: configuration, logging, the
// device registry, discovery radio, link transport, and the connection
// manager, plus the cobra commands that drive them.
package app

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"log/slog"

	"github.com/nearwave/nearwave/internal/audio"
	"github.com/nearwave/nearwave/internal/config"
	"github.com/nearwave/nearwave/internal/control"
	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/link"
	"github.com/nearwave/nearwave/internal/logging"
	"github.com/nearwave/nearwave/internal/registry"
	"github.com/nearwave/nearwave/internal/stream"
	"github.com/nearwave/nearwave/internal/transport"
)

// Runtime is everything a running command holds.
type Runtime struct {
	Config  config.Config
	Logger  *slog.Logger
	Store   *registry.Store
	Manager *link.Manager

	radio   *discovery.UDPRadio
	control *control.Server
}

// NewRuntime builds the full wiring from configuration. The control endpoint
// is started only when ControlAddr is set.
func NewRuntime(cfg config.Config) (*Runtime, error) {
	logger := logging.New("nearwave", cfg.LogLevel)

	if dir := filepath.Dir(cfg.RegistryPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create registry directory: %w", err)
		}
	}
	store, err := registry.Open(cfg.RegistryPath)
	if err != nil {
		return nil, err
	}

	radio, err := discovery.NewUDPRadio(cfg.DiscoveryPort)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("open discovery radio: %w", err)
	}

	local := discovery.PeerID{
		Addr: net.JoinHostPort(discovery.LocalIPv4(), strconv.Itoa(cfg.LinkPort)),
		Name: cfg.DisplayName,
	}

	r := &Runtime{
		Config: cfg,
		Logger: logger,
		Store:  store,
		radio:  radio,
	}
	r.Manager = link.NewManager(link.Config{
		Local:    local,
		Radio:    radio,
		Network:  transport.NewQUICNetwork(cfg.LinkPort, logger),
		Sessions: r.newSession,
		Registry: store,
		Logger:   logger,
	})

	if cfg.ControlAddr != "" {
		srv := control.NewServer(r.Manager, logger)
		if err := srv.Start(cfg.ControlAddr); err != nil {
			r.Close()
			return nil, fmt.Errorf("start control endpoint: %w", err)
		}
		r.control = srv
	}

	logger.Info("runtime ready",
		"name", local.Name,
		"addr", local.Addr,
		"discovery_port", cfg.DiscoveryPort,
	)
	return r, nil
}

// newSession opens the platform audio devices and binds a streaming session
// to the fresh connection. A device failure yields a session whose Start
// reports it, so the link stays up while streaming is unavailable.
func (r *Runtime) newSession(rw io.ReadWriter, onFatal func(error)) link.Session {
	format := audio.DefaultConfig()

	capture, err := audio.OpenCapture(r.Config.CaptureDev, format)
	if err != nil {
		return &failedSession{err: &stream.ResourceInitError{Device: "capture", Err: err}}
	}
	playback, err := audio.OpenPlayback(r.Config.PlaybackDev, format)
	if err != nil {
		capture.Close()
		return &failedSession{err: &stream.ResourceInitError{Device: "playback", Err: err}}
	}

	return stream.New(stream.Config{
		Conn:     rw,
		Capture:  capture,
		Playback: playback,
		Format:   format,
		Logger:   r.Logger,
		OnFatal:  onFatal,
	})
}

// Close tears everything down, link first.
func (r *Runtime) Close() {
	r.Manager.Disconnect()
	if r.control != nil {
		r.control.Close()
	}
	r.radio.Close()
	r.Store.Close()
}

// failedSession stands in for a session whose devices could not be opened.
type failedSession struct {
	err error
}

func (s *failedSession) Start() error { return s.err }

func (*failedSession) SetTransmit(bool) {}

func (*failedSession) Transmitting() bool { return false }

func (*failedSession) Stop() {}

func (*failedSession) Wait() {}
