package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nearwave/nearwave/pkg/protocol"
)

const announceInterval = time.Second

// Announcer periodically broadcasts a non-connectable advertisement carrying
// the marker, this device's display name, and the address its acceptor is
// reachable on.
type Announcer struct {
	radio  Radio
	gate   Gate
	local  PeerID
	logger *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	announcing atomic.Bool
}

// NewAnnouncer creates an announcer advertising local. local.Addr must be the
// full host:port the acceptor is dialable on.
func NewAnnouncer(radio Radio, gate Gate, local PeerID, logger *slog.Logger) *Announcer {
	return &Announcer{
		radio:  radio,
		gate:   gate,
		local:  local,
		logger: logger,
	}
}

// Start begins broadcasting advertisements carrying marker. Calling Start
// while already announcing is a no-op. The radio gate is consulted first;
// denial is returned immediately.
func (a *Announcer) Start(ctx context.Context, marker string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.announcing.Load() {
		return nil
	}
	if err := a.gate.Enable(ctx); err != nil {
		return &Error{Op: "announce", Err: err}
	}

	packet, err := a.buildPacket(marker)
	if err != nil {
		return &Error{Op: "announce", Err: err}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.done = make(chan struct{})
	a.announcing.Store(true)

	go a.loop(loopCtx, packet)

	a.logger.Info("announcing started", "name", a.local.Name, "addr", a.local.Addr)
	return nil
}

// Stop ceases broadcasting. No-op when not announcing.
func (a *Announcer) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.announcing.Load() {
		return
	}
	a.cancel()
	<-a.done
	a.announcing.Store(false)
	a.logger.Info("announcing stopped")
}

// IsAnnouncing reports whether advertisements are currently broadcast.
func (a *Announcer) IsAnnouncing() bool {
	return a.announcing.Load()
}

func (a *Announcer) buildPacket(marker string) ([]byte, error) {
	env, err := protocol.NewEnvelope(protocol.TypeAnnounce, protocol.NewMsgID(), protocol.Announce{
		Marker: marker,
		Addr:   a.local.Addr,
		Name:   a.local.Name,
	})
	if err != nil {
		return nil, err
	}
	packet, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal announce: %w", err)
	}
	return packet, nil
}

func (a *Announcer) loop(ctx context.Context, packet []byte) {
	defer close(a.done)

	ticker := time.NewTicker(announceInterval)
	defer ticker.Stop()

	// First advertisement goes out immediately so a running seeker sees us
	// without waiting a full interval.
	if err := a.radio.Send(ctx, packet); err != nil && ctx.Err() == nil {
		a.logger.Warn("announce send failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.radio.Send(ctx, packet); err != nil && ctx.Err() == nil {
				a.logger.Warn("announce send failed", "error", err)
			}
		}
	}
}
