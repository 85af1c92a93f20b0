package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nearwave/nearwave/pkg/protocol"
)

// Seeker scans the radio for advertisements carrying the expected marker and
// builds the ordered candidate set. Announcements without a resolvable
// display name are dropped: a nameless entry cannot be presented for the
// connection step.
type Seeker struct {
	radio    Radio
	gate     Gate
	selfAddr string
	logger   *slog.Logger

	candidates *CandidateSet
	onFound    func(Candidate)

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	scanning atomic.Bool
}

// NewSeeker creates a seeker. selfAddr is this device's own identity, used to
// ignore our own advertisements looping back. onFound, if non-nil, is invoked
// once per first sighting of each candidate.
func NewSeeker(radio Radio, gate Gate, selfAddr string, onFound func(Candidate), logger *slog.Logger) *Seeker {
	return &Seeker{
		radio:      radio,
		gate:       gate,
		selfAddr:   selfAddr,
		logger:     logger,
		candidates: NewCandidateSet(),
		onFound:    onFound,
	}
}

// Start clears the candidate set and begins filtering advertisements for
// marker. Calling Start while already scanning is a no-op. The radio gate is
// consulted first; denial is returned immediately.
func (s *Seeker) Start(ctx context.Context, marker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanning.Load() {
		return nil
	}
	if err := s.gate.Enable(ctx); err != nil {
		return &Error{Op: "seek", Err: err}
	}

	s.candidates.Clear()

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.scanning.Store(true)

	go s.loop(loopCtx, marker)

	s.logger.Info("scan started")
	return nil
}

// Stop ceases filtering. Already-discovered candidates remain visible until
// the next Start clears them. No-op when not scanning.
func (s *Seeker) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.scanning.Load() {
		return
	}
	s.cancel()
	<-s.done
	s.scanning.Store(false)
	s.logger.Info("scan stopped")
}

// IsScanning reports whether the seeker is currently filtering.
func (s *Seeker) IsScanning() bool {
	return s.scanning.Load()
}

// Candidates returns a snapshot of the current candidate list.
func (s *Seeker) Candidates() []Candidate {
	return s.candidates.List()
}

func (s *Seeker) loop(ctx context.Context, marker string) {
	defer close(s.done)

	for {
		packet, _, err := s.radio.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Warn("scan receive failed", "error", err)
			}
			return
		}
		s.handlePacket(packet, marker)
	}
}

func (s *Seeker) handlePacket(packet []byte, marker string) {
	var env protocol.Envelope
	if err := json.Unmarshal(packet, &env); err != nil {
		return
	}
	if env.ValidateBasic() != nil || env.Type != protocol.TypeAnnounce {
		return
	}

	var ann protocol.Announce
	if err := env.DecodePayload(&ann); err != nil {
		return
	}
	if ann.Marker != marker || ann.Addr == "" || ann.Addr == s.selfAddr {
		return
	}
	if ann.Name == "" {
		// Nameless advertisements cannot be surfaced meaningfully.
		return
	}

	c, added := s.candidates.Add(PeerID{Addr: ann.Addr, Name: ann.Name})
	if !added {
		return
	}
	s.logger.Info("candidate found", "name", c.Name, "addr", c.Addr)
	if s.onFound != nil {
		s.onFound(c)
	}
}
