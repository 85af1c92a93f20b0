// Package link owns the connection lifecycle: role selection, the single
// duplex connection, and the streaming session bound to it. All state lives
// behind one mutex and every transition goes through the Manager, so partial
// states are never observable.
package link

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/transport"
	"github.com/nearwave/nearwave/pkg/protocol"
)

const connectTimeout = 10 * time.Second

// ErrBusy is returned by an initiator while another role is already active.
// Callers disconnect first; initiators never queue.
var ErrBusy = errors.New("link: another role is active")

// ErrNotConnected is returned by SetTransmit without a live session.
var ErrNotConnected = errors.New("link: not connected")

// Session is the streaming pipeline bound to one connection.
type Session interface {
	Start() error
	SetTransmit(on bool)
	Transmitting() bool
	Stop()
	Wait()
}

// SessionFactory creates the session for a freshly established connection.
// onFatal must be dispatched from a goroutine that is not one of the
// session's own pumps.
type SessionFactory func(rw io.ReadWriter, onFatal func(error)) Session

// Registry records devices a link was established with.
type Registry interface {
	Remember(peer discovery.PeerID) error
}

// Config assembles a Manager.
type Config struct {
	Local    discovery.PeerID // self identity; Addr is the dialable link address
	Radio    discovery.Radio
	Gate     discovery.Gate // nil means always enabled
	Network  transport.Network
	Sessions SessionFactory
	Registry Registry // nil disables recording
	Logger   *slog.Logger
}

// Manager is the connection manager. One per device.
type Manager struct {
	local    discovery.PeerID
	network  transport.Network
	sessions SessionFactory
	registry Registry
	logger   *slog.Logger

	announcer *discovery.Announcer
	seeker    *discovery.Seeker

	mu       sync.Mutex
	state    State
	reason   string
	peer     discovery.PeerID
	conn     transport.Conn
	rw       io.ReadWriter // post-handshake byte pipe; set while connected
	acceptor transport.Acceptor
	session  Session
	// gen invalidates in-flight accepts, dials, and pump error reports
	// from an attempt that has since been torn down.
	gen   int
	queue []Status

	obsMu         sync.Mutex
	observers     []func(Status)
	candObservers []func([]discovery.Candidate)

	notifyMu sync.Mutex
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg Config) *Manager {
	gate := cfg.Gate
	if gate == nil {
		gate = discovery.AlwaysEnabled{}
	}
	m := &Manager{
		local:    cfg.Local,
		network:  cfg.Network,
		sessions: cfg.Sessions,
		registry: cfg.Registry,
		logger:   cfg.Logger,
		state:    StateIdle,
	}
	m.announcer = discovery.NewAnnouncer(cfg.Radio, gate, cfg.Local, cfg.Logger)
	m.seeker = discovery.NewSeeker(cfg.Radio, gate, cfg.Local.Addr, m.onCandidate, cfg.Logger)
	return m
}

// Subscribe registers a status observer. Snapshots are delivered in
// transition order, outside the manager's lock.
func (m *Manager) Subscribe(fn func(Status)) {
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

// SubscribeCandidates registers an observer for the scan's candidate list.
// Each new discovery delivers the full ordered list.
func (m *Manager) SubscribeCandidates(fn func([]discovery.Candidate)) {
	m.obsMu.Lock()
	m.candObservers = append(m.candObservers, fn)
	m.obsMu.Unlock()
}

// Status returns the current snapshot.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

// Local returns this device's identity.
func (m *Manager) Local() discovery.PeerID { return m.local }

// Candidates returns the scan results gathered so far. The list survives a
// stopped scan and is cleared only when the next scan starts.
func (m *Manager) Candidates() []discovery.Candidate {
	return m.seeker.Candidates()
}

// RequestHost switches an idle device into the announcing role: it starts
// broadcasting and accepts exactly one inbound connection.
func (m *Manager) RequestHost(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.reason = ""

	acceptor, err := m.network.Listen()
	if err != nil {
		m.failLocked("listen failed: " + err.Error())
		m.mu.Unlock()
		m.flush()
		return err
	}
	if err := m.announcer.Start(ctx, protocol.Marker); err != nil {
		acceptor.Close()
		m.failLocked(reasonFor(err))
		m.mu.Unlock()
		m.flush()
		return err
	}

	m.acceptor = acceptor
	m.gen++
	gen := m.gen
	m.setStateLocked(StateAnnouncing)
	m.mu.Unlock()

	go m.acceptOne(gen, acceptor)
	m.flush()
	return nil
}

// RequestScan switches an idle device into the scanning role. Discovered
// candidates are pushed to candidate observers as they appear.
func (m *Manager) RequestScan(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateIdle {
		m.mu.Unlock()
		return ErrBusy
	}
	m.reason = ""

	if err := m.seeker.Start(ctx, protocol.Marker); err != nil {
		m.failLocked(reasonFor(err))
		m.mu.Unlock()
		m.flush()
		return err
	}

	m.setStateLocked(StateScanning)
	m.mu.Unlock()
	m.flush()
	return nil
}

// RequestConnect dials the given candidate address. Valid from Idle or
// Scanning; a running scan is stopped first. Connect attempts do not queue.
func (m *Manager) RequestConnect(addr string) error {
	m.mu.Lock()
	if m.state != StateIdle && m.state != StateScanning {
		m.mu.Unlock()
		return ErrBusy
	}
	m.reason = ""

	peer := discovery.PeerID{Addr: addr}
	for _, c := range m.seeker.Candidates() {
		if c.Addr == addr {
			peer = c.PeerID
			break
		}
	}
	m.seeker.Stop()

	m.gen++
	gen := m.gen
	m.peer = peer
	m.setStateLocked(StateConnecting)
	m.mu.Unlock()

	go m.dial(gen, peer)
	m.flush()
	return nil
}

// SetTransmit flips the outbound send gate on the live session. The capture
// device and the connection are untouched either way. When the session never
// came up on this link (a device was unavailable at connect time), the
// pipeline is retried in place; the link itself is never torn down for it.
func (m *Manager) SetTransmit(on bool) error {
	m.mu.Lock()
	if m.state != StateConnected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	if m.session == nil {
		session := m.sessions(m.rw, m.fatalFor(m.gen))
		if err := session.Start(); err != nil {
			m.mu.Unlock()
			return err
		}
		m.session = session
	}
	m.session.SetTransmit(on)
	m.queue = append(m.queue, m.statusLocked())
	m.mu.Unlock()
	m.flush()
	return nil
}

// Disconnect tears down whatever role is active and returns the device to
// idle. Safe to call in any state.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.state == StateIdle {
		m.mu.Unlock()
		return nil
	}
	m.gen++
	m.reason = ""
	m.setStateLocked(StateClosing)
	m.teardownLocked()
	m.peer = discovery.PeerID{}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.flush()
	return nil
}

// acceptOne waits for the single inbound connection of a hosting attempt.
func (m *Manager) acceptOne(gen int, acceptor transport.Acceptor) {
	conn, err := acceptor.Accept(context.Background())
	if err != nil {
		m.mu.Lock()
		if gen == m.gen && m.state == StateAnnouncing {
			m.announcer.Stop()
			m.closeAcceptorLocked()
			m.failLocked("accept failed: " + err.Error())
		}
		m.mu.Unlock()
		m.flush()
		return
	}
	m.established(gen, conn)
}

// dial runs a single outbound connect attempt.
func (m *Manager) dial(gen int, peer discovery.PeerID) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	conn, err := m.network.Dial(ctx, peer.Addr)
	cancel()
	if err != nil {
		m.mu.Lock()
		if gen == m.gen {
			m.failLocked(dialReason(err))
		}
		m.mu.Unlock()
		m.flush()
		return
	}
	m.established(gen, conn)
}

// established runs the hello exchange on a fresh connection and, if the
// attempt is still current, binds a streaming session to it.
func (m *Manager) established(gen int, conn transport.Conn) {
	peer, rw, err := exchangeHello(conn, m.local)
	if err != nil {
		conn.Close()
		m.mu.Lock()
		if gen == m.gen && (m.state == StateAnnouncing || m.state == StateConnecting) {
			m.announcer.Stop()
			m.closeAcceptorLocked()
			m.failLocked("handshake failed")
		}
		m.mu.Unlock()
		m.flush()
		m.logger.Warn("hello exchange failed", "error", err)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.announcer.Stop()
	m.closeAcceptorLocked()
	m.conn = conn
	m.rw = rw
	m.peer = peer

	var startErr error
	session := m.sessions(rw, m.fatalFor(gen))
	if err := session.Start(); err != nil {
		// The pipeline could not come up; the connection itself is
		// fine and stays connected.
		startErr = err
	} else {
		m.session = session
	}
	m.setStateLocked(StateConnected)
	m.mu.Unlock()

	if m.registry != nil {
		if err := m.registry.Remember(peer); err != nil {
			m.logger.Warn("recording peer failed", "peer", peer.Addr, "error", err)
		}
	}
	m.flush()

	if startErr != nil {
		m.logger.Error("streaming unavailable", "error", startErr)
	} else {
		m.logger.Info("link established", "peer", peer.Addr, "name", peer.Name)
	}
}

// fatalFor builds the pump failure handler for one attempt generation.
func (m *Manager) fatalFor(gen int) func(error) {
	return func(err error) { m.handleStreamError(gen, err) }
}

// handleStreamError collapses the link after a fatal pump error. Reports
// from a generation that has already been torn down are dropped.
func (m *Manager) handleStreamError(gen int, err error) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateConnected {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("link lost", "peer", m.peer.Addr, "error", err)
	m.gen++
	m.reason = "connection lost"
	m.setStateLocked(StateClosing)
	m.teardownLocked()
	m.peer = discovery.PeerID{}
	m.setStateLocked(StateIdle)
	m.mu.Unlock()
	m.flush()
}

// teardownLocked releases everything the active role holds. Order matters:
// the session is stopped before the connection closes, then awaited, so a
// pump never reports a fatal error for a close it caused.
func (m *Manager) teardownLocked() {
	if m.session != nil {
		m.session.Stop()
	}
	if m.conn != nil {
		m.conn.Close()
	}
	if m.session != nil {
		m.session.Wait()
		m.session = nil
	}
	m.conn = nil
	m.rw = nil
	m.closeAcceptorLocked()
	m.announcer.Stop()
	m.seeker.Stop()
}

// closeAcceptorLocked releases the host's acceptor and its listen port.
// Every path that drops the acceptor reference goes through here, so a
// later RequestHost can bind the port again.
func (m *Manager) closeAcceptorLocked() {
	if m.acceptor != nil {
		m.acceptor.Close()
		m.acceptor = nil
	}
}

func (m *Manager) failLocked(reason string) {
	m.reason = reason
	m.setStateLocked(StateFailed)
	m.peer = discovery.PeerID{}
	m.setStateLocked(StateIdle)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.queue = append(m.queue, m.statusLocked())
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:        m.state,
		Peer:         m.peer,
		Reason:       m.reason,
		Announcing:   m.announcer.IsAnnouncing(),
		Scanning:     m.seeker.IsScanning(),
		Transmitting: m.session != nil && m.session.Transmitting(),
	}
}

// flush delivers queued snapshots to observers in order, outside the state
// lock. notifyMu keeps concurrent flushes from interleaving deliveries.
func (m *Manager) flush() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			return
		}
		st := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		m.obsMu.Lock()
		obs := make([]func(Status), len(m.observers))
		copy(obs, m.observers)
		m.obsMu.Unlock()
		for _, fn := range obs {
			fn(st)
		}
	}
}

// onCandidate fans a fresh scan result out to candidate observers. It runs
// on the seeker's goroutine and must not take the state lock.
func (m *Manager) onCandidate(discovery.Candidate) {
	list := m.seeker.Candidates()
	m.obsMu.Lock()
	obs := make([]func([]discovery.Candidate), len(m.candObservers))
	copy(obs, m.candObservers)
	m.obsMu.Unlock()
	for _, fn := range obs {
		fn(list)
	}
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, discovery.ErrRadioDisabled):
		return "radio disabled"
	case errors.Is(err, discovery.ErrPermissionDenied):
		return "permission denied"
	default:
		return err.Error()
	}
}

func dialReason(err error) string {
	var nerr net.Error
	switch {
	case errors.Is(err, transport.ErrConnectionRefused):
		return "connection refused"
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &nerr) && nerr.Timeout():
		return "connect timed out"
	default:
		return "connect failed: " + err.Error()
	}
}
