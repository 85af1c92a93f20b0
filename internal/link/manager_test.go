package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nearwave/nearwave/internal/audio"
	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/stream"
	"github.com/nearwave/nearwave/internal/transport"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// deviceTap hands fresh mock devices to every session and keeps the latest
// pair reachable for the test.
type deviceTap struct {
	mu       sync.Mutex
	capture  *audio.ScriptCapture
	playback *audio.SinkPlayback
}

func (d *deviceTap) factory(logger *slog.Logger) SessionFactory {
	return func(rw io.ReadWriter, onFatal func(error)) Session {
		c := audio.NewScriptCapture()
		p := audio.NewSinkPlayback()
		d.mu.Lock()
		d.capture, d.playback = c, p
		d.mu.Unlock()
		return stream.New(stream.Config{
			Conn:     rw,
			Capture:  c,
			Playback: p,
			Format:   audio.DefaultConfig(),
			Logger:   logger,
			OnFatal:  onFatal,
		})
	}
}

func (d *deviceTap) devices() (*audio.ScriptCapture, *audio.SinkPlayback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capture, d.playback
}

type memRegistry struct {
	mu    sync.Mutex
	peers []discovery.PeerID
}

func (r *memRegistry) Remember(p discovery.PeerID) error {
	r.mu.Lock()
	r.peers = append(r.peers, p)
	r.mu.Unlock()
	return nil
}

func (r *memRegistry) all() []discovery.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]discovery.PeerID, len(r.peers))
	copy(out, r.peers)
	return out
}

type testPeer struct {
	manager  *Manager
	devices  *deviceTap
	registry *memRegistry
	status   <-chan Status
}

type testNet struct {
	links  *transport.MemoryBus
	radios *discovery.Bus
}

func newTestNet() *testNet {
	return &testNet{links: transport.NewMemoryBus(), radios: discovery.NewBus()}
}

func (n *testNet) peer(t *testing.T, addr, name string) *testPeer {
	t.Helper()
	tap := &deviceTap{}
	p := n.build(t, addr, name, n.links.Device(addr), tap.factory(testLogger()))
	p.devices = tap
	return p
}

// build assembles a peer with an arbitrary transport and session factory, for
// tests that need to observe or break either.
func (n *testNet) build(t *testing.T, addr, name string, network transport.Network, sessions SessionFactory) *testPeer {
	t.Helper()
	logger := testLogger()
	reg := &memRegistry{}
	m := NewManager(Config{
		Local:    discovery.PeerID{Addr: addr, Name: name},
		Radio:    n.radios.Join(addr),
		Network:  network,
		Sessions: sessions,
		Registry: reg,
		Logger:   logger,
	})
	ch := make(chan Status, 64)
	m.Subscribe(func(st Status) { ch <- st })
	t.Cleanup(func() { m.Disconnect() })
	return &testPeer{manager: m, registry: reg, status: ch}
}

func waitState(t *testing.T, ch <-chan Status, want State) Status {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case st := <-ch:
			if st.State == want {
				return st
			}
		case <-deadline:
			t.Fatalf("state %v never observed", want)
		}
	}
}

func waitBytes(t *testing.T, sink *audio.SinkPlayback, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		total := 0
		for _, f := range sink.Frames() {
			total += len(f)
		}
		if total >= n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("playback never received %d bytes", n)
}

func loudFrame(size int) []byte {
	frame := make([]byte, size)
	for i := 0; i < size; i += 2 {
		if i%4 == 0 {
			frame[i+1] = 0x20
		} else {
			frame[i+1] = 0xe0
		}
	}
	return frame
}

func TestHostAndJoinStreamsBothWays(t *testing.T) {
	tn := newTestNet()
	host := tn.peer(t, "10.0.0.1:48112", "alpha")
	client := tn.peer(t, "10.0.0.2:48112", "bravo")
	ctx := context.Background()

	found := make(chan []discovery.Candidate, 16)
	client.manager.SubscribeCandidates(func(cs []discovery.Candidate) { found <- cs })

	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)

	if err := client.manager.RequestScan(ctx); err != nil {
		t.Fatalf("RequestScan: %v", err)
	}
	waitState(t, client.status, StateScanning)

	select {
	case cs := <-found:
		if len(cs) != 1 || cs[0].Addr != "10.0.0.1:48112" || cs[0].Name != "alpha" {
			t.Fatalf("candidates = %+v", cs)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host never discovered")
	}

	if err := client.manager.RequestConnect("10.0.0.1:48112"); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	cst := waitState(t, client.status, StateConnected)
	if cst.Peer.Name != "alpha" {
		t.Fatalf("client peer = %+v, want alpha", cst.Peer)
	}
	hst := waitState(t, host.status, StateConnected)
	if hst.Peer.Name != "bravo" {
		t.Fatalf("host peer = %+v, want bravo", hst.Peer)
	}
	if hst.Announcing {
		t.Fatal("announcements must stop once connected")
	}

	// Both ends recorded each other.
	if got := client.registry.all(); len(got) != 1 || got[0].Addr != "10.0.0.1:48112" {
		t.Fatalf("client registry = %+v", got)
	}
	if got := host.registry.all(); len(got) != 1 || got[0].Name != "bravo" {
		t.Fatalf("host registry = %+v", got)
	}

	size := audio.FrameSize(audio.DefaultConfig())

	// Host speaks, client hears.
	if err := host.manager.SetTransmit(true); err != nil {
		t.Fatalf("SetTransmit: %v", err)
	}
	hostCap, _ := host.devices.devices()
	hostCap.Feed(loudFrame(size))
	hostCap.Feed(loudFrame(size))
	_, clientPlay := client.devices.devices()
	waitBytes(t, clientPlay, 2*size)

	// And the other way on the same connection.
	if err := client.manager.SetTransmit(true); err != nil {
		t.Fatalf("SetTransmit: %v", err)
	}
	clientCap, _ := client.devices.devices()
	clientCap.Feed(loudFrame(size))
	_, hostPlay := host.devices.devices()
	waitBytes(t, hostPlay, size)

	// Client hangs up; host observes the dead stream and collapses.
	if err := client.manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	waitState(t, client.status, StateIdle)
	idle := waitState(t, host.status, StateIdle)
	if idle.Reason != "connection lost" {
		t.Fatalf("host reason = %q, want connection lost", idle.Reason)
	}

	// Both devices are reusable after teardown.
	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("rehost after loss: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)
}

func TestInitiatorsRejectWhileBusy(t *testing.T) {
	tn := newTestNet()
	p := tn.peer(t, "10.0.0.1:48112", "alpha")
	ctx := context.Background()

	if err := p.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	if err := p.manager.RequestScan(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("RequestScan while hosting = %v, want ErrBusy", err)
	}
	if err := p.manager.RequestHost(ctx); !errors.Is(err, ErrBusy) {
		t.Fatalf("second RequestHost = %v, want ErrBusy", err)
	}
	if err := p.manager.RequestConnect("10.0.0.9:48112"); !errors.Is(err, ErrBusy) {
		t.Fatalf("RequestConnect while hosting = %v, want ErrBusy", err)
	}

	if err := p.manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := p.manager.RequestScan(ctx); err != nil {
		t.Fatalf("RequestScan after disconnect: %v", err)
	}
}

func TestConnectRefusedSurfacesFailure(t *testing.T) {
	tn := newTestNet()
	p := tn.peer(t, "10.0.0.2:48112", "bravo")

	if err := p.manager.RequestConnect("10.0.0.1:48112"); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	failed := waitState(t, p.status, StateFailed)
	if failed.Reason != "connection refused" {
		t.Fatalf("reason = %q, want connection refused", failed.Reason)
	}
	waitState(t, p.status, StateIdle)

	// A failed attempt must not wedge the manager.
	if err := p.manager.RequestScan(context.Background()); err != nil {
		t.Fatalf("RequestScan after failure: %v", err)
	}
}

func TestDisconnectWhileAnnouncing(t *testing.T) {
	tn := newTestNet()
	p := tn.peer(t, "10.0.0.1:48112", "alpha")
	ctx := context.Background()

	if err := p.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	waitState(t, p.status, StateAnnouncing)

	if err := p.manager.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	st := waitState(t, p.status, StateIdle)
	if st.Announcing {
		t.Fatal("still announcing after disconnect")
	}

	if err := p.manager.RequestHost(ctx); err != nil {
		t.Fatalf("rehost: %v", err)
	}
	waitState(t, p.status, StateAnnouncing)
}

type deniedGate struct{}

func (deniedGate) Enable(context.Context) error { return discovery.ErrRadioDisabled }

func TestRadioDenialFailsHost(t *testing.T) {
	tn := newTestNet()
	logger := testLogger()
	m := NewManager(Config{
		Local:    discovery.PeerID{Addr: "10.0.0.1:48112", Name: "alpha"},
		Radio:    tn.radios.Join("10.0.0.1:48112"),
		Gate:     deniedGate{},
		Network:  tn.links.Device("10.0.0.1:48112"),
		Sessions: (&deviceTap{}).factory(logger),
		Logger:   logger,
	})

	err := m.RequestHost(context.Background())
	if !errors.Is(err, discovery.ErrRadioDisabled) {
		t.Fatalf("RequestHost = %v, want radio disabled", err)
	}
	st := m.Status()
	if st.State != StateIdle || st.Reason != "radio disabled" {
		t.Fatalf("status = %+v", st)
	}
}

func TestSetTransmitRequiresConnection(t *testing.T) {
	tn := newTestNet()
	p := tn.peer(t, "10.0.0.1:48112", "alpha")

	if err := p.manager.SetTransmit(true); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("SetTransmit = %v, want ErrNotConnected", err)
	}
}

// recordingNetwork counts acceptor lifecycle events so tests can prove the
// listen port is released on every teardown path.
type recordingNetwork struct {
	transport.Network

	mu     sync.Mutex
	opened int
	closed int
}

func (n *recordingNetwork) Listen() (transport.Acceptor, error) {
	a, err := n.Network.Listen()
	if err != nil {
		return nil, err
	}
	n.mu.Lock()
	n.opened++
	n.mu.Unlock()
	return &recordedAcceptor{Acceptor: a, net: n}, nil
}

func (n *recordingNetwork) counts() (opened, closed int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.opened, n.closed
}

type recordedAcceptor struct {
	transport.Acceptor
	net  *recordingNetwork
	once sync.Once
}

func (a *recordedAcceptor) Close() error {
	a.once.Do(func() {
		a.net.mu.Lock()
		a.net.closed++
		a.net.mu.Unlock()
	})
	return a.Acceptor.Close()
}

func TestFailedHandshakeReleasesAcceptor(t *testing.T) {
	tn := newTestNet()
	rec := &recordingNetwork{Network: tn.links.Device("10.0.0.1:48112")}
	host := tn.build(t, "10.0.0.1:48112", "alpha", rec, (&deviceTap{}).factory(testLogger()))
	ctx := context.Background()

	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)

	// A peer that connects but talks garbage instead of a hello.
	raw, err := tn.links.Device("10.0.0.9:48112").Dial(ctx, "10.0.0.1:48112")
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { raw.Close() })
	go io.Copy(io.Discard, raw)
	if _, err := raw.Write([]byte("definitely not a hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	failed := waitState(t, host.status, StateFailed)
	if failed.Reason != "handshake failed" {
		t.Fatalf("reason = %q, want handshake failed", failed.Reason)
	}
	waitState(t, host.status, StateIdle)

	if opened, closed := rec.counts(); opened != 1 || closed != 1 {
		t.Fatalf("acceptors opened/closed = %d/%d, want 1/1", opened, closed)
	}

	// The listen port must be bindable again for the next attempt.
	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("rehost after bad handshake: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)
	if opened, _ := rec.counts(); opened != 2 {
		t.Fatalf("opened = %d, want 2", opened)
	}
}

func TestAcceptorClosesOnceConnected(t *testing.T) {
	tn := newTestNet()
	rec := &recordingNetwork{Network: tn.links.Device("10.0.0.1:48112")}
	host := tn.build(t, "10.0.0.1:48112", "alpha", rec, (&deviceTap{}).factory(testLogger()))
	client := tn.peer(t, "10.0.0.2:48112", "bravo")
	ctx := context.Background()

	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)
	if err := client.manager.RequestConnect("10.0.0.1:48112"); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	waitState(t, host.status, StateConnected)

	if _, closed := rec.counts(); closed != 1 {
		t.Fatalf("closed = %d, want acceptor released while connected", closed)
	}
}

// startFailSessions yields sessions whose startup fails until repaired,
// standing in for audio devices that are busy when the link comes up.
type startFailSessions struct {
	inner SessionFactory

	mu     sync.Mutex
	broken bool
}

func (f *startFailSessions) factory(rw io.ReadWriter, onFatal func(error)) Session {
	f.mu.Lock()
	broken := f.broken
	f.mu.Unlock()
	if broken {
		return brokenSession{}
	}
	return f.inner(rw, onFatal)
}

func (f *startFailSessions) repair() {
	f.mu.Lock()
	f.broken = false
	f.mu.Unlock()
}

type brokenSession struct{}

func (brokenSession) Start() error { return errors.New("capture device busy") }

func (brokenSession) SetTransmit(bool) {}

func (brokenSession) Transmitting() bool { return false }

func (brokenSession) Stop() {}

func (brokenSession) Wait() {}

func TestTransmitRetriesFailedSessionStartup(t *testing.T) {
	tn := newTestNet()
	host := tn.peer(t, "10.0.0.1:48112", "alpha")
	tap := &deviceTap{}
	flaky := &startFailSessions{inner: tap.factory(testLogger()), broken: true}
	client := tn.build(t, "10.0.0.2:48112", "bravo", tn.links.Device("10.0.0.2:48112"), flaky.factory)
	client.devices = tap
	ctx := context.Background()

	if err := host.manager.RequestHost(ctx); err != nil {
		t.Fatalf("RequestHost: %v", err)
	}
	waitState(t, host.status, StateAnnouncing)
	if err := client.manager.RequestConnect("10.0.0.1:48112"); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	waitState(t, client.status, StateConnected)
	waitState(t, host.status, StateConnected)

	// Devices still busy: the attempt fails but the link survives.
	if err := client.manager.SetTransmit(true); err == nil {
		t.Fatal("SetTransmit succeeded with no working devices")
	}
	if st := client.manager.Status(); st.State != StateConnected || st.Transmitting {
		t.Fatalf("status after failed pipeline start = %+v", st)
	}

	// Devices freed: the next attempt brings the pipeline up in place,
	// without reconnecting.
	flaky.repair()
	if err := client.manager.SetTransmit(true); err != nil {
		t.Fatalf("SetTransmit after repair: %v", err)
	}

	size := audio.FrameSize(audio.DefaultConfig())
	clientCap, _ := client.devices.devices()
	clientCap.Feed(loudFrame(size))
	_, hostPlay := host.devices.devices()
	waitBytes(t, hostPlay, size)
}

// timeoutNetwork fails every dial the way an unanswered connect does.
type timeoutNetwork struct {
	transport.Network
}

func (timeoutNetwork) Dial(ctx context.Context, addr string) (transport.Conn, error) {
	return nil, fmt.Errorf("dial %s: %w", addr, context.DeadlineExceeded)
}

func TestConnectTimeoutSurfacesFailure(t *testing.T) {
	tn := newTestNet()
	p := tn.build(t, "10.0.0.2:48112", "bravo",
		timeoutNetwork{tn.links.Device("10.0.0.2:48112")},
		(&deviceTap{}).factory(testLogger()))

	if err := p.manager.RequestConnect("10.0.0.1:48112"); err != nil {
		t.Fatalf("RequestConnect: %v", err)
	}
	failed := waitState(t, p.status, StateFailed)
	if failed.Reason != "connect timed out" {
		t.Fatalf("reason = %q, want connect timed out", failed.Reason)
	}
	waitState(t, p.status, StateIdle)
}
