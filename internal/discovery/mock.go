package discovery

import (
	"context"
	"io"
	"net"
	"sync"
)

// Bus is an in-memory broadcast medium for testing. Every radio joined to
// the bus hears every Send, including its own, matching real broadcast
// behavior on a shared segment.
type Bus struct {
	mu      sync.Mutex
	members []*FakeRadio
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Join adds a radio to the bus. addr is the source address Receive reports
// for packets sent by this radio.
func (b *Bus) Join(addr string) *FakeRadio {
	r := &FakeRadio{
		bus:    b,
		addr:   fakeAddr(addr),
		in:     make(chan busPacket, 64),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.members = append(b.members, r)
	b.mu.Unlock()
	return r
}

func (b *Bus) broadcast(from *FakeRadio, packet []byte) {
	b.mu.Lock()
	members := make([]*FakeRadio, len(b.members))
	copy(members, b.members)
	b.mu.Unlock()

	for _, m := range members {
		buf := make([]byte, len(packet))
		copy(buf, packet)
		select {
		case m.in <- busPacket{data: buf, src: from.addr}:
		case <-m.closed:
		default:
			// Receiver backlog full; drop like a real datagram.
		}
	}
}

type busPacket struct {
	data []byte
	src  net.Addr
}

// FakeRadio is a Radio attached to a Bus.
type FakeRadio struct {
	bus       *Bus
	addr      fakeAddr
	in        chan busPacket
	closed    chan struct{}
	closeOnce sync.Once

	// SendErr, when set, makes every Send fail. Used to simulate a dead
	// radio.
	SendErr error
}

var _ Radio = (*FakeRadio)(nil)

func (r *FakeRadio) Send(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.SendErr != nil {
		return r.SendErr
	}
	select {
	case <-r.closed:
		return io.ErrClosedPipe
	default:
	}
	r.bus.broadcast(r, packet)
	return nil
}

func (r *FakeRadio) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	select {
	case p := <-r.in:
		return p.data, p.src, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-r.closed:
		return nil, nil, io.ErrClosedPipe
	}
}

func (r *FakeRadio) Close() error {
	r.closeOnce.Do(func() { close(r.closed) })
	return nil
}

type fakeAddr string

func (a fakeAddr) Network() string { return "bus" }
func (a fakeAddr) String() string  { return string(a) }
