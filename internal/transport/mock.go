package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
)

// MemoryBus is an in-memory substitute for the network shared by a set of
// test devices. Each device joins the bus under its own address and gets a
// Network implementation wired to the others.
type MemoryBus struct {
	mu        sync.Mutex
	acceptors map[string]*memoryAcceptor
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{acceptors: make(map[string]*memoryAcceptor)}
}

// Device returns the Network handle for a device reachable at addr.
func (b *MemoryBus) Device(addr string) *MemoryNetwork {
	return &MemoryNetwork{bus: b, addr: addr}
}

// MemoryNetwork is one device's view of the bus.
type MemoryNetwork struct {
	bus  *MemoryBus
	addr string
}

var _ Network = (*MemoryNetwork)(nil)

// Listen registers a fresh one-shot acceptor under the device's address,
// replacing any previous one.
func (n *MemoryNetwork) Listen() (Acceptor, error) {
	a := &memoryAcceptor{
		bus:    n.bus,
		addr:   n.addr,
		inbox:  make(chan Conn, 1),
		closed: make(chan struct{}),
	}
	n.bus.mu.Lock()
	n.bus.acceptors[n.addr] = a
	n.bus.mu.Unlock()
	return a, nil
}

// Dial connects to the acceptor registered under addr, failing with
// ErrConnectionRefused when none is listening.
func (n *MemoryNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	n.bus.mu.Lock()
	a := n.bus.acceptors[addr]
	n.bus.mu.Unlock()

	if a == nil {
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, addr)
	}

	local, remote := net.Pipe()
	dialerConn := &memoryConn{Conn: local, remote: memAddr(addr)}
	acceptedConn := &memoryConn{Conn: remote, remote: memAddr(n.addr)}

	select {
	case a.inbox <- acceptedConn:
		return dialerConn, nil
	case <-a.closed:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("%w: %s", ErrConnectionRefused, addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

type memoryAcceptor struct {
	bus   *MemoryBus
	addr  string
	inbox chan Conn

	mu        sync.Mutex
	spent     bool
	closed    chan struct{}
	closeOnce sync.Once
}

func (a *memoryAcceptor) Accept(ctx context.Context) (Conn, error) {
	a.mu.Lock()
	if a.spent {
		a.mu.Unlock()
		return nil, ErrAcceptorSpent
	}
	a.mu.Unlock()

	select {
	case conn := <-a.inbox:
		a.mu.Lock()
		a.spent = true
		a.mu.Unlock()
		return conn, nil
	case <-a.closed:
		return nil, io.ErrClosedPipe
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *memoryAcceptor) Addr() net.Addr {
	return memAddr(a.addr)
}

func (a *memoryAcceptor) Close() error {
	a.closeOnce.Do(func() {
		close(a.closed)
		a.bus.mu.Lock()
		if a.bus.acceptors[a.addr] == a {
			delete(a.bus.acceptors, a.addr)
		}
		a.bus.mu.Unlock()
	})
	return nil
}

// memoryConn is a net.Pipe end with a fixed remote address.
type memoryConn struct {
	net.Conn
	remote memAddr
}

func (c *memoryConn) RemoteAddr() net.Addr { return c.remote }

type memAddr string

func (a memAddr) Network() string { return "memory" }
func (a memAddr) String() string  { return string(a) }
