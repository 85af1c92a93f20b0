// Package transport abstracts the duplex byte stream a link runs over. The
// production implementation is a single bidirectional QUIC stream; tests use
// an in-memory network. No application framing is added on top: whatever
// chunk a Read returns is what the pipeline forwards.
package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

// ServiceID is the well-known service identifier (QUIC ALPN tag) the host
// registers its acceptor under and the client uses to locate the service.
const ServiceID = "nearwave-link-v1"

// ErrConnectionRefused indicates no acceptor was reachable at the dialed
// address.
var ErrConnectionRefused = errors.New("transport: connection refused")

// ErrAcceptorSpent indicates the one-shot acceptor has already produced its
// connection and must be re-created to accept another.
var ErrAcceptorSpent = errors.New("transport: acceptor already used")

// Conn is an established duplex byte stream to one peer. Reads and writes
// block; closing the Conn unblocks both sides promptly with errors. The
// connection manager is the single owner for Close; the streaming pipeline
// only borrows Read/Write.
type Conn interface {
	io.Reader
	io.Writer
	RemoteAddr() net.Addr
	Close() error
}

// Acceptor waits for a single inbound connection. It is one-shot: after the
// first successful Accept it returns ErrAcceptorSpent, and hosting again
// requires a fresh acceptor.
type Acceptor interface {
	Accept(ctx context.Context) (Conn, error)
	Addr() net.Addr
	Close() error
}

// Network creates acceptors and outbound connections. It is the seam between
// the connection manager and the concrete transport.
type Network interface {
	// Listen opens a fresh one-shot acceptor.
	Listen() (Acceptor, error)

	// Dial connects to a peer's acceptor at addr. It blocks until the
	// connection is established, the context is cancelled, or the attempt
	// fails.
	Dial(ctx context.Context, addr string) (Conn, error)
}
