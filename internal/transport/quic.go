package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// QUICNetwork is the production Network: one QUIC connection per link, with
// a single bidirectional stream as the duplex byte pipe.
type QUICNetwork struct {
	port   int
	logger *slog.Logger
}

var _ Network = (*QUICNetwork)(nil)

// NewQUICNetwork creates a network whose acceptors bind the given UDP port.
func NewQUICNetwork(port int, logger *slog.Logger) *QUICNetwork {
	return &QUICNetwork{port: port, logger: logger}
}

func quicConfig() *quic.Config {
	// Short idle timeout: a dead peer should be detected within a few
	// seconds, not half a minute of silent audio.
	return &quic.Config{
		KeepAlivePeriod: 2 * time.Second,
		MaxIdleTimeout:  10 * time.Second,
	}
}

// Listen opens a one-shot QUIC acceptor on the network's port.
func (n *QUICNetwork) Listen() (Acceptor, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("acceptor tls: %w", err)
	}
	listener, err := quic.ListenAddr(fmt.Sprintf(":%d", n.port), tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("listen :%d: %w", n.port, err)
	}
	n.logger.Debug("acceptor listening", "addr", listener.Addr())
	return &quicAcceptor{listener: listener, logger: n.logger}, nil
}

// Dial connects to a hosting peer and opens the link's single bidirectional
// stream. The stream only becomes visible to the host's accept once bytes
// flow; the connection manager sends its hello immediately after Dial
// returns, which satisfies that.
func (n *QUICNetwork) Dial(ctx context.Context, addr string) (Conn, error) {
	conn, err := quic.DialAddr(ctx, addr, clientTLSConfig(), quicConfig())
	if err != nil {
		// Only an actual CONNECTION_REFUSED becomes ErrConnectionRefused.
		// Timeouts (context deadline, handshake timeout) pass through so
		// callers can tell an absent peer from a refusing one.
		var terr *quic.TransportError
		if errors.As(err, &terr) && terr.ErrorCode == quic.ConnectionRefused {
			return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionRefused, addr, err)
		}
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream to %s: %w", addr, err)
	}
	n.logger.Debug("dialed peer", "addr", addr)
	return &quicConn{conn: conn, stream: stream}, nil
}

type quicAcceptor struct {
	listener *quic.Listener
	logger   *slog.Logger

	mu    sync.Mutex
	spent bool
}

func (a *quicAcceptor) Accept(ctx context.Context) (Conn, error) {
	a.mu.Lock()
	if a.spent {
		a.mu.Unlock()
		return nil, ErrAcceptorSpent
	}
	a.mu.Unlock()

	conn, err := a.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept: %w", err)
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "")
		return nil, fmt.Errorf("accept stream: %w", err)
	}

	a.mu.Lock()
	a.spent = true
	a.mu.Unlock()

	a.logger.Debug("inbound connection accepted", "remote", conn.RemoteAddr())
	return &quicConn{conn: conn, stream: stream}, nil
}

func (a *quicAcceptor) Addr() net.Addr {
	return a.listener.Addr()
}

func (a *quicAcceptor) Close() error {
	return a.listener.Close()
}

type quicConn struct {
	conn   quic.Connection
	stream quic.Stream

	closeOnce sync.Once
	closeErr  error
}

var _ Conn = (*quicConn)(nil)

func (c *quicConn) Read(p []byte) (int, error) {
	return c.stream.Read(p)
}

func (c *quicConn) Write(p []byte) (int, error) {
	return c.stream.Write(p)
}

func (c *quicConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close tears the whole connection down; pending reads and writes on both
// sides return promptly with errors.
func (c *quicConn) Close() error {
	c.closeOnce.Do(func() {
		c.stream.CancelRead(0)
		_ = c.stream.Close()
		c.closeErr = c.conn.CloseWithError(0, "closed")
	})
	return c.closeErr
}
