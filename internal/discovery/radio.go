package discovery

import (
	"context"
	"net"
)

// Radio abstracts the broadcast medium discovery runs over. It decouples the
// announcer and seeker from the concrete network so tests can run on an
// in-memory bus.
type Radio interface {
	// Send broadcasts one advertisement packet to every listener in range.
	Send(ctx context.Context, packet []byte) error

	// Receive blocks until an advertisement arrives, the context is
	// cancelled, or the radio is closed. It returns the packet and the
	// sender's address.
	Receive(ctx context.Context) (packet []byte, src net.Addr, err error)

	// Close releases the radio; pending Receive calls return promptly with
	// an error.
	Close() error
}
