package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const (
	maxPacketSize   = 1400
	receivePollStep = 250 * time.Millisecond
)

// UDPRadio is a Radio over link-local UDP broadcast. All devices bind the
// same well-known port and send to the limited broadcast address, so only
// devices on the local segment hear each other.
type UDPRadio struct {
	conn *net.UDPConn
	dest *net.UDPAddr
}

var _ Radio = (*UDPRadio)(nil)

// NewUDPRadio binds the discovery port on all interfaces.
func NewUDPRadio(port int) (*UDPRadio, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", port, err)
	}
	return &UDPRadio{
		conn: conn,
		dest: &net.UDPAddr{IP: net.IPv4bcast, Port: port},
	}, nil
}

func (r *UDPRadio) Send(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := r.conn.WriteToUDP(packet, r.dest); err != nil {
		return fmt.Errorf("broadcast: %w", err)
	}
	return nil
}

// Receive polls with short read deadlines so context cancellation is observed
// within one poll step even while no packets arrive.
func (r *UDPRadio) Receive(ctx context.Context) ([]byte, net.Addr, error) {
	buf := make([]byte, maxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		r.conn.SetReadDeadline(time.Now().Add(receivePollStep))
		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return nil, nil, err
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		return packet, src, nil
	}
}

func (r *UDPRadio) Close() error {
	return r.conn.Close()
}

// LocalIPv4 returns the first non-loopback IPv4 address, falling back to
// loopback when the host has none.
func LocalIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err == nil {
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP == nil || ipnet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
