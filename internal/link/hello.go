package link

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/transport"
	"github.com/nearwave/nearwave/pkg/protocol"
)

const helloTimeout = 5 * time.Second

// boundStream is the byte stream handed to the session after the hello
// exchange. Reads go through the handshake's buffered reader so no bytes the
// peer sent right behind its hello are lost; writes go straight to the
// connection.
type boundStream struct {
	io.Reader
	io.Writer
}

// exchangeHello identifies both ends of a fresh connection: each side writes
// one newline-terminated hello envelope and reads the peer's. It also forces
// the first bytes onto the wire, which is what makes a lazily-opened stream
// visible to the accepting side at all.
//
// On timeout the connection is closed out from under the blocked read; the
// caller discards the connection either way on error.
func exchangeHello(conn transport.Conn, local discovery.PeerID) (discovery.PeerID, io.ReadWriter, error) {
	timer := time.AfterFunc(helloTimeout, func() { conn.Close() })
	defer timer.Stop()

	env, err := protocol.NewEnvelope(protocol.TypeHello, protocol.NewMsgID(), protocol.Hello{
		Addr: local.Addr,
		Name: local.Name,
	})
	if err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: build hello: %w", err)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: encode hello: %w", err)
	}
	data = append(data, '\n')

	// Write concurrently with the read: both sides send first, and an
	// unbuffered pipe would deadlock two writers waiting on each other.
	writeDone := make(chan error, 1)
	go func() {
		_, werr := conn.Write(data)
		writeDone <- werr
	}()

	br := bufio.NewReaderSize(conn, 4096)
	line, err := br.ReadString('\n')
	if err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: read hello: %w", err)
	}
	if err := <-writeDone; err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: send hello: %w", err)
	}

	var peerEnv protocol.Envelope
	if err := json.Unmarshal([]byte(strings.TrimRight(line, "\n")), &peerEnv); err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: decode hello: %w", err)
	}
	if err := peerEnv.ValidateBasic(); err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: invalid hello: %w", err)
	}
	if peerEnv.Type != protocol.TypeHello {
		return discovery.PeerID{}, nil, fmt.Errorf("link: unexpected first message %q", peerEnv.Type)
	}
	var hello protocol.Hello
	if err := peerEnv.DecodePayload(&hello); err != nil {
		return discovery.PeerID{}, nil, fmt.Errorf("link: decode hello payload: %w", err)
	}

	peer := discovery.PeerID{Addr: hello.Addr, Name: hello.Name}
	return peer, &boundStream{Reader: br, Writer: conn}, nil
}
