package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearwave/nearwave/pkg/protocol"
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// Client is an observer connection to a running instance's control
// endpoint.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan protocol.Envelope
	done    chan struct{}
	closeMu sync.Once
}

// Dial connects to the control endpoint at wsURL (ws://host:port/ws).
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	conn, resp, err := dialer.DialContext(ctx, wsURL, http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}

	c := &Client{
		conn:   conn,
		logger: logger,
		send:   make(chan protocol.Envelope, 64),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop delivers every envelope from the endpoint to onEnv until the
// connection closes or ctx is cancelled.
func (c *Client) ReadLoop(ctx context.Context, onEnv func(env protocol.Envelope)) error {
	go func() {
		<-ctx.Done()
		// Closing the connection unblocks ReadMessage immediately.
		c.Close()
	}()

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("invalid envelope from control endpoint", "error", err)
			continue
		}
		onEnv(env)
	}
}

// Command sends one observer command.
func (c *Client) Command(cmd protocol.Command) error {
	env, err := protocol.NewEnvelope(protocol.TypeCommand, protocol.NewMsgID(), cmd)
	if err != nil {
		return err
	}
	select {
	case c.send <- env:
		return nil
	case <-c.done:
		return fmt.Errorf("control connection closed")
	}
}

// Close shuts the connection down.
func (c *Client) Close() {
	c.closeMu.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writeLoop serializes outgoing envelopes.
func (c *Client) writeLoop() {
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
