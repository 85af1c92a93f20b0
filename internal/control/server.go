// Package control exposes the connection manager over a local WebSocket
// endpoint: observers receive every status transition and candidate-list
// update as JSON envelopes, and may send role commands back.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/link"
	"github.com/nearwave/nearwave/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// The endpoint binds to loopback; origin checks add nothing.
		return true
	},
}

const (
	writeTimeout = 10 * time.Second
	sendBuffer   = 256
)

// Server serves the observer endpoint for one Manager.
type Server struct {
	manager *link.Manager
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	httpSrv *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan protocol.Envelope
	done chan struct{}
	once sync.Once
}

// NewServer wires a server to the manager's status and candidate feeds.
func NewServer(manager *link.Manager, logger *slog.Logger) *Server {
	s := &Server{
		manager: manager,
		logger:  logger,
		clients: make(map[*client]struct{}),
	}
	manager.Subscribe(func(st link.Status) {
		s.broadcast(protocol.TypeState, stateUpdate(st))
	})
	manager.SubscribeCandidates(func(cs []discovery.Candidate) {
		s.broadcast(protocol.TypeCandidates, candidateList(cs))
	})
	return s
}

// Handler returns the HTTP handler serving the observer endpoint at /ws.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// Start listens on addr and serves until Close.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.Handler()}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	s.logger.Info("control endpoint listening", "addr", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("control server stopped", "error", err)
		}
	}()
	return nil
}

// Close shuts down the listener and disconnects every observer.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		send: make(chan protocol.Envelope, sendBuffer),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	// A fresh observer immediately learns where things stand.
	c.enqueue(mustEnvelope(protocol.TypeState, stateUpdate(s.manager.Status())))
	if cs := s.manager.Candidates(); len(cs) > 0 {
		c.enqueue(mustEnvelope(protocol.TypeCandidates, candidateList(cs)))
	}

	go c.writeLoop()
	s.readLoop(c)

	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
	c.close()
}

// readLoop consumes command envelopes from one observer until it hangs up.
func (s *Server) readLoop(c *client) {
	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("observer read error", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env protocol.Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.enqueue(errorEnvelope("bad_envelope", "invalid JSON envelope"))
			continue
		}
		if err := env.ValidateBasic(); err != nil {
			c.enqueue(errorEnvelope("bad_envelope", err.Error()))
			continue
		}
		if env.Type != protocol.TypeCommand {
			c.enqueue(errorEnvelope("bad_type", "expected a command envelope"))
			continue
		}

		var cmd protocol.Command
		if err := env.DecodePayload(&cmd); err != nil {
			c.enqueue(errorEnvelope("bad_command", err.Error()))
			continue
		}
		if err := s.dispatch(cmd); err != nil {
			c.enqueue(errorEnvelope(codeFor(err), err.Error()))
		}
	}
}

// dispatch applies one observer command to the manager.
func (s *Server) dispatch(cmd protocol.Command) error {
	switch cmd.Action {
	case protocol.ActionHost:
		return s.manager.RequestHost(context.Background())
	case protocol.ActionScan:
		return s.manager.RequestScan(context.Background())
	case protocol.ActionConnect:
		if cmd.Addr == "" {
			return errors.New("connect requires an address")
		}
		return s.manager.RequestConnect(cmd.Addr)
	case protocol.ActionDisconnect:
		return s.manager.Disconnect()
	case protocol.ActionTransmit:
		return s.manager.SetTransmit(cmd.On)
	default:
		return errors.New("unknown action " + cmd.Action)
	}
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, link.ErrBusy):
		return "busy"
	case errors.Is(err, link.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, discovery.ErrRadioDisabled):
		return "radio_disabled"
	case errors.Is(err, discovery.ErrPermissionDenied):
		return "permission_denied"
	default:
		return "failed"
	}
}

// broadcast fans one payload out to every connected observer.
func (s *Server) broadcast(msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	if err != nil {
		s.logger.Error("encoding broadcast failed", "type", msgType, "error", err)
		return
	}

	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.enqueue(env)
	}
}

// enqueue hands an envelope to the client's writer; a slow observer loses
// messages rather than stalling the manager.
func (c *client) enqueue(env protocol.Envelope) {
	select {
	case c.send <- env:
	case <-c.done:
	default:
	}
}

// writeLoop serializes all writes on one connection.
func (c *client) writeLoop() {
	for {
		select {
		case env := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(env); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func stateUpdate(st link.Status) protocol.StateUpdate {
	return protocol.StateUpdate{
		State:        st.State.String(),
		Status:       st.Text(),
		PeerAddr:     st.Peer.Addr,
		PeerName:     st.Peer.Name,
		Announcing:   st.Announcing,
		Transmitting: st.Transmitting,
	}
}

func candidateList(cs []discovery.Candidate) protocol.CandidateList {
	list := protocol.CandidateList{Candidates: make([]protocol.CandidateInfo, 0, len(cs))}
	for _, c := range cs {
		list.Candidates = append(list.Candidates, protocol.CandidateInfo{
			Addr: c.Addr,
			Name: c.Name,
		})
	}
	return list
}

func errorEnvelope(code, msg string) protocol.Envelope {
	env, _ := protocol.NewEnvelope(protocol.TypeError, protocol.NewMsgID(), protocol.Error{
		Code:    code,
		Message: msg,
	})
	return env
}

func mustEnvelope(msgType string, payload any) protocol.Envelope {
	env, _ := protocol.NewEnvelope(msgType, protocol.NewMsgID(), payload)
	return env
}
