package control

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nearwave/nearwave/internal/discovery"
	"github.com/nearwave/nearwave/internal/link"
	"github.com/nearwave/nearwave/internal/transport"
	"github.com/nearwave/nearwave/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type idleSession struct{}

func (idleSession) Start() error { return nil }

func (idleSession) SetTransmit(bool) {}

func (idleSession) Transmitting() bool { return false }

func (idleSession) Stop() {}

func (idleSession) Wait() {}

type harness struct {
	manager *link.Manager
	host    *link.Manager
	ws      *websocket.Conn
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	links := transport.NewMemoryBus()
	radios := discovery.NewBus()
	sessions := func(io.ReadWriter, func(error)) link.Session { return idleSession{} }

	mkManager := func(addr, name string) *link.Manager {
		return link.NewManager(link.Config{
			Local:    discovery.PeerID{Addr: addr, Name: name},
			Radio:    radios.Join(addr),
			Network:  links.Device(addr),
			Sessions: sessions,
			Logger:   testLogger(),
		})
	}
	manager := mkManager("10.0.0.2:48112", "bravo")
	host := mkManager("10.0.0.1:48112", "alpha")
	t.Cleanup(func() { manager.Disconnect(); host.Disconnect() })

	srv := httptest.NewServer(NewServer(manager, testLogger()).Handler())
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })

	return &harness{manager: manager, host: host, ws: ws}
}

func (h *harness) send(t *testing.T, cmd protocol.Command) {
	t.Helper()
	env, err := protocol.NewEnvelope(protocol.TypeCommand, protocol.NewMsgID(), cmd)
	if err != nil {
		t.Fatalf("build command: %v", err)
	}
	if err := h.ws.WriteJSON(env); err != nil {
		t.Fatalf("send command: %v", err)
	}
}

// next reads envelopes until one of the wanted type arrives.
func (h *harness) next(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	h.ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, msg, err := h.ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s envelope: %v", msgType, err)
		}
		var env protocol.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			t.Fatalf("bad envelope: %v", err)
		}
		if env.Type == msgType {
			return env
		}
	}
}

func (h *harness) nextState(t *testing.T, state string) protocol.StateUpdate {
	t.Helper()
	for {
		env := h.next(t, protocol.TypeState)
		var upd protocol.StateUpdate
		if err := env.DecodePayload(&upd); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if upd.State == state {
			return upd
		}
	}
}

func TestObserverGetsInitialSnapshot(t *testing.T) {
	h := newHarness(t)
	upd := h.nextState(t, "idle")
	if upd.Status != "idle" {
		t.Fatalf("status = %q", upd.Status)
	}
}

func TestScanCommandSurfacesCandidates(t *testing.T) {
	h := newHarness(t)
	h.nextState(t, "idle")

	if err := h.host.RequestHost(context.Background()); err != nil {
		t.Fatalf("host: %v", err)
	}

	h.send(t, protocol.Command{Action: protocol.ActionScan})
	h.nextState(t, "scanning")

	env := h.next(t, protocol.TypeCandidates)
	var list protocol.CandidateList
	if err := env.DecodePayload(&list); err != nil {
		t.Fatalf("decode candidates: %v", err)
	}
	if len(list.Candidates) != 1 || list.Candidates[0].Name != "alpha" {
		t.Fatalf("candidates = %+v", list.Candidates)
	}

	h.send(t, protocol.Command{Action: protocol.ActionDisconnect})
	h.nextState(t, "idle")
}

func TestBusyCommandReportsError(t *testing.T) {
	h := newHarness(t)
	h.nextState(t, "idle")

	h.send(t, protocol.Command{Action: protocol.ActionScan})
	h.nextState(t, "scanning")

	h.send(t, protocol.Command{Action: protocol.ActionHost})
	env := h.next(t, protocol.TypeError)
	var perr protocol.Error
	if err := env.DecodePayload(&perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if perr.Code != "busy" {
		t.Fatalf("code = %q, want busy", perr.Code)
	}
}

func TestTransmitWithoutLinkReportsNotConnected(t *testing.T) {
	h := newHarness(t)
	h.nextState(t, "idle")

	h.send(t, protocol.Command{Action: protocol.ActionTransmit, On: true})
	env := h.next(t, protocol.TypeError)
	var perr protocol.Error
	if err := env.DecodePayload(&perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if perr.Code != "not_connected" {
		t.Fatalf("code = %q, want not_connected", perr.Code)
	}
}

func TestMalformedCommandReportsError(t *testing.T) {
	h := newHarness(t)
	h.nextState(t, "idle")

	if err := h.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := h.next(t, protocol.TypeError)
	var perr protocol.Error
	if err := env.DecodePayload(&perr); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if perr.Code != "bad_envelope" {
		t.Fatalf("code = %q, want bad_envelope", perr.Code)
	}
}
