package channel

import (
	"context"
	"driver-client/intenal/domain"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type serverFrame struct {
	Type  string          `json:"type"`
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data"`
}

// testServer mimics the backend side of the channel protocol: auth
// frame first, then the join event, then free-form envelopes.
type testServer struct {
	srv    *httptest.Server
	joins  chan domain.JoinEvent
	frames chan serverFrame
	conns  chan *websocket.Conn
	reject bool
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	ts := &testServer{
		joins:  make(chan domain.JoinEvent, 4),
		frames: make(chan serverFrame, 16),
		conns:  make(chan *websocket.Conn, 4),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		auth := new(serverFrame)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(auth); err != nil {
			conn.Close()
			return
		}
		if ts.reject || auth.Type != "auth" || auth.Token != token {
			conn.WriteJSON(map[string]string{"error": "invalid token"})
			conn.Close()
			return
		}
		conn.WriteJSON(map[string]string{"msg": "please wait"})

		join := new(serverFrame)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if err := conn.ReadJSON(join); err != nil {
			conn.Close()
			return
		}
		ev := domain.JoinEvent{}
		json.Unmarshal(join.Data, &ev)
		ts.joins <- ev
		ts.conns <- conn

		conn.SetReadDeadline(time.Time{})
		for {
			frame := new(serverFrame)
			if err := conn.ReadJSON(frame); err != nil {
				conn.Close()
				return
			}
			ts.frames <- *frame
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func testSession() *domain.DriverSession {
	return &domain.DriverSession{
		DriverID:      "a4f7c8e2-9b31-4d10-8f22-6f0f4a3b9c01",
		Token:         "test-token",
		VehicleTypeID: "sedan",
	}
}

func TestHandshakeAnnouncesDriverIdentity(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case join := <-ts.joins:
		if join.DriverID != testSession().DriverID || join.VehicleTypeID != "sedan" {
			t.Fatalf("join = %+v", join)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no join handshake received")
	}
	deadline := time.Now().Add(time.Second)
	for !ch.Connected() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !ch.Connected() {
		t.Fatal("channel must report connected after handshake")
	}
}

func TestInboundEventsAreDispatchedByType(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	offers := make(chan domain.RideOfferEvent, 1)
	ch.On(domain.EventRideOffer, func(data json.RawMessage) {
		ev := domain.RideOfferEvent{}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Errorf("unmarshal offer: %v", err)
			return
		}
		offers <- ev
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-ts.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}

	payload, _ := json.Marshal(domain.RideOfferEvent{RideID: "42", Timestamp: time.Now()})
	err := conn.WriteJSON(domain.Envelope{Type: domain.EventRideOffer, Data: payload})
	if err != nil {
		t.Fatalf("server write: %v", err)
	}

	select {
	case ev := <-offers:
		if ev.RideID != "42" {
			t.Fatalf("offer = %+v", ev)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("offer event not dispatched")
	}
}

func TestEmitSendsEnvelope(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-ts.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}

	err := ch.Emit(domain.EventAcceptRide, &domain.RideDecisionEvent{RideID: "42", DriverID: testSession().DriverID})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case frame := <-ts.frames:
		if frame.Type != domain.EventAcceptRide {
			t.Fatalf("frame type = %s", frame.Type)
		}
		decision := domain.RideDecisionEvent{}
		json.Unmarshal(frame.Data, &decision)
		if decision.RideID != "42" {
			t.Fatalf("decision = %+v", decision)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("emitted frame never reached the server")
	}
}

func TestEmitFailsWhileDisconnected(t *testing.T) {
	ch := NewChannel(slog.Default(), "ws://127.0.0.1:1/ws", testSession())
	err := ch.Emit(domain.EventAcceptRide, &domain.RideDecisionEvent{RideID: "42"})
	if err == nil {
		t.Fatal("emit must fail fast while disconnected")
	}
}

func TestReconnectRepeatsHandshake(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	var conn *websocket.Conn
	select {
	case conn = <-ts.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}
	<-ts.joins

	// server drops the socket; the client must come back and re-join,
	// since the server cannot otherwise tie the new socket to a driver
	conn.Close()

	select {
	case join := <-ts.joins:
		if join.DriverID != testSession().DriverID {
			t.Fatalf("rejoin = %+v", join)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no handshake after reconnect")
	}
}

func TestAuthRejectionStopsReconnecting(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ts.reject = true
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ran := make(chan error, 1)
	go func() { ran <- ch.Run(ctx) }()

	select {
	case err := <-ran:
		if !errors.Is(err, ErrAuthRejected) {
			t.Fatalf("err = %v, want ErrAuthRejected so the caller can force re-login", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run must return on auth rejection instead of retrying")
	}
	if ch.Connected() {
		t.Fatal("channel must not report connected after auth rejection")
	}
}

func TestQueuedEventFromDeadConnectionIsNotReplayed(t *testing.T) {
	ts := newTestServer(t, "test-token")
	ch := NewChannel(slog.Default(), ts.wsURL(), testSession())
	t.Cleanup(func() { ch.Close() })

	// an envelope accepted just before the previous connection died and
	// never drained by its writer
	stale, _ := json.Marshal(domain.RideDecisionEvent{RideID: "stale", DriverID: testSession().DriverID})
	ch.sendCh <- domain.Envelope{Type: domain.EventAcceptRide, Data: stale}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ch.Run(ctx)

	select {
	case <-ts.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("client never connected")
	}

	err := ch.Emit(domain.EventUpdateLocation, &domain.LocationEvent{DriverID: testSession().DriverID})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	select {
	case frame := <-ts.frames:
		if frame.Type != domain.EventUpdateLocation {
			t.Fatalf("first frame = %s, stale decision must not reach the server", frame.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("fresh frame never reached the server")
	}
}
