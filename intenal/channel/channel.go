package channel

import (
	"context"
	"driver-client/intenal/domain"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingPeriod     = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 5 * time.Second
	handshakeWait  = 5 * time.Second
	reconnectBase  = 1 * time.Second
	reconnectCap   = 30 * time.Second
	sendBufferSize = 16
)

var (
	ErrNotConnected = errors.New("channel is not connected")
	ErrAuthRejected = errors.New("channel auth rejected")
)

// Handler receives the raw data of one inbound event. Handlers are
// invoked sequentially from the single reader goroutine, so within one
// connection they never run concurrently with each other.
type Handler func(data json.RawMessage)

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

type authReply struct {
	Msg   string `json:"msg"`
	Error string `json:"error"`
}

// Channel owns the one persistent websocket connection of a session.
// Connection loss triggers reconnection with backoff; the auth+join
// handshake re-runs on every reconnect because the server has no other
// way to know a fresh socket belongs to an already-known driver.
type Channel struct {
	slogger *slog.Logger
	url     string
	session *domain.DriverSession
	dialer  *websocket.Dialer

	// optional: attached by the location reporter so join can carry
	// the last known position
	joinLocation func() *domain.Location

	mu       sync.Mutex
	handlers map[string]Handler
	conn     *websocket.Conn
	sendCh   chan domain.Envelope
	connDone chan struct{}

	closed    atomic.Bool
	connected atomic.Bool
}

func NewChannel(slogger *slog.Logger, url string, session *domain.DriverSession) *Channel {
	return &Channel{
		slogger:  slogger,
		url:      url,
		session:  session,
		dialer:   websocket.DefaultDialer,
		handlers: make(map[string]Handler),
		sendCh:   make(chan domain.Envelope, sendBufferSize),
	}
}

// SetJoinLocation registers the last-known-location source consulted
// when building the join handshake. Must be called before Run.
func (c *Channel) SetJoinLocation(fn func() *domain.Location) {
	c.joinLocation = fn
}

func (c *Channel) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = h
}

func (c *Channel) Off(eventType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, eventType)
}

func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Emit queues an outbound event. It fails fast when the connection is
// down: no event is synthesized or buffered across an outage.
func (c *Channel) Emit(eventType string, payload any) error {
	if !c.connected.Load() {
		return ErrNotConnected
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("cannot marshal %s event: %w", eventType, err)
	}
	env := domain.Envelope{Type: eventType, Data: data}
	select {
	case c.sendCh <- env:
		return nil
	default:
		return fmt.Errorf("send queue full for %s event", eventType)
	}
}

// Run keeps the connection alive until ctx is canceled or Close is
// called, returning nil in both cases. Each attempt dials, performs the
// handshake and then blocks in the read loop; the backoff resets after
// a successful handshake. A rejected auth is fatal: reconnecting cannot
// fix a dead session, so Run returns ErrAuthRejected and the caller
// must force re-authentication.
func (c *Channel) Run(ctx context.Context) error {
	backoff := reconnectBase
	for {
		if c.closed.Load() || ctx.Err() != nil {
			return nil
		}
		wasUp, err := c.runOnce(ctx)
		if c.closed.Load() || ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrAuthRejected) {
			c.slogger.Error("channel auth rejected", "action", "connect ws", "error", err)
			return err
		}
		if err != nil {
			c.slogger.Warn("channel disconnected", "action", "connect ws", "error", err)
		}
		if wasUp {
			backoff = reconnectBase
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > reconnectCap {
			backoff = reconnectCap
		}
	}
}

func (c *Channel) runOnce(ctx context.Context) (bool, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return false, err
	}
	defer c.teardown(conn)

	done := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.connDone = done
	c.mu.Unlock()

	// anything still queued belongs to a previous connection epoch; the
	// server resolved those exchanges long ago
	c.drainSend()
	c.connected.Store(true)

	go c.writer(conn, done)
	go c.pingPong(ctx, conn, done)

	return true, c.reader(conn)
}

// connect dials and performs the handshake: first the auth frame the
// server demands before anything else, then the join event announcing
// driver identity and vehicle type.
func (c *Channel) connect(ctx context.Context) (*websocket.Conn, error) {
	// implicit guarantee: any prior connection is torn down before a
	// new one is established
	c.dropConn()

	conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", c.url, err)
	}

	conn.SetWriteDeadline(time.Now().Add(handshakeWait))
	err = conn.WriteJSON(&authMessage{Type: "auth", Token: c.session.Token})
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeWait))
	reply := new(authReply)
	err = conn.ReadJSON(reply)
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}
	if reply.Error != "" {
		return nil, errors.Join(conn.Close(), fmt.Errorf("%w: %s", ErrAuthRejected, reply.Error))
	}

	join := &domain.JoinEvent{
		DriverID:      c.session.DriverID,
		VehicleTypeID: c.session.VehicleTypeID,
	}
	if c.joinLocation != nil {
		join.Location = c.joinLocation()
	}
	data, err := json.Marshal(join)
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}
	conn.SetWriteDeadline(time.Now().Add(handshakeWait))
	err = conn.WriteJSON(&domain.Envelope{Type: domain.EventJoin, Data: data})
	if err != nil {
		return nil, errors.Join(conn.Close(), err)
	}
	conn.SetWriteDeadline(time.Time{})

	c.slogger.Info("channel connected", "action", "connect ws", "driver_id", c.session.DriverID)
	return conn, nil
}

func (c *Channel) reader(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		env := new(domain.Envelope)
		err := conn.ReadJSON(env)
		if err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Channel) dispatch(env *domain.Envelope) {
	c.mu.Lock()
	h, ok := c.handlers[env.Type]
	c.mu.Unlock()
	if !ok {
		c.slogger.Debug("no handler for event", "action", "dispatch event", "event", env.Type)
		return
	}
	h(env.Data)
}

func (c *Channel) writer(conn *websocket.Conn, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case env := <-c.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteJSON(env)
			if err != nil {
				c.slogger.Error("cannot write to ws", "action", "emit event", "event", env.Type, "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) pingPong(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	conn.SetPongHandler(func(string) error {
		// every pong from the server refreshes the deadline
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (c *Channel) teardown(conn *websocket.Conn) {
	c.connected.Store(false)
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	if c.connDone != nil {
		close(c.connDone)
		c.connDone = nil
	}
	c.mu.Unlock()
	conn.Close()
	c.drainSend()
}

// drainSend empties the outbound queue. An envelope accepted just
// before a connection died must never ride out on the next connection:
// a decision delivered after the server timed the offer out is a ghost
// action.
func (c *Channel) drainSend() {
	for {
		select {
		case env := <-c.sendCh:
			c.slogger.Warn("dropping undelivered event", "action", "emit event", "event", env.Type)
		default:
			return
		}
	}
}

func (c *Channel) dropConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		c.teardown(conn)
	}
}

// Close tears the channel down for good; Run returns afterwards.
func (c *Channel) Close() error {
	c.closed.Store(true)
	c.connected.Store(false)
	c.dropConn()
	return nil
}
