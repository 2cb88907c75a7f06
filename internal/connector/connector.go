// Package connector is the client side of the relay: it keeps one socket
// open to the relay on behalf of a bridge (or mobile) process, persists
// the session token after pairing, and reconnects after unexpected
// disconnects.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/metrics"
	"github.com/philsphicas/pairlink/internal/protocol"
)

const (
	defaultReconnectDelay = 3 * time.Second
	defaultDialTimeout    = 30 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
	maxMessageSize        = 32 << 20
)

var (
	// ErrNotConnected is returned by Send while no socket is open.
	ErrNotConnected = errors.New("connector: not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connector: closed")
)

// Config holds connector configuration.
type Config struct {
	// URL is the relay base address; see ParseRelayURL.
	URL string

	// Role defaults to bridge.
	Role protocol.Role

	// Code is the pairing code a mobile connector redeems on its first
	// connection. Ignored for bridges and once a session is saved.
	Code string

	// StatePath is where the session is persisted. Empty keeps it in
	// memory only.
	StatePath string

	ReconnectDelay time.Duration
	DialTimeout    time.Duration

	// PingInterval is how often the relay is pinged. Negative disables.
	PingInterval time.Duration
	PingTimeout  time.Duration

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// Callbacks. All optional; they run on the connector's read
	// goroutine and must not block for long.
	OnPairingCode func(code, sessionID string)
	OnPaired      func(sessionID, token string)
	OnPeer        func(role protocol.Role, connected bool)
	OnReconnected func(role protocol.Role)
	OnError       func(message string)
	OnMessage     func(typ websocket.MessageType, data []byte)
	OnStatus      func(connected bool)
}

type outbound struct {
	typ  websocket.MessageType
	data []byte
}

// Connector maintains a single relay connection.
type Connector struct {
	cfg  Config
	base *url.URL

	// ctx bounds reconnects; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	ws        *websocket.Conn
	state     State
	queue     []outbound
	flushing  bool
	closed    bool
	dialing   bool
	reconnect clockwork.Timer
}

// New validates cfg and loads any saved session from cfg.StatePath.
func New(cfg Config) (*Connector, error) {
	if cfg.Role == "" {
		cfg.Role = protocol.RoleBridge
	}
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base, err := ParseRelayURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	c := &Connector{cfg: cfg, base: base}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if cfg.StatePath != "" {
		st, ok, err := LoadState(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		if ok {
			c.state = st
			cfg.Logger.Info("loaded saved session", "session", shortID(st.SessionID))
		}
	}
	if cfg.Role == protocol.RoleMobile && cfg.Code == "" && !c.state.valid() {
		return nil, errors.New("mobile connector needs a pairing code or saved session")
	}
	return c, nil
}

// State returns the current session, if any.
func (c *Connector) State() (State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.state.valid()
}

// Connected reports whether a socket is open.
func (c *Connector) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// Forget drops the saved session so the next connection starts fresh.
// The state file, if any, is removed.
func (c *Connector) Forget() error {
	c.mu.Lock()
	c.state = State{}
	c.mu.Unlock()
	if c.cfg.StatePath == "" {
		return nil
	}
	return RemoveState(c.cfg.StatePath)
}

// Connect opens the relay socket: resume if a session is saved, fresh
// otherwise. On failure a reconnect is scheduled and the dial error is
// returned. Connect is a no-op while a socket is already open.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ws != nil || c.dialing {
		c.mu.Unlock()
		return nil
	}
	c.dialing = true
	st := c.state
	c.mu.Unlock()

	ws, err := c.dial(ctx, st)

	c.mu.Lock()
	c.dialing = false
	if err != nil {
		c.scheduleLocked()
		c.mu.Unlock()
		return err
	}
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close(websocket.StatusNormalClosure, "connector closed")
		return ErrClosed
	}
	c.ws = ws
	c.flushing = len(c.queue) > 0
	c.mu.Unlock()

	c.cfg.Logger.Info("connected to relay", "role", c.cfg.Role, "resume", st.valid())
	c.cfg.Metrics.SetConnectorConnected(true)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(true)
	}

	go c.readLoop(ws)
	c.flush(ws)
	return nil
}

func (c *Connector) dial(ctx context.Context, st State) (*websocket.Conn, error) {
	addr, err := endpointURL(c.base, c.cfg.Role, st, c.cfg.Code)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	start := c.cfg.Clock.Now()
	ws, resp, err := websocket.Dial(dialCtx, addr, nil)
	c.cfg.Metrics.ObserveDial(c.cfg.Clock.Now().Sub(start).Seconds())
	if err != nil {
		reason := metrics.DialReason(err, metrics.ReasonDialFailed)
		c.cfg.Metrics.Rejected(string(c.cfg.Role), reason)
		if resp != nil {
			return nil, fmt.Errorf("dial relay: status %d: %w", resp.StatusCode, sanitizeErr(err))
		}
		return nil, fmt.Errorf("dial relay: %w", sanitizeErr(err))
	}
	ws.SetReadLimit(maxMessageSize)
	return ws, nil
}

// flush writes payloads queued while disconnected, oldest first.
// Enqueue keeps appending to the queue until it drains, so ordering
// holds. A payload whose write fails stays at the head of the queue.
func (c *Connector) flush(ws *websocket.Conn) {
	for {
		c.mu.Lock()
		if len(c.queue) == 0 || c.ws != ws {
			c.flushing = false
			c.mu.Unlock()
			return
		}
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()

		if err := c.write(c.ctx, ws, m.typ, m.data); err != nil {
			c.cfg.Logger.Debug("flush interrupted", "error", err)
			c.mu.Lock()
			c.queue = append([]outbound{m}, c.queue...)
			c.flushing = false
			c.mu.Unlock()
			return
		}
	}
}

// Send writes a payload to the peer through the relay. It returns
// ErrNotConnected if no socket is open; nothing is queued.
func (c *Connector) Send(ctx context.Context, typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	ws, closed := c.ws, c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if ws == nil {
		return ErrNotConnected
	}
	return c.write(ctx, ws, typ, data)
}

// Enqueue sends a payload now if connected, otherwise holds it until the
// next successful connection.
func (c *Connector) Enqueue(typ websocket.MessageType, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	ws := c.ws
	if ws == nil || c.flushing {
		c.queue = append(c.queue, outbound{typ: typ, data: data})
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.write(c.ctx, ws, typ, data)
}

func (c *Connector) write(ctx context.Context, ws *websocket.Conn, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()
	if err := ws.Write(ctx, typ, data); err != nil {
		return fmt.Errorf("write relay: %w", err)
	}
	return nil
}

// Close closes the socket and cancels any pending reconnect. The
// connector cannot be reused.
func (c *Connector) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		if err := ws.Close(websocket.StatusNormalClosure, "connector closed"); err != nil {
			c.cfg.Logger.Debug("close relay socket", "error", err)
		}
		c.cfg.Metrics.SetConnectorConnected(false)
		// The read loop sees c.ws already cleared and stays quiet.
		if c.cfg.OnStatus != nil {
			c.cfg.OnStatus(false)
		}
	}
	c.cancel()
	return nil
}

// Run connects and keeps the connection alive until ctx is cancelled,
// then closes the connector.
func (c *Connector) Run(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return err
		}
		c.cfg.Logger.Warn("relay connection failed, retrying", "error", err, "delay", c.cfg.ReconnectDelay)
	}
	select {
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
	_ = c.Close()
	return nil
}

func (c *Connector) readLoop(ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(ctx, ws, cancel)
	}

	var err error
	for {
		var typ websocket.MessageType
		var data []byte
		typ, data, err = ws.Read(ctx)
		if err != nil {
			break
		}
		c.dispatch(typ, data)
	}
	c.disconnected(ws, err)
}

func (c *Connector) pingLoop(ctx context.Context, ws *websocket.Conn, cancel context.CancelFunc) {
	ticker := c.cfg.Clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pingCtx, pingCancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
			err := ws.Ping(pingCtx)
			pingCancel()
			if err != nil {
				c.cfg.Logger.Warn("ping failed, forcing reconnect", "error", err)
				cancel()
				return
			}
		}
	}
}

func (c *Connector) dispatch(typ websocket.MessageType, data []byte) {
	if !protocol.IsControl(typ, data) {
		if c.cfg.OnMessage != nil {
			c.cfg.OnMessage(typ, data)
		}
		return
	}
	msg, _ := protocol.Parse(data)
	logger := c.cfg.Logger

	switch msg.Type {
	case protocol.TypeRegistered:
		logger.Info("registered with relay", "session", shortID(msg.SessionID))
		if c.cfg.OnPairingCode != nil {
			c.cfg.OnPairingCode(msg.Code, msg.SessionID)
		}
	case protocol.TypePaired:
		if msg.Role == c.cfg.Role {
			c.remember(State{SessionID: msg.SessionID, SessionToken: msg.SessionToken})
		}
		logger.Info("paired", "session", shortID(msg.SessionID))
		if c.cfg.OnPaired != nil {
			c.cfg.OnPaired(msg.SessionID, msg.SessionToken)
		}
	case protocol.TypeReconnected:
		logger.Debug("reconnected", "role", msg.Role)
		if c.cfg.OnReconnected != nil {
			c.cfg.OnReconnected(msg.Role)
		}
	case protocol.TypePeerConnected, protocol.TypePeerDisconnected:
		up := msg.Type == protocol.TypePeerConnected
		logger.Info("peer presence changed", "peer", msg.Peer, "connected", up)
		if c.cfg.OnPeer != nil {
			c.cfg.OnPeer(msg.Peer, up)
		}
	case protocol.TypeError:
		logger.Warn("relay reported error", "message", msg.Message)
		if c.cfg.OnError != nil {
			c.cfg.OnError(msg.Message)
		}
	}
}

// remember adopts a new session and persists it.
func (c *Connector) remember(st State) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
	if c.cfg.StatePath == "" {
		return
	}
	if err := SaveState(c.cfg.StatePath, st); err != nil {
		c.cfg.Logger.Error("save session state failed", "error", err)
	}
}

// disconnected handles the end of ws. An unexpected close schedules one
// reconnect. An auth failure with the session still saved does not: the
// token will not become valid by retrying. Forget before the close
// lands (e.g. from OnError) turns it into a fresh registration.
func (c *Connector) disconnected(ws *websocket.Conn, err error) {
	c.mu.Lock()
	if c.ws != ws {
		c.mu.Unlock()
		return
	}
	c.ws = nil
	closed := c.closed
	status := websocket.CloseStatus(err)
	terminal := status == protocol.StatusAuthFailed && c.state.valid()
	if !closed && !terminal {
		c.scheduleLocked()
	}
	c.mu.Unlock()

	_ = ws.CloseNow()
	c.cfg.Metrics.SetConnectorConnected(false)
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(false)
	}
	switch {
	case closed:
	case terminal:
		c.cfg.Logger.Error("relay rejected the saved session; not reconnecting", "session", shortID(c.stateID()))
	default:
		c.cfg.Logger.Warn("relay connection lost, reconnecting", "error", err, "delay", c.cfg.ReconnectDelay)
	}
}

func (c *Connector) stateID() string {
	st, _ := c.State()
	return st.SessionID
}

// scheduleLocked arms the reconnect timer unless one is already pending.
// c.mu must be held.
func (c *Connector) scheduleLocked() {
	if c.closed || c.reconnect != nil {
		return
	}
	c.cfg.Metrics.ConnectorReconnect()
	c.reconnect = c.cfg.Clock.AfterFunc(c.cfg.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnect = nil
		c.mu.Unlock()
		go func() {
			if err := c.Connect(c.ctx); err != nil && !errors.Is(err, ErrClosed) {
				c.cfg.Logger.Warn("reconnect failed", "error", err, "delay", c.cfg.ReconnectDelay)
			}
		}()
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
