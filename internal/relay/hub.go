// Package relay implements the session actors that pair a bridge with a
// mobile client and relay traffic between them.
//
// A Hub owns one Session actor per session id. Actors are created on
// first use and evicted after sitting idle with no sockets; since the
// session token is the only durable state, an evicted session comes
// back unchanged on its next connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/metrics"
	"github.com/philsphicas/pairlink/internal/protocol"
	"github.com/philsphicas/pairlink/internal/store"
)

const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultWriteTimeout   = 10 * time.Second
	defaultPingInterval   = 30 * time.Second
	defaultPingTimeout    = 10 * time.Second
	defaultMaxMessageSize = 32 << 20
)

// ErrHubClosed is returned by Serve after Close.
var ErrHubClosed = errors.New("relay: hub closed")

// RejectError describes a connection attempt the session refused. The
// peer has been sent an error control message and the socket closed
// with Status.
type RejectError struct {
	Message string
	Status  websocket.StatusCode
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("rejected (%d): %s", e.Status, e.Message)
}

// HubConfig configures a Hub.
type HubConfig struct {
	// Tokens stores session tokens. Required.
	Tokens store.TokenStore

	// IdleTimeout is how long an actor with no sockets stays resident.
	IdleTimeout time.Duration

	// WriteTimeout bounds each write to a socket. A forward that cannot
	// complete in time is dropped and the target socket closed.
	WriteTimeout time.Duration

	// PingInterval is how often sockets are pinged. Negative disables.
	PingInterval time.Duration
	PingTimeout  time.Duration

	// MaxMessageSize is the read limit per frame.
	MaxMessageSize int64

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics
}

// Hub routes connections to session actors.
type Hub struct {
	cfg HubConfig

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// NewHub returns a Hub. It panics if cfg.Tokens is nil.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Tokens == nil {
		panic("relay: HubConfig.Tokens is required")
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{cfg: cfg, sessions: make(map[string]*Session)}
}

// Serve hands an upgraded socket to the session named by a.SessionID
// and relays its traffic. It blocks until the socket closes and returns
// nil for a clean close, a *RejectError if the session refused the
// socket, or the transport error.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, a Admission) error {
	s, err := h.acquire(a.SessionID)
	if err != nil {
		_ = ws.Close(websocket.StatusGoingAway, "relay shutting down")
		return err
	}
	defer h.release(s)

	ws.SetReadLimit(h.cfg.MaxMessageSize)
	p := newPeer(ws, a.Role, h.cfg.Clock.Now())

	reply := make(chan *RejectError, 1)
	if !s.post(joinEvent{peer: p, adm: a, reply: reply}) {
		_ = ws.Close(websocket.StatusGoingAway, "relay shutting down")
		return ErrHubClosed
	}
	var rej *RejectError
	select {
	case rej = <-reply:
	case <-s.done:
		_ = ws.Close(websocket.StatusGoingAway, "relay shutting down")
		return ErrHubClosed
	}
	if rej != nil {
		_ = p.send(h.cfg.WriteTimeout, protocol.Error(rej.Message))
		_ = ws.Close(rej.Status, rej.Message)
		return rej
	}

	tracker := h.cfg.Metrics.PeerOpened(string(a.Role))
	err = p.readLoop(ctx, s, h.cfg.PingInterval, h.cfg.PingTimeout)
	tracker.Done(h.cfg.Clock.Now().Sub(p.connected).Seconds())
	s.post(leaveEvent{peer: p})

	if isNormalClose(err) || errors.Is(err, ErrHubClosed) {
		return nil
	}
	switch websocket.CloseStatus(err) {
	case protocol.StatusReplaced:
		return nil
	case -1:
		// Transport failure rather than a close frame.
		p.closeAsync(websocket.StatusInternalError, "transport error")
	}
	return err
}

// Len returns the number of resident session actors.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Close stops every actor and closes all sockets with StatusGoingAway.
// Serve calls made after Close fail with ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	sessions := make([]*Session, 0, len(h.sessions))
	for id, s := range h.sessions {
		sessions = append(sessions, s)
		if s.idle != nil {
			s.idle.Stop()
			s.idle = nil
		}
		delete(h.sessions, id)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.post(shutdownEvent{})
		h.cfg.Metrics.SessionStopped(false)
	}
	h.cfg.Logger.Info("relay hub closed", "sessions", len(sessions))
}

func (h *Hub) acquire(id string) (*Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	s, ok := h.sessions[id]
	if !ok {
		s = newSession(id, &h.cfg)
		h.sessions[id] = s
		go s.run()
		h.cfg.Metrics.SessionStarted()
		s.logger.Debug("session actor started")
	}
	s.refs++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	return s, nil
}

func (h *Hub) release(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.refs--
	if s.refs > 0 || h.closed || h.sessions[s.id] != s {
		return
	}
	s.idle = h.cfg.Clock.AfterFunc(h.cfg.IdleTimeout, func() { h.evict(s) })
}

// evict removes an idle actor. A connection that arrived after the
// timer fired but before evict took the lock keeps the actor alive.
func (h *Hub) evict(s *Session) {
	h.mu.Lock()
	if s.refs != 0 || h.sessions[s.id] != s {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.id)
	s.idle = nil
	h.mu.Unlock()

	s.stop()
	h.cfg.Metrics.SessionStopped(true)
	s.logger.Debug("idle session actor evicted")
}
