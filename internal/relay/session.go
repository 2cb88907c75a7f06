package relay

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/metrics"
	"github.com/philsphicas/pairlink/internal/protocol"
	"github.com/philsphicas/pairlink/internal/store"
)

// Kind says how a connection attempt authenticates.
type Kind int

const (
	// KindFresh is a bridge registration (new session, new code) or a
	// mobile first pairing (code already resolved by the router).
	KindFresh Kind = iota

	// KindResume reconnects either role with the session token.
	KindResume
)

func (k Kind) String() string {
	if k == KindResume {
		return "resume"
	}
	return "fresh"
}

// Admission is what the router learned from the upgrade request. The
// session never looks at the URL itself.
type Admission struct {
	Role      protocol.Role
	Kind      Kind
	SessionID string
	Code      string // fresh bridge: the code issued; mobile pairing: the code consumed
	Token     string // resume only
}

// Session is the actor for one session id. Its state is only touched by
// the run goroutine; everything else talks to it through post.
//
// The only durable state is the session token, read through the
// TokenStore whenever it is needed. Which socket holds which role is
// in-memory state that disappears with the actor.
type Session struct {
	id     string
	cfg    *HubConfig
	logger *slog.Logger

	events chan event
	done   chan struct{}
	once   sync.Once

	// Owned by the run goroutine.
	peers map[protocol.Role]*peer

	// Guarded by Hub.mu.
	refs int
	idle clockwork.Timer
}

type event any

type joinEvent struct {
	peer  *peer
	adm   Admission
	reply chan *RejectError
}

type frameEvent struct {
	peer *peer
	typ  websocket.MessageType
	data []byte
}

type leaveEvent struct {
	peer *peer
}

type shutdownEvent struct{}

func newSession(id string, cfg *HubConfig) *Session {
	return &Session{
		id:     id,
		cfg:    cfg,
		logger: cfg.Logger.With("session", shortID(id)),
		events: make(chan event, 64),
		done:   make(chan struct{}),
		peers:  make(map[protocol.Role]*peer, 2),
	}
}

// post delivers ev to the actor. It returns false once the actor has
// stopped.
func (s *Session) post(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			switch ev := ev.(type) {
			case joinEvent:
				ev.reply <- s.join(ev.peer, ev.adm)
			case frameEvent:
				s.relay(ev.peer, ev.typ, ev.data)
			case leaveEvent:
				s.leave(ev.peer)
			case shutdownEvent:
				for role, p := range s.peers {
					p.closeAsync(websocket.StatusGoingAway, "relay shutting down")
					delete(s.peers, role)
				}
				s.stop()
				return
			}
		}
	}
}

func (s *Session) join(p *peer, a Admission) *RejectError {
	switch {
	case a.Kind == KindResume:
		return s.resume(p, a)
	case a.Role == protocol.RoleBridge:
		return s.register(p, a)
	default:
		return s.pair(p, a)
	}
}

// register handles a fresh bridge: mint and persist the token, then
// tell the bridge its code.
func (s *Session) register(p *peer, a Admission) *RejectError {
	token, err := store.NewToken()
	if err == nil {
		err = s.cfg.Tokens.Save(context.Background(), s.id, token)
	}
	if err != nil {
		s.logger.Error("persist session token failed", "error", err)
		s.cfg.Metrics.Rejected(string(p.role), metrics.ReasonStoreError)
		return &RejectError{Message: "Session registration failed", Status: websocket.StatusInternalError}
	}

	s.attach(p)
	s.logger.Info("bridge registered")
	s.cfg.Metrics.Admitted(string(p.role), metrics.KindRegistered)
	s.sendTo(p, protocol.Registered(a.Code, s.id))
	s.announce(p.role)
	return nil
}

// pair handles the mobile's first connection after the router consumed
// its code.
func (s *Session) pair(p *peer, _ Admission) *RejectError {
	token, ok, err := s.cfg.Tokens.Load(context.Background(), s.id)
	if err != nil || !ok {
		if err != nil {
			s.logger.Error("load session token failed", "error", err)
		} else {
			s.logger.Warn("mobile paired before session token was stored")
		}
		s.cfg.Metrics.Rejected(string(p.role), metrics.ReasonTokenUnavailable)
		return &RejectError{Message: protocol.ErrTokenUnavailable, Status: websocket.StatusInternalError}
	}

	s.attach(p)
	s.logger.Info("mobile paired")
	s.cfg.Metrics.Admitted(string(p.role), metrics.KindPaired)
	for role, q := range s.peers {
		s.sendTo(q, protocol.Paired(s.id, token, role))
	}
	s.announce(p.role)
	return nil
}

// resume re-admits either role that presents the session token.
func (s *Session) resume(p *peer, a Admission) *RejectError {
	token, ok, err := s.cfg.Tokens.Load(context.Background(), s.id)
	if err != nil {
		s.logger.Error("load session token failed", "error", err)
		s.cfg.Metrics.Rejected(string(p.role), metrics.ReasonTokenUnavailable)
		return &RejectError{Message: protocol.ErrTokenUnavailable, Status: websocket.StatusInternalError}
	}
	if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) != 1 {
		s.logger.Warn("reconnect with invalid token", "role", p.role)
		s.cfg.Metrics.Rejected(string(p.role), metrics.ReasonInvalidToken)
		return &RejectError{Message: protocol.ErrInvalidToken, Status: protocol.StatusAuthFailed}
	}

	s.attach(p)
	s.logger.Info("peer reconnected", "role", p.role)
	s.cfg.Metrics.Admitted(string(p.role), metrics.KindReconnected)
	for _, q := range s.peers {
		s.sendTo(q, protocol.Reconnected(p.role))
	}
	s.announce(p.role)
	return nil
}

// attach tags p with its role. An incumbent socket for the same role is
// closed: the newest authenticated connection wins.
func (s *Session) attach(p *peer) {
	if old := s.peers[p.role]; old != nil && old != p {
		s.logger.Info("replacing existing socket", "role", p.role)
		s.cfg.Metrics.Replaced(string(p.role))
		old.closeAsync(protocol.StatusReplaced, "replaced by a newer connection")
	}
	s.peers[p.role] = p
}

// announce exchanges presence between role and its peer, if both are
// connected.
func (s *Session) announce(role protocol.Role) {
	other := s.peers[role.Opposite()]
	if other == nil {
		return
	}
	s.sendTo(other, protocol.PeerConnected(role))
	s.sendTo(s.peers[role], protocol.PeerConnected(role.Opposite()))
}

func (s *Session) relay(p *peer, typ websocket.MessageType, data []byte) {
	if s.peers[p.role] != p {
		return // replaced socket still draining
	}
	from := string(p.role)
	if protocol.IsControl(typ, data) {
		s.logger.Debug("dropping control message sent by peer", "role", p.role)
		s.cfg.Metrics.Dropped(from, frameName(typ), len(data))
		return
	}
	target := s.peers[p.role.Opposite()]
	if target == nil {
		s.cfg.Metrics.Dropped(from, frameName(typ), len(data))
		return
	}
	if err := target.write(s.cfg.WriteTimeout, typ, data); err != nil {
		s.logger.Debug("forward failed", "to", target.role, "error", err)
		s.cfg.Metrics.Dropped(from, frameName(typ), len(data))
		target.closeAsync(websocket.StatusInternalError, "write failed")
		return
	}
	s.cfg.Metrics.Forwarded(from, frameName(typ), len(data))
}

func (s *Session) leave(p *peer) {
	if s.peers[p.role] != p {
		return
	}
	delete(s.peers, p.role)
	s.logger.Info("peer disconnected", "role", p.role, "duration", s.cfg.Clock.Now().Sub(p.connected).Round(time.Second))
	if other := s.peers[p.role.Opposite()]; other != nil {
		s.sendTo(other, protocol.PeerDisconnected(p.role))
	}
}

func (s *Session) sendTo(p *peer, msg protocol.Message) {
	if err := p.send(s.cfg.WriteTimeout, msg); err != nil {
		s.logger.Debug("send control message failed", "to", p.role, "type", msg.Type, "error", err)
		p.closeAsync(websocket.StatusInternalError, "write failed")
	}
}

// shortID keeps log lines readable without printing whole ids.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
