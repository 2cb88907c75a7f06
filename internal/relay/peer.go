package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/protocol"
)

// peer is one admitted socket. Its read loop runs in the goroutine that
// called Hub.Serve; writes come from the session actor.
type peer struct {
	ws        *websocket.Conn
	role      protocol.Role
	connected time.Time

	closeOnce sync.Once
}

func newPeer(ws *websocket.Conn, role protocol.Role, now time.Time) *peer {
	return &peer{ws: ws, role: role, connected: now}
}

func (p *peer) write(timeout time.Duration, typ websocket.MessageType, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return p.ws.Write(ctx, typ, data)
}

func (p *peer) send(timeout time.Duration, msg protocol.Message) error {
	return p.write(timeout, websocket.MessageText, msg.Marshal())
}

// closeAsync closes the socket without blocking the caller on the close
// handshake. Only the first call has any effect.
func (p *peer) closeAsync(code websocket.StatusCode, reason string) {
	p.closeOnce.Do(func() {
		go func() { _ = p.ws.Close(code, reason) }()
	})
}

// readLoop posts every inbound frame to the session until the socket
// fails or the session stops. It pings the socket every pingInterval; a
// ping that gets no pong within pingTimeout closes the socket.
func (p *peer) readLoop(ctx context.Context, s *Session, pingInterval, pingTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if pingInterval > 0 {
		go pingLoop(ctx, s.cfg.Clock, p, pingInterval, pingTimeout)
	}

	for {
		typ, data, err := p.ws.Read(ctx)
		if err != nil {
			return err
		}
		if !s.post(frameEvent{peer: p, typ: typ, data: data}) {
			return ErrHubClosed
		}
	}
}

func pingLoop(ctx context.Context, clk clockwork.Clock, p *peer, interval, timeout time.Duration) {
	ticker := clk.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := p.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					p.closeAsync(websocket.StatusInternalError, "ping timeout")
				}
				return
			}
		}
	}
}

// isNormalClose reports whether err is a clean close by either side.
func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return errors.Is(err, context.Canceled)
}

func frameName(typ websocket.MessageType) string {
	if typ == websocket.MessageBinary {
		return "binary"
	}
	return "text"
}
