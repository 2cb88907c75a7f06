package server

import (
	"net/http"

	"github.com/philsphicas/pairlink/internal/metrics"
)

// connSemaphore limits concurrent connections. A nil channel (from
// newConnSemaphore(0)) imposes no limit.
type connSemaphore struct {
	ch chan struct{}
}

func newConnSemaphore(max int) *connSemaphore {
	if max <= 0 {
		return &connSemaphore{}
	}
	return &connSemaphore{ch: make(chan struct{}, max)}
}

func (s *connSemaphore) tryAcquire() bool {
	if s.ch == nil {
		return true
	}
	select {
	case s.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *connSemaphore) release() {
	if s.ch == nil {
		return
	}
	<-s.ch
}

// limit rejects upgrade requests with 503 once MaxConnections sockets are
// open. The slot is held for the life of the socket.
func (fd *frontDoor) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !fd.conns.tryAcquire() {
			fd.cfg.Logger.Warn("connection limit reached, rejecting", "max", fd.cfg.MaxConnections)
			fd.cfg.Metrics.Rejected(roleFromPath(r.URL.Path), metrics.ReasonOverCapacity)
			writeError(w, http.StatusServiceUnavailable, "too many connections")
			return
		}
		defer fd.conns.release()
		next.ServeHTTP(w, r)
	})
}

func roleFromPath(path string) string {
	switch path {
	case "/ws/bridge":
		return "bridge"
	case "/ws/mobile":
		return "mobile"
	}
	return "unknown"
}
