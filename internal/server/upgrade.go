package server

import (
	"net/http"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/philsphicas/pairlink/internal/metrics"
)

// requireUpgrade turns away anything websocket.Accept would refuse, so
// that no session id is minted and no pairing code is issued or consumed
// for a request that can never become a socket.
func (fd *frontDoor) requireUpgrade(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role := roleFromPath(r.URL.Path)
		if !headerHasToken(r.Header, "Connection", "upgrade") || !headerHasToken(r.Header, "Upgrade", "websocket") {
			fd.cfg.Metrics.Rejected(role, metrics.ReasonNotUpgrade)
			w.Header().Set("Connection", "Upgrade")
			w.Header().Set("Upgrade", "websocket")
			writeError(w, http.StatusUpgradeRequired, "websocket upgrade required")
			return
		}
		if r.Header.Get("Sec-WebSocket-Version") != "13" || r.Header.Get("Sec-WebSocket-Key") == "" {
			fd.cfg.Metrics.Rejected(role, metrics.ReasonNotUpgrade)
			w.Header().Set("Sec-WebSocket-Version", "13")
			writeError(w, http.StatusBadRequest, "unsupported websocket handshake")
			return
		}
		if err := checkOrigin(r, fd.cfg.OriginPatterns); err != "" {
			fd.cfg.Logger.Warn("websocket origin refused", "origin", r.Header.Get("Origin"), "reason", err)
			fd.cfg.Metrics.Rejected(role, metrics.ReasonOriginDenied)
			writeError(w, http.StatusForbidden, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkOrigin applies the same rule as websocket.Accept: no Origin, the
// request's own host, or a host matching one of patterns. It returns a
// non-empty message when the origin is refused.
func checkOrigin(r *http.Request, patterns []string) string {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil {
		return "malformed origin"
	}
	if strings.EqualFold(r.Host, u.Host) {
		return ""
	}
	host := strings.ToLower(u.Host)
	for _, p := range patterns {
		if ok, err := filepath.Match(strings.ToLower(p), host); err != nil {
			return "malformed origin pattern"
		} else if ok {
			return ""
		}
	}
	return "origin not allowed"
}

func headerHasToken(h http.Header, key, token string) bool {
	for _, v := range h.Values(key) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}
