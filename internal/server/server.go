// Package server is the HTTP front door of the relay. It validates
// upgrade requests, mints session ids and pairing codes, consumes codes
// for first-time mobile pairings, and hands upgraded sockets to the hub.
//
// No session state is touched until a request passes validation; a
// request that is not a valid WebSocket handshake, or that comes from a
// refused origin, never mints a session or touches a pairing code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/philsphicas/pairlink/internal/metrics"
	"github.com/philsphicas/pairlink/internal/protocol"
	"github.com/philsphicas/pairlink/internal/registry"
	"github.com/philsphicas/pairlink/internal/relay"
)

const (
	maxCodeAttempts = 8
	shutdownTimeout = 10 * time.Second
)

// Config holds front door configuration.
type Config struct {
	Addr     string
	Hub      *relay.Hub
	Registry registry.Registry

	// CodeTTL is how long an issued pairing code stays redeemable.
	CodeTTL time.Duration

	// MaxConnections caps concurrent WebSocket connections. 0 = unlimited.
	MaxConnections int

	// OriginPatterns are passed to websocket.Accept. Empty allows only
	// same-origin browser clients; native clients send no Origin.
	OriginPatterns []string

	// ServeMetrics mounts Metrics.Handler at /metrics.
	ServeMetrics bool

	Logger  *slog.Logger
	Metrics *metrics.Metrics // optional; nil disables metrics

	// Overridable for tests.
	NewSessionID func() string
	NewCode      func() (string, error)
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = registry.DefaultTTL
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = uuid.NewString
	}
	if cfg.NewCode == nil {
		cfg.NewCode = registry.NewCode
	}
}

type frontDoor struct {
	cfg   Config
	conns *connSemaphore
}

// NewRouter returns the HTTP handler for the relay endpoints.
func NewRouter(cfg Config) http.Handler {
	cfg.setDefaults()
	if cfg.Hub == nil || cfg.Registry == nil {
		panic("server: Config.Hub and Config.Registry are required")
	}
	fd := &frontDoor{cfg: cfg, conns: newConnSemaphore(cfg.MaxConnections)}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/health", handleHealth)
	r.Group(func(r chi.Router) {
		r.Use(fd.requireUpgrade)
		r.Use(fd.limit)
		r.Get("/ws/bridge", fd.handleBridge)
		r.Get("/ws/mobile", fd.handleMobile)
	})
	if cfg.ServeMetrics && cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics.Handler())
	}
	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (fd *frontDoor) handleBridge(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session, token := q.Get("session"), q.Get("token")

	var a relay.Admission
	switch {
	case session != "" && token != "":
		a = relay.Admission{Role: protocol.RoleBridge, Kind: relay.KindResume, SessionID: session, Token: token}
	case session == "" && token == "":
		id := fd.cfg.NewSessionID()
		code, err := fd.issueCode(r.Context(), id)
		if err != nil {
			fd.cfg.Logger.Error("issue pairing code failed", "error", err)
			fd.cfg.Metrics.Rejected(string(protocol.RoleBridge), metrics.ReasonRegistryError)
			writeError(w, http.StatusInternalServerError, "could not register session")
			return
		}
		a = relay.Admission{Role: protocol.RoleBridge, Kind: relay.KindFresh, SessionID: id, Code: code}
	default:
		fd.badRequest(w, protocol.RoleBridge, "session and token must be given together")
		return
	}
	fd.upgrade(w, r, a)
}

func (fd *frontDoor) handleMobile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	session, token := q.Get("session"), q.Get("token")
	code := strings.ToUpper(strings.TrimSpace(q.Get("code")))

	var a relay.Admission
	switch {
	case session != "" && token != "":
		a = relay.Admission{Role: protocol.RoleMobile, Kind: relay.KindResume, SessionID: session, Token: token}
	case session != "" || token != "":
		fd.badRequest(w, protocol.RoleMobile, "session and token must be given together")
		return
	case code == "":
		fd.badRequest(w, protocol.RoleMobile, "code or session and token required")
		return
	default:
		id, err := fd.takeCode(r.Context(), code)
		if errors.Is(err, registry.ErrCodeNotFound) {
			fd.cfg.Metrics.Rejected(string(protocol.RoleMobile), metrics.ReasonCodeNotFound)
			writeError(w, http.StatusNotFound, "invalid or expired pairing code")
			return
		}
		if err != nil {
			fd.cfg.Logger.Error("take pairing code failed", "error", err)
			fd.cfg.Metrics.Rejected(string(protocol.RoleMobile), metrics.ReasonRegistryError)
			writeError(w, http.StatusInternalServerError, "could not look up pairing code")
			return
		}
		a = relay.Admission{Role: protocol.RoleMobile, Kind: relay.KindFresh, SessionID: id, Code: code}
	}
	fd.upgrade(w, r, a)
}

// issueCode registers a fresh code for sessionID, retrying on collision.
func (fd *frontDoor) issueCode(ctx context.Context, sessionID string) (string, error) {
	for range maxCodeAttempts {
		code, err := fd.cfg.NewCode()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		err = fd.cfg.Registry.Put(ctx, code, sessionID, fd.cfg.CodeTTL)
		if err == nil {
			fd.cfg.Metrics.Code(metrics.CodeIssued, 1)
			return code, nil
		}
		if !errors.Is(err, registry.ErrCodeExists) {
			return "", fmt.Errorf("register code: %w", err)
		}
	}
	return "", fmt.Errorf("register code: %d collisions in a row", maxCodeAttempts)
}

func (fd *frontDoor) takeCode(ctx context.Context, code string) (string, error) {
	if !registry.ValidCode(code) {
		return "", registry.ErrCodeNotFound
	}
	id, err := fd.cfg.Registry.Take(ctx, code)
	if err != nil {
		return "", err
	}
	fd.cfg.Metrics.Code(metrics.CodeTaken, 1)
	return id, nil
}

func (fd *frontDoor) upgrade(w http.ResponseWriter, r *http.Request, a relay.Admission) {
	logger := fd.cfg.Logger.With("role", a.Role, "kind", a.Kind, "request_id", middleware.GetReqID(r.Context()))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: fd.cfg.OriginPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error.
		logger.Warn("websocket upgrade failed", "error", err)
		fd.cfg.Metrics.Rejected(string(a.Role), metrics.ReasonUpgradeFailed)
		fd.rollback(context.WithoutCancel(r.Context()), logger, a)
		return
	}
	defer ws.CloseNow()

	logger.Debug("websocket connected", "remote", r.RemoteAddr)
	err = fd.cfg.Hub.Serve(r.Context(), ws, a)
	var rej *relay.RejectError
	switch {
	case err == nil:
		logger.Debug("websocket closed")
	case errors.As(err, &rej):
		logger.Info("connection rejected", "reason", rej.Message, "status", int(rej.Status))
	case errors.Is(err, relay.ErrHubClosed):
		logger.Debug("connection refused during shutdown")
	default:
		logger.Debug("websocket ended", "error", err)
	}
}

// rollback undoes the code bookkeeping of a fresh admission whose socket
// never opened: a bridge's unused code is withdrawn and a mobile's
// consumed code is put back for another attempt.
func (fd *frontDoor) rollback(ctx context.Context, logger *slog.Logger, a relay.Admission) {
	if a.Kind != relay.KindFresh || a.Code == "" {
		return
	}
	var err error
	switch a.Role {
	case protocol.RoleBridge:
		_, err = fd.cfg.Registry.Take(ctx, a.Code)
	case protocol.RoleMobile:
		err = fd.cfg.Registry.Put(ctx, a.Code, a.SessionID, fd.cfg.CodeTTL)
	}
	if err != nil {
		logger.Warn("could not roll back pairing code", "error", err)
	}
}

func (fd *frontDoor) badRequest(w http.ResponseWriter, role protocol.Role, msg string) {
	fd.cfg.Metrics.Rejected(string(role), metrics.ReasonBadRequest)
	writeError(w, http.StatusBadRequest, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenAndServe listens on cfg.Addr and serves until ctx is cancelled.
func ListenAndServe(ctx context.Context, cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	return Serve(ctx, ln, cfg)
}

// Serve serves the relay on ln until ctx is cancelled, then stops
// accepting requests, closes every relayed socket, and returns.
func Serve(ctx context.Context, ln net.Listener, cfg Config) error {
	cfg.setDefaults()
	handler := NewRouter(cfg)

	if mem, ok := cfg.Registry.(*registry.Memory); ok {
		go mem.RunJanitor(ctx, cfg.Logger, func(n int) {
			cfg.Metrics.Code(metrics.CodeExpired, n)
		})
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked sockets are invisible to Shutdown; the hub closes them.
		cfg.Hub.Close()
		_ = srv.Shutdown(shutdownCtx)
		close(shutdownDone)
	}()

	cfg.Logger.Info("relay listening", "addr", ln.Addr())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	if ctx.Err() != nil {
		<-shutdownDone
	}
	return nil
}
