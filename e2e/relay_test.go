package e2e

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/connector"
	"github.com/philsphicas/pairlink/internal/protocol"
	"github.com/philsphicas/pairlink/internal/relay"
	"github.com/philsphicas/pairlink/internal/server"
	"github.com/philsphicas/pairlink/internal/store"
)

var discard = slog.New(slog.DiscardHandler)

// runningRelay is an in-process relay backed by a SQLite database.
type runningRelay struct {
	addr string
	db   *store.SQLite
	stop func()
}

// startRelay serves a relay on addr ("127.0.0.1:0" for any port) using
// the database at dbPath.
func startRelay(t *testing.T, addr, dbPath string, clk clockwork.Clock, codeTTL time.Duration) *runningRelay {
	t.Helper()
	db, err := store.OpenSQLite(store.SQLiteConfig{Path: dbPath, Clock: clk, Logger: discard})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = db.Close()
		t.Fatalf("listen: %v", err)
	}
	hub := relay.NewHub(relay.HubConfig{Tokens: db, PingInterval: -1, Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- server.Serve(ctx, ln, server.Config{
			Hub:      hub,
			Registry: db,
			CodeTTL:  codeTTL,
			Logger:   discard,
		})
	}()

	r := &runningRelay{addr: ln.Addr().String(), db: db}
	var stopped bool
	r.stop = func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("serve: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Error("relay did not shut down")
		}
		if err := db.Close(); err != nil {
			t.Errorf("close db: %v", err)
		}
	}
	t.Cleanup(r.stop)
	return r
}

// peerEvents records what a connector observed.
type peerEvents struct {
	codes    chan string
	paired   chan string
	peers    chan bool
	errors   chan string
	messages chan string
}

func newPeerEvents() *peerEvents {
	return &peerEvents{
		codes:    make(chan string, 4),
		paired:   make(chan string, 4),
		peers:    make(chan bool, 16),
		errors:   make(chan string, 4),
		messages: make(chan string, 64),
	}
}

func startConnector(t *testing.T, relayAddr string, role protocol.Role, code, statePath string, ev *peerEvents) *connector.Connector {
	t.Helper()
	c, err := connector.New(connector.Config{
		URL:            "ws://" + relayAddr,
		Role:           role,
		Code:           code,
		StatePath:      statePath,
		ReconnectDelay: 100 * time.Millisecond,
		PingInterval:   -1,
		Logger:         discard,
		OnPairingCode:  func(code, _ string) { ev.codes <- code },
		OnPaired:       func(sessionID, _ string) { ev.paired <- sessionID },
		OnPeer: func(_ protocol.Role, connected bool) {
			ev.peers <- connected
		},
		OnError: func(msg string) { ev.errors <- msg },
		OnMessage: func(_ websocket.MessageType, data []byte) {
			ev.messages <- string(data)
		},
	})
	if err != nil {
		t.Fatalf("connector: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = c.Close()
	})
	go func() { _ = c.Run(ctx) }()
	return c
}

func recv[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(10 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// waitConnected drains presence events until the peer is reported up.
func waitConnected(t *testing.T, ch <-chan bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case up := <-ch:
			if up {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for peer to connect")
		}
	}
}

// sendUntil retries Send until the connector has a socket open.
func sendUntil(t *testing.T, c *connector.Connector, text string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		err := c.Send(context.Background(), websocket.MessageText, []byte(text))
		if err == nil {
			return
		}
		if !errors.Is(err, connector.ErrNotConnected) || time.Now().After(deadline) {
			t.Fatalf("send %q: %v", text, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// pair registers a bridge and pairs a mobile with its code.
func pair(t *testing.T, r *runningRelay, dir string) (bridge, mobile *connector.Connector, bev, mev *peerEvents) {
	t.Helper()
	bev, mev = newPeerEvents(), newPeerEvents()
	bridge = startConnector(t, r.addr, protocol.RoleBridge, "", filepath.Join(dir, "bridge.json"), bev)
	code := recv(t, bev.codes, "pairing code")
	mobile = startConnector(t, r.addr, protocol.RoleMobile, code, filepath.Join(dir, "mobile.json"), mev)

	bridgeSession := recv(t, bev.paired, "bridge paired")
	mobileSession := recv(t, mev.paired, "mobile paired")
	if bridgeSession != mobileSession {
		t.Fatalf("paired sessions differ: %s vs %s", bridgeSession, mobileSession)
	}
	waitConnected(t, bev.peers)
	waitConnected(t, mev.peers)
	return bridge, mobile, bev, mev
}

func TestPairingSurvivesRelayRestart(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "relay.db")

	r := startRelay(t, "127.0.0.1:0", dbPath, nil, 0)
	bridge, mobile, bev, mev := pair(t, r, dir)

	sendUntil(t, bridge, "before restart")
	if got := recv(t, mev.messages, "mobile message"); got != "before restart" {
		t.Fatalf("mobile got %q", got)
	}

	addr := r.addr
	r.stop()
	r = startRelay(t, addr, dbPath, nil, 0)

	waitConnected(t, bev.peers)
	waitConnected(t, mev.peers)

	sendUntil(t, mobile, "after restart")
	if got := recv(t, bev.messages, "bridge message"); got != "after restart" {
		t.Fatalf("bridge got %q", got)
	}
	select {
	case code := <-bev.codes:
		t.Errorf("bridge was issued a new code %q after restart", code)
	default:
	}

	st, ok, err := connector.LoadState(filepath.Join(dir, "bridge.json"))
	if err != nil || !ok {
		t.Fatalf("bridge state: ok=%v err=%v", ok, err)
	}
	token, found, err := r.db.Load(context.Background(), st.SessionID)
	if err != nil || !found || token != st.SessionToken {
		t.Errorf("stored token mismatch: found=%v err=%v", found, err)
	}
}

// dialMobile dials /ws/mobile with the given query and returns the
// handshake status.
func dialMobile(t *testing.T, addr, query string) (*websocket.Conn, int) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, resp, err := websocket.Dial(ctx, "ws://"+addr+"/ws/mobile?"+query, nil)
	if err != nil {
		if resp == nil {
			t.Fatalf("dial: %v", err)
		}
		return nil, resp.StatusCode
	}
	return ws, http.StatusSwitchingProtocols
}

func TestPairingCodeSingleUseAndExpiry(t *testing.T) {
	dir := t.TempDir()
	clk := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	r := startRelay(t, "127.0.0.1:0", filepath.Join(dir, "relay.db"), clk, time.Minute)

	// A redeemed code cannot be used again.
	first := newPeerEvents()
	startConnector(t, r.addr, protocol.RoleBridge, "", "", first)
	code := recv(t, first.codes, "pairing code")

	ws, status := dialMobile(t, r.addr, "code="+code)
	if status != http.StatusSwitchingProtocols {
		t.Fatalf("first redemption status = %d", status)
	}
	defer ws.CloseNow()
	if _, status := dialMobile(t, r.addr, "code="+code); status != http.StatusNotFound {
		t.Errorf("second redemption status = %d, want 404", status)
	}

	// An unredeemed code stops working once its TTL passes.
	second := newPeerEvents()
	startConnector(t, r.addr, protocol.RoleBridge, "", "", second)
	stale := recv(t, second.codes, "pairing code")
	clk.Advance(time.Minute + time.Second)
	if _, status := dialMobile(t, r.addr, "code="+stale); status != http.StatusNotFound {
		t.Errorf("expired code status = %d, want 404", status)
	}
}

func TestWrongTokenLeavesSessionIntact(t *testing.T) {
	dir := t.TempDir()
	r := startRelay(t, "127.0.0.1:0", filepath.Join(dir, "relay.db"), nil, 0)
	bridge, mobile, bev, mev := pair(t, r, dir)

	st, ok := mobile.State()
	if !ok {
		t.Fatal("mobile has no saved session")
	}

	ws, status := dialMobile(t, r.addr, "session="+st.SessionID+"&token=wrong")
	if status != http.StatusSwitchingProtocols {
		t.Fatalf("impostor handshake status = %d", status)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read error message: %v", err)
	}
	msg, ok := protocol.Parse(data)
	if !ok || msg.Type != protocol.TypeError || msg.Message != protocol.ErrInvalidToken {
		t.Fatalf("impostor got %s, want invalid token error", data)
	}
	_, _, err = ws.Read(ctx)
	if got := websocket.CloseStatus(err); got != protocol.StatusAuthFailed {
		t.Fatalf("impostor close status = %d, want %d", got, protocol.StatusAuthFailed)
	}

	sendUntil(t, bridge, "still paired")
	if got := recv(t, mev.messages, "mobile message"); got != "still paired" {
		t.Errorf("mobile got %q", got)
	}
	sendUntil(t, mobile, "still here")
	if got := recv(t, bev.messages, "bridge message"); got != "still here" {
		t.Errorf("bridge got %q", got)
	}
	if !bridge.Connected() || !mobile.Connected() {
		t.Error("genuine peers should stay connected")
	}
}
