// Package store holds the durable per-session state of the relay: the
// session token. It also provides a SQLite implementation of the
// pairing-code registry so several relay processes can share codes.
package store

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"sync"
)

// ErrTokenExists is returned by Save when a session already has a token.
// Tokens are never rotated.
var ErrTokenExists = errors.New("session token already set")

// TokenStore persists session tokens by session id.
type TokenStore interface {
	// Load returns the token for sessionID. ok is false if none is stored.
	Load(ctx context.Context, sessionID string) (token string, ok bool, err error)

	// Save stores the token for sessionID. It fails with ErrTokenExists
	// if a different token is already stored.
	Save(ctx context.Context, sessionID, token string) error
}

// NewToken returns 32 random bytes encoded as unpadded base64url.
func NewToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

// Memory is a TokenStore that lives as long as the process.
type Memory struct {
	mu     sync.RWMutex
	tokens map[string]string
}

// NewMemory returns an empty in-memory token store.
func NewMemory() *Memory {
	return &Memory{tokens: make(map[string]string)}
}

func (m *Memory) Load(_ context.Context, sessionID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	token, ok := m.tokens[sessionID]
	return token, ok, nil
}

func (m *Memory) Save(_ context.Context, sessionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.tokens[sessionID]; ok {
		if existing == token {
			return nil
		}
		return ErrTokenExists
	}
	m.tokens[sessionID] = token
	return nil
}

var _ TokenStore = (*Memory)(nil)
