// Package registry maps short pairing codes to session ids.
//
// A code expires after its TTL and can be taken at most once: Take
// reads and deletes the mapping in one atomic step, so of any number of
// concurrent callers presenting the same code exactly one receives the
// session id.
package registry

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"time"
)

// DefaultTTL is how long an unclaimed pairing code stays valid.
const DefaultTTL = 600 * time.Second

var (
	// ErrCodeNotFound is returned by Take for unknown, expired, or
	// already consumed codes.
	ErrCodeNotFound = errors.New("pairing code not found")

	// ErrCodeExists is returned by Put when the code is already mapped
	// to a live session. Callers generate a new code and retry.
	ErrCodeExists = errors.New("pairing code already in use")
)

// Registry stores pairing codes.
type Registry interface {
	// Put maps code to sessionID for ttl.
	Put(ctx context.Context, code, sessionID string, ttl time.Duration) error

	// Take atomically resolves and deletes code.
	Take(ctx context.Context, code string) (string, error)
}

const (
	codeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ" // no I or O
	codeDigits  = "0123456789"
)

// NewCode returns a random pairing code of four letters followed by four
// digits, e.g. "KXRT4821".
func NewCode() (string, error) {
	var b [8]byte
	for i := range b {
		alphabet := codeLetters
		if i >= 4 {
			alphabet = codeDigits
		}
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
		if err != nil {
			return "", err
		}
		b[i] = alphabet[n.Int64()]
	}
	return string(b[:]), nil
}

// ValidCode reports whether s has the shape produced by NewCode. The
// router uses it to reject garbage before touching the registry.
func ValidCode(s string) bool {
	if len(s) != 8 {
		return false
	}
	for i := 0; i < 8; i++ {
		c := s[i]
		if i < 4 && (c < 'A' || c > 'Z') {
			return false
		}
		if i >= 4 && (c < '0' || c > '9') {
			return false
		}
	}
	return true
}
