package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// Memory is an in-process Registry backed by a TTL cache. It is the
// default backend when the relay runs as a single process.
type Memory struct {
	codes *ttlcache.Cache[string, string]

	// put serializes Put's check-and-set. Take is atomic in the cache.
	put sync.Mutex
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{
		codes: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

// Put stores code until ttl elapses.
func (m *Memory) Put(_ context.Context, code, sessionID string, ttl time.Duration) error {
	m.put.Lock()
	defer m.put.Unlock()
	if item := m.codes.Get(code); item != nil && !item.IsExpired() {
		return ErrCodeExists
	}
	m.codes.Set(code, sessionID, ttl)
	return nil
}

// Take resolves and deletes code in one cache operation.
func (m *Memory) Take(_ context.Context, code string) (string, error) {
	item, ok := m.codes.GetAndDelete(code)
	if !ok || item.IsExpired() {
		return "", ErrCodeNotFound
	}
	return item.Value(), nil
}

// Len returns the number of stored codes, including expired ones not
// yet swept.
func (m *Memory) Len() int {
	return m.codes.Len()
}

// Sweep deletes expired codes now instead of waiting for the janitor.
func (m *Memory) Sweep() {
	m.codes.DeleteExpired()
}

// RunJanitor deletes codes as they expire until ctx is cancelled.
// onExpired, if non-nil, is called with the number of codes each
// expiry removed.
func (m *Memory) RunJanitor(ctx context.Context, logger *slog.Logger, onExpired func(int)) {
	if logger == nil {
		logger = slog.Default()
	}
	unsubscribe := m.codes.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, _ *ttlcache.Item[string, string]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		logger.Debug("pairing code expired")
		if onExpired != nil {
			onExpired(1)
		}
	})
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.codes.Start()
	}()
	<-ctx.Done()
	m.codes.Stop()
	<-done
}
