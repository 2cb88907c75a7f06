package store

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/philsphicas/pairlink/internal/registry"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func openTestDB(t *testing.T, c clockwork.Clock) *SQLite {
	t.Helper()
	s, err := OpenSQLite(SQLiteConfig{
		Path:   filepath.Join(t.TempDir(), "pairlink.db"),
		Clock:  c,
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// tokenStores runs fn against every TokenStore implementation.
func tokenStores(t *testing.T, fn func(t *testing.T, ts TokenStore)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemory()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, openTestDB(t, nil)) })
}

func TestTokenStoreRoundTrip(t *testing.T) {
	tokenStores(t, func(t *testing.T, ts TokenStore) {
		ctx := context.Background()
		if _, ok, err := ts.Load(ctx, "missing"); err != nil || ok {
			t.Fatalf("Load(missing) = ok %v, err %v; want not found", ok, err)
		}
		if err := ts.Save(ctx, "s1", "tok-1"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		got, ok, err := ts.Load(ctx, "s1")
		if err != nil || !ok {
			t.Fatalf("Load: ok %v, err %v", ok, err)
		}
		if got != "tok-1" {
			t.Errorf("Load = %q, want %q", got, "tok-1")
		}
	})
}

func TestTokenStoreNeverRotates(t *testing.T) {
	tokenStores(t, func(t *testing.T, ts TokenStore) {
		ctx := context.Background()
		if err := ts.Save(ctx, "s1", "tok-1"); err != nil {
			t.Fatalf("Save: %v", err)
		}
		if err := ts.Save(ctx, "s1", "tok-1"); err != nil {
			t.Errorf("idempotent Save: %v", err)
		}
		if err := ts.Save(ctx, "s1", "tok-2"); !errors.Is(err, ErrTokenExists) {
			t.Errorf("Save different token: err = %v, want ErrTokenExists", err)
		}
		got, _, _ := ts.Load(ctx, "s1")
		if got != "tok-1" {
			t.Errorf("token changed to %q", got)
		}
	})
}

func TestSQLiteTokenSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pairlink.db")
	ctx := context.Background()

	s, err := OpenSQLite(SQLiteConfig{Path: path, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(ctx, "s1", "tok-1"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenSQLite(SQLiteConfig{Path: path, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	got, ok, err := s.Load(ctx, "s1")
	if err != nil || !ok || got != "tok-1" {
		t.Errorf("Load after reopen = %q, %v, %v", got, ok, err)
	}
}

func TestSQLiteRegistry(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClockAt(epoch)
	s := openTestDB(t, fc)

	if err := s.Put(ctx, "ABCD1234", "s1", registry.DefaultTTL); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Put(ctx, "ABCD1234", "s2", registry.DefaultTTL); !errors.Is(err, registry.ErrCodeExists) {
		t.Fatalf("duplicate Put: err = %v, want ErrCodeExists", err)
	}
	got, err := s.Take(ctx, "ABCD1234")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if got != "s1" {
		t.Errorf("Take = %q, want s1", got)
	}
	if _, err := s.Take(ctx, "ABCD1234"); !errors.Is(err, registry.ErrCodeNotFound) {
		t.Errorf("second Take: err = %v, want ErrCodeNotFound", err)
	}
}

func TestSQLiteRegistryExpiry(t *testing.T) {
	ctx := context.Background()
	fc := clockwork.NewFakeClockAt(epoch)
	s := openTestDB(t, fc)

	if err := s.Put(ctx, "ABCD1234", "s1", time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fc.Advance(1500 * time.Millisecond)
	if _, err := s.Take(ctx, "ABCD1234"); !errors.Is(err, registry.ErrCodeNotFound) {
		t.Errorf("Take after TTL: err = %v, want ErrCodeNotFound", err)
	}

	// Expired codes are purged on Put and may be reissued.
	if err := s.Put(ctx, "WXYZ9999", "s2", time.Second); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fc.Advance(2 * time.Second)
	if err := s.Put(ctx, "WXYZ9999", "s3", time.Minute); err != nil {
		t.Fatalf("reissue expired code: %v", err)
	}
	got, err := s.Take(ctx, "WXYZ9999")
	if err != nil || got != "s3" {
		t.Errorf("Take = %q, %v; want s3", got, err)
	}
}

func TestSQLiteRegistryConcurrentTake(t *testing.T) {
	ctx := context.Background()
	s := openTestDB(t, nil)
	if err := s.Put(ctx, "ABCD1234", "s1", registry.DefaultTTL); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var winners atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := s.Take(ctx, "ABCD1234")
			if err == nil {
				winners.Add(1)
			} else if !errors.Is(err, registry.ErrCodeNotFound) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	if winners.Load() != 1 {
		t.Errorf("winners = %d, want 1", winners.Load())
	}
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	if err != nil {
		t.Fatalf("NewToken: %v", err)
	}
	b, _ := NewToken()
	if a == b {
		t.Error("two tokens are equal")
	}
	if len(a) != 43 {
		t.Errorf("token length = %d, want 43", len(a))
	}
}
