package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/philsphicas/pairlink/internal/registry"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_tokens (
	session_id TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS pairing_codes (
	code       TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS pairing_codes_expires_at ON pairing_codes (expires_at);
`

// SQLiteConfig configures OpenSQLite.
type SQLiteConfig struct {
	// Path is the database file. Its directory must exist.
	Path string

	// PoolSize defaults to 4.
	PoolSize int

	// Clock defaults to the real clock. Code expiry is computed from it.
	Clock clockwork.Clock

	Logger *slog.Logger
}

// SQLite stores session tokens and pairing codes in a SQLite database.
// It implements both TokenStore and registry.Registry.
type SQLite struct {
	pool   *sqlitex.Pool
	clock  clockwork.Clock
	logger *slog.Logger
	path   string
}

// OpenSQLite opens (creating if needed) the database at cfg.Path and
// applies the schema.
func OpenSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("store: Path is required")
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 4
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	pool, err := sqlitex.NewPool(cfg.Path, sqlitex.PoolOptions{
		PoolSize:    cfg.PoolSize,
		PrepareConn: prepareConn,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", cfg.Path, err)
	}

	s := &SQLite{pool: pool, clock: cfg.Clock, logger: cfg.Logger, path: cfg.Path}
	conn, err := pool.Take(context.Background())
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("store: take: %w", err)
	}
	err = sqlitex.ExecuteScript(conn, schema, nil)
	pool.Put(conn)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	cfg.Logger.Info("sqlite store opened", "path", cfg.Path, "pool_size", cfg.PoolSize)
	return s, nil
}

func prepareConn(conn *sqlite.Conn) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("store: %s: %w", pragma, err)
		}
	}
	return nil
}

// Close closes the connection pool.
func (s *SQLite) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("store: close %s: %w", s.path, err)
	}
	return nil
}

func (s *SQLite) withConn(ctx context.Context, fn func(*sqlite.Conn) error) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("store: take: %w", err)
	}
	defer s.pool.Put(conn)
	return fn(conn)
}

// Load returns the stored token for sessionID.
func (s *SQLite) Load(ctx context.Context, sessionID string) (string, bool, error) {
	var token string
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT token FROM session_tokens WHERE session_id = ?", &sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				token = stmt.ColumnText(0)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", false, fmt.Errorf("load token: %w", err)
	}
	return token, found, nil
}

// Save inserts the token for sessionID. Saving the same token twice is
// a no-op; a different token fails with ErrTokenExists.
func (s *SQLite) Save(ctx context.Context, sessionID, token string) error {
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"INSERT INTO session_tokens (session_id, token, created_at) VALUES (?, ?, ?) ON CONFLICT(session_id) DO NOTHING",
			&sqlitex.ExecOptions{Args: []any{sessionID, token, s.clock.Now().UnixMilli()}})
		if err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		if conn.Changes() > 0 {
			return nil
		}
		var existing string
		err = sqlitex.Execute(conn, "SELECT token FROM session_tokens WHERE session_id = ?", &sqlitex.ExecOptions{
			Args: []any{sessionID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				existing = stmt.ColumnText(0)
				return nil
			},
		})
		if err != nil {
			return fmt.Errorf("save token: %w", err)
		}
		if existing != token {
			return ErrTokenExists
		}
		return nil
	})
}

// Put stores a pairing code. Expired codes are purged first so an
// expired code may be reissued.
func (s *SQLite) Put(ctx context.Context, code, sessionID string, ttl time.Duration) error {
	now := s.clock.Now()
	return s.withConn(ctx, func(conn *sqlite.Conn) error {
		if err := sqlitex.Execute(conn, "DELETE FROM pairing_codes WHERE expires_at <= ?", &sqlitex.ExecOptions{
			Args: []any{now.UnixMilli()},
		}); err != nil {
			return fmt.Errorf("purge codes: %w", err)
		}
		if n := conn.Changes(); n > 0 {
			s.logger.Debug("expired pairing codes purged", "count", n)
		}
		err := sqlitex.Execute(conn,
			"INSERT INTO pairing_codes (code, session_id, expires_at) VALUES (?, ?, ?) ON CONFLICT(code) DO NOTHING",
			&sqlitex.ExecOptions{Args: []any{code, sessionID, now.Add(ttl).UnixMilli()}})
		if err != nil {
			return fmt.Errorf("put code: %w", err)
		}
		if conn.Changes() == 0 {
			return registry.ErrCodeExists
		}
		return nil
	})
}

// Take deletes code and returns its session id. The delete and the read
// are one statement, so concurrent callers cannot both succeed.
func (s *SQLite) Take(ctx context.Context, code string) (string, error) {
	now := s.clock.Now()
	var sessionID string
	var expires int64
	var found bool
	err := s.withConn(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "DELETE FROM pairing_codes WHERE code = ? RETURNING session_id, expires_at", &sqlitex.ExecOptions{
			Args: []any{code},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				sessionID = stmt.ColumnText(0)
				expires = stmt.ColumnInt64(1)
				found = true
				return nil
			},
		})
	})
	if err != nil {
		return "", fmt.Errorf("take code: %w", err)
	}
	if !found || now.UnixMilli() >= expires {
		return "", registry.ErrCodeNotFound
	}
	return sessionID, nil
}

var (
	_ TokenStore        = (*SQLite)(nil)
	_ registry.Registry = (*SQLite)(nil)
)
