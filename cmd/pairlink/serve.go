package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/philsphicas/pairlink/internal/metrics"
	"github.com/philsphicas/pairlink/internal/registry"
	"github.com/philsphicas/pairlink/internal/relay"
	"github.com/philsphicas/pairlink/internal/server"
	"github.com/philsphicas/pairlink/internal/store"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		Long: `Run the relay. Bridges connect to /ws/bridge, mobiles to /ws/mobile.
Without --db, session tokens and pairing codes live in memory and are
lost on restart; with --db both are kept in a SQLite database.`,
		Args: cobra.NoArgs,
		RunE: runServe,
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("db", "", "SQLite database for session tokens and pairing codes (default: in memory)")
	cmd.Flags().Duration("code-ttl", registry.DefaultTTL, "how long a pairing code stays valid")
	cmd.Flags().Duration("idle-timeout", 5*time.Minute, "evict a session from memory after this long with no sockets")
	cmd.Flags().Duration("write-timeout", 10*time.Second, "timeout for each write to a socket")
	cmd.Flags().Duration("ping-interval", 30*time.Second, "WebSocket ping interval (0 = default, negative disables)")
	cmd.Flags().Int64("max-message-size", 32<<20, "largest frame accepted from a peer, in bytes")
	cmd.Flags().Int("max-connections", 0, "max concurrent WebSocket connections (0 = unlimited)")
	cmd.Flags().StringSlice("allow-origin", nil, "browser origins allowed to connect (host patterns)")
	cmd.Flags().Bool("metrics", false, "serve /metrics on the relay address")

	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, v, logger)
	if err != nil {
		return err
	}
	if m == nil && v.GetBool("metrics") {
		m = metrics.New()
	}

	tokens, reg, closeStore, err := openBackends(v, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := relay.NewHub(relay.HubConfig{
		Tokens:         tokens,
		IdleTimeout:    v.GetDuration("idle-timeout"),
		WriteTimeout:   v.GetDuration("write-timeout"),
		PingInterval:   v.GetDuration("ping-interval"),
		MaxMessageSize: v.GetInt64("max-message-size"),
		Logger:         logger,
		Metrics:        m,
	})

	return server.ListenAndServe(ctx, server.Config{
		Addr:           v.GetString("addr"),
		Hub:            hub,
		Registry:       reg,
		CodeTTL:        v.GetDuration("code-ttl"),
		MaxConnections: v.GetInt("max-connections"),
		OriginPatterns: v.GetStringSlice("allow-origin"),
		ServeMetrics:   v.GetBool("metrics"),
		Logger:         logger,
		Metrics:        m,
	})
}

// openBackends returns the token store and code registry. With a
// database path both are the same SQLite store; otherwise both are in
// memory.
func openBackends(v *viper.Viper, logger *slog.Logger) (store.TokenStore, registry.Registry, func(), error) {
	path, err := expandPath(v, "db")
	if err != nil {
		return nil, nil, nil, err
	}
	if path == "" {
		logger.Warn("no --db configured; sessions will not survive a restart")
		return store.NewMemory(), registry.NewMemory(), func() {}, nil
	}

	db, err := store.OpenSQLite(store.SQLiteConfig{Path: path, Logger: logger})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("using sqlite store", "path", path)
	return db, db, func() {
		if err := db.Close(); err != nil {
			logger.Warn("close database", "error", err)
		}
	}, nil
}
