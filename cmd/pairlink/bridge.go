package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coder/websocket"
	"github.com/spf13/cobra"

	"github.com/philsphicas/pairlink/internal/connector"
	"github.com/philsphicas/pairlink/internal/protocol"
)

func bridgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bridge",
		Short: "Connect to a relay as the bridge side of a session",
		Long: `Connect to a relay as a bridge. On first run the relay assigns a
pairing code, printed to stderr, which the mobile client redeems. The
session is saved to --state-file and resumed on later runs.

Lines read from stdin are sent to the mobile as text messages; messages
from the mobile are written to stdout.`,
		Args: cobra.NoArgs,
		RunE: runBridge,
	}

	cmd.Flags().String("relay", "", "relay URL (e.g. wss://relay.example.com)")
	cmd.Flags().String("state-file", "~/.pairlink/bridge.json", "where the paired session is saved")
	cmd.Flags().Bool("forget", false, "discard the saved session and register a new one")
	cmd.Flags().Bool("repair", false, "if the relay rejects the saved session, register a new one instead of exiting")
	cmd.Flags().Duration("reconnect-delay", 0, "delay before reconnecting after a drop (default 3s)")

	return cmd
}

func runBridge(cmd *cobra.Command, _ []string) error {
	v, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	relayURL := v.GetString("relay")
	if relayURL == "" {
		return fmt.Errorf("relay URL is required: use --relay or set %s_RELAY", envPrefix)
	}
	statePath, err := expandPath(v, "state-file")
	if err != nil {
		return err
	}
	logger := newLogger(v.GetString("log-level"))

	if v.GetBool("forget") && statePath != "" {
		if err := connector.RemoveState(statePath); err != nil {
			return err
		}
		logger.Info("discarded saved session", "path", statePath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := resolveMetrics(ctx, v, logger)
	if err != nil {
		return err
	}

	repair := v.GetBool("repair")
	stderr := cmd.ErrOrStderr()
	out := cmd.OutOrStdout()

	var c *connector.Connector
	var rejected bool
	c, err = connector.New(connector.Config{
		URL:            relayURL,
		StatePath:      statePath,
		ReconnectDelay: v.GetDuration("reconnect-delay"),
		Logger:         logger,
		Metrics:        m,
		OnPairingCode: func(code, _ string) {
			fmt.Fprintf(stderr, "Pairing code: %s\n", code)
		},
		OnPaired: func(sessionID, _ string) {
			fmt.Fprintf(stderr, "Paired (session %s)\n", sessionID)
		},
		OnPeer: func(role protocol.Role, connected bool) {
			logger.Info("peer presence", "peer", role, "connected", connected)
		},
		OnError: func(msg string) {
			if msg != protocol.ErrInvalidToken {
				return
			}
			if !repair {
				rejected = true
				logger.Error("relay rejected the saved session; rerun with --repair or --forget to pair again")
				stop()
				return
			}
			logger.Warn("relay rejected the saved session; registering a new one")
			if err := c.Forget(); err != nil {
				logger.Error("discard saved session", "error", err)
			}
		},
		OnMessage: func(typ websocket.MessageType, data []byte) {
			writePayload(out, typ, data, logger)
		},
	})
	if err != nil {
		return err
	}

	go pumpStdin(ctx, cmd.InOrStdin(), c, logger)

	if err := c.Run(ctx); err != nil {
		return err
	}
	if rejected {
		return errors.New("saved session rejected by relay")
	}
	return nil
}

// pumpStdin sends each input line as a text message. Lines typed while
// disconnected are dropped with a warning.
func pumpStdin(ctx context.Context, in io.Reader, c *connector.Connector, logger *slog.Logger) {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 32<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		err := c.Send(ctx, websocket.MessageText, append([]byte(nil), line...))
		switch {
		case err == nil:
		case errors.Is(err, connector.ErrNotConnected):
			logger.Warn("not connected to relay, dropping input line")
		case errors.Is(err, connector.ErrClosed):
			return
		default:
			logger.Warn("send failed", "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		logger.Warn("read stdin", "error", err)
	}
}

func writePayload(w io.Writer, typ websocket.MessageType, data []byte, logger *slog.Logger) {
	if typ == websocket.MessageBinary {
		logger.Debug("received binary message", "bytes", len(data))
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		logger.Warn("write stdout", "error", err)
	}
}
