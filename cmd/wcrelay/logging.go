package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// parseLogLevel maps the --log-level flag's string values onto slog's
// levels. Empty defaults to info; "warning" is accepted as an alias
// for "warn" since that's the spelling people actually type.
func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid --log-level %q (supported: debug|info|warn|error)", raw)
	}
}

// resolveLogLevel reads --log-level off cmd and validates it without
// constructing a logger, so PersistentPreRunE can fail fast on a typo
// before any subcommand touches disk or the network.
func resolveLogLevel(cmd *cobra.Command) (slog.Level, error) {
	raw, _ := cmd.Flags().GetString("log-level")
	return parseLogLevel(raw)
}

// loggerFromCmd builds the *slog.Logger every subcommand logs through,
// writing to the command's stderr so redirected stdout stays clean for
// --json output. Every invocation gets its own correlation id, so a
// multi-command log stream (e.g. `serve` piped somewhere) can still be
// split back into individual runs.
func loggerFromCmd(cmd *cobra.Command) (*slog.Logger, error) {
	level, err := resolveLogLevel(cmd)
	if err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
	return logger.With("invocation_id", uuid.NewString()), nil
}
