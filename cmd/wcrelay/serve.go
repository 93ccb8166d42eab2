package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var listen string
	var outputJSON bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay client, printing pairing lifecycle events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			core, err := coreFromCmd(cmd)
			if err != nil {
				return err
			}
			defer core.Halt()

			tracker := newServeStatusTracker(time.Now())
			shutdownStatus, err := maybeStartServeStatusServer(listen, tracker)
			if err != nil {
				return err
			}
			if shutdownStatus != nil {
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = shutdownStatus(shutdownCtx)
				}()
			}

			if outputJSON {
				_ = writeJSON(cmd.OutOrStdout(), map[string]any{"status": "ready"})
			} else {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "status: ready")
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "waiting for pairing events... (Ctrl+C to stop)")
			}

			pairing := core.Pairing()
			for {
				select {
				case ev := <-pairing.Pinged():
					tracker.recordEvent()
					printServeEvent(cmd, outputJSON, "pairing.pinged", map[string]any{"topic": ev.Topic})
				case ev := <-pairing.Deleted():
					tracker.recordEvent()
					printServeEvent(cmd, outputJSON, "pairing.deleted", map[string]any{"topic": ev.Topic, "reason": ev.Reason})
				case ev := <-pairing.Expired():
					tracker.recordEvent()
					printServeEvent(cmd, outputJSON, "pairing.expired", map[string]any{"topic": ev.Topic})
				case <-runCtx.Done():
					return nil
				}
			}
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "Multiaddr for a local status HTTP server, e.g. /ip4/127.0.0.1/tcp/8787 (disabled if empty)")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "Print events as JSON lines")
	return cmd
}

func printServeEvent(cmd *cobra.Command, outputJSON bool, kind string, fields map[string]any) {
	if outputJSON {
		view := map[string]any{"event": kind}
		for k, v := range fields {
			view[k] = v
		}
		_ = writeJSON(cmd.OutOrStdout(), view)
		return
	}
	raw, _ := json.Marshal(fields)
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", kind, raw)
}

// serveStatusTracker is a deliberately small /status backend: the
// relay client has no reservation concept to track, so this keeps
// only what a caller could plausibly want, uptime and an event
// counter.
type serveStatusTracker struct {
	startedAt time.Time
	events    atomic.Int64
}

func newServeStatusTracker(startedAt time.Time) *serveStatusTracker {
	return &serveStatusTracker{startedAt: startedAt}
}

func (t *serveStatusTracker) recordEvent() {
	t.events.Add(1)
}

type serveStatusView struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptime_sec"`
	Events    int64  `json:"events"`
}

func maybeStartServeStatusServer(listen string, tracker *serveStatusTracker) (func(context.Context) error, error) {
	addr, err := multiaddrToTCPAddr(listen)
	if err != nil {
		return nil, err
	}
	if addr == "" {
		return nil, nil
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen status http server on %q: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/_hc", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, map[string]string{"status": "ok"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = writeJSON(w, serveStatusView{
			Status:    "ok",
			Version:   buildVersion,
			UptimeSec: int64(time.Since(tracker.startedAt) / time.Second),
			Events:    tracker.events.Load(),
		})
	})
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = err
		}
	}()
	return func(ctx context.Context) error {
		return server.Shutdown(ctx)
	}, nil
}
