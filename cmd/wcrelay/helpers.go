package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	manet "github.com/multiformats/go-multiaddr/net"
	"github.com/spf13/cobra"

	"github.com/walletconnect/wc-relay-go/client"
)

// defaultWcrelayDir resolves the storage directory: an env-var
// override, falling back to a dotdir under the user's home.
func defaultWcrelayDir() string {
	if v := strings.TrimSpace(os.Getenv("WCRELAY_DIR")); v != "" {
		return expandHomePath(v)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".wcrelay"
	}
	return filepath.Join(home, ".wcrelay")
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return path
	}
	if path == "~" {
		home, err := os.UserHomeDir()
		if err == nil {
			return home
		}
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~/"))
		}
	}
	return path
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadCmdConfig resolves a config file path (if --config was given)
// plus environment and built-in defaults, then layers any explicitly
// set --dir/--relay-url flags on top, so flags always win.
func loadCmdConfig(cmd *cobra.Command) (config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := loadConfig(strings.TrimSpace(configPath))
	if err != nil {
		return config{}, err
	}

	if cmd.Flags().Changed("dir") {
		dir, _ := cmd.Flags().GetString("dir")
		cfg.StorageDir = dir
	}
	if cmd.Flags().Changed("relay-url") {
		url, _ := cmd.Flags().GetString("relay-url")
		cfg.RelayURL = url
	}
	if cmd.Flags().Changed("log-level") {
		level, _ := cmd.Flags().GetString("log-level")
		cfg.LogLevel = level
	}
	cfg.StorageDir = expandHomePath(cfg.StorageDir)
	return cfg, nil
}

// coreFromCmd builds, initializes, and starts a client.Core from the
// command's resolved config. Callers must defer core.Halt().
func coreFromCmd(cmd *cobra.Command) (*client.Core, error) {
	cfg, err := loadCmdConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := loggerFromCmd(cmd)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.StorageDir, 0o700); err != nil {
		return nil, fmt.Errorf("create storage dir %q: %w", cfg.StorageDir, err)
	}

	core := client.NewCore(client.Options{
		StorageDir: cfg.StorageDir,
		RelayURL:   cfg.RelayURL,
		Logger:     logger,
	})
	if err := core.Init(cmd.Context()); err != nil {
		return nil, fmt.Errorf("init core: %w", err)
	}
	core.Start()
	return core, nil
}

// multiaddrToTCPAddr validates a /ip4|ip6/.../tcp/... multiaddr and
// converts it to a net.Listen-compatible "host:port" string, scoped
// down to the one shape the status server's --listen flag needs.
func multiaddrToTCPAddr(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	maddr, err := ma.NewMultiaddr(raw)
	if err != nil {
		return "", fmt.Errorf("invalid --listen multiaddr %q: %w", raw, err)
	}
	network, addr, err := manet.DialArgs(maddr)
	if err != nil {
		return "", fmt.Errorf("invalid --listen multiaddr %q: %w", raw, err)
	}
	if network != "tcp" && network != "tcp4" && network != "tcp6" {
		return "", fmt.Errorf("--listen multiaddr %q must resolve to tcp, got %s", raw, network)
	}
	return addr, nil
}
