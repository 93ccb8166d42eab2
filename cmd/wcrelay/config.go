package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// config captures the settings cmd/wcrelay needs beyond what a single
// subcommand's flags carry. Loaded with a fresh viper.New per call
// (never the package singleton, so tests can load independent
// configs): env vars override file values, file values override
// built-in defaults.
type config struct {
	RelayURL   string `mapstructure:"relay_url"`
	StorageDir string `mapstructure:"storage_dir"`
	LogLevel   string `mapstructure:"log_level"`
}

const (
	defaultRelayURL = "wss://relay.walletconnect.com"
	defaultLogLevel = "info"
	configEnvPrefix = "WCRELAY"
)

// loadConfig reads the optional config file at path (if non-empty) and
// the WCRELAY_-prefixed environment, returning defaults when neither
// sets a field. It never reads flags; loadCmdConfig in helpers.go
// layers flag values on top of what this returns.
func loadConfig(path string) (config, error) {
	v := viper.New()
	v.SetEnvPrefix(configEnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("relay_url", defaultRelayURL)
	v.SetDefault("storage_dir", defaultWcrelayDir())
	v.SetDefault("log_level", defaultLogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if strings.TrimSpace(cfg.RelayURL) == "" {
		cfg.RelayURL = defaultRelayURL
	}
	if strings.TrimSpace(cfg.StorageDir) == "" {
		cfg.StorageDir = defaultWcrelayDir()
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaultLogLevel
	}
	return cfg, nil
}
