// Package config loads the colog server configuration from an optional TOML
// file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/relves/colog/pkg/crypto"
)

// Config is the complete server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Node    NodeConfig    `toml:"node"`
	Logging LoggingConfig `toml:"logging"`
	Peers   PeersConfig   `toml:"peers"`
}

type ServerConfig struct {
	Port string `toml:"port"`
}

type StorageConfig struct {
	DataPath string `toml:"data_path"`
	// Store names the SQLite database under DataPath.
	Store string `toml:"store"`
	Async bool   `toml:"async"`
}

type NodeConfig struct {
	// AgentSecret is the node's identity. Empty means a fresh agent per start.
	AgentSecret string `toml:"agent_secret"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// PeersConfig lists upstream sync servers to dial at startup.
type PeersConfig struct {
	Upstream []string `toml:"upstream"`
}

// Default returns the configuration used when no file or overrides exist.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080"},
		Storage: StorageConfig{
			DataPath: "./data",
			Store:    "node",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path if it exists, applies environment overrides and validates
// the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if _, err := toml.Decode(string(data), cfg); err != nil {
				return nil, fmt.Errorf("decode TOML: %w", err)
			}
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
func (c *Config) ApplyEnvOverrides() error {
	if v := os.Getenv("COLOG_DATA_PATH"); v != "" {
		c.Storage.DataPath = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	// Secrets are better kept out of config files.
	if v := os.Getenv("COLOG_AGENT_SECRET"); v != "" {
		c.Node.AgentSecret = v
	}
	if v := os.Getenv("COLOG_UPSTREAM"); v != "" {
		c.Peers.Upstream = strings.Split(v, ",")
	}
	return nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port < 1 || port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %q is not a valid port", c.Server.Port))
	}
	if c.Storage.DataPath == "" {
		errs = append(errs, errors.New("storage.data_path is required"))
	}
	if c.Storage.Store == "" || strings.ContainsAny(c.Storage.Store, `/\`) {
		errs = append(errs, fmt.Errorf("storage.store %q must be a plain name", c.Storage.Store))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Node.AgentSecret != "" {
		if _, _, err := crypto.SplitAgentSecret(crypto.AgentSecret(c.Node.AgentSecret)); err != nil {
			errs = append(errs, fmt.Errorf("node.agent_secret: %w", err))
		}
	}
	for _, u := range c.Peers.Upstream {
		if !strings.HasPrefix(u, "ws://") && !strings.HasPrefix(u, "wss://") {
			errs = append(errs, fmt.Errorf("peers.upstream %q must be a ws:// or wss:// URL", u))
		}
	}
	return errors.Join(errs...)
}

// LogLevel parses Logging.Level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + c.Server.Port
}
