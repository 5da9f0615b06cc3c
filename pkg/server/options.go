package server

import (
	"log/slog"

	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/transport/ws"
)

// Config holds server configuration.
type Config struct {
	Node      *node.LocalNode
	Manager   *storage.Manager
	Logger    *slog.Logger
	WebSocket ws.Settings
}

// Option configures the server.
type Option func(*Config)

// WithNode sets the node that accepted peers are attached to.
func WithNode(n *node.LocalNode) Option {
	return func(c *Config) {
		c.Node = n
	}
}

// WithStoreManager sets the storage manager used to answer known-state
// queries for CoValues that are not loaded.
func WithStoreManager(m *storage.Manager) Option {
	return func(c *Config) {
		c.Manager = m
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithWebSocketSettings overrides the transport timeouts for accepted peers.
func WithWebSocketSettings(s ws.Settings) Option {
	return func(c *Config) {
		c.WebSocket = s
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
