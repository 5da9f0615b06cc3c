package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/relves/colog/internal/config"
	"github.com/relves/colog/internal/storage"
	"github.com/relves/colog/internal/storage/sqlite"
	"github.com/relves/colog/pkg/crypto"
	"github.com/relves/colog/pkg/node"
	"github.com/relves/colog/pkg/server"
	"github.com/relves/colog/pkg/transport/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", os.Getenv("COLOG_CONFIG"), "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	level, _ := cfg.LogLevel()
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	provider, err := crypto.NewGoProvider(crypto.Config{Logger: logger})
	if err != nil {
		return fmt.Errorf("create crypto provider: %w", err)
	}

	n, err := node.New(node.Config{
		Crypto:      provider,
		AgentSecret: crypto.AgentSecret(cfg.Node.AgentSecret),
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}
	if cfg.Node.AgentSecret == "" {
		logger.Warn("no agent secret configured, using an ephemeral agent")
	}

	storeManager := sqlite.NewStoreManager(cfg.Storage.DataPath)
	defer storeManager.CloseAll()

	store, err := storeManager.GetStore(cfg.Storage.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	manager, err := storage.NewManager(storage.ManagerConfig{
		Backend: store,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("create storage manager: %w", err)
	}
	defer manager.Close()

	storagePeer := storage.NewPeer(manager, storage.PeerConfig{Async: cfg.Storage.Async, Logger: logger})
	if _, err := n.AddPeer(node.PeerConfig{ID: "storage", Role: node.PeerStorage, Conn: storagePeer}); err != nil {
		return fmt.Errorf("add storage peer: %w", err)
	}

	for i, url := range cfg.Peers.Upstream {
		conn, err := ws.Dial(ctx, url, ws.Settings{Logger: logger})
		if err != nil {
			return fmt.Errorf("connect upstream: %w", err)
		}
		id := fmt.Sprintf("upstream-%d", i)
		if _, err := n.AddPeer(node.PeerConfig{ID: id, Role: node.PeerServer, Conn: conn}); err != nil {
			return fmt.Errorf("add upstream peer: %w", err)
		}
		logger.Info("connected upstream", "peer", id, "url", url)
	}

	srv, err := server.NewServer(
		server.WithNode(n),
		server.WithStoreManager(manager),
		server.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	httpServer := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("colog sync server starting",
		"addr", httpServer.Addr,
		"agent", n.Identity().AgentID,
		"store", store.DBPath(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked sync connections are not tracked by Shutdown; the node
		// closes them.
		return errors.Join(
			httpServer.Shutdown(shutdownCtx),
			n.GracefulShutdown(shutdownCtx),
		)
	})
	return g.Wait()
}
