// archiver connects to a message-channel server and persists every
// received envelope to PostgreSQL.
// Usage: go run ./cmd/archiver --config configs/sockline.example.yaml
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sockline/sockline/internal/archive"
	"github.com/sockline/sockline/internal/config"
	"github.com/sockline/sockline/internal/conn"
	"github.com/sockline/sockline/internal/database"
	"github.com/sockline/sockline/internal/subs"
	"github.com/sockline/sockline/internal/version"
	"github.com/sockline/sockline/internal/wire"
)

func main() {
	configPath := flag.String("config", "configs/sockline.example.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting archiver",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"url", cfg.Connection.URL,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := archive.EnsureSchema(ctx, db, cfg.Archive.Table); err != nil {
		logger.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	logger.Info("database connected")

	// Create archiver
	arch := archive.New(archive.Config{
		Table:         cfg.Archive.Table,
		BatchSize:     cfg.Archive.BatchSize,
		FlushInterval: cfg.Archive.FlushInterval,
		BufferSize:    cfg.Archive.BufferSize,
	}, db, logger)

	// Create connection manager
	var tokens conn.TokenProvider
	if env := cfg.Connection.Auth.TokenEnv; env != "" {
		tokens = conn.StaticToken(os.Getenv(env))
	}

	mgr := conn.NewManager(cfg.Connection.ToConn(), tokens, logger)

	mgr.OnStateChange(func(s conn.State) {
		logger.Info("connection state", "state", s)
	})

	// Every delivered envelope is offered for archival. Heartbeats and
	// correlated responses never reach subscribers, so the archive holds
	// server-pushed traffic only.
	mgr.Subscribe(subs.Wildcard, func(env *wire.Envelope) {
		arch.Offer(env)
	}, nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := arch.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		return arch.Stop(stopCtx)
	})

	g.Go(func() error {
		if err := mgr.Connect(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return mgr.Disconnect(1000, "archiver shutdown")
	})

	// Stats printer
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				connStats := mgr.Stats()
				archStats := arch.Stats()
				logger.Info("stats",
					"state", connStats.State,
					"received", connStats.MessagesReceived,
					"reconnects", connStats.TotalReconnects,
					"inserts", archStats.Inserts,
					"conflicts", archStats.Conflicts,
					"dropped", archStats.Dropped,
					"errors", archStats.Errors,
				)
			}
		}
	})

	logger.Info("archiver running", "instance_id", cfg.Instance.ID)

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("archiver exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("archiver stopped")
}
