// tap connects to a message-channel server and streams received
// envelopes to the console.
// Usage: go run ./cmd/tap --config configs/sockline.example.yaml
// or:    go run ./cmd/tap --url ws://localhost:8000/ws --channel orders
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sockline/sockline/internal/config"
	"github.com/sockline/sockline/internal/conn"
	"github.com/sockline/sockline/internal/subs"
	"github.com/sockline/sockline/internal/version"
	"github.com/sockline/sockline/internal/wire"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	url := flag.String("url", "", "server URL (overrides config)")
	channels := flag.String("channel", "", "comma-separated channels to subscribe (default: all)")
	verbose := flag.Bool("verbose", false, "print full envelope JSON")
	flag.Parse()

	// Setup logger
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting tap", "version", version.Version)

	connCfg, tokens, err := buildConfig(*configPath, *url)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	mgr := conn.NewManager(connCfg, tokens, logger)

	mgr.OnStateChange(func(s conn.State) {
		logger.Info("connection state", "state", s)
	})
	mgr.OnError(func(err error) {
		logger.Warn("connection error", "error", err)
	})

	// Subscribe before connecting so channel announcements go out with
	// the first connect.
	for _, ch := range tapChannels(*channels) {
		mgr.Subscribe(ch, printEnvelope(*verbose), nil)
	}

	if err := mgr.Connect(ctx); err != nil {
		logger.Error("failed to connect", "error", err, "url", connCfg.URL)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mgr.Stats()
				logger.Info("stats",
					"state", stats.State,
					"sent", stats.MessagesSent,
					"received", stats.MessagesReceived,
					"reconnects", stats.TotalReconnects,
					"queue_depth", stats.QueueDepth,
					"latency", stats.LastLatency,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop")

	<-ctx.Done()

	logger.Info("shutting down...")
	mgr.Disconnect(1000, "client shutdown")
	logger.Info("tap stopped")
}

// buildConfig resolves flags and the optional config file into a
// connection config and token provider.
func buildConfig(configPath, url string) (conn.Config, conn.TokenProvider, error) {
	if configPath == "" {
		if url == "" {
			return conn.Config{}, nil, fmt.Errorf("either --config or --url is required")
		}
		return conn.DefaultConfig(url), nil, nil
	}

	cfg, err := config.LoadAndValidate(configPath)
	if err != nil {
		return conn.Config{}, nil, err
	}

	connCfg := cfg.Connection.ToConn()
	if url != "" {
		connCfg.URL = url
	}

	var tokens conn.TokenProvider
	if env := cfg.Connection.Auth.TokenEnv; env != "" {
		tokens = conn.StaticToken(os.Getenv(env))
	}

	return connCfg, tokens, nil
}

func tapChannels(flagValue string) []string {
	if flagValue == "" {
		return []string{subs.Wildcard}
	}
	var out []string
	for _, ch := range strings.Split(flagValue, ",") {
		if ch = strings.TrimSpace(ch); ch != "" {
			out = append(out, ch)
		}
	}
	return out
}

func printEnvelope(verbose bool) subs.Handler {
	return func(env *wire.Envelope) {
		if verbose {
			data, _ := json.MarshalIndent(env, "", "  ")
			fmt.Printf("[MSG] %s\n", data)
			return
		}
		fmt.Printf("[MSG] type=%s channel=%s id=%s bytes=%d\n",
			env.Type, env.Channel, env.ID, len(env.Data))
	}
}
