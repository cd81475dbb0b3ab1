// ABOUTME: Minimal echo agent for end-to-end testing of a shared workspace.
// ABOUTME: Usage: fake-agent [-id e2e-echo-agent] [-data-dir .coven] [-listen 127.0.0.1:0] [-caps a,b]
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/echo"
)

func main() {
	agentID := flag.String("id", "e2e-echo-agent", "Agent ID")
	dataDir := flag.String("data-dir", ".coven", "Shared workspace directory")
	listen := flag.String("listen", "", "Push listener address (empty polls only)")
	caps := flag.String("caps", "echo", "Comma-separated capabilities")
	delay := flag.Duration("delay", 200*time.Millisecond, "Simulated work time per unit")
	poll := flag.Duration("poll", time.Second, "Inbox poll interval")
	flag.Parse()

	cfg := &config.Config{
		Agent: config.AgentConfig{
			ID:           *agentID,
			Role:         "worker",
			Capabilities: strings.Split(*caps, ","),
			ListenAddr:   *listen,
		},
		Storage: config.StorageConfig{DataDir: *dataDir},
	}
	cfg.Delivery.PollInterval = *poll
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	if err := run(cfg, *delay); err != nil {
		log.Fatal(err)
	}
}

func run(cfg *config.Config, delay time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	c, err := coordinator.New(cfg, coordinator.Options{
		Engine:     echo.New(delay),
		OnShutdown: stop,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	log.Printf("echo agent %s ready (data dir %s)", cfg.Agent.ID, cfg.Storage.DataDir)
	return c.Run(ctx)
}
