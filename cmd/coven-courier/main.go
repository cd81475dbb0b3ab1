// ABOUTME: Entry point for coven-courier, the agent messaging and coordination runtime
// ABOUTME: Runs an agent and offers operator commands over the shared workspace

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-courier/internal/approval"
	"github.com/2389/coven-courier/internal/config"
	"github.com/2389/coven-courier/internal/coordinator"
	"github.com/2389/coven-courier/internal/echo"
	"github.com/2389/coven-courier/internal/handler"
	"github.com/2389/coven-courier/internal/tracing"
)

// Version is set at build time.
var version = "dev"

const banner = `
                                                          _
  ___ _____   _____ _ __         ___ ___  _   _ _ __ _(_) ___ _ __
 / __/ _ \ \ / / _ \ '_ \ _____ / __/ _ \| | | | '__| | |/ _ \ '__|
| (_| (_) \ V /  __/ | | |_____| (_| (_) | |_| | |  | | |  __/ |
 \___\___/ \_/ \___|_| |_|      \___\___/ \__,_|_|  |_|_|\___|_|
`

// getConfigPath returns the path to the courier config file.
// Priority: COVEN_COURIER_CONFIG env var > XDG_CONFIG_HOME/coven/courier.yaml > ~/.config/coven/courier.yaml
func getConfigPath() string {
	if envPath := os.Getenv("COVEN_COURIER_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "courier.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "coven", "courier.yaml")
}

func usage() {
	fmt.Println("Usage: coven-courier <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve       Run this agent (registry, inbox poller, push server)")
	fmt.Println("  keygen      Create or show this agent's signing key")
	fmt.Println("  agents      List registered agents and their liveness")
	fmt.Println("  send        Send a signed message to an agent or \"all\"")
	fmt.Println("  inbox       List pending or quarantined messages")
	fmt.Println("  tasks       List the delegation task board")
	fmt.Println("  approvals   Show the approval audit trail")
	fmt.Println("  compact     Collapse the registry log to one record per agent")
	fmt.Println("  health      Check a running agent's health endpoint")
	fmt.Println()
	fmt.Println("Every command accepts -config PATH (default: $COVEN_COURIER_CONFIG or ~/.config/coven/courier.yaml).")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx, args)
	case "keygen":
		err = runKeygen(args)
	case "agents":
		err = runAgents(ctx, args)
	case "send":
		err = runSend(ctx, args)
	case "inbox":
		err = runInbox(ctx, args)
	case "tasks":
		err = runTasks(ctx, args)
	case "approvals":
		err = runApprovals(ctx, args)
	case "compact":
		err = runCompact(ctx, args)
	case "health":
		err = runHealth(ctx, args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig parses the shared -config flag plus any command flags.
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.String("config", getConfigPath(), "config file path")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, "", fmt.Errorf("loading config: %w", err)
	}
	return cfg, *configPath, nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	engineName := fs.String("engine", "console", "execution engine: console or echo")
	delay := fs.Duration("delay", 500*time.Millisecond, "echo engine work time")
	cfg, configPath, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	logger := setupLogger(cfg.Logging)

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setting up tracing: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	var engine handler.Engine
	var prompter approval.Prompter
	switch *engineName {
	case "echo":
		engine = echo.New(*delay)
	case "console":
		engine = newConsoleEngine(os.Stdout)
		// The console engine only acknowledges; review requests from
		// subordinates need the operator's own answer.
		prompter = approval.NewStdioPrompter()
	default:
		return fmt.Errorf("unknown engine %q", *engineName)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	c, err := coordinator.New(cfg, coordinator.Options{
		Engine:     engine,
		OnShutdown: stop,
		Logger:     logger,
		Prompter:   prompter,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}
	defer c.Close()

	id := c.Identity()
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Agent:     ")
	cyan.Print(id.ID)
	gray.Printf(" (%s)\n", id.Role)
	green.Print("    ▶ ")
	fmt.Printf("Key:       %s\n", id.PublicKeyFingerprint)
	green.Print("    ▶ ")
	fmt.Printf("Workspace: %s\n", cfg.Storage.DataDir)
	green.Print("    ▶ ")
	if cfg.Agent.ListenAddr != "" {
		fmt.Printf("Push:      %s\n", cfg.Agent.ListenAddr)
	} else {
		fmt.Printf("Push:      ")
		color.New(color.FgYellow).Println("disabled (poll only)")
	}
	fmt.Println()

	logger.Info("starting coven-courier",
		"config", configPath,
		"agent_id", id.ID,
		"engine", *engineName,
	)
	return c.Run(runCtx)
}
