// Package main provides the standalone chatsync gateway server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/raphaelgruber/chatsync/internal/cli"
	"github.com/raphaelgruber/chatsync/internal/config"
)

const version = "0.1.0"

func main() {
	// Parse flags
	wipeDB := flag.Bool("wipe", false, "wipe all data from database on startup (testing only)")
	memory := flag.Bool("memory", false, "keep tickets in memory instead of SurrealDB")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *memory {
		cfg.MemoryStore = true
	}

	// Setup logger (dual output: stderr text + file JSON)
	logger, cleanup := cfg.Logger()
	defer func() { _ = cleanup() }()

	logger.Info("chatsync-server starting",
		"version", version,
		"surrealdb_url", cfg.SurrealDBURL,
		"bot_provider", cfg.BotProvider,
	)

	// Handle shutdown signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Wipe database if requested (via flag or env var)
	wipe := *wipeDB || os.Getenv("CHATSYNC_WIPE_DB") == "true"

	if err := cli.Serve(ctx, cfg, logger, cli.ServeOptions{Wipe: wipe}); err != nil {
		logger.Error("server error", "error", err)
		stop()
		_ = cleanup()
		os.Exit(1)
	}
}
