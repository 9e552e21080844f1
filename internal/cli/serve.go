package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/raphaelgruber/chatsync/internal/assign"
	"github.com/raphaelgruber/chatsync/internal/bot"
	"github.com/raphaelgruber/chatsync/internal/clock"
	"github.com/raphaelgruber/chatsync/internal/config"
	"github.com/raphaelgruber/chatsync/internal/db"
	"github.com/raphaelgruber/chatsync/internal/escalation"
	"github.com/raphaelgruber/chatsync/internal/memstore"
	"github.com/raphaelgruber/chatsync/internal/metrics"
	"github.com/raphaelgruber/chatsync/internal/server"
	"github.com/raphaelgruber/chatsync/internal/service"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

var (
	serveWipe   bool
	serveMemory bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the websocket gateway",
	Long: `Run the websocket gateway in the foreground.

Configuration comes from CHATSYNC_* environment variables and the optional
YAML file named by CHATSYNC_CONFIG.

Examples:
  chatsync serve
  chatsync serve --memory
  CHATSYNC_BOT_PROVIDER=ollama chatsync serve`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveWipe, "wipe", false, "wipe all data from database on startup (testing only)")
	serveCmd.Flags().BoolVar(&serveMemory, "memory", false, "keep tickets in memory instead of SurrealDB")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if serveMemory {
		cfg.MemoryStore = true
	}

	logger, cleanup := cfg.Logger()
	defer func() { _ = cleanup() }()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return Serve(ctx, cfg, logger, ServeOptions{Wipe: serveWipe})
}

// ServeOptions tweaks a Serve run.
type ServeOptions struct {
	// Wipe deletes all tickets and messages on startup.
	Wipe bool
}

// repository is the persistence layer behind the gateway plus its lifecycle.
type repository interface {
	service.Repository
	server.Pinger
}

// Serve wires the store, bot, assignment client, escalation dispatcher,
// session manager and gateway from cfg and serves until ctx is done.
func Serve(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ServeOptions) error {
	m := metrics.NewCollector()

	repo, closeRepo, err := openRepository(ctx, cfg, logger, m, opts.Wipe)
	if err != nil {
		return err
	}
	defer closeRepo()

	var b escalation.Bot
	if bot.Enabled(cfg) {
		bc, err := bot.New(ctx, cfg, logger, m)
		if err != nil {
			return fmt.Errorf("init bot: %w", err)
		}
		b = bc
	} else {
		logger.Info("bot disabled, customers wait for agents")
	}

	var a escalation.Assigner
	if cfg.AssignURL != "" {
		a = assign.New(cfg.AssignURL, cfg.AssignTimeout, logger, m)
	} else {
		logger.Info("no assignment service configured, agents claim tickets")
	}

	dispatcher := escalation.New(repo, b, a, escalation.Options{Logger: logger, Metrics: m})
	manager := service.NewManager(repo, dispatcher, service.Options{
		TypingWindow:     cfg.TypingWindow,
		PollInterval:     cfg.PollInterval,
		SilenceTimeout:   cfg.SilenceTimeout,
		PendingWindow:    cfg.PendingWindow,
		MaxMessageLength: cfg.MaxMessageLength,
		WelcomeText:      cfg.WelcomeText,
		Logger:           logger,
		Metrics:          m,
	})
	defer manager.Close()

	gateway := server.New(manager, server.Options{Logger: logger, Metrics: m, Health: repo})

	// No WriteTimeout: websocket connections are long-lived and manage
	// their own deadlines.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           gateway.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.ListenAddr, "memory_store", cfg.MemoryStore)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("gateway stopped")
	return nil
}

func openRepository(ctx context.Context, cfg config.Config, logger *slog.Logger, m *metrics.Collector, wipe bool) (repository, func(), error) {
	if cfg.MemoryStore {
		store := memstore.New(clock.Real())
		return store, store.Close, nil
	}

	dbClient, err := db.NewClient(ctx, db.Config{
		URL:       cfg.SurrealDBURL,
		Namespace: cfg.SurrealDBNamespace,
		Database:  cfg.SurrealDBDatabase,
		Username:  cfg.SurrealDBUser,
		Password:  cfg.SurrealDBPass,
		AuthLevel: cfg.SurrealDBAuthLevel,
	}, logger, m)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	closeDB := func() {
		if err := dbClient.Close(context.Background()); err != nil {
			logger.Error("failed to close database", "error", err)
		}
	}

	if err := dbClient.InitSchema(ctx); err != nil {
		closeDB()
		return nil, nil, fmt.Errorf("initialize schema: %w", err)
	}
	if wipe {
		if err := dbClient.WipeData(ctx); err != nil {
			closeDB()
			return nil, nil, fmt.Errorf("wipe database: %w", err)
		}
		logger.Warn("database wiped")
	}
	return dbClient, closeDB, nil
}
