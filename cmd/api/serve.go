package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"

	"rummi-server/internal/config"
	"rummi-server/internal/logging"
	"rummi-server/internal/server"
	"rummi-server/internal/session"
	"rummi-server/internal/store"
)

const (
	shutdownTimeout = 30 * time.Second
	pingAttempts    = 5
	pingBackoff     = 500 * time.Millisecond
)

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the game server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger := logging.Setup("rummi-server", version, cfg.LogFormat, logging.ParseLevel(cfg.LogLevel), os.Stderr)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBackend()

	if err := waitForBackend(ctx, backend, retry.NewExponential(pingBackoff)); err != nil {
		return err
	}

	controller := session.NewController(backend, backend,
		session.WithSkipGrace(cfg.SkipGrace),
		session.WithLogger(logger))

	gameServer := server.NewServer(backend, controller, logger, server.Options{
		RateLimit:       cfg.RateLimit,
		RateBurst:       cfg.RateBurst,
		IdleTimeout:     cfg.IdleTimeout,
		CleanupInterval: cfg.CleanupInterval,
		CleanupAge:      cfg.CleanupAge,
		CommandTimeout:  cfg.CommandTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	})
	gameServer.Start(ctx)

	httpServer := gameServer.HTTPServer(cfg.Addr)

	done := make(chan struct{})
	go gracefulShutdown(ctx, stop, logger, gameServer, httpServer, done)

	logger.Info("server listening", "addr", cfg.Addr, "store", cfg.Store)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		stop()
		<-done
		return oops.Code("LISTEN_FAILED").With("addr", cfg.Addr).Wrap(err)
	}

	<-done
	logger.Info("graceful shutdown complete")
	return nil
}

func gracefulShutdown(ctx context.Context, stop context.CancelFunc, logger *slog.Logger,
	gameServer *server.Server, httpServer *http.Server, done chan<- struct{}) {
	defer close(done)

	<-ctx.Done()

	logger.Info("shutdown signal received, press Ctrl+C again to force")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	gameServer.CloseConnections()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.LogError(shutdownCtx, logger, "http server forced to shutdown", err)
	}
}

// openBackend connects the configured session store. The returned func
// releases its resources.
func openBackend(ctx context.Context, cfg config.Config) (server.Backend, func(), error) {
	switch cfg.Store {
	case config.StoreMemory:
		return session.NewMemoryStore(), func() {}, nil

	case config.StorePostgres:
		pool, err := store.OpenPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store.NewPostgresStore(pool), pool.Close, nil

	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		return store.NewRedisStore(client, cfg.TerminalTTL), func() { _ = client.Close() }, nil
	}

	return nil, nil, oops.Code("CONFIG_INVALID").With("store", cfg.Store).Errorf("unknown store driver %q", cfg.Store)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// waitForBackend pings the store until it answers or the attempts run out.
func waitForBackend(ctx context.Context, p pinger, backoff retry.Backoff) error {
	backoff = retry.WithMaxRetries(pingAttempts-1, backoff)

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			slog.WarnContext(ctx, "store not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return oops.Code("DB_CONNECT_FAILED").Wrapf(err, "store unreachable after %d attempts", pingAttempts)
	}
	return nil
}
