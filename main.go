package main

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

	"github.com/joho/godotenv"

	"github.com/jmholt/newsstand/internal/account"
	"github.com/jmholt/newsstand/internal/config"
	"github.com/jmholt/newsstand/internal/database"
	"github.com/jmholt/newsstand/internal/events"
	"github.com/jmholt/newsstand/internal/rss"
	"github.com/jmholt/newsstand/internal/saver"
	"github.com/jmholt/newsstand/internal/server"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load .env when present; absence is fine.
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	bus := events.NewBus()

	db, err := database.New(cfg.DBPath, bus)
	if err != nil {
		return fmt.Errorf("opening article database: %w", err)
	}
	defer db.Close()

	queue := saver.NewQueue(saver.WithLogger(logger))
	defer queue.Close()

	opts := []account.Option{
		account.WithName(cfg.AccountName),
		account.WithLogger(logger),
	}
	if cfg.LegacyPath != "" {
		opts = append(opts, account.WithLegacyPath(cfg.LegacyPath))
	}
	acct, err := account.Open(cfg.DataDir, db, bus, queue, opts...)
	if err != nil {
		return fmt.Errorf("opening account: %w", err)
	}
	defer acct.Close()

	refresher := rss.NewRefresher(acct, bus, rss.WithLogger(logger))
	poller := rss.NewPoller(refresher, cfg.RefreshInterval, logger)
	acct.SetRefreshRequester(poller.Kick)

	srv := server.New(acct, poller, logger)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: srv}

	poller.Start()
	defer poller.Stop()

	errCh := make(chan error, 1)
	go func() {
		err := httpServer.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	logger.Info("listening", "addr", cfg.Addr)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("stopping http server: %w", err)
	}
	return <-errCh
}
