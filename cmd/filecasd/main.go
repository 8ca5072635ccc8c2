// Command filecasd runs the ZIP-ingest content-addressable store as a
// standalone HTTP service: load configuration from the environment,
// open the CAS store, and serve spec.md's endpoint surface until
// SIGINT/SIGTERM.
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

	"github.com/filecas/filecas/internal/cas"
	"github.com/filecas/filecas/internal/config"
	"github.com/filecas/filecas/internal/httpapi"
	"github.com/filecas/filecas/internal/ingest"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "filecasd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	store, err := cas.Open(cfg.StoreDir)
	if err != nil {
		return fmt.Errorf("opening store at %q: %w", cfg.StoreDir, err)
	}

	orch := ingest.New(store, cfg.Limits,
		ingest.WithLogger(logger),
		ingest.WithKeepSpool(cfg.KeepSpool),
	)

	srv := httpapi.New(store, orch, httpapi.WithLogger(logger))

	httpSrv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("filecasd listening", "addr", cfg.Addr(), "store_dir", cfg.StoreDir)
		serveErr <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
