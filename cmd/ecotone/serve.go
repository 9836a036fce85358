package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/fyrsmithlabs/ecotone/internal/config"
	httpserver "github.com/fyrsmithlabs/ecotone/internal/http"
	"github.com/fyrsmithlabs/ecotone/internal/vectorstore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the graph-embedding substrate REST API",
	Long: `Serve a chromem database over the REST API that store B clients use:

  POST /search, POST /documents, GET /documents/:id,
  GET /graph/neighbors/:id, GET /health, GET /metrics

Examples:
  # Serve on the configured host and port
  ecotone serve

  # Keep everything in memory
  ECOTONE_SERVER_DATA_DIR= ecotone serve`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	cfg := a.cfg.Server

	db, err := vectorstore.NewChromemStore(vectorstore.ChromemConfig{
		Path:       config.ExpandPath(cfg.DataDir),
		Collection: cfg.DefaultCollection,
		VectorSize: a.cfg.StoreB.VectorSize,
	}, a.zap.Named("substrate"))
	if err != nil {
		return fmt.Errorf("opening substrate database: %w", err)
	}

	resolver := httpserver.ResolverFunc(func(name string) (vectorstore.Store, error) {
		st, err := db.Collection(name)
		if err != nil {
			return nil, err
		}
		return vectorstore.Instrument(st, "chromem"), nil
	})

	server, err := httpserver.NewServer(resolver, a.zap.Named("http"), &httpserver.Config{
		Host:              cfg.Host,
		Port:              cfg.Port,
		DefaultCollection: cfg.DefaultCollection,
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.zap.Error("substrate server failed", zap.Error(err))
			_ = a.Close(context.Background())
			return err
		}
	case <-ctx.Done():
		a.zap.Info("shutdown signal received", zap.Duration("shutdown_timeout", cfg.ShutdownTimeout))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.zap.Warn("substrate server shutdown", zap.Error(err))
	}
	return a.Close(shutdownCtx)
}
