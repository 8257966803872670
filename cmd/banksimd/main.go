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

	"github.com/example/banksim/internal/api"
	"github.com/example/banksim/internal/config"
	"github.com/example/banksim/internal/store"
	"github.com/example/banksim/pkg/audit"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	var stores store.Manager
	if cfg.UsePostgres() {
		pg, err := store.NewPostgresManager(context.Background(), cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		stores = pg
	} else {
		sq, err := store.NewSQLiteManager(cfg.DataDir)
		if err != nil {
			logger.Error("failed to open data dir", "error", err)
			os.Exit(1)
		}
		stores = sq
	}

	router, err := api.NewRouter(api.Dependencies{
		Logger:       logger,
		Stores:       stores,
		Trail:        audit.NewTrail(),
		MaxBodyBytes: 1 << 20,
	})
	if err != nil {
		logger.Error("failed to build router", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	logger.Info("banksim listening", "addr", cfg.ListenAddr, "backend", backendName(cfg))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func backendName(cfg *config.Config) string {
	if cfg.UsePostgres() {
		return "postgres"
	}
	return "sqlite"
}
