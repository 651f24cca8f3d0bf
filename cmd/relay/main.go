package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/gpose-together/internal/config"
	"github.com/DoyleJ11/gpose-together/internal/httpapi"
	"github.com/DoyleJ11/gpose-together/internal/hub"
	"github.com/DoyleJ11/gpose-together/internal/logging"
	"github.com/DoyleJ11/gpose-together/internal/posestore"
	"github.com/DoyleJ11/gpose-together/internal/ws"
)

const shutdownGrace = 10 * time.Second

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}
	cfg := config.LoadRelay()

	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("relay stopped", zap.Error(err))
	}
}

func run(cfg config.Relay, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var poses posestore.Store = posestore.NewMemoryStore()
	if cfg.DatabaseURL != "" {
		gs, err := posestore.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		poses = gs
		logger.Info("shared poses in postgres")
	} else {
		logger.Info("shared poses in memory; set DATABASE_URL to persist them")
	}

	h := hub.NewHub(ctx, hub.Options{Logger: logger})

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:    h,
			Poses:  poses,
			WS:     ws.Options{Outbox: cfg.RoomOutbox},
			Logger: logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}
