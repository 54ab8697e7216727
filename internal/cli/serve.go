package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	ingestapp "rvm-cloud/internal/ingestion/application"
	"rvm-cloud/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return err
	}
	defer a.Close()

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, logger)
	limiter.StartCleanup(ctx, 5*time.Minute)

	handler, err := newRouter(routerDeps{
		Service:      a.service,
		Events:       a.events,
		Fleet:        a.fleet,
		Audit:        a.audit,
		DB:           a.db,
		Limiter:      limiter,
		JWTSecret:    cfg.JWTSecret,
		MaxBodyBytes: cfg.MaxBodyBytes,
		Version:      cmd.Root().Version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	if cfg.ReplayInterval > 0 {
		worker, err := ingestapp.NewReplayWorker(a.service, cfg.ReplayInterval, cfg.ReplayBatch, logger)
		if err != nil {
			return err
		}
		go worker.Run(ctx)
		logger.WithField("interval", cfg.ReplayInterval).Info("replay worker started")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("http listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
