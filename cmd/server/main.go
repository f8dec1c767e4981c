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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/toricodesthings/vn-ocr-service/internal/api"
	"github.com/toricodesthings/vn-ocr-service/internal/app"
	"github.com/toricodesthings/vn-ocr-service/internal/config"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.LoadWithFile()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)
	logger := logging.New("server")

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := app.Build(cfg, reg, slog.Default())
	if err != nil {
		return err
	}

	if cfg.ResumeOnStart {
		ids, err := a.Sessions.ResumePending(ctx)
		if err != nil {
			logger.Warn("resume pending sessions", "error", err)
		}
		if len(ids) > 0 {
			logger.Info("resumed sessions", "count", len(ids), "sessionIds", ids)
		}
	}

	srv := api.New(api.Deps{
		Config:    cfg,
		Sessions:  a.Sessions,
		Documents: a.Documents,
		Corrector: a.Corrector,
		Metrics:   a.Metrics,
		Logger:    logging.New("api"),
	})
	go srv.RunLimiterCleanup(ctx, cfg.CleanupInterval)
	go a.RunSweeper(ctx)

	maxHeaderBytes := 1 << 20
	if cfg.MaxHeaderBytes > 0 {
		maxHeaderBytes = cfg.MaxHeaderBytes
	}
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    maxHeaderBytes,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("vn-ocr listening",
			"addr", httpSrv.Addr,
			"checkpointBackend", cfg.CheckpointBackend,
			"maxSessions", cfg.MaxConcurrentSessions,
			"maxOcr", cfg.MaxOCRConcurrent)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			_ = a.Close(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Sessions checkpoint their progress when canceled, so they are stopped
	// after the listener.
	return errors.Join(httpSrv.Shutdown(shutdownCtx), a.Close(shutdownCtx))
}
