// Package app assembles the service from configuration: stores, the
// streaming pipeline, the session manager and the text cleaner.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/config"
	"github.com/toricodesthings/vn-ocr-service/internal/correction"
	"github.com/toricodesthings/vn-ocr-service/internal/intake"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/metrics"
	"github.com/toricodesthings/vn-ocr-service/internal/ocr"
	"github.com/toricodesthings/vn-ocr-service/internal/output"
	"github.com/toricodesthings/vn-ocr-service/internal/raster"
	"github.com/toricodesthings/vn-ocr-service/internal/session"
	"github.com/toricodesthings/vn-ocr-service/internal/stream"
)

type App struct {
	Config      config.Config
	Metrics     *metrics.Metrics
	Checkpoints checkpoint.Store
	Outputs     *output.Store
	Documents   *intake.Store
	Corrector   *correction.Corrector
	Pipeline    *stream.Pipeline
	Sessions    *session.Manager

	logger  *slog.Logger
	closers []func() error
}

// Build wires every component. reg may be nil, in which case metrics are
// not recorded.
func Build(cfg config.Config, reg *prometheus.Registry, logger *slog.Logger) (*App, error) {
	logger = logging.OrDefault(logger, "app")
	a := &App{Config: cfg, logger: logger}
	if reg != nil {
		a.Metrics = metrics.New(reg)
	}

	cps, closeStore, err := NewCheckpointStore(cfg, logger.With("component", "checkpoint"))
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	a.Checkpoints = cps

	if a.Outputs, err = output.NewStore(cfg.OutputDir(), logger.With("component", "output")); err != nil {
		a.closeAll()
		return nil, err
	}
	intakeOpts := intake.Options{MaxBytes: cfg.MaxUploadBytes, AllowPrivateURLs: cfg.AllowPrivateDownloads}
	if a.Documents, err = intake.NewStore(cfg.DocumentsDir(), intakeOpts, logger.With("component", "intake")); err != nil {
		a.closeAll()
		return nil, err
	}

	a.Corrector = NewCorrector(cfg)

	rasterizer := raster.NewPoppler(raster.Config{
		PDFInfoBinary:  cfg.PDFInfoBinary,
		PDFToPPMBinary: cfg.PDFToPPMBinary,
		PDFInfoTimeout: cfg.PDFInfoTimeout,
		RenderTimeout:  cfg.RasterTimeout,
	}, logger.With("component", "raster"))

	engine := ocr.NewLimited(ocr.NewTesseract(ocr.TesseractConfig{
		Binary:  cfg.TesseractBinary,
		Timeout: cfg.OCRTimeout,
		Format:  cfg.OCROutput,
	}, logger.With("component", "ocr")), cfg.MaxOCRConcurrent)

	opts := stream.Options{
		DPI:                  cfg.RasterDPI,
		CheckpointEvery:      cfg.CheckpointEvery,
		MemoryThresholdBytes: cfg.MemoryThresholdBytes(),
		Primary:              ocr.NewLanguageConfig(cfg.OCRLanguages, cfg.OCREngineMode, cfg.OCRPageSegMode),
		Fallback:             ocr.NewLanguageConfig(cfg.OCRFallbackLanguages, cfg.OCREngineMode, cfg.OCRPageSegMode),
		WorkDir:              cfg.WorkDir(),
	}
	if cfg.CleanPages {
		opts.PageFilter = a.cleanPage
	}
	a.Pipeline = stream.New(rasterizer, engine, cps, a.Outputs, opts, logger.With("component", "stream"), a.Metrics)

	a.Sessions = session.NewManager(a.Pipeline, cps, a.Outputs, session.Options{
		MaxConcurrent: cfg.MaxConcurrentSessions,
		WorkDir:       cfg.WorkDir(),
		DocumentsDir:  cfg.DocumentsDir(),
	}, logger.With("component", "session"), a.Metrics)
	return a, nil
}

// cleanPage runs the correction engine over one page before it is written.
func (a *App) cleanPage(page int, text string) string {
	res := a.Corrector.Clean(text)
	for cat, st := range res.Metadata.Corrections {
		a.Metrics.Corrections(string(cat), st.Count)
	}
	if res.Cleaned == "" && text != "" {
		return text
	}
	a.logger.Debug("page cleaned",
		"page", page,
		"documentType", res.Metadata.DocumentType,
		"corrections", res.Metadata.TotalCorrections)
	return res.Cleaned
}

func NewCorrector(cfg config.Config) *correction.Corrector {
	return correction.New(CorrectionOptions(cfg))
}

// CorrectionOptions maps the configured heuristics onto the engine.
func CorrectionOptions(cfg config.Config) correction.Options {
	opts := correction.DefaultOptions()
	c := cfg.Correction
	if c.DetectionThreshold > 0 {
		opts.DetectionThreshold = c.DetectionThreshold
	}
	if c.SampleLimit > 0 {
		opts.SampleLimit = c.SampleLimit
	}
	if c.ContextWidth > 0 {
		opts.ContextWidth = c.ContextWidth
	}
	w := c.Weights
	if w.Length+w.DocumentType+w.ChangeCount+w.Domain > 0 {
		opts.Weights = correction.Weights{
			Length:       w.Length,
			DocumentType: w.DocumentType,
			ChangeCount:  w.ChangeCount,
			Domain:       w.Domain,
		}
	}
	return opts
}

// NewCheckpointStore opens the configured backend. The returned close
// function is nil for the file backend.
func NewCheckpointStore(cfg config.Config, logger *slog.Logger) (checkpoint.Store, func() error, error) {
	switch cfg.CheckpointBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		// Redis expiry backs up the retention sweep in case it never runs.
		ttl := 2 * cfg.RetentionPeriod
		return checkpoint.NewRedisStore(client, cfg.RedisKeyPrefix, ttl, logger), client.Close, nil
	case "file", "":
		s, err := checkpoint.NewFileStore(cfg.CheckpointDir(), logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.CheckpointBackend)
	}
}

// RunSweeper removes expired sessions every SweepInterval until ctx is done.
func (a *App) RunSweeper(ctx context.Context) {
	interval := a.Config.SweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sessions.SweepExpired(ctx, a.Config.RetentionPeriod)
		}
	}
}

// Close stops every session and releases the checkpoint backend.
func (a *App) Close(ctx context.Context) error {
	err := a.Sessions.Shutdown(ctx)
	return errors.Join(err, a.closeAll())
}

func (a *App) closeAll() error {
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c())
	}
	a.closers = nil
	return errors.Join(errs...)
}
