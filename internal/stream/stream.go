// Package stream runs OCR over a document one page at a time, appending
// each page to the session output before touching the next, and records
// progress in checkpoints so an interrupted session can resume.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/cmdrun"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/metrics"
	"github.com/toricodesthings/vn-ocr-service/internal/ocr"
	"github.com/toricodesthings/vn-ocr-service/internal/output"
)

// Rasterizer turns document pages into images.
type Rasterizer interface {
	PageCount(ctx context.Context, documentPath string) (int, error)
	RenderPage(ctx context.Context, documentPath string, page, dpi int, outDir string) (string, error)
}

type Options struct {
	DPI             int
	CheckpointEvery int
	// MemoryThresholdBytes triggers a GC hint when the live heap passes
	// it. Zero disables the check.
	MemoryThresholdBytes uint64
	Primary              ocr.LanguageConfig
	Fallback             ocr.LanguageConfig
	// WorkDir holds per-session directories for page images.
	WorkDir string
	// PageFilter, when set, rewrites recognized text before it is written.
	PageFilter func(page int, text string) string
}

// Session identifies one document run.
type Session struct {
	ID           string
	DocumentPath string
	DocumentName string
	OnProgress   func(Progress)
}

type Progress struct {
	SessionID  string        `json:"sessionId"`
	Page       int           `json:"page"`
	TotalPages int           `json:"totalPages"`
	Percentage float64       `json:"percentage"`
	ETA        time.Duration `json:"eta"`
}

type Result struct {
	SessionID       string
	TotalPages      int
	ResumedFrom     int // first page processed in this run; 1 for a fresh run
	PagesProcessed  int
	OCRFailures     int
	AlreadyComplete bool
	Duration        time.Duration
}

func (r Result) Resumed() bool { return r.ResumedFrom > 1 }

// Pipeline is the bounded-memory processing strategy: at most one page
// image and one page of text are held at any time.
type Pipeline struct {
	raster      Rasterizer
	engine      ocr.Engine
	checkpoints checkpoint.Store
	outputs     *output.Store
	opts        Options
	logger      *slog.Logger
	metrics     *metrics.Metrics

	now      func() time.Time
	heapSize func() uint64
	collect  func()
}

func New(r Rasterizer, e ocr.Engine, cps checkpoint.Store, outs *output.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if opts.DPI <= 0 {
		opts.DPI = 300
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 5
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	return &Pipeline{
		raster:      r,
		engine:      e,
		checkpoints: cps,
		outputs:     outs,
		opts:        opts,
		logger:      logging.OrDefault(logger, "stream"),
		metrics:     m,
		now:         time.Now,
		heapSize:    heapAlloc,
		collect:     runtime.GC,
	}
}

func heapAlloc() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// SessionWorkDir is where page images of a session are rendered.
func (p *Pipeline) SessionWorkDir(sessionID string) string {
	return filepath.Join(p.opts.WorkDir, sessionID)
}

// Process runs or resumes a session to completion. Pages are handled
// strictly in order and each page block is durably written before the
// checkpoint may claim it.
func (p *Pipeline) Process(ctx context.Context, s Session) (Result, error) {
	res := Result{SessionID: s.ID}
	if !checkpoint.ValidSessionID(s.ID) {
		return res, &Error{Kind: KindInput, SessionID: s.ID, Err: checkpoint.ErrInvalidSessionID}
	}
	started := p.now()
	log := p.logger.With("sessionId", s.ID)

	total, err := p.raster.PageCount(ctx, s.DocumentPath)
	if err != nil {
		if ctx.Err() != nil {
			return res, &Error{Kind: KindCanceled, SessionID: s.ID, Err: ctx.Err()}
		}
		return res, &Error{Kind: KindInput, SessionID: s.ID, Err: err}
	}
	res.TotalPages = total

	// Stores report missing and unreadable records as not found; an error
	// here means the store itself failed, and starting fresh would truncate
	// the output and overwrite the last good checkpoint.
	cp, found, err := p.checkpoints.Load(ctx, s.ID)
	if err != nil {
		if ctx.Err() != nil {
			return res, &Error{Kind: KindCanceled, SessionID: s.ID, Err: ctx.Err()}
		}
		return res, &Error{Kind: KindCheckpoint, SessionID: s.ID, Err: err}
	}
	if found && cp.DocumentPath != "" && filepath.Clean(cp.DocumentPath) != filepath.Clean(s.DocumentPath) {
		return res, &Error{Kind: KindInput, SessionID: s.ID,
			Err: fmt.Errorf("session belongs to %s, not %s", filepath.Base(cp.DocumentPath), filepath.Base(s.DocumentPath))}
	}
	if found && cp.TotalPages != total {
		return res, &Error{Kind: KindInput, SessionID: s.ID,
			Err: fmt.Errorf("document has %d pages but checkpoint records %d", total, cp.TotalPages)}
	}
	if found && cp.Complete {
		log.Info("session already complete", "totalPages", total)
		res.AlreadyComplete = true
		res.ResumedFrom = total + 1
		return res, nil
	}

	header := output.Header{SessionID: s.ID, DocumentName: s.DocumentName, TotalPages: total, CreatedAt: started}
	var w *output.Writer
	if found && cp.LastPageProcessed > 0 {
		var kept int
		w, kept, err = p.outputs.OpenAppend(s.ID, cp.LastPageProcessed, header)
		if err != nil {
			return res, &Error{Kind: KindOutput, SessionID: s.ID, Err: err}
		}
		if kept < cp.LastPageProcessed {
			log.Warn("output behind checkpoint, resuming from output",
				"lastPageProcessed", cp.LastPageProcessed, "pagesInOutput", kept)
			cp.LastPageProcessed = kept
		}
		log.Info("resuming session", "fromPage", kept+1, "totalPages", total)
	} else {
		w, err = p.outputs.Create(s.ID, header)
		if err != nil {
			return res, &Error{Kind: KindOutput, SessionID: s.ID, Err: err}
		}
		startedAt := started
		if found && !cp.StartedAt.IsZero() {
			startedAt = cp.StartedAt
		}
		cp = checkpoint.Checkpoint{
			SessionID:    s.ID,
			TotalPages:   total,
			StartedAt:    startedAt,
			DocumentPath: s.DocumentPath,
			DocumentName: s.DocumentName,
		}
		p.save(ctx, log, cp)
		log.Info("session started", "totalPages", total, "document", s.DocumentName)
	}
	defer func() {
		if err := w.Close(); err != nil {
			log.Warn("close output failed", "error", err)
		}
	}()

	workDir := p.SessionWorkDir(s.ID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.Warn("remove work dir failed", "dir", workDir, "error", err)
		}
	}()

	res.ResumedFrom = cp.LastPageProcessed + 1
	for page := res.ResumedFrom; page <= total; page++ {
		if err := ctx.Err(); err != nil {
			return res, p.stop(ctx, log, cp, page, err)
		}

		pageStart := p.now()
		text, outcome, err := p.processPage(ctx, log, s, page, workDir)
		if err != nil {
			if ctx.Err() != nil {
				return res, p.stop(ctx, log, cp, page, ctx.Err())
			}
			p.recordFailure(ctx, log, s.ID, cp.ErrorCount+1, err)
			return res, &Error{Kind: KindRasterize, SessionID: s.ID, Page: page, Err: err}
		}
		if p.opts.PageFilter != nil {
			text = p.opts.PageFilter(page, text)
		}

		if err := w.AppendPage(page, text); err != nil {
			p.recordFailure(ctx, log, s.ID, cp.ErrorCount+1, err)
			return res, &Error{Kind: KindOutput, SessionID: s.ID, Page: page, Err: err}
		}

		elapsed := p.now().Sub(pageStart)
		cp.LastPageProcessed = page
		cp.RecordDuration(elapsed)
		if outcome == metrics.PagePlaceholder {
			cp.ErrorCount++
			cp.LastError = fmt.Sprintf("page %d: OCR failed", page)
			res.OCRFailures++
		}
		res.PagesProcessed++
		p.metrics.PageDone(outcome, elapsed)

		if page%p.opts.CheckpointEvery == 0 && page < total {
			p.save(ctx, log, cp)
		}
		p.relieveMemory(log, page)

		if s.OnProgress != nil {
			s.OnProgress(Progress{
				SessionID:  s.ID,
				Page:       page,
				TotalPages: total,
				Percentage: cp.Percentage(),
				ETA:        cp.ETA(),
			})
		}
	}

	if err := w.Finish(total); err != nil {
		return res, &Error{Kind: KindOutput, SessionID: s.ID, Page: total, Err: err}
	}
	cp.Complete = true
	p.save(ctx, log, cp)

	res.Duration = p.now().Sub(started)
	log.Info("session complete",
		"totalPages", total,
		"pagesProcessed", res.PagesProcessed,
		"ocrFailures", res.OCRFailures,
		"duration", res.Duration)
	return res, nil
}

// processPage renders and recognizes one page. Only rasterization errors
// are returned; recognition failures degrade to a placeholder.
func (p *Pipeline) processPage(ctx context.Context, log *slog.Logger, s Session, page int, workDir string) (string, string, error) {
	t := p.now()
	img, err := p.raster.RenderPage(ctx, s.DocumentPath, page, p.opts.DPI, workDir)
	p.metrics.Dependency("pdftoppm", p.now().Sub(t))
	if err != nil {
		return "", "", err
	}
	defer func() {
		if err := os.Remove(img); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove page image failed", "page", page, "path", img, "error", err)
		}
	}()

	t = p.now()
	r, err := p.engine.Recognize(ctx, img, p.opts.Primary)
	p.metrics.Dependency("tesseract", p.now().Sub(t))
	if err == nil {
		p.metrics.OCRConfidence(r.Confidence)
		return r.Text, metrics.PagePrimary, nil
	}
	if ctx.Err() != nil {
		return "", "", ctx.Err()
	}
	log.Warn("ocr failed, retrying with fallback languages",
		"page", page, "languages", p.opts.Primary.Arg(), "fallback", p.opts.Fallback.Arg(), "error", err)

	if len(p.opts.Fallback.Languages) > 0 {
		r, ferr := p.engine.Recognize(ctx, img, p.opts.Fallback)
		if ferr == nil {
			p.metrics.OCRConfidence(r.Confidence)
			return r.Text, metrics.PageFallback, nil
		}
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		err = ferr
	}
	log.Error("ocr failed, writing placeholder", "page", page, "error", err)
	return Placeholder(page, err), metrics.PagePlaceholder, nil
}

// Placeholder is the text written for a page whose recognition failed.
func Placeholder(page int, err error) string {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return fmt.Sprintf("[OCR failed for page %d: %s]", page, cmdrun.Truncate(msg, 300))
}

// stop handles cancellation between pages: the checkpoint is brought up
// to the last page durably written.
func (p *Pipeline) stop(ctx context.Context, log *slog.Logger, cp checkpoint.Checkpoint, page int, cause error) error {
	p.save(context.WithoutCancel(ctx), log, cp)
	log.Info("session canceled", "lastPageProcessed", cp.LastPageProcessed, "totalPages", cp.TotalPages)
	return &Error{Kind: KindCanceled, SessionID: cp.SessionID, Page: page, Err: cause}
}

// recordFailure notes a fatal error on the stored checkpoint without
// moving its resume position.
func (p *Pipeline) recordFailure(ctx context.Context, log *slog.Logger, sessionID string, errorCount int, cause error) {
	msg := cmdrun.Truncate(cause.Error(), 500)
	ok, err := p.checkpoints.Update(context.WithoutCancel(ctx), sessionID, checkpoint.Patch{
		ErrorCount: &errorCount,
		LastError:  &msg,
	})
	if err != nil || !ok {
		log.Warn("could not record failure on checkpoint", "error", err, "found", ok)
	}
}

func (p *Pipeline) save(ctx context.Context, log *slog.Logger, cp checkpoint.Checkpoint) {
	err := p.checkpoints.Save(ctx, cp)
	p.metrics.CheckpointWrite(err)
	if err != nil {
		log.Error("checkpoint save failed", "lastPageProcessed", cp.LastPageProcessed, "error", err)
		return
	}
	log.Debug("checkpoint saved", "lastPageProcessed", cp.LastPageProcessed, "complete", cp.Complete)
}

func (p *Pipeline) relieveMemory(log *slog.Logger, page int) {
	if p.opts.MemoryThresholdBytes == 0 {
		return
	}
	if heap := p.heapSize(); heap > p.opts.MemoryThresholdBytes {
		p.collect()
		p.metrics.GCHint()
		log.Debug("heap above threshold, requested GC", "page", page, "heapBytes", heap)
	}
}
