// Package session runs processing sessions in the background and answers
// questions about them: status, output, removal and retention.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/metrics"
	"github.com/toricodesthings/vn-ocr-service/internal/output"
	"github.com/toricodesthings/vn-ocr-service/internal/stream"
)

var (
	ErrActive     = errors.New("session is already running")
	ErrNotFound   = errors.New("session not found")
	ErrShutdown   = errors.New("session manager is shutting down")
	ErrNoDocument = errors.New("document not found")
)

// Strategy processes one session to completion. The streaming pipeline is
// the bounded-memory implementation; callers choose which one to use.
type Strategy interface {
	Process(ctx context.Context, s stream.Session) (stream.Result, error)
}

type Options struct {
	MaxConcurrent int64
	// WorkDir and DocumentsDir hold per-session subdirectories that are
	// removed together with the session.
	WorkDir      string
	DocumentsDir string
}

// Handle tracks a running session.
type Handle struct {
	SessionID string

	cancel context.CancelFunc
	done   chan struct{}
	result stream.Result
	err    error
}

// Done is closed once processing has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Cancel asks the session to stop after the current page.
func (h *Handle) Cancel() { h.cancel() }

// Wait blocks until the session stops or ctx ends.
func (h *Handle) Wait(ctx context.Context) (stream.Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return stream.Result{}, ctx.Err()
	}
}

type Manager struct {
	strategy    Strategy
	checkpoints checkpoint.Store
	outputs     *output.Store
	opts        Options
	logger      *slog.Logger
	metrics     *metrics.Metrics
	sem         *semaphore.Weighted
	now         func() time.Time

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*Handle
	closed bool
}

func NewManager(strategy Strategy, cps checkpoint.Store, outs *output.Store, opts Options, logger *slog.Logger, m *metrics.Metrics) *Manager {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	base, stop := context.WithCancel(context.Background())
	return &Manager{
		strategy:    strategy,
		checkpoints: cps,
		outputs:     outs,
		opts:        opts,
		logger:      logging.OrDefault(logger, "session"),
		metrics:     m,
		sem:         semaphore.NewWeighted(opts.MaxConcurrent),
		now:         time.Now,
		base:        base,
		stop:        stop,
		active:      make(map[string]*Handle),
	}
}

// Start begins or resumes a session and returns at once. Processing waits
// for a free slot and then runs until done, canceled or shut down. The
// ctx only scopes the call; the session outlives it.
func (m *Manager) Start(ctx context.Context, sessionID, documentPath string, onProgress func(stream.Progress)) (*Handle, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return nil, checkpoint.ErrInvalidSessionID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(documentPath); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoDocument, filepath.Base(documentPath))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	if _, ok := m.active[sessionID]; ok {
		m.mu.Unlock()
		return nil, ErrActive
	}
	runCtx, cancel := context.WithCancel(m.base)
	h := &Handle{SessionID: sessionID, cancel: cancel, done: make(chan struct{})}
	m.active[sessionID] = h
	m.wg.Add(1)
	m.mu.Unlock()

	s := stream.Session{
		ID:           sessionID,
		DocumentPath: documentPath,
		DocumentName: filepath.Base(documentPath),
		OnProgress:   onProgress,
	}
	go m.run(runCtx, h, s)
	return h, nil
}

func (m *Manager) run(ctx context.Context, h *Handle, s stream.Session) {
	defer m.wg.Done()
	defer func() {
		h.cancel()
		m.mu.Lock()
		delete(m.active, h.SessionID)
		m.mu.Unlock()
		close(h.done)
	}()
	log := m.logger.With("sessionId", s.ID)

	if err := m.sem.Acquire(ctx, 1); err != nil {
		h.err = &stream.Error{Kind: stream.KindCanceled, SessionID: s.ID, Err: err}
		log.Info("session canceled before it started")
		return
	}
	defer m.sem.Release(1)

	m.metrics.SessionStarted()
	h.result, h.err = m.strategy.Process(ctx, s)
	switch kind := stream.KindOf(h.err); {
	case h.err == nil:
		m.metrics.SessionFinished("complete")
	case kind == stream.KindCanceled:
		m.metrics.SessionFinished("canceled")
	default:
		m.metrics.SessionFinished("failed")
		log.Error("session failed", "error", h.err, "kind", kind)
	}
}

// Active reports whether the session is queued or running.
func (m *Manager) Active(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[sessionID]
	return ok
}

// ActiveCount is the number of queued or running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Resume restarts an incomplete session from the document path recorded
// in its checkpoint.
func (m *Manager) Resume(ctx context.Context, sessionID string, onProgress func(stream.Progress)) (*Handle, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return nil, checkpoint.ErrInvalidSessionID
	}
	cp, found, err := m.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if !found || cp.DocumentPath == "" {
		return nil, ErrNotFound
	}
	return m.Start(ctx, sessionID, cp.DocumentPath, onProgress)
}

type Status struct {
	SessionID         string        `json:"sessionId"`
	Exists            bool          `json:"exists"`
	Complete          bool          `json:"complete"`
	Running           bool          `json:"running"`
	LastPageProcessed int           `json:"lastPageProcessed"`
	TotalPages        int           `json:"totalPages"`
	Percentage        float64       `json:"percentage"`
	HasOutput         bool          `json:"hasOutput"`
	ETA               time.Duration `json:"-"`
	ETASeconds        float64       `json:"etaSeconds"`
	ErrorCount        int           `json:"errorCount"`
	LastError         string        `json:"lastError,omitempty"`
	DocumentName      string        `json:"documentName,omitempty"`
	UpdatedAt         time.Time     `json:"updatedAt,omitzero"`
}

// Status describes a session from its checkpoint and output. An unknown
// session yields Exists=false, not an error.
func (m *Manager) Status(ctx context.Context, sessionID string) (Status, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return Status{}, checkpoint.ErrInvalidSessionID
	}
	st := Status{
		SessionID: sessionID,
		Running:   m.Active(sessionID),
		HasOutput: m.outputs.Exists(sessionID),
	}
	cp, found, err := m.checkpoints.Load(ctx, sessionID)
	if err != nil {
		return st, fmt.Errorf("load checkpoint: %w", err)
	}
	st.Exists = found || st.HasOutput || st.Running
	if !found {
		return st, nil
	}
	st.Complete = cp.Complete
	st.LastPageProcessed = cp.LastPageProcessed
	st.TotalPages = cp.TotalPages
	st.Percentage = cp.Percentage()
	st.ETA = cp.ETA()
	st.ETASeconds = st.ETA.Seconds()
	st.ErrorCount = cp.ErrorCount
	st.LastError = cp.LastError
	st.DocumentName = cp.DocumentName
	st.UpdatedAt = cp.UpdatedAt
	return st, nil
}

// Output returns the session output as written so far.
func (m *Manager) Output(ctx context.Context, sessionID string) (io.ReadCloser, error) {
	rc, err := m.outputs.Open(sessionID)
	if errors.Is(err, output.ErrNotFound) {
		return nil, ErrNotFound
	}
	return rc, err
}

// Removal reports what Remove deleted.
type Removal struct {
	Checkpoint bool `json:"checkpoint"`
	Output     bool `json:"output"`
	Images     int  `json:"images"`
	Document   bool `json:"document"`
}

func (r Removal) Any() bool {
	return r.Checkpoint || r.Output || r.Images > 0 || r.Document
}

// Remove stops the session if it is running and deletes its checkpoint,
// output, leftover page images and stored document.
func (m *Manager) Remove(ctx context.Context, sessionID string) (Removal, error) {
	var rm Removal
	if !checkpoint.ValidSessionID(sessionID) {
		return rm, checkpoint.ErrInvalidSessionID
	}

	m.mu.Lock()
	h := m.active[sessionID]
	m.mu.Unlock()
	if h != nil {
		h.Cancel()
		select {
		case <-h.done:
		case <-ctx.Done():
			return rm, fmt.Errorf("waiting for session to stop: %w", ctx.Err())
		}
	}

	var errs []error
	removed, err := m.checkpoints.Remove(ctx, sessionID)
	if err != nil {
		errs = append(errs, err)
	}
	rm.Checkpoint = removed

	outs, images, doc, err := m.removeFiles(sessionID)
	if err != nil {
		errs = append(errs, err)
	}
	rm.Output, rm.Images, rm.Document = outs, images, doc

	m.logger.Info("session removed",
		"sessionId", sessionID,
		"checkpoint", rm.Checkpoint,
		"output", rm.Output,
		"images", rm.Images,
		"document", rm.Document)
	return rm, errors.Join(errs...)
}

// removeFiles deletes everything on disk that belongs to a session.
func (m *Manager) removeFiles(sessionID string) (outputRemoved bool, images int, document bool, err error) {
	var errs []error
	outputRemoved, rerr := m.outputs.Remove(sessionID)
	if rerr != nil {
		errs = append(errs, rerr)
	}

	if m.opts.WorkDir != "" {
		dir := filepath.Join(m.opts.WorkDir, sessionID)
		if matches, _ := filepath.Glob(filepath.Join(dir, "*.png")); len(matches) > 0 {
			images = len(matches)
		}
		if err := os.RemoveAll(dir); err != nil {
			m.logger.Warn("remove work dir failed", "sessionId", sessionID, "error", err)
		}
	}

	if m.opts.DocumentsDir != "" {
		dir := filepath.Join(m.opts.DocumentsDir, sessionID)
		if _, err := os.Stat(dir); err == nil {
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, fmt.Errorf("remove document: %w", err))
			} else {
				document = true
			}
		}
	}
	return outputRemoved, images, document, errors.Join(errs...)
}

// Shutdown cancels every session and waits for them to stop, leaving
// their checkpoints at the last written page.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.stop()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
