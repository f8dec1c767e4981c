// Package intake stores source documents in the per-session namespace and
// refuses anything that is not a PDF.
package intake

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const pdfMIME = "application/pdf"

var (
	ErrNotPDF   = errors.New("document is not a PDF")
	ErrTooLarge = errors.New("document exceeds size limit")
	// ErrDownload means the remote host could not deliver the document.
	ErrDownload = errors.New("download failed")
)

// Document is a stored source file.
type Document struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"-"`
	Name      string `json:"name"`
	MIMEType  string `json:"mimeType"`
	Size      int64  `json:"size"`
}

// Options tune a Store. Zero MaxBytes means 200MB.
type Options struct {
	MaxBytes int64
	// AllowPrivateURLs lets Download reach loopback and private hosts,
	// plain http included. Meant for local testing only.
	AllowPrivateURLs bool
}

type Store struct {
	dir      string
	maxBytes int64
	policy   urlPolicy
	client   *http.Client
	logger   *slog.Logger
}

func NewStore(dir string, opts Options, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 200 << 20
	}
	policy := urlPolicy{allowPrivate: opts.AllowPrivateURLs}
	return &Store{
		dir:      dir,
		maxBytes: opts.MaxBytes,
		policy:   policy,
		client:   policy.client(),
		logger:   logging.OrDefault(logger, "intake"),
	}, nil
}

// Dir is the root under which each session gets its own directory.
func (s *Store) Dir() string { return s.dir }

// Save copies body into the session's directory under a sanitized name.
// Oversized or non-PDF content is deleted again before returning.
func (s *Store) Save(sessionID, fileName string, body io.Reader) (Document, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return Document{}, checkpoint.ErrInvalidSessionID
	}
	sessionDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return Document{}, fmt.Errorf("session dir: %w", err)
	}
	name := SafeName(fileName)
	outPath := filepath.Join(sessionDir, name)

	f, err := os.Create(outPath)
	if err != nil {
		return Document{}, fmt.Errorf("create: %w", err)
	}
	fail := func(err error) (Document, error) {
		_ = f.Close()
		_ = os.RemoveAll(sessionDir)
		return Document{}, err
	}

	lr := &io.LimitedReader{R: body, N: s.maxBytes + 1}
	n, err := io.Copy(f, lr)
	if err != nil {
		return fail(fmt.Errorf("write: %w", err))
	}
	if n > s.maxBytes {
		return fail(fmt.Errorf("%w: %dMB", ErrTooLarge, s.maxBytes/(1<<20)))
	}
	if err := f.Sync(); err != nil {
		return fail(fmt.Errorf("sync: %w", err))
	}
	if err := f.Close(); err != nil {
		_ = os.RemoveAll(sessionDir)
		return Document{}, fmt.Errorf("close: %w", err)
	}

	mt := sniffMIMEType(outPath)
	if mt != pdfMIME {
		_ = os.RemoveAll(sessionDir)
		s.logger.Warn("rejected upload", "sessionId", sessionID, "name", name, "mimeType", mt)
		return Document{}, fmt.Errorf("%w: detected %s", ErrNotPDF, mt)
	}

	s.logger.Info("document stored", "sessionId", sessionID, "name", name, "bytes", n)
	return Document{SessionID: sessionID, Path: outPath, Name: name, MIMEType: mt, Size: n}, nil
}

// Download fetches url into the session's directory. Only public https
// hosts are reachable, redirects included, unless the store allows
// private URLs.
func (s *Store) Download(ctx context.Context, sessionID, rawURL, fileName string, timeout time.Duration) (Document, error) {
	u, err := s.policy.checkRaw(rawURL)
	if err != nil {
		return Document{}, err
	}
	if fileName == "" {
		fileName = nameFromURL(u.String())
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Document{}, fmt.Errorf("%w: %v", ErrURLNotAllowed, err)
	}
	req.Header.Set("User-Agent", "vn-ocr/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, ErrURLNotAllowed) || ctx.Err() != nil {
			return Document{}, fmt.Errorf("download: %w", err)
		}
		return Document{}, fmt.Errorf("%w: %w", ErrDownload, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Document{}, fmt.Errorf("%w: HTTP %d", ErrDownload, resp.StatusCode)
	}
	return s.Save(sessionID, fileName, resp.Body)
}

// Check verifies that a local file is a PDF without copying it.
func Check(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if mt := sniffMIMEType(path); mt != pdfMIME {
		return fmt.Errorf("%w: detected %s", ErrNotPDF, mt)
	}
	return nil
}

// SafeName reduces a client supplied file name to a plain base name with a
// .pdf extension.
func SafeName(name string) string {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || strings.ContainsRune(`<>:"|?*`, r) {
			return -1
		}
		return r
	}, name)
	if name == "" || name == "." || name == ".." || name == "/" {
		name = "document"
	}
	for len(name) > 200 {
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	if !strings.EqualFold(filepath.Ext(name), ".pdf") {
		name += ".pdf"
	}
	return name
}

func nameFromURL(rawURL string) string {
	if i := strings.IndexAny(rawURL, "?#"); i >= 0 {
		rawURL = rawURL[:i]
	}
	return SafeName(rawURL[strings.LastIndex(rawURL, "/")+1:])
}

func sniffMIMEType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err == nil && m != nil {
		return strings.ToLower(strings.TrimSpace(m.String()))
	}

	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	if n <= 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(http.DetectContentType(buf[:n])))
}
