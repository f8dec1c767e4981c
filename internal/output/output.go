// Package output owns the per-session text artifact: a header followed by
// one "--- Page N ---" block per page, appended and fsynced page by page.
package output

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const (
	fileExt      = ".txt"
	headerBanner = "=== OCR Output ==="
)

var (
	ErrNotFound = errors.New("output not found")

	markerRegex  = regexp.MustCompile(`^--- Page (\d+) ---$`)
	trailerRegex = regexp.MustCompile(`^=== End of document \(\d+ pages\) ===$`)
)

// Header is written once when a session's output is created.
type Header struct {
	SessionID    string
	DocumentName string
	TotalPages   int
	CreatedAt    time.Time
}

func (h Header) render() string {
	created := h.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	var b strings.Builder
	b.WriteString(headerBanner + "\n")
	b.WriteString("Session: " + h.SessionID + "\n")
	if h.DocumentName != "" {
		b.WriteString("Document: " + oneLine(h.DocumentName) + "\n")
	}
	b.WriteString("Total pages: " + strconv.Itoa(h.TotalPages) + "\n")
	b.WriteString("Created: " + created.UTC().Format(time.RFC3339) + "\n")
	b.WriteString(strings.Repeat("=", len(headerBanner)) + "\n\n")
	return b.String()
}

func PageMarker(page int) string {
	return "--- Page " + strconv.Itoa(page) + " ---"
}

func Trailer(totalPages int) string {
	return "=== End of document (" + strconv.Itoa(totalPages) + " pages) ==="
}

type Info struct {
	SessionID string
	Size      int64
	ModTime   time.Time
}

type Store struct {
	dir    string
	logger *slog.Logger
}

func NewStore(dir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return &Store{dir: dir, logger: logging.OrDefault(logger, "output")}, nil
}

func (s *Store) Path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+fileExt)
}

// Create starts a fresh output for the session, replacing any previous one.
func (s *Store) Create(sessionID string, h Header) (*Writer, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return nil, checkpoint.ErrInvalidSessionID
	}
	f, err := os.OpenFile(s.Path(sessionID), os.O_CREATE|os.O_TRUNC|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}
	h.SessionID = sessionID
	if _, err := f.WriteString(h.render()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync header: %w", err)
	}
	return &Writer{f: f, page: 0}, nil
}

// OpenAppend reopens the output of an interrupted session so that it holds
// exactly pages 1..k for the largest contiguous k <= lastPage. Blocks past
// lastPage (written after the last checkpoint), a completion trailer and a
// torn final block are truncated away. A missing or headerless file is
// recreated, giving k = 0.
func (s *Store) OpenAppend(sessionID string, lastPage int, h Header) (*Writer, int, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return nil, 0, checkpoint.ErrInvalidSessionID
	}
	f, err := os.OpenFile(s.Path(sessionID), os.O_RDWR|os.O_APPEND, 0o644)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("output missing on resume, starting over", "sessionId", sessionID, "lastPageProcessed", lastPage)
		w, err := s.Create(sessionID, h)
		return w, 0, err
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open output: %w", err)
	}

	res, err := reconcile(f, lastPage)
	if err != nil {
		_ = f.Close()
		return nil, 0, err
	}
	if !res.headerOK {
		_ = f.Close()
		s.logger.Warn("output header unreadable on resume, starting over", "sessionId", sessionID)
		w, err := s.Create(sessionID, h)
		return w, 0, err
	}

	if res.truncateAt >= 0 {
		if err := f.Truncate(res.truncateAt); err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("truncate output: %w", err)
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return nil, 0, fmt.Errorf("sync output: %w", err)
		}
		s.logger.Info("output trimmed for resume",
			"sessionId", sessionID,
			"keptPages", res.kept,
			"lastPageProcessed", lastPage,
			"offset", res.truncateAt)
	}
	return &Writer{f: f, page: res.kept}, res.kept, nil
}

type reconcileResult struct {
	headerOK   bool
	kept       int
	truncateAt int64 // -1 when nothing needs cutting
}

// reconcile scans the file one line at a time; memory stays bounded by the
// reader buffer no matter how large the output is.
func reconcile(f *os.File, lastPage int) (reconcileResult, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return reconcileResult{}, fmt.Errorf("seek output: %w", err)
	}
	r := bufio.NewReaderSize(f, 64<<10)

	res := reconcileResult{truncateAt: -1}
	var (
		offset      int64
		blockStart  int64 = -1
		cut         int64 = -1
		tail        [2]byte // last two bytes seen
		tailLen     int
		first       = true
		atLineStart = true
	)

	terminated := func() bool {
		return tailLen >= 2 && tail[0] == '\n' && tail[1] == '\n'
	}
	// cutAt drops a torn last block along with everything from pos on.
	cutAt := func(pos int64) {
		if blockStart >= 0 && !terminated() {
			res.kept--
			cut = blockStart
			return
		}
		cut = pos
	}

	for cut < 0 {
		chunk, err := r.ReadSlice('\n')
		partial := errors.Is(err, bufio.ErrBufferFull)
		if err != nil && !partial && !errors.Is(err, io.EOF) {
			return reconcileResult{}, fmt.Errorf("scan output: %w", err)
		}
		chunkStart := offset
		offset += int64(len(chunk))

		if len(chunk) > 0 && atLineStart && !partial {
			line := strings.TrimSuffix(string(chunk), "\n")
			if first {
				if line != headerBanner {
					return res, nil
				}
				res.headerOK = true
			} else if m := markerRegex.FindStringSubmatch(line); m != nil {
				n, _ := strconv.Atoi(m[1])
				if blockStart >= 0 && !terminated() {
					cutAt(chunkStart)
				} else if n == res.kept+1 && n <= lastPage {
					res.kept = n
					blockStart = chunkStart
				} else {
					cutAt(chunkStart)
				}
			} else if trailerRegex.MatchString(line) {
				cutAt(chunkStart)
			}
		}
		if len(chunk) > 0 {
			first = false
			for _, b := range chunk {
				tail[0], tail[1] = tail[1], b
				if tailLen < 2 {
					tailLen++
				}
			}
			atLineStart = chunk[len(chunk)-1] == '\n'
		}

		if errors.Is(err, io.EOF) {
			break
		}
	}

	if first {
		// Empty file.
		return res, nil
	}
	if cut < 0 && !terminated() {
		if blockStart < 0 {
			// Header never finished.
			res.headerOK = false
			return res, nil
		}
		res.kept--
		cut = blockStart
	}
	res.truncateAt = cut
	return res, nil
}

// Open returns the current contents, partial or final.
func (s *Store) Open(sessionID string) (io.ReadCloser, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return nil, checkpoint.ErrInvalidSessionID
	}
	f, err := os.Open(s.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return f, nil
}

func (s *Store) Exists(sessionID string) bool {
	if !checkpoint.ValidSessionID(sessionID) {
		return false
	}
	_, err := os.Stat(s.Path(sessionID))
	return err == nil
}

func (s *Store) Remove(sessionID string) (bool, error) {
	if !checkpoint.ValidSessionID(sessionID) {
		return false, checkpoint.ErrInvalidSessionID
	}
	err := os.Remove(s.Path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove output %s: %w", sessionID, err)
	}
	return true, nil
}

func (s *Store) List() ([]Info, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list outputs: %w", err)
	}
	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if !checkpoint.ValidSessionID(id) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{SessionID: id, Size: fi.Size(), ModTime: fi.ModTime()})
	}
	return out, nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
