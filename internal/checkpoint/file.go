package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const fileExt = ".json"

// FileStore keeps one JSON file per session. Writes go to a temp file in the
// same directory which is fsynced and renamed over the canonical path, so a
// reader sees either the previous record or the new one.
type FileStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	locks sync.Map // sessionID -> *sync.Mutex
}

func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{
		dir:    dir,
		logger: logging.OrDefault(logger, "checkpoint"),
		now:    time.Now,
	}, nil
}

func (s *FileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+fileExt)
}

func (s *FileStore) lock(sessionID string) func() {
	v, _ := s.locks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *FileStore) Save(ctx context.Context, cp Checkpoint) error {
	if !ValidSessionID(cp.SessionID) {
		return ErrInvalidSessionID
	}
	unlock := s.lock(cp.SessionID)
	defer unlock()
	return s.saveLocked(ctx, cp)
}

func (s *FileStore) saveLocked(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cp.UpdatedAt = s.now().UTC()
	if cp.StartedAt.IsZero() {
		cp.StartedAt = cp.UpdatedAt
	}
	data, err := encode(cp)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.dir, s.path(cp.SessionID), data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SessionID, err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (Checkpoint, bool, error) {
	if !ValidSessionID(sessionID) {
		return Checkpoint{}, false, ErrInvalidSessionID
	}
	return s.load(sessionID)
}

func (s *FileStore) load(sessionID string) (Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Checkpoint{}, false, nil
		}
		return Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", sessionID, err)
	}
	cp, err := decode(data, sessionID)
	if err != nil {
		s.logger.Warn("ignoring unreadable checkpoint", "sessionId", sessionID, "error", err)
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}

func (s *FileStore) Update(ctx context.Context, sessionID string, patch Patch) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrInvalidSessionID
	}
	unlock := s.lock(sessionID)
	defer unlock()

	cp, ok, err := s.load(sessionID)
	if err != nil || !ok {
		return false, err
	}
	if err := s.saveLocked(ctx, patch.apply(cp)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *FileStore) Remove(ctx context.Context, sessionID string) (bool, error) {
	if !ValidSessionID(sessionID) {
		return false, ErrInvalidSessionID
	}
	unlock := s.lock(sessionID)
	defer unlock()

	err := os.Remove(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("remove checkpoint %s: %w", sessionID, err)
	}
	return true, nil
}

func (s *FileStore) List(ctx context.Context) ([]Checkpoint, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	var out []Checkpoint
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileExt) {
			continue
		}
		id := strings.TrimSuffix(name, fileExt)
		if !ValidSessionID(id) {
			continue
		}
		cp, ok, err := s.load(id)
		if err != nil {
			s.logger.Warn("skipping checkpoint", "sessionId", id, "error", err)
			continue
		}
		if ok {
			out = append(out, cp)
		}
	}
	return out, nil
}

// removeStale deletes what List cannot see: temp files left by a crash
// between create and rename, and records that no longer decode. Only files
// whose mtime is before cutoff are touched.
func (s *FileStore) removeStale(ctx context.Context, cutoff time.Time, skip func(string) bool) staleResult {
	var res staleResult
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		res.errs = append(res.errs, fmt.Errorf("list checkpoints: %w", err))
		return res
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			res.errs = append(res.errs, err)
			return res
		}
		info, err := e.Info()
		if err != nil || e.IsDir() || !info.ModTime().Before(cutoff) {
			continue
		}
		name := e.Name()
		switch {
		case strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".tmp"):
			if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
				res.errs = append(res.errs, fmt.Errorf("remove temp %s: %w", name, err))
				continue
			}
			res.temps++
		case strings.HasSuffix(name, fileExt):
			id := strings.TrimSuffix(name, fileExt)
			if !ValidSessionID(id) || (skip != nil && skip(id)) {
				continue
			}
			removed, err := s.removeUnreadable(id)
			if err != nil {
				res.errs = append(res.errs, err)
			} else if removed {
				res.ids = append(res.ids, id)
			}
		}
	}
	return res
}

func (s *FileStore) removeUnreadable(sessionID string) (bool, error) {
	unlock := s.lock(sessionID)
	defer unlock()

	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read checkpoint %s: %w", sessionID, err)
	}
	if _, err := decode(data, sessionID); err == nil {
		return false, nil
	}
	if err := os.Remove(s.path(sessionID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("remove checkpoint %s: %w", sessionID, err)
	}
	s.logger.Info("removed unreadable checkpoint", "sessionId", sessionID)
	return true, nil
}

// writeFileAtomic writes data next to path and renames it into place,
// fsyncing the file and then the directory.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir: %w", err)
	}
	defer d.Close()
	// Some filesystems refuse fsync on directories; the rename already happened.
	_ = d.Sync()
	return nil
}
