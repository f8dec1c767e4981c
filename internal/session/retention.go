package session

import (
	"context"
	"os"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
)

// SweepExpired deletes sessions whose checkpoint has not been touched for
// maxAge, along with their files, then deletes outputs older than maxAge
// that no checkpoint refers to. Running sessions are never swept.
func (m *Manager) SweepExpired(ctx context.Context, maxAge time.Duration) checkpoint.SweepStats {
	now := m.now()
	stats := checkpoint.SweepExpired(ctx, m.checkpoints, checkpoint.SweepOptions{
		MaxAge: maxAge,
		Now:    now,
		Skip:   m.Active,
		RemoveAssociated: func(ctx context.Context, sessionID string) (int, error) {
			removed, _, _, err := m.removeFiles(sessionID)
			if removed {
				return 1, err
			}
			return 0, err
		},
	})

	infos, err := m.outputs.List()
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	cutoff := now.Add(-maxAge)
	for _, info := range infos {
		if !info.ModTime.Before(cutoff) || m.Active(info.SessionID) {
			continue
		}
		if _, found, err := m.checkpoints.Load(ctx, info.SessionID); err != nil || found {
			continue
		}
		removed, _, _, err := m.removeFiles(info.SessionID)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
		}
		if removed {
			stats.OutputsRemoved++
		}
	}

	m.metrics.SweepRemoved("checkpoint", stats.CheckpointsRemoved)
	m.metrics.SweepRemoved("output", stats.OutputsRemoved)
	m.logger.Info("retention sweep finished",
		"maxAge", maxAge,
		"checkpointsRemoved", stats.CheckpointsRemoved,
		"outputsRemoved", stats.OutputsRemoved,
		"tempFilesRemoved", stats.TempFilesRemoved,
		"errors", len(stats.Errors))
	return stats
}

// ResumePending restarts every incomplete session whose document is still
// on disk, typically after a process restart. It returns the sessions
// started.
func (m *Manager) ResumePending(ctx context.Context) ([]string, error) {
	all, err := m.checkpoints.List(ctx)
	if err != nil {
		return nil, err
	}
	var started []string
	for _, cp := range all {
		if cp.Complete || cp.DocumentPath == "" || m.Active(cp.SessionID) {
			continue
		}
		if _, err := os.Stat(cp.DocumentPath); err != nil {
			m.logger.Warn("cannot resume session, document missing", "sessionId", cp.SessionID, "path", cp.DocumentPath)
			continue
		}
		if _, err := m.Start(ctx, cp.SessionID, cp.DocumentPath, nil); err != nil {
			m.logger.Warn("resume failed", "sessionId", cp.SessionID, "error", err)
			continue
		}
		m.logger.Info("session resumed", "sessionId", cp.SessionID, "fromPage", cp.LastPageProcessed+1, "totalPages", cp.TotalPages)
		started = append(started, cp.SessionID)
	}
	return started, nil
}
