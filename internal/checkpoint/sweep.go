package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type SweepStats struct {
	CheckpointsRemoved int      `json:"checkpointsRemoved"`
	OutputsRemoved     int      `json:"outputsRemoved"`
	TempFilesRemoved   int      `json:"tempFilesRemoved,omitempty"`
	Errors             []string `json:"errors,omitempty"`
}

// staleRemover is implemented by stores that can hold records List never
// returns. Redis values carry a TTL and need no such pass.
type staleRemover interface {
	removeStale(ctx context.Context, cutoff time.Time, skip func(string) bool) staleResult
}

type staleResult struct {
	ids   []string
	temps int
	errs  []error
}

type SweepOptions struct {
	MaxAge time.Duration
	// Now defaults to time.Now.
	Now time.Time
	// Skip excludes sessions from the sweep, e.g. ones still running.
	Skip func(sessionID string) bool
	// RemoveAssociated deletes whatever else belongs to an expired session
	// and reports how many outputs went with it.
	RemoveAssociated func(ctx context.Context, sessionID string) (int, error)
	Concurrency      int
}

// SweepExpired removes every checkpoint last updated before Now-MaxAge,
// along with unreadable records and temp files of the same age on stores
// that keep them. Individual failures are collected in the stats and never
// stop the sweep.
func SweepExpired(ctx context.Context, s Store, opts SweepOptions) SweepStats {
	var stats SweepStats
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	cutoff := now.Add(-opts.MaxAge)

	all, err := s.List(ctx)
	if err != nil {
		stats.Errors = append(stats.Errors, err.Error())
	}
	var stale []string
	if sr, ok := s.(staleRemover); ok {
		res := sr.removeStale(ctx, cutoff, opts.Skip)
		stale = res.ids
		stats.CheckpointsRemoved += len(res.ids)
		stats.TempFilesRemoved = res.temps
		for _, err := range res.errs {
			stats.Errors = append(stats.Errors, err.Error())
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = 4
	}
	g.SetLimit(limit)

	for _, cp := range all {
		if !cp.UpdatedAt.Before(cutoff) {
			continue
		}
		if opts.Skip != nil && opts.Skip(cp.SessionID) {
			continue
		}
		id := cp.SessionID
		g.Go(func() error {
			removed, err := s.Remove(gctx, id)
			outputs := 0
			var assocErr error
			if opts.RemoveAssociated != nil {
				outputs, assocErr = opts.RemoveAssociated(gctx, id)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				stats.Errors = append(stats.Errors, err.Error())
			} else if removed {
				stats.CheckpointsRemoved++
			}
			stats.OutputsRemoved += outputs
			if assocErr != nil {
				stats.Errors = append(stats.Errors, fmt.Sprintf("session %s: %v", id, assocErr))
			}
			return nil
		})
	}
	if opts.RemoveAssociated != nil {
		for _, id := range stale {
			g.Go(func() error {
				outputs, err := opts.RemoveAssociated(gctx, id)
				mu.Lock()
				defer mu.Unlock()
				stats.OutputsRemoved += outputs
				if err != nil {
					stats.Errors = append(stats.Errors, fmt.Sprintf("session %s: %v", id, err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
	return stats
}
