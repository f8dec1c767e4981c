// Package checkpoint persists per-session progress records so an interrupted
// OCR session can resume where it left off.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"time"
)

// MaxDurations caps the per-page duration history kept for ETA estimates.
const MaxDurations = 50

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalid          = errors.New("invalid checkpoint")
)

var sessionIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidSessionID reports whether id is safe to use as a storage key and
// path component.
func ValidSessionID(id string) bool {
	return sessionIDRegex.MatchString(id)
}

type Checkpoint struct {
	SessionID         string    `json:"sessionId"`
	LastPageProcessed int       `json:"lastPageProcessed"`
	TotalPages        int       `json:"totalPages"`
	Complete          bool      `json:"complete"`
	StartedAt         time.Time `json:"startedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	// PerPageDurations holds milliseconds, most recent last.
	PerPageDurations []int64 `json:"perPageDurations"`
	ErrorCount       int     `json:"errorCount"`
	LastError        string  `json:"lastError,omitempty"`
	DocumentPath     string  `json:"documentPath,omitempty"`
	DocumentName     string  `json:"documentName,omitempty"`
}

func (c Checkpoint) Validate() error {
	if !ValidSessionID(c.SessionID) {
		return fmt.Errorf("%w: %w", ErrInvalid, ErrInvalidSessionID)
	}
	if c.TotalPages <= 0 {
		return fmt.Errorf("%w: totalPages must be positive", ErrInvalid)
	}
	if c.LastPageProcessed < 0 || c.LastPageProcessed > c.TotalPages {
		return fmt.Errorf("%w: lastPageProcessed %d outside [0,%d]", ErrInvalid, c.LastPageProcessed, c.TotalPages)
	}
	if c.Complete && c.LastPageProcessed != c.TotalPages {
		return fmt.Errorf("%w: complete with %d of %d pages", ErrInvalid, c.LastPageProcessed, c.TotalPages)
	}
	if c.ErrorCount < 0 {
		return fmt.Errorf("%w: negative errorCount", ErrInvalid)
	}
	return nil
}

// Percentage is the share of pages written, rounded to one decimal.
func (c Checkpoint) Percentage() float64 {
	if c.TotalPages <= 0 {
		return 0
	}
	p := float64(c.LastPageProcessed) / float64(c.TotalPages) * 100
	return math.Round(p*10) / 10
}

// RecordDuration appends a page duration, dropping the oldest beyond MaxDurations.
func (c *Checkpoint) RecordDuration(d time.Duration) {
	c.PerPageDurations = append(c.PerPageDurations, d.Milliseconds())
	if over := len(c.PerPageDurations) - MaxDurations; over > 0 {
		c.PerPageDurations = append([]int64(nil), c.PerPageDurations[over:]...)
	}
}

// ETA estimates the remaining time from the mean recorded page duration.
// It returns zero when there is nothing to base an estimate on.
func (c Checkpoint) ETA() time.Duration {
	remaining := c.TotalPages - c.LastPageProcessed
	if remaining <= 0 || len(c.PerPageDurations) == 0 {
		return 0
	}
	var sum int64
	for _, ms := range c.PerPageDurations {
		sum += ms
	}
	mean := sum / int64(len(c.PerPageDurations))
	return time.Duration(mean*int64(remaining)) * time.Millisecond
}

// Patch is a shallow, field-wise update. Nil fields are left untouched.
type Patch struct {
	LastPageProcessed *int
	TotalPages        *int
	Complete          *bool
	PerPageDurations  []int64
	ErrorCount        *int
	LastError         *string
	DocumentPath      *string
}

func (p Patch) apply(c Checkpoint) Checkpoint {
	if p.LastPageProcessed != nil {
		c.LastPageProcessed = *p.LastPageProcessed
	}
	if p.TotalPages != nil {
		c.TotalPages = *p.TotalPages
	}
	if p.Complete != nil {
		c.Complete = *p.Complete
	}
	if p.PerPageDurations != nil {
		c.PerPageDurations = append([]int64(nil), p.PerPageDurations...)
	}
	if p.ErrorCount != nil {
		c.ErrorCount = *p.ErrorCount
	}
	if p.LastError != nil {
		c.LastError = *p.LastError
	}
	if p.DocumentPath != nil {
		c.DocumentPath = *p.DocumentPath
	}
	return c
}

// Store is durable checkpoint persistence keyed by session id.
//
// Load reports found=false for a missing record and for one that fails
// structural validation; only storage failures are returned as errors.
type Store interface {
	Save(ctx context.Context, cp Checkpoint) error
	Load(ctx context.Context, sessionID string) (Checkpoint, bool, error)
	Update(ctx context.Context, sessionID string, patch Patch) (bool, error)
	Remove(ctx context.Context, sessionID string) (bool, error)
	List(ctx context.Context) ([]Checkpoint, error)
}

func encode(cp Checkpoint) ([]byte, error) {
	if err := cp.Validate(); err != nil {
		return nil, err
	}
	if cp.PerPageDurations == nil {
		cp.PerPageDurations = []int64{}
	}
	return json.Marshal(cp)
}

// decode parses a stored record and checks it belongs to wantID (when
// non-empty). Required fields must be present, not just zero.
func decode(data []byte, wantID string) (Checkpoint, error) {
	var required struct {
		SessionID         *string `json:"sessionId"`
		LastPageProcessed *int    `json:"lastPageProcessed"`
		TotalPages        *int    `json:"totalPages"`
		Complete          *bool   `json:"complete"`
	}
	if err := json.Unmarshal(data, &required); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if required.SessionID == nil || required.LastPageProcessed == nil || required.TotalPages == nil || required.Complete == nil {
		return Checkpoint{}, fmt.Errorf("%w: missing required field", ErrInvalid)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cp.Validate(); err != nil {
		return Checkpoint{}, err
	}
	if wantID != "" && cp.SessionID != wantID {
		return Checkpoint{}, fmt.Errorf("%w: record belongs to %q", ErrInvalid, cp.SessionID)
	}
	return cp, nil
}
