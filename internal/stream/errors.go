package stream

import (
	"errors"
	"fmt"
)

// Kind classifies why a session stopped.
type Kind string

const (
	KindInput     Kind = "input"
	KindRasterize Kind = "rasterize"
	KindOutput    Kind = "output"
	KindCanceled  Kind = "canceled"

	// KindCheckpoint means the checkpoint store could not be read.
	KindCheckpoint Kind = "checkpoint"
)

// Error is a session-level failure. The last good checkpoint is left in
// place so a later run can resume.
type Error struct {
	Kind      Kind
	SessionID string
	Page      int
	Err       error
}

func (e *Error) Error() string {
	if e.Page > 0 {
		return fmt.Sprintf("session %s: %s error on page %d: %v", e.SessionID, e.Kind, e.Page, e.Err)
	}
	return fmt.Sprintf("session %s: %s error: %v", e.SessionID, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Public is a stable message safe to show to API clients. Details stay in
// the logs.
func (e *Error) Public() string {
	switch e.Kind {
	case KindInput:
		return "document could not be read"
	case KindRasterize:
		return "a page could not be rendered"
	case KindOutput:
		return "output could not be written"
	case KindCanceled:
		return "processing was canceled"
	case KindCheckpoint:
		return "session state is temporarily unavailable"
	}
	return "processing failed"
}

// KindOf returns the kind of a session error, or "" for anything else.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}
