// Package ocr runs text recognition on rasterized pages through the
// tesseract command line tool.
package ocr

import (
	"context"
	"fmt"
)

// Result is the recognized text of one image. Confidence is the mean word
// confidence in [0,100], or -1 when the output format does not carry it.
type Result struct {
	Text       string
	Confidence float64
	Words      int
}

// Engine recognizes text in a single image.
type Engine interface {
	Recognize(ctx context.Context, imagePath string, lang LanguageConfig) (Result, error)
}

// Error is a failed recognition attempt.
type Error struct {
	Languages string
	Stderr    string
	Err       error
}

func (e *Error) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("ocr (%s): %v: %s", e.Languages, e.Err, e.Stderr)
	}
	return fmt.Sprintf("ocr (%s): %v", e.Languages, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
