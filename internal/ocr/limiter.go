package ocr

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Limited bounds the number of OCR processes running at once across every
// session sharing it. A limit <= 0 means unbounded.
type Limited struct {
	next Engine
	sem  *semaphore.Weighted
}

func NewLimited(next Engine, max int64) *Limited {
	l := &Limited{next: next}
	if max > 0 {
		l.sem = semaphore.NewWeighted(max)
	}
	return l
}

func (l *Limited) Recognize(ctx context.Context, imagePath string, lang LanguageConfig) (Result, error) {
	if l.sem == nil {
		return l.next.Recognize(ctx, imagePath, lang)
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return Result{}, err
	}
	defer l.sem.Release(1)
	return l.next.Recognize(ctx, imagePath, lang)
}
