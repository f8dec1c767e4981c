package ocr

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

func TestParseLanguages(t *testing.T) {
	got := ParseLanguages(" vie + eng +")
	if len(got) != 2 || got[0] != "vie" || got[1] != "eng" {
		t.Fatalf("ParseLanguages = %v", got)
	}
	if arg := NewLanguageConfig("vie+eng", 1, 3).Arg(); arg != "vie+eng" {
		t.Fatalf("Arg = %q", arg)
	}
}

func TestLanguageConfigValidate(t *testing.T) {
	if err := NewLanguageConfig("vie+eng", 1, 3).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	bad := []LanguageConfig{
		NewLanguageConfig("", 1, 3),
		NewLanguageConfig("vie;rm -rf", 1, 3),
		NewLanguageConfig("vie", 9, 3),
		NewLanguageConfig("vie", 1, 42),
	}
	for _, c := range bad {
		if err := c.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", c)
		}
	}
}

func TestNarrower(t *testing.T) {
	primary := NewLanguageConfig("vie+eng", 1, 3)
	if !primary.Narrower(NewLanguageConfig("vie", 1, 3)) {
		t.Fatalf("vie should be narrower than vie+eng")
	}
	if primary.Narrower(NewLanguageConfig("fra", 1, 3)) {
		t.Fatalf("fra is not a subset")
	}
	if primary.Narrower(primary) {
		t.Fatalf("same set is not narrower")
	}
}

const sampleHOCR = `<!DOCTYPE html>
<html><body>
<div class='ocr_page' id='page_1'>
 <div class='ocr_carea'>
  <p class='ocr_par'>
   <span class='ocr_line' title="bbox 0 0 10 10">
    <span class='ocrx_word' title='bbox 0 0 1 1; x_wconf 90'>Địa</span>
    <span class='ocrx_word' title='bbox 0 0 1 1; x_wconf 80'>chỉ:</span>
   </span>
   <span class='ocr_line'>
    <span class='ocrx_word' title='bbox 0 0 1 1; x_wconf 70'>123</span>
   </span>
  </p>
  <p class='ocr_par'>
   <span class='ocr_line'>
    <span class='ocrx_word' title='bbox 0 0 1 1; x_wconf 60'><strong>Hà</strong></span>
    <span class='ocrx_word' title='bbox 0 0 1 1'>Nội</span>
   </span>
  </p>
 </div>
</div>
</body></html>`

func TestParseHOCR(t *testing.T) {
	doc, err := ParseHOCR(strings.NewReader(sampleHOCR))
	if err != nil {
		t.Fatalf("ParseHOCR: %v", err)
	}
	want := "Địa chỉ:\n123\n\nHà Nội"
	if doc.Text != want {
		t.Fatalf("text = %q, want %q", doc.Text, want)
	}
	if doc.Words != 5 {
		t.Fatalf("words = %d, want 5", doc.Words)
	}
	if doc.MeanConfidence != 75 {
		t.Fatalf("mean confidence = %v, want 75", doc.MeanConfidence)
	}
}

func TestParseHOCRWithoutConfidence(t *testing.T) {
	doc, err := ParseHOCR(strings.NewReader(`<span class="ocrx_word">x</span>`))
	if err != nil {
		t.Fatal(err)
	}
	if doc.MeanConfidence != -1 || doc.Text != "x" {
		t.Fatalf("unexpected doc %+v", doc)
	}
}

type slowEngine struct {
	active, peak atomic.Int32
}

func (s *slowEngine) Recognize(ctx context.Context, imagePath string, lang LanguageConfig) (Result, error) {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	s.active.Add(-1)
	return Result{Text: imagePath}, nil
}

func TestLimitedBoundsConcurrency(t *testing.T) {
	inner := &slowEngine{}
	l := NewLimited(inner, 2)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Recognize(context.Background(), "img.png", NewLanguageConfig("vie", 1, 3)); err != nil {
				t.Errorf("Recognize: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := inner.peak.Load(); peak > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak)
	}
}

func TestLimitedHonorsCancellation(t *testing.T) {
	l := NewLimited(&slowEngine{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Hold the only slot.
	_ = l.sem.Acquire(context.Background(), 1)
	defer l.sem.Release(1)
	if _, err := l.Recognize(ctx, "img.png", NewLanguageConfig("vie", 1, 3)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func fakeTesseract(t *testing.T, script string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not installed")
	}
	path := filepath.Join(t.TempDir(), "tesseract")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestTesseractArgs(t *testing.T) {
	te := NewTesseract(TesseractConfig{Format: FormatHOCR}, logging.Discard())
	got := strings.Join(te.args("/tmp/p.png", NewLanguageConfig("vie+eng", 1, 6)), " ")
	want := "/tmp/p.png stdout -l vie+eng --oem 1 --psm 6 hocr"
	if got != want {
		t.Fatalf("args = %q, want %q", got, want)
	}
}

func TestTesseractRecognizeText(t *testing.T) {
	bin := fakeTesseract(t, `printf 'Xin chào\nthế giới\n\f'`)
	te := NewTesseract(TesseractConfig{Binary: bin}, logging.Discard())

	res, err := te.Recognize(context.Background(), "page.png", NewLanguageConfig("vie+eng", 1, 3))
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Text != "Xin chào\nthế giới" {
		t.Fatalf("text = %q", res.Text)
	}
	if res.Words != 4 || res.Confidence != -1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestTesseractRecognizeFailure(t *testing.T) {
	bin := fakeTesseract(t, `echo "Failed loading language 'vie'" >&2; exit 1`)
	te := NewTesseract(TesseractConfig{Binary: bin}, logging.Discard())

	_, err := te.Recognize(context.Background(), "page.png", NewLanguageConfig("vie", 1, 3))
	var oerr *Error
	if !errors.As(err, &oerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !strings.Contains(oerr.Stderr, "Failed loading language") || oerr.Languages != "vie" {
		t.Fatalf("unexpected error detail: %+v", oerr)
	}
}
