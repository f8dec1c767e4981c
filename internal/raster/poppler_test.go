package raster

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/pdftest"
)

func TestParsePages(t *testing.T) {
	out := "Producer: test\nPages:          12\nEncrypted:      no\n"
	n, err := parsePages(out)
	if err != nil || n != 12 {
		t.Fatalf("parsePages = %d, %v", n, err)
	}
}

func TestParsePagesScannerFallback(t *testing.T) {
	n, err := parsePages("Title: x\n  pages:   7 extra\n")
	if err != nil || n != 7 {
		t.Fatalf("parsePages = %d, %v", n, err)
	}
}

func TestParsePagesRejectsZeroAndMissing(t *testing.T) {
	if _, err := parsePages("Pages: 0\n"); !errors.Is(err, ErrNoPages) {
		t.Fatalf("expected ErrNoPages, got %v", err)
	}
	if _, err := parsePages("Title: nothing here\n"); err == nil {
		t.Fatalf("expected missing pages error")
	}
	if _, err := parsePages("Pages: 900000\n"); err == nil {
		t.Fatalf("expected unreasonable page count error")
	}
}

func TestClassifyMapsPopplerMessages(t *testing.T) {
	p := NewPoppler(Config{}, logging.Discard())
	ctx := context.Background()
	base := errors.New("exit status 1")

	if err := p.classify("pdfinfo", ctx, base, "Command Line Error: Incorrect password", 0); !errors.Is(err, ErrEncrypted) {
		t.Fatalf("expected ErrEncrypted, got %v", err)
	}
	if err := p.classify("pdfinfo", ctx, base, "Syntax Error: Couldn't find trailer dictionary", 0); !errors.Is(err, ErrDamaged) {
		t.Fatalf("expected ErrDamaged, got %v", err)
	}
	// Help text mentions "damaged" style words but must not be treated as damage.
	help := "pdftoppm version 22.02.0\nUsage: pdftoppm [options] [PDF-file [PNG-file]]\n  Syntax Error hint"
	if err := p.classify("pdftoppm", ctx, base, help, 3); errors.Is(err, ErrDamaged) {
		t.Fatalf("usage dump classified as damage: %v", err)
	}
}

func TestPageCountFallsBackToPDFCPUWhenPdfinfoMissing(t *testing.T) {
	p := NewPoppler(Config{PDFInfoBinary: "no-such-pdfinfo-binary"}, logging.Discard())
	path := pdftest.WriteFile(t, 4)

	n, err := p.PageCount(context.Background(), path)
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if n != 4 {
		t.Fatalf("pages = %d, want 4", n)
	}
}

func TestPageCountFallbackRejectsGarbage(t *testing.T) {
	p := NewPoppler(Config{PDFInfoBinary: "no-such-pdfinfo-binary"}, logging.Discard())
	path := filepath.Join(t.TempDir(), "junk.pdf")
	if err := os.WriteFile(path, []byte("not a pdf at all"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := p.PageCount(context.Background(), path); !errors.Is(err, ErrDamaged) {
		t.Fatalf("expected ErrDamaged, got %v", err)
	}
}

func TestPageCountFallbackZeroPages(t *testing.T) {
	p := NewPoppler(Config{PDFInfoBinary: "no-such-pdfinfo-binary"}, logging.Discard())
	p.countFallback = func(string) (int, error) { return 0, nil }
	if _, err := p.PageCount(context.Background(), "ignored.pdf"); !errors.Is(err, ErrNoPages) {
		t.Fatalf("expected ErrNoPages, got %v", err)
	}
}

func TestRenderPageRejectsInvalidPage(t *testing.T) {
	p := NewPoppler(Config{}, logging.Discard())
	if _, err := p.RenderPage(context.Background(), "x.pdf", 0, 300, t.TempDir()); err == nil {
		t.Fatalf("expected error for page 0")
	}
}

func TestRenderPageWithPoppler(t *testing.T) {
	if _, err := exec.LookPath("pdftoppm"); err != nil {
		t.Skip("pdftoppm not installed")
	}
	if _, err := exec.LookPath("pdfinfo"); err != nil {
		t.Skip("pdfinfo not installed")
	}
	p := NewPoppler(Config{}, logging.Discard())
	path := pdftest.WriteFile(t, 2)

	n, err := p.PageCount(context.Background(), path)
	if err != nil || n != 2 {
		t.Fatalf("PageCount = %d, %v", n, err)
	}

	dir := t.TempDir()
	img, err := p.RenderPage(context.Background(), path, 2, 72, dir)
	if err != nil {
		t.Fatalf("RenderPage: %v", err)
	}
	if filepath.Dir(img) != dir {
		t.Fatalf("image written outside work dir: %s", img)
	}
	if _, err := os.Stat(img); err != nil {
		t.Fatalf("image missing: %v", err)
	}
}
