// Package raster turns PDF pages into images with poppler's command line
// tools. pdfinfo supplies the page count, with pdfcpu as a fallback when the
// binary is missing; pdftoppm renders exactly one page per call.
package raster

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/toricodesthings/vn-ocr-service/internal/cmdrun"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

var (
	ErrNoPages   = errors.New("document has no pages")
	ErrEncrypted = errors.New("PDF is password protected")
	ErrDamaged   = errors.New("PDF appears to be damaged or invalid")
)

// maxPages guards against absurd page counts from malformed documents.
const maxPages = 50000

type Config struct {
	PDFInfoBinary  string
	PDFToPPMBinary string
	PDFInfoTimeout time.Duration
	RenderTimeout  time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.PDFInfoBinary == "" {
		out.PDFInfoBinary = "pdfinfo"
	}
	if out.PDFToPPMBinary == "" {
		out.PDFToPPMBinary = "pdftoppm"
	}
	if out.PDFInfoTimeout <= 0 {
		out.PDFInfoTimeout = 10 * time.Second
	}
	if out.RenderTimeout <= 0 {
		out.RenderTimeout = 60 * time.Second
	}
	return out
}

type Poppler struct {
	cfg    Config
	logger *slog.Logger

	// countFallback is swapped in tests.
	countFallback func(path string) (int, error)
}

func NewPoppler(cfg Config, logger *slog.Logger) *Poppler {
	return &Poppler{
		cfg:           cfg.withDefaults(),
		logger:        logging.OrDefault(logger, "raster"),
		countFallback: api.PageCountFile,
	}
}

var pageCountRegex = regexp.MustCompile(`(?m)^Pages:\s+(\d+)\s*$`)

// PageCount reports the number of pages in the document. Zero pages is an
// error.
func (p *Poppler) PageCount(ctx context.Context, pdfPath string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.PDFInfoTimeout)
	defer cancel()

	out, stderr, err := cmdrun.CaptureLimited(ctx, 1<<20, p.cfg.PDFInfoBinary, pdfPath)
	if err != nil {
		if errors.Is(err, cmdrun.ErrNotInstalled) {
			p.logger.Warn("pdfinfo not installed, counting pages with pdfcpu", "binary", p.cfg.PDFInfoBinary)
			return p.countWithPDFCPU(pdfPath)
		}
		return 0, p.classify("pdfinfo", ctx, err, stderr, 0)
	}
	return parsePages(out)
}

func (p *Poppler) countWithPDFCPU(pdfPath string) (int, error) {
	n, err := p.countFallback(pdfPath)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDamaged, err)
	}
	return validatePages(n)
}

// RenderPage rasterizes one page to a PNG inside outDir and returns the
// image path. The caller owns the file.
func (p *Poppler) RenderPage(ctx context.Context, pdfPath string, page, dpi int, outDir string) (string, error) {
	if page < 1 {
		return "", fmt.Errorf("invalid page number: %d (must be >= 1)", page)
	}
	if dpi <= 0 {
		dpi = 300
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.RenderTimeout)
	defer cancel()

	prefix := filepath.Join(outDir, fmt.Sprintf("page-%06d", page))
	stderr, err := cmdrun.Run(ctx, p.cfg.PDFToPPMBinary,
		"-f", strconv.Itoa(page),
		"-l", strconv.Itoa(page),
		"-r", strconv.Itoa(dpi),
		"-png",
		"-singlefile",
		pdfPath,
		prefix,
	)
	if err != nil {
		return "", p.classify("pdftoppm", ctx, err, stderr, page)
	}

	imagePath := prefix + ".png"
	if _, err := os.Stat(imagePath); err != nil {
		return "", fmt.Errorf("pdftoppm page %d produced no image: %w", page, err)
	}
	return imagePath, nil
}

// --- internals ---

func parsePages(pdfinfoOut string) (int, error) {
	matches := pageCountRegex.FindStringSubmatch(pdfinfoOut)
	if len(matches) == 2 {
		n, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, fmt.Errorf("pdfinfo: invalid page count: %w", err)
		}
		return validatePages(n)
	}

	// Some poppler builds pad or reorder fields.
	sc := bufio.NewScanner(strings.NewReader(pdfinfoOut))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(strings.ToLower(line), "pages:") {
			fields := strings.Fields(line[len("pages:"):])
			if len(fields) == 0 {
				break
			}
			n, err := strconv.Atoi(fields[0])
			if err != nil {
				return 0, fmt.Errorf("pdfinfo: invalid page count: %w", err)
			}
			return validatePages(n)
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("pdfinfo: scan failed: %w", err)
	}
	return 0, fmt.Errorf("pdfinfo: pages field not found in output")
}

func validatePages(count int) (int, error) {
	if count == 0 {
		return 0, ErrNoPages
	}
	if count < 0 || count > maxPages {
		return 0, fmt.Errorf("unreasonable page count: %d", count)
	}
	return count, nil
}

// isHelpOrUsageOutput is true when stderr is a poppler usage dump rather
// than a processing error.
func isHelpOrUsageOutput(stderr string) bool {
	return strings.Contains(stderr, "version ") && strings.Contains(stderr, "Usage:")
}

func (p *Poppler) classify(tool string, ctx context.Context, err error, stderr string, page int) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s timeout: %w", tool, ctx.Err())
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s canceled: %w", tool, ctx.Err())
	}
	if errors.Is(err, cmdrun.ErrNotInstalled) {
		return err
	}

	stderr = strings.TrimSpace(stderr)
	if stderr == "" {
		return fmt.Errorf("%s failed: %w", tool, err)
	}

	p.logger.Warn("poppler error", "tool", tool, "page", page, "stderr", cmdrun.Truncate(stderr, 500))

	if isHelpOrUsageOutput(stderr) {
		return fmt.Errorf("%s failed (bad invocation): %s", tool, cmdrun.Truncate(stderr, 200))
	}
	if cmdrun.ContainsAny(stderr, "Incorrect password", "Command Line Error: Incorrect password") {
		return ErrEncrypted
	}
	if cmdrun.ContainsAny(stderr,
		"PDF file is damaged",
		"Syntax Error",
		"Couldn't find trailer dictionary",
		"May not be a PDF file",
	) {
		return fmt.Errorf("%w: %s", ErrDamaged, cmdrun.Truncate(stderr, 200))
	}
	if strings.Contains(stderr, "I/O Error") && strings.Contains(stderr, "Couldn't open file") {
		return fmt.Errorf("%s: unable to open PDF", tool)
	}
	return fmt.Errorf("%s failed: %s", tool, cmdrun.Truncate(stderr, 200))
}
