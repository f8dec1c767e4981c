package ocr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/toricodesthings/vn-ocr-service/internal/cmdrun"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
)

const (
	FormatText = "txt"
	FormatHOCR = "hocr"
)

type TesseractConfig struct {
	Binary  string
	Timeout time.Duration
	Format  string // txt | hocr
	// MaxOutputBytes caps captured stdout per page.
	MaxOutputBytes int64
}

func (c TesseractConfig) withDefaults() TesseractConfig {
	out := c
	if out.Binary == "" {
		out.Binary = "tesseract"
	}
	if out.Timeout <= 0 {
		out.Timeout = 120 * time.Second
	}
	if out.Format != FormatHOCR {
		out.Format = FormatText
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = 16 << 20
	}
	return out
}

type Tesseract struct {
	cfg    TesseractConfig
	logger *slog.Logger
}

func NewTesseract(cfg TesseractConfig, logger *slog.Logger) *Tesseract {
	return &Tesseract{cfg: cfg.withDefaults(), logger: logging.OrDefault(logger, "ocr")}
}

func (t *Tesseract) args(imagePath string, lang LanguageConfig) []string {
	args := []string{
		imagePath, "stdout",
		"-l", lang.Arg(),
		"--oem", strconv.Itoa(lang.EngineMode),
		"--psm", strconv.Itoa(lang.PageSegMode),
	}
	if t.cfg.Format == FormatHOCR {
		args = append(args, "hocr")
	}
	return args
}

func (t *Tesseract) Recognize(ctx context.Context, imagePath string, lang LanguageConfig) (Result, error) {
	if err := lang.Validate(); err != nil {
		return Result{}, &Error{Languages: lang.Arg(), Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	start := time.Now()
	out, stderr, err := cmdrun.CaptureLimited(ctx, t.cfg.MaxOutputBytes, t.cfg.Binary, t.args(imagePath, lang)...)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("timeout after %s", t.cfg.Timeout)
		}
		return Result{}, &Error{Languages: lang.Arg(), Stderr: cmdrun.Truncate(stderr, 300), Err: err}
	}

	var res Result
	if t.cfg.Format == FormatHOCR {
		doc, err := ParseHOCR(strings.NewReader(out))
		if err != nil {
			return Result{}, &Error{Languages: lang.Arg(), Err: fmt.Errorf("parse hocr: %w", err)}
		}
		res = Result{Text: doc.Text, Confidence: doc.MeanConfidence, Words: doc.Words}
	} else {
		text := strings.TrimRight(strings.ReplaceAll(out, "\f", ""), "\n \t")
		res = Result{Text: text, Confidence: -1, Words: len(strings.Fields(text))}
	}

	t.logger.Debug("page recognized",
		"languages", lang.Arg(),
		"words", res.Words,
		"confidence", res.Confidence,
		"took", time.Since(start))
	return res, nil
}
