package ocr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// LanguageConfig selects tesseract traineddata and engine behaviour for one
// recognition call.
type LanguageConfig struct {
	Languages   []string
	EngineMode  int // --oem
	PageSegMode int // --psm
}

var langCodeRegex = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{1,31}$`)

// ParseLanguages splits a tesseract style "vie+eng" list.
func ParseLanguages(s string) []string {
	var out []string
	for _, part := range strings.Split(s, "+") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func NewLanguageConfig(langs string, engineMode, pageSegMode int) LanguageConfig {
	return LanguageConfig{
		Languages:   ParseLanguages(langs),
		EngineMode:  engineMode,
		PageSegMode: pageSegMode,
	}
}

// Arg renders the -l argument.
func (l LanguageConfig) Arg() string {
	return strings.Join(l.Languages, "+")
}

func (l LanguageConfig) String() string {
	return l.Arg() + " oem=" + strconv.Itoa(l.EngineMode) + " psm=" + strconv.Itoa(l.PageSegMode)
}

func (l LanguageConfig) Validate() error {
	if len(l.Languages) == 0 {
		return fmt.Errorf("no OCR languages configured")
	}
	for _, code := range l.Languages {
		if !langCodeRegex.MatchString(code) {
			return fmt.Errorf("invalid OCR language code %q", code)
		}
	}
	if l.EngineMode < 0 || l.EngineMode > 3 {
		return fmt.Errorf("invalid OCR engine mode %d", l.EngineMode)
	}
	if l.PageSegMode < 0 || l.PageSegMode > 13 {
		return fmt.Errorf("invalid OCR page segmentation mode %d", l.PageSegMode)
	}
	return nil
}

// Narrower reports whether fallback uses a strict subset of l's languages.
func (l LanguageConfig) Narrower(fallback LanguageConfig) bool {
	if len(fallback.Languages) == 0 || len(fallback.Languages) >= len(l.Languages) {
		return false
	}
	have := make(map[string]bool, len(l.Languages))
	for _, code := range l.Languages {
		have[code] = true
	}
	for _, code := range fallback.Languages {
		if !have[code] {
			return false
		}
	}
	return true
}
