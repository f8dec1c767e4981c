package correction

import (
	"regexp"
	"strings"
)

// Placeholders are built from private-use runes so no rewrite rule can
// match inside them: an opening rune, the token index as hex digits in
// U+E010..U+E01F, and a closing rune.
const (
	placeholderOpen  = '\uE000'
	placeholderClose = '\uE001'
	placeholderDigit = '\uE010'
)

var (
	placeholderRegex = regexp.MustCompile(`\x{E000}([\x{E010}-\x{E01F}]+)\x{E001}`)
	privateUseRegex  = regexp.MustCompile(`[\x{E000}-\x{E01F}]`)
)

type preserver struct {
	patterns []*regexp.Regexp
	tokens   []string
}

func placeholder(i int) string {
	var digits []rune
	if i == 0 {
		digits = []rune{placeholderDigit}
	}
	for n := i; n > 0; n /= 16 {
		digits = append([]rune{placeholderDigit + rune(n%16)}, digits...)
	}
	return string(placeholderOpen) + string(digits) + string(placeholderClose)
}

func placeholderIndex(digits string) (int, bool) {
	n := 0
	for _, r := range digits {
		if r < placeholderDigit || r > placeholderDigit+15 {
			return 0, false
		}
		n = n*16 + int(r-placeholderDigit)
	}
	return n, true
}

// protect swaps every preserved token for a placeholder.
func (p *preserver) protect(text string) string {
	for _, re := range p.patterns {
		text = re.ReplaceAllStringFunc(text, func(tok string) string {
			p.tokens = append(p.tokens, tok)
			return placeholder(len(p.tokens) - 1)
		})
	}
	return text
}

// restore puts the original tokens back.
func (p *preserver) restore(text string) string {
	if len(p.tokens) == 0 || !strings.ContainsRune(text, placeholderOpen) {
		return text
	}
	return placeholderRegex.ReplaceAllStringFunc(text, func(ph string) string {
		inner := strings.TrimSuffix(strings.TrimPrefix(ph, string(placeholderOpen)), string(placeholderClose))
		i, ok := placeholderIndex(inner)
		if !ok || i >= len(p.tokens) {
			return ph
		}
		return p.tokens[i]
	})
}
