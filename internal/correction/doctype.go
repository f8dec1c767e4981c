package correction

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

type signatureSet struct {
	docType  DocumentType
	patterns []*regexp.Regexp
}

func compileSignatures() []signatureSet {
	out := make([]signatureSet, 0, len(documentSignatures))
	for _, d := range documentSignatures {
		set := signatureSet{docType: d.docType}
		for _, sig := range d.signatures {
			set.patterns = append(set.patterns, regexp.MustCompile(`(?:^|[^a-z0-9])`+phraseExpr(sig)+`(?:$|[^a-z0-9])`))
		}
		out = append(out, set)
	}
	return out
}

// phraseExpr quotes each word of p and lets any run of blanks separate them.
func phraseExpr(p string) string {
	words := strings.Fields(p)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return strings.Join(words, `[ \t]+`)
}

// Fold lowercases s and strips Vietnamese diacritics, so "Hợp Đồng" and
// "hop dong" compare equal.
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.NewReplacer("đ", "d", "Đ", "D").Replace(folded)
	return strings.ToLower(folded)
}

// detect scores folded text against every signature set and returns the
// best type whose distinct-signature count reaches threshold. Ties go to
// the type registered first.
func detect(sets []signatureSet, text string, threshold int) (DocumentType, map[DocumentType]int) {
	folded := Fold(text)
	scores := make(map[DocumentType]int, len(sets))
	best, bestScore := Unknown, 0
	for _, set := range sets {
		score := 0
		for _, re := range set.patterns {
			if re.MatchString(folded) {
				score++
			}
		}
		if score > 0 {
			scores[set.docType] = score
		}
		if score > bestScore {
			best, bestScore = set.docType, score
		}
	}
	if bestScore < threshold {
		return Unknown, scores
	}
	return best, scores
}
