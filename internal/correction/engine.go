// Package correction repairs Vietnamese OCR output with a fixed sequence
// of deterministic rewrite stages and reports what it changed.
package correction

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Weights blend the confidence signals.
type Weights struct {
	Length       float64
	DocumentType float64
	ChangeCount  float64
	Domain       float64
}

type Options struct {
	DetectionThreshold int
	SampleLimit        int
	ContextWidth       int
	Weights            Weights
	Whitespace         WhitespaceOptions
}

func DefaultOptions() Options {
	return Options{
		DetectionThreshold: 2,
		SampleLimit:        100,
		ContextWidth:       20,
		Weights:            Weights{Length: 0.3, DocumentType: 0.2, ChangeCount: 0.3, Domain: 0.2},
		Whitespace:         DefaultWhitespaceOptions(),
	}
}

// Metadata describes a Clean run.
type Metadata struct {
	DocumentType     DocumentType               `json:"documentType"`
	DocumentScores   map[DocumentType]int       `json:"documentScores,omitempty"`
	Corrections      map[Category]CategoryStats `json:"corrections"`
	TotalCorrections int                        `json:"totalCorrections"`
	Confidence       float64                    `json:"confidence"`
	OriginalLength   int                        `json:"originalLength"`
	CleanedLength    int                        `json:"cleanedLength"`
	PreservedTokens  int                        `json:"preservedTokens"`
}

type Result struct {
	Cleaned  string   `json:"cleaned"`
	Metadata Metadata `json:"metadata"`
}

type compiledPattern struct {
	re          *regexp.Regexp
	replacement string
}

type compiledPhrase struct {
	re *regexp.Regexp
	to string
}

type compiledGroup struct {
	category Category
	phrases  []compiledPhrase
}

// Corrector holds the compiled rule tables. It is safe for concurrent use.
type Corrector struct {
	opts       Options
	signatures []signatureSet
	preserved  []*regexp.Regexp
	artifacts  []compiledPattern
	charFixes  []compiledPattern
	charWords  []compiledPhrase
	vocabulary []compiledPhrase
	domains    []compiledGroup
	lateVocab  []compiledPhrase
	structure  map[DocumentType][]compiledPattern
}

// New compiles every rule table once. Zero option fields take defaults.
func New(opts Options) *Corrector {
	d := DefaultOptions()
	if opts.DetectionThreshold < 1 {
		opts.DetectionThreshold = d.DetectionThreshold
	}
	if opts.SampleLimit <= 0 {
		opts.SampleLimit = d.SampleLimit
	}
	if opts.ContextWidth <= 0 {
		opts.ContextWidth = d.ContextWidth
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = d.Weights
	}
	opts.Whitespace = opts.Whitespace.withDefaults()

	c := &Corrector{
		opts:       opts,
		signatures: compileSignatures(),
		artifacts:  compilePatterns(artifactPatterns),
		charFixes:  compilePatterns(characterPatterns),
		charWords:  compilePhrases(characterPhrases),
		vocabulary: compilePhrases(vocabularyPhrases),
		lateVocab:  compilePhrases(lateVocabularyPhrases),
		structure:  make(map[DocumentType][]compiledPattern, len(structureRules)),
	}
	for _, expr := range preservedPatterns {
		c.preserved = append(c.preserved, regexp.MustCompile(expr))
	}
	for _, g := range domainGroups {
		c.domains = append(c.domains, compiledGroup{category: g.category, phrases: compilePhrases(g.phrases)})
	}
	for t, rules := range structureRules {
		c.structure[t] = compilePatterns(rules)
	}
	return c
}

func compilePatterns(ps []pattern) []compiledPattern {
	out := make([]compiledPattern, len(ps))
	for i, p := range ps {
		out[i] = compiledPattern{re: regexp.MustCompile(p.expr), replacement: p.replacement}
	}
	return out
}

func compilePhrases(ps []phrase) []compiledPhrase {
	out := make([]compiledPhrase, len(ps))
	for i, p := range ps {
		out[i] = compiledPhrase{re: regexp.MustCompile(`(?i)` + phraseExpr(p.from)), to: p.to}
	}
	return out
}

// Clean runs the full correction pipeline. It never panics on bad input:
// empty or unusable text yields an empty result with zero confidence.
func (c *Corrector) Clean(text string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = emptyResult(utf8.RuneCountInString(text))
		}
	}()

	originalLength := utf8.RuneCountInString(text)
	if strings.TrimSpace(text) == "" {
		return emptyResult(originalLength)
	}

	tr := newTracker(c.opts.SampleLimit, c.opts.ContextWidth)
	text = c.prepare(text, tr)

	docType, scores := detect(c.signatures, text, c.opts.DetectionThreshold)

	p := &preserver{patterns: c.preserved}
	text = p.protect(text)

	text = c.applyPatterns(ArtifactRemoval, c.artifacts, text, tr, false)

	var n int
	text, n = NormalizeWhitespace(text, c.opts.Whitespace)
	tr.count(WhitespaceNormalization, n)

	text = c.applyPatterns(CharacterFix, c.charFixes, text, tr, true)
	text = applyPhrases(CharacterFix, c.charWords, text, tr)
	text = applyPhrases(VocabularyFix, c.vocabulary, text, tr)
	for _, g := range c.domains {
		text = applyPhrases(g.category, g.phrases, text, tr)
	}
	text = applyPhrases(VocabularyFix, c.lateVocab, text, tr)

	text = formatNumbers(text, tr)
	text = c.applyPatterns(StructureFormatting, c.structure[docType], text, tr, false)

	text = p.restore(text)
	text = strings.TrimSpace(text)

	corrections, total := tr.finish(p)
	meta := Metadata{
		DocumentType:     docType,
		DocumentScores:   scores,
		Corrections:      corrections,
		TotalCorrections: total,
		OriginalLength:   originalLength,
		CleanedLength:    utf8.RuneCountInString(text),
		PreservedTokens:  len(p.tokens),
	}
	if text == "" {
		meta.Corrections = map[Category]CategoryStats{}
		meta.TotalCorrections = 0
		return Result{Metadata: meta}
	}
	meta.Confidence = confidence(c.opts.Weights, meta, domainHits(corrections))
	return Result{Cleaned: text, Metadata: meta}
}

func emptyResult(originalLength int) Result {
	return Result{Metadata: Metadata{
		DocumentType:   Unknown,
		Corrections:    map[Category]CategoryStats{},
		OriginalLength: originalLength,
	}}
}

// prepare makes the text valid NFC with LF line endings and removes any
// runes from the placeholder range so restoration cannot be spoofed.
func (c *Corrector) prepare(text string, tr *tracker) string {
	if !utf8.ValidString(text) {
		before := len(text)
		text = strings.ToValidUTF8(text, "")
		if before != len(text) {
			tr.count(ArtifactRemoval, 1)
		}
	}
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = norm.NFC.String(text)
	if n := len(privateUseRegex.FindAllStringIndex(text, -1)); n > 0 {
		text = privateUseRegex.ReplaceAllString(text, "")
		tr.count(ArtifactRemoval, n)
	}
	return text
}

func (c *Corrector) applyPatterns(cat Category, rules []compiledPattern, text string, tr *tracker, sample bool) string {
	for _, r := range rules {
		next, edits := rewrite(r.re, text, expand(r.re, r.replacement))
		if sample {
			tr.record(cat, text, edits)
		} else {
			tr.count(cat, len(edits))
		}
		text = next
	}
	return text
}

func applyPhrases(cat Category, rules []compiledPhrase, text string, tr *tracker) string {
	for _, r := range rules {
		to := r.to
		next, edits := rewrite(r.re, text, func(s string, loc []int) (string, bool) {
			if !wordBoundary(s, loc[0], loc[1]) {
				return "", false
			}
			return matchCase(s[loc[0]:loc[1]], to), true
		})
		tr.record(cat, text, edits)
		text = next
	}
	return text
}

// wordBoundary reports whether s[start:end] is not glued to a letter,
// digit or combining mark on either side.
func wordBoundary(s string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:start])
		if isWordRune(r) {
			return false
		}
	}
	if end < len(s) {
		r, _ := utf8.DecodeRuneInString(s[end:])
		if isWordRune(r) {
			return false
		}
	}
	return true
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
}

// matchCase shapes repl after the case of match: an all-caps match gives
// an all-caps result, otherwise each word takes the case of the matched
// word's first letter.
func matchCase(match, repl string) string {
	if isAllUpper(match) {
		return strings.ToUpper(repl)
	}
	mw := strings.Fields(match)
	rw := strings.Fields(repl)
	for i := range rw {
		if i >= len(mw) {
			break
		}
		first, _ := utf8.DecodeRuneInString(mw[i])
		rw[i] = setFirstCase(rw[i], unicode.IsUpper(first))
	}
	return strings.Join(rw, " ")
}

func isAllUpper(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters > 1
}

func setFirstCase(w string, upper bool) string {
	r, size := utf8.DecodeRuneInString(w)
	if !unicode.IsLetter(r) {
		return w
	}
	if upper {
		r = unicode.ToUpper(r)
	} else {
		r = unicode.ToLower(r)
	}
	return string(r) + w[size:]
}

var (
	dateRegex      = regexp.MustCompile(`\b(\d{1,2})[.-](\d{1,2})[.-](\d{4})\b`)
	decimalRegex   = regexp.MustCompile(`(\d)[ \t]+,[ \t]*(\d)`)
	digitWordRegex = regexp.MustCompile(`(\d)(\p{Ll})`)
	digitRunRegex  = regexp.MustCompile(`\d{5,8}`)
)

// formatNumbers normalizes dates to d/m/yyyy, tightens "3 , 5" to "3,5",
// separates a number from a following word, and groups bare 5 to 8 digit
// runs with dots.
func formatNumbers(text string, tr *tracker) string {
	var edits []edit

	text, edits = rewrite(dateRegex, text, func(s string, loc []int) (string, bool) {
		day, _ := strconv.Atoi(s[loc[2]:loc[3]])
		month, _ := strconv.Atoi(s[loc[4]:loc[5]])
		if day < 1 || day > 31 || month < 1 || month > 12 {
			return "", false
		}
		return s[loc[2]:loc[3]] + "/" + s[loc[4]:loc[5]] + "/" + s[loc[6]:loc[7]], true
	})
	tr.count(NumberFormatting, len(edits))

	text, edits = rewrite(decimalRegex, text, expand(decimalRegex, "$1,$2"))
	tr.count(NumberFormatting, len(edits))

	text, edits = rewrite(digitWordRegex, text, expand(digitWordRegex, "$1 $2"))
	tr.count(NumberFormatting, len(edits))

	text, edits = rewrite(digitRunRegex, text, func(s string, loc []int) (string, bool) {
		if loc[0] > 0 {
			r, _ := utf8.DecodeLastRuneInString(s[:loc[0]])
			if blocksGrouping(r) {
				return "", false
			}
		}
		if loc[1] < len(s) {
			r, _ := utf8.DecodeRuneInString(s[loc[1]:])
			if blocksGrouping(r) {
				return "", false
			}
		}
		return groupThousands(s[loc[0]:loc[1]]), true
	})
	tr.count(NumberFormatting, len(edits))
	return text
}

func blocksGrouping(r rune) bool {
	return unicode.IsDigit(r) || unicode.IsLetter(r) || strings.ContainsRune(".,/:-", r) ||
		(r >= placeholderOpen && r <= placeholderDigit+15)
}

func groupThousands(digits string) string {
	var b strings.Builder
	lead := len(digits) % 3
	if lead > 0 {
		b.WriteString(digits[:lead])
	}
	for i := lead; i < len(digits); i += 3 {
		if b.Len() > 0 {
			b.WriteByte('.')
		}
		b.WriteString(digits[i : i+3])
	}
	return b.String()
}
