package correction

import (
	"regexp"
	"unicode/utf8"
)

// Change is one sampled substitution.
type Change struct {
	Before  string `json:"before"`
	After   string `json:"after"`
	Context string `json:"context"`
}

// CategoryStats reports the corrections made under one category. Details
// holds at most the sample limit; Remaining counts the unsampled rest.
type CategoryStats struct {
	Count     int      `json:"count"`
	Details   []Change `json:"details,omitempty"`
	Remaining int      `json:"remaining"`
}

// edit locates a substitution in the text it was applied to.
type edit struct {
	start, end int
	before     string
	after      string
}

type tracker struct {
	limit   int
	width   int
	stats   map[Category]*CategoryStats
	sampled map[Category]bool
}

func newTracker(limit, width int) *tracker {
	return &tracker{
		limit:   limit,
		width:   width,
		stats:   make(map[Category]*CategoryStats),
		sampled: make(map[Category]bool),
	}
}

func (t *tracker) get(c Category) *CategoryStats {
	s, ok := t.stats[c]
	if !ok {
		s = &CategoryStats{}
		t.stats[c] = s
	}
	return s
}

func (t *tracker) count(c Category, n int) {
	if n <= 0 {
		return
	}
	t.get(c).Count += n
}

// record counts edits made on text and keeps samples up to the limit.
func (t *tracker) record(c Category, text string, edits []edit) {
	if len(edits) == 0 {
		return
	}
	s := t.get(c)
	t.sampled[c] = true
	s.Count += len(edits)
	for _, e := range edits {
		if len(s.Details) >= t.limit {
			break
		}
		s.Details = append(s.Details, Change{
			Before:  e.before,
			After:   e.after,
			Context: leftWindow(text[:e.start], t.width) + e.after + rightWindow(text[e.end:], t.width),
		})
	}
}

// finish restores placeholders inside samples and fills in Remaining.
func (t *tracker) finish(p *preserver) (map[Category]CategoryStats, int) {
	out := make(map[Category]CategoryStats, len(t.stats))
	total := 0
	for c, s := range t.stats {
		if s.Count == 0 {
			continue
		}
		for i := range s.Details {
			d := &s.Details[i]
			d.Before = scrub(p.restore(d.Before))
			d.After = scrub(p.restore(d.After))
			d.Context = scrub(p.restore(d.Context))
		}
		if t.sampled[c] {
			s.Remaining = s.Count - len(s.Details)
		}
		total += s.Count
		out[c] = *s
	}
	return out, total
}

// scrub drops placeholder fragments cut in half by a context window.
func scrub(s string) string {
	return privateUseRegex.ReplaceAllString(s, "")
}

func leftWindow(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := len(s)
	for k := 0; k < n && i > 0; k++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return s[i:]
}

func rightWindow(s string, n int) string {
	if n <= 0 {
		return ""
	}
	i := 0
	for k := 0; k < n && i < len(s); k++ {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
	}
	return s[:i]
}

// rewrite applies re to text, asking repl for each match's replacement.
// Matches repl declines or leaves unchanged are kept and not reported.
func rewrite(re *regexp.Regexp, text string, repl func(text string, loc []int) (string, bool)) (string, []edit) {
	locs := re.FindAllStringSubmatchIndex(text, -1)
	if len(locs) == 0 {
		return text, nil
	}
	var (
		out   []byte
		edits []edit
		last  int
	)
	for _, loc := range locs {
		match := text[loc[0]:loc[1]]
		after, ok := repl(text, loc)
		if !ok || after == match {
			continue
		}
		out = append(out, text[last:loc[0]]...)
		out = append(out, after...)
		last = loc[1]
		edits = append(edits, edit{start: loc[0], end: loc[1], before: match, after: after})
	}
	if len(edits) == 0 {
		return text, nil
	}
	out = append(out, text[last:]...)
	return string(out), edits
}

// expand is the repl for plain $1-style templates.
func expand(re *regexp.Regexp, template string) func(string, []int) (string, bool) {
	return func(text string, loc []int) (string, bool) {
		return string(re.ExpandString(nil, template, text, loc)), true
	}
}
