package correction

import "strings"

type WhitespaceOptions struct {
	MaxIndent       int // leading spaces kept per line
	MaxInlineSpaces int // longest run of spaces kept inside a line
	MaxBlankLines   int // consecutive empty lines kept
	TabWidth        int // leading tabs expand to this many spaces
}

func DefaultWhitespaceOptions() WhitespaceOptions {
	return WhitespaceOptions{MaxIndent: 8, MaxInlineSpaces: 2, MaxBlankLines: 2, TabWidth: 4}
}

func (o WhitespaceOptions) withDefaults() WhitespaceOptions {
	d := DefaultWhitespaceOptions()
	if o.MaxIndent < 0 {
		o.MaxIndent = d.MaxIndent
	}
	if o.MaxInlineSpaces < 1 {
		o.MaxInlineSpaces = d.MaxInlineSpaces
	}
	if o.MaxBlankLines < 1 {
		o.MaxBlankLines = d.MaxBlankLines
	}
	if o.TabWidth < 1 {
		o.TabWidth = d.TabWidth
	}
	return o
}

// NormalizeWhitespace caps indentation, inner space runs and blank line
// runs, and strips trailing blanks. It reports how many edits it made. The
// result is a fixed point: normalizing it again changes nothing.
func NormalizeWhitespace(text string, opts WhitespaceOptions) (string, int) {
	opts = opts.withDefaults()
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	changes := 0
	blank := 0

	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if line != "" {
				changes++
			}
			blank++
			if blank > opts.MaxBlankLines {
				changes++
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0

		normalized := normalizeLine(line, opts)
		if normalized != line {
			changes++
		}
		out = append(out, normalized)
	}
	return strings.Join(out, "\n"), changes
}

func normalizeLine(line string, opts WhitespaceOptions) string {
	content := strings.TrimLeft(line, " \t")
	lead := line[:len(line)-len(content)]

	indent := 0
	for _, r := range lead {
		if r == '\t' {
			indent += opts.TabWidth
		} else {
			indent++
		}
	}
	if indent > opts.MaxIndent {
		indent = opts.MaxIndent
	}

	content = strings.TrimRight(content, " \t")

	var b strings.Builder
	b.Grow(indent + len(content))
	b.WriteString(strings.Repeat(" ", indent))
	run := 0
	for _, r := range content {
		if r == ' ' || r == '\t' {
			run++
			if run <= opts.MaxInlineSpaces {
				b.WriteByte(' ')
			}
			continue
		}
		run = 0
		b.WriteRune(r)
	}
	return b.String()
}
