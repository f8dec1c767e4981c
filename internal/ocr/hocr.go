package ocr

import (
	"io"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// HOCRDocument is the plain text reconstruction of a tesseract hOCR page.
type HOCRDocument struct {
	Text           string
	Words          int
	MeanConfidence float64 // -1 when no word carried x_wconf
}

// ParseHOCR rebuilds text from hOCR: paragraphs are separated by a blank
// line, lines by a newline, words by a single space.
func ParseHOCR(r io.Reader) (HOCRDocument, error) {
	root, err := html.Parse(r)
	if err != nil {
		return HOCRDocument{}, err
	}

	p := &hocrParser{}
	p.walk(root)
	p.flushParagraph()

	doc := HOCRDocument{
		Text:           strings.Join(p.paragraphs, "\n\n"),
		Words:          p.words,
		MeanConfidence: -1,
	}
	if p.confCount > 0 {
		doc.MeanConfidence = p.confSum / float64(p.confCount)
	}
	return doc, nil
}

type hocrParser struct {
	paragraphs []string
	lines      []string
	current    []string

	words     int
	confSum   float64
	confCount int
}

func (p *hocrParser) walk(n *html.Node) {
	if n.Type == html.ElementNode {
		switch {
		case hasClass(n, "ocr_par"):
			p.flushParagraph()
			p.children(n)
			p.flushParagraph()
			return
		case hasClass(n, "ocr_line"), hasClass(n, "ocr_header"), hasClass(n, "ocr_caption"), hasClass(n, "ocr_textfloat"):
			p.flushLine()
			p.children(n)
			p.flushLine()
			return
		case hasClass(n, "ocrx_word"):
			word := strings.TrimSpace(nodeText(n))
			if word != "" {
				p.current = append(p.current, word)
				p.words++
				if conf, ok := wordConfidence(attr(n, "title")); ok {
					p.confSum += conf
					p.confCount++
				}
			}
			return
		}
	}
	p.children(n)
}

func (p *hocrParser) children(n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		p.walk(c)
	}
}

func (p *hocrParser) flushLine() {
	if len(p.current) == 0 {
		return
	}
	p.lines = append(p.lines, strings.Join(p.current, " "))
	p.current = p.current[:0]
}

func (p *hocrParser) flushParagraph() {
	p.flushLine()
	if len(p.lines) == 0 {
		return
	}
	p.paragraphs = append(p.paragraphs, strings.Join(p.lines, "\n"))
	p.lines = nil
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var rec func(*html.Node)
	rec = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			rec(c)
		}
	}
	rec(n)
	return b.String()
}

// wordConfidence extracts x_wconf from a title like "bbox 1 2 3 4; x_wconf 91".
func wordConfidence(title string) (float64, bool) {
	for _, part := range strings.Split(title, ";") {
		fields := strings.Fields(part)
		if len(fields) == 2 && fields[0] == "x_wconf" {
			v, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}
