package output

import (
	"fmt"
	"os"
	"strings"
)

// Writer appends page blocks in order. Every write is fsynced before it
// returns, so a page reported as written survives a crash.
type Writer struct {
	f    *os.File
	page int
}

// Page is the last page durably written.
func (w *Writer) Page() int { return w.page }

// AppendPage writes the block for page, which must directly follow the
// previous one.
func (w *Writer) AppendPage(page int, text string) error {
	if w.f == nil {
		return fmt.Errorf("append page %d: writer closed", page)
	}
	if page != w.page+1 {
		return fmt.Errorf("append page %d: expected page %d", page, w.page+1)
	}
	block := PageMarker(page) + "\n" + escapeMarkers(strings.TrimRight(text, "\r\n")) + "\n\n"
	if _, err := w.f.WriteString(block); err != nil {
		return fmt.Errorf("append page %d: %w", page, err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync page %d: %w", page, err)
	}
	w.page = page
	return nil
}

// Finish appends the completion trailer.
func (w *Writer) Finish(totalPages int) error {
	if w.f == nil {
		return fmt.Errorf("finish: writer closed")
	}
	if w.page != totalPages {
		return fmt.Errorf("finish: %d of %d pages written", w.page, totalPages)
	}
	if _, err := w.f.WriteString(Trailer(totalPages) + "\n"); err != nil {
		return fmt.Errorf("write trailer: %w", err)
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// escapeMarkers indents recognized text lines that would otherwise parse as
// page markers or the trailer on resume.
func escapeMarkers(text string) string {
	if !strings.Contains(text, "--- Page ") && !strings.Contains(text, "=== End of document") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if markerRegex.MatchString(line) || trailerRegex.MatchString(line) {
			lines[i] = " " + line
		}
	}
	return strings.Join(lines, "\n")
}
