package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"

	"github.com/toricodesthings/vn-ocr-service/internal/checkpoint"
	"github.com/toricodesthings/vn-ocr-service/internal/logging"
	"github.com/toricodesthings/vn-ocr-service/internal/ocr"
	"github.com/toricodesthings/vn-ocr-service/internal/output"
)

var markerRe = regexp.MustCompile(`(?m)^--- Page (\d+) ---$`)

// fakeRaster writes a tiny file per page whose content names the page.
type fakeRaster struct {
	pages    int
	countErr error
	failAt   int

	mu       sync.Mutex
	rendered []int
	live     int
	maxLive  int
}

func (f *fakeRaster) PageCount(ctx context.Context, path string) (int, error) {
	if f.countErr != nil {
		return 0, f.countErr
	}
	return f.pages, nil
}

func (f *fakeRaster) RenderPage(ctx context.Context, path string, page, dpi int, outDir string) (string, error) {
	if page == f.failAt {
		return "", errors.New("pdftoppm: simulated failure")
	}
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	img := filepath.Join(outDir, fmt.Sprintf("page-%06d.png", page))
	if err := os.WriteFile(img, []byte(strconv.Itoa(page)), 0o644); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.rendered = append(f.rendered, page)
	entries, _ := os.ReadDir(outDir)
	f.live = len(entries)
	if f.live > f.maxLive {
		f.maxLive = f.live
	}
	f.mu.Unlock()
	return img, nil
}

// fakeEngine echoes the page number stored in the image. Pages listed in
// failPrimary fail with the primary languages; pages in failAll fail with
// every configuration.
type fakeEngine struct {
	failPrimary map[int]bool
	failAll     map[int]bool
	calls       []string
}

func (f *fakeEngine) Recognize(ctx context.Context, imagePath string, lang ocr.LanguageConfig) (ocr.Result, error) {
	b, err := os.ReadFile(imagePath)
	if err != nil {
		return ocr.Result{}, err
	}
	page, _ := strconv.Atoi(string(b))
	f.calls = append(f.calls, fmt.Sprintf("%d:%s", page, lang.Arg()))
	if f.failAll[page] || (f.failPrimary[page] && lang.Arg() == "vie+eng") {
		return ocr.Result{}, &ocr.Error{Languages: lang.Arg(), Err: errors.New("exit status 1")}
	}
	return ocr.Result{Text: "Nội dung trang " + string(b), Confidence: -1}, nil
}

// recordingStore remembers every saved checkpoint. A non-nil loadErr makes
// Load fail the way an unreachable backend does.
type recordingStore struct {
	checkpoint.Store
	mu      sync.Mutex
	saved   []checkpoint.Checkpoint
	loadErr error
}

func (r *recordingStore) Load(ctx context.Context, sessionID string) (checkpoint.Checkpoint, bool, error) {
	if r.loadErr != nil {
		return checkpoint.Checkpoint{}, false, r.loadErr
	}
	return r.Store.Load(ctx, sessionID)
}

func (r *recordingStore) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	r.mu.Lock()
	r.saved = append(r.saved, cp)
	r.mu.Unlock()
	return r.Store.Save(ctx, cp)
}

type fixture struct {
	raster  *fakeRaster
	engine  *fakeEngine
	store   *recordingStore
	outputs *output.Store
	opts    Options
}

func newFixture(t *testing.T, pages int) *fixture {
	t.Helper()
	root := t.TempDir()
	fs, err := checkpoint.NewFileStore(filepath.Join(root, "checkpoints"), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	outs, err := output.NewStore(filepath.Join(root, "outputs"), logging.Discard())
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{
		raster:  &fakeRaster{pages: pages},
		engine:  &fakeEngine{failPrimary: map[int]bool{}, failAll: map[int]bool{}},
		store:   &recordingStore{Store: fs},
		outputs: outs,
		opts: Options{
			DPI:             150,
			CheckpointEvery: 3,
			Primary:         ocr.NewLanguageConfig("vie+eng", 1, 3),
			Fallback:        ocr.NewLanguageConfig("vie", 1, 3),
			WorkDir:         filepath.Join(root, "work"),
		},
	}
}

func (f *fixture) pipeline() *Pipeline {
	return New(f.raster, f.engine, f.store, f.outputs, f.opts, logging.Discard(), nil)
}

func (f *fixture) output(t *testing.T, id string) string {
	t.Helper()
	rc, err := f.outputs.Open(id)
	if err != nil {
		t.Fatalf("open output: %v", err)
	}
	defer rc.Close()
	b, err := io.ReadAll(rc)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func pageNumbers(content string) []int {
	var out []int
	for _, m := range markerRe.FindAllStringSubmatch(content, -1) {
		n, _ := strconv.Atoi(m[1])
		out = append(out, n)
	}
	return out
}

func assertContiguous(t *testing.T, content string, total int) {
	t.Helper()
	pages := pageNumbers(content)
	if len(pages) != total {
		t.Fatalf("expected %d page blocks, got %d: %v", total, len(pages), pages)
	}
	for i, p := range pages {
		if p != i+1 {
			t.Fatalf("page block %d is page %d: %v", i, p, pages)
		}
	}
}

func TestProcessFreshSession(t *testing.T) {
	f := newFixture(t, 5)
	var progress []Progress
	res, err := f.pipeline().Process(context.Background(), Session{
		ID:           "fresh",
		DocumentPath: "doc.pdf",
		DocumentName: "doc.pdf",
		OnProgress:   func(p Progress) { progress = append(progress, p) },
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.TotalPages != 5 || res.PagesProcessed != 5 || res.Resumed() {
		t.Fatalf("result = %+v", res)
	}

	content := f.output(t, "fresh")
	assertContiguous(t, content, 5)
	if !strings.Contains(content, "Nội dung trang 3") {
		t.Fatalf("missing page text:\n%s", content)
	}
	if !strings.Contains(content, output.Trailer(5)) {
		t.Fatalf("missing trailer:\n%s", content)
	}

	cp, found, err := f.store.Load(context.Background(), "fresh")
	if err != nil || !found {
		t.Fatalf("Load: found=%v err=%v", found, err)
	}
	if !cp.Complete || cp.LastPageProcessed != 5 || len(cp.PerPageDurations) != 5 {
		t.Fatalf("checkpoint = %+v", cp)
	}

	if len(progress) != 5 || progress[4].Percentage != 100 || progress[0].Page != 1 {
		t.Fatalf("progress = %+v", progress)
	}
	if f.raster.maxLive != 1 {
		t.Fatalf("expected one page image on disk at a time, saw %d", f.raster.maxLive)
	}
	if _, err := os.Stat(filepath.Join(f.opts.WorkDir, "fresh")); !os.IsNotExist(err) {
		t.Fatalf("work dir left behind: %v", err)
	}
}

func TestCheckpointCadenceAndResumeAfterFailure(t *testing.T) {
	f := newFixture(t, 25)
	f.raster.failAt = 15

	_, err := f.pipeline().Process(context.Background(), Session{ID: "doc-25", DocumentPath: "doc.pdf"})
	var se *Error
	if !errors.As(err, &se) || se.Kind != KindRasterize || se.Page != 15 {
		t.Fatalf("expected rasterize error on page 15, got %v", err)
	}

	cp, found, _ := f.store.Load(context.Background(), "doc-25")
	if !found {
		t.Fatal("checkpoint missing after failure")
	}
	if cp.LastPageProcessed != 12 || cp.Complete {
		t.Fatalf("checkpoint after failure = %+v", cp)
	}
	if cp.ErrorCount != 1 || !strings.Contains(cp.LastError, "simulated failure") {
		t.Fatalf("failure not recorded: %+v", cp)
	}

	f.raster.failAt = 0
	f.raster.rendered = nil
	res, err := f.pipeline().Process(context.Background(), Session{ID: "doc-25", DocumentPath: "doc.pdf"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !res.Resumed() || res.ResumedFrom != 13 || res.PagesProcessed != 13 {
		t.Fatalf("resume result = %+v", res)
	}
	if f.raster.rendered[0] != 13 {
		t.Fatalf("resume rendered from page %d", f.raster.rendered[0])
	}
	assertContiguous(t, f.output(t, "doc-25"), 25)

	last := -1
	for _, saved := range f.store.saved {
		if saved.LastPageProcessed < last || saved.LastPageProcessed > saved.TotalPages {
			t.Fatalf("checkpoint went from %d to %d", last, saved.LastPageProcessed)
		}
		last = saved.LastPageProcessed
	}
	if last != 25 {
		t.Fatalf("final checkpoint at %d", last)
	}
}

func TestOCRFallbackAndPlaceholder(t *testing.T) {
	f := newFixture(t, 4)
	f.engine.failPrimary[2] = true
	f.engine.failAll[3] = true

	res, err := f.pipeline().Process(context.Background(), Session{ID: "ocr-fail", DocumentPath: "doc.pdf"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.OCRFailures != 1 {
		t.Fatalf("ocr failures = %d", res.OCRFailures)
	}

	content := f.output(t, "ocr-fail")
	assertContiguous(t, content, 4)
	if !strings.Contains(content, "Nội dung trang 2") {
		t.Fatalf("fallback text missing:\n%s", content)
	}
	if !strings.Contains(content, "[OCR failed for page 3:") {
		t.Fatalf("placeholder missing:\n%s", content)
	}

	want := []string{"1:vie+eng", "2:vie+eng", "2:vie", "3:vie+eng", "3:vie", "4:vie+eng"}
	if strings.Join(f.engine.calls, ",") != strings.Join(want, ",") {
		t.Fatalf("calls = %v", f.engine.calls)
	}

	cp, _, _ := f.store.Load(context.Background(), "ocr-fail")
	if cp.ErrorCount != 1 || !cp.Complete {
		t.Fatalf("checkpoint = %+v", cp)
	}
}

func TestUnreadableDocumentLeavesNoState(t *testing.T) {
	f := newFixture(t, 0)
	f.raster.countErr = errors.New("document has no pages")

	_, err := f.pipeline().Process(context.Background(), Session{ID: "broken", DocumentPath: "bad.pdf"})
	if KindOf(err) != KindInput {
		t.Fatalf("expected input error, got %v", err)
	}
	if _, found, _ := f.store.Load(context.Background(), "broken"); found {
		t.Fatal("checkpoint created for unreadable document")
	}
	if f.outputs.Exists("broken") {
		t.Fatal("output created for unreadable document")
	}
}

func TestCancelBetweenPagesThenResume(t *testing.T) {
	f := newFixture(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := f.pipeline().Process(ctx, Session{
		ID:           "cancel-me",
		DocumentPath: "doc.pdf",
		OnProgress: func(p Progress) {
			if p.Page == 4 {
				cancel()
			}
		},
	})
	if KindOf(err) != KindCanceled {
		t.Fatalf("expected canceled, got %v", err)
	}
	cp, _, _ := f.store.Load(context.Background(), "cancel-me")
	if cp.LastPageProcessed != 4 || cp.Complete {
		t.Fatalf("checkpoint after cancel = %+v", cp)
	}
	assertContiguous(t, f.output(t, "cancel-me"), 4)

	res, err := f.pipeline().Process(context.Background(), Session{ID: "cancel-me", DocumentPath: "doc.pdf"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.ResumedFrom != 5 {
		t.Fatalf("resumed from %d", res.ResumedFrom)
	}
	assertContiguous(t, f.output(t, "cancel-me"), 10)
}

func TestCompleteSessionIsNotReprocessed(t *testing.T) {
	f := newFixture(t, 3)
	p := f.pipeline()
	if _, err := p.Process(context.Background(), Session{ID: "done", DocumentPath: "doc.pdf"}); err != nil {
		t.Fatal(err)
	}
	f.raster.rendered = nil

	res, err := p.Process(context.Background(), Session{ID: "done", DocumentPath: "doc.pdf"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.AlreadyComplete || len(f.raster.rendered) != 0 {
		t.Fatalf("result = %+v rendered = %v", res, f.raster.rendered)
	}
}

func TestPageCountMismatchIsRejected(t *testing.T) {
	f := newFixture(t, 6)
	f.raster.failAt = 5
	_, _ = f.pipeline().Process(context.Background(), Session{ID: "changed", DocumentPath: "doc.pdf"})

	f.raster.failAt = 0
	f.raster.pages = 8
	_, err := f.pipeline().Process(context.Background(), Session{ID: "changed", DocumentPath: "doc.pdf"})
	if KindOf(err) != KindInput {
		t.Fatalf("expected input error, got %v", err)
	}
}

func TestCheckpointReadFailureKeepsProgress(t *testing.T) {
	f := newFixture(t, 10)
	f.raster.failAt = 8
	if _, err := f.pipeline().Process(context.Background(), Session{ID: "flaky", DocumentPath: "doc.pdf"}); KindOf(err) != KindRasterize {
		t.Fatalf("expected rasterize error, got %v", err)
	}
	before := f.output(t, "flaky")
	saves := len(f.store.saved)

	f.raster.failAt = 0
	f.raster.rendered = nil
	f.store.loadErr = errors.New("redis: connection refused")
	_, err := f.pipeline().Process(context.Background(), Session{ID: "flaky", DocumentPath: "doc.pdf"})
	if KindOf(err) != KindCheckpoint {
		t.Fatalf("expected checkpoint error, got %v", err)
	}
	if len(f.raster.rendered) != 0 || len(f.store.saved) != saves {
		t.Fatalf("pipeline ran without a checkpoint: rendered=%v saves=%d", f.raster.rendered, len(f.store.saved)-saves)
	}
	if got := f.output(t, "flaky"); got != before {
		t.Fatalf("output changed:\n%s", got)
	}

	f.store.loadErr = nil
	cp, found, _ := f.store.Load(context.Background(), "flaky")
	if !found || cp.LastPageProcessed != 6 {
		t.Fatalf("checkpoint = %+v found=%v", cp, found)
	}
	res, err := f.pipeline().Process(context.Background(), Session{ID: "flaky", DocumentPath: "doc.pdf"})
	if err != nil || res.ResumedFrom != 7 {
		t.Fatalf("resume: %+v %v", res, err)
	}
	assertContiguous(t, f.output(t, "flaky"), 10)
}

func TestResumeRefusesDifferentDocument(t *testing.T) {
	f := newFixture(t, 6)
	f.raster.failAt = 4
	_, _ = f.pipeline().Process(context.Background(), Session{ID: "s", DocumentPath: "a.pdf"})
	before := f.output(t, "s")

	f.raster.failAt = 0
	f.raster.rendered = nil
	_, err := f.pipeline().Process(context.Background(), Session{ID: "s", DocumentPath: "b.pdf"})
	if KindOf(err) != KindInput || !strings.Contains(err.Error(), "a.pdf") {
		t.Fatalf("expected input error naming a.pdf, got %v", err)
	}
	if len(f.raster.rendered) != 0 || f.output(t, "s") != before {
		t.Fatalf("other document was appended: rendered=%v", f.raster.rendered)
	}
}

func TestMemoryHintAndPageFilter(t *testing.T) {
	f := newFixture(t, 3)
	f.opts.MemoryThresholdBytes = 1 << 20
	f.opts.PageFilter = func(page int, text string) string { return strings.ToUpper(text) }

	p := f.pipeline()
	p.heapSize = func() uint64 { return 2 << 20 }
	collected := 0
	p.collect = func() { collected++ }

	if _, err := p.Process(context.Background(), Session{ID: "mem", DocumentPath: "doc.pdf"}); err != nil {
		t.Fatal(err)
	}
	if collected != 3 {
		t.Fatalf("gc hints = %d", collected)
	}
	if !strings.Contains(f.output(t, "mem"), "NỘI DUNG TRANG 1") {
		t.Fatal("page filter not applied")
	}
}

func TestInvalidSessionID(t *testing.T) {
	f := newFixture(t, 1)
	_, err := f.pipeline().Process(context.Background(), Session{ID: "../etc", DocumentPath: "doc.pdf"})
	if KindOf(err) != KindInput || !errors.Is(err, checkpoint.ErrInvalidSessionID) {
		t.Fatalf("err = %v", err)
	}
}

func TestErrorPublicMessagesHideDetail(t *testing.T) {
	err := &Error{Kind: KindOutput, SessionID: "s", Err: errors.New("write /data/outputs/s.txt: no space left on device")}
	if strings.Contains(err.Public(), "/data") {
		t.Fatalf("public message leaks detail: %q", err.Public())
	}
	cpErr := &Error{Kind: KindCheckpoint, SessionID: "s", Err: errors.New("dial tcp 10.0.0.5:6379: connection refused")}
	if strings.Contains(cpErr.Public(), "10.0.0.5") || cpErr.Public() == "processing failed" {
		t.Fatalf("checkpoint message = %q", cpErr.Public())
	}
}

func TestPlaceholderKeepsValidUTF8(t *testing.T) {
	long := errors.New(strings.Repeat("Không đọc được trang ", 40))
	got := Placeholder(7, long)
	if !utf8.ValidString(got) || !strings.HasPrefix(got, "[OCR failed for page 7: Không") || !strings.HasSuffix(got, "...]") {
		t.Fatalf("placeholder = %q", got)
	}
}
