package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.PageDone(PagePrimary, time.Second)
	m.SessionStarted()
	m.SessionFinished("complete")
	m.CheckpointWrite(nil)
	m.GCHint()
	m.OCRConfidence(88)
	m.Corrections("character_fix", 2)
	m.HTTPRequest("/health", 200, time.Millisecond)
}

func TestCountersAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.PageDone(PagePrimary, 2*time.Second)
	m.PageDone(PagePlaceholder, time.Second)
	m.PageDone(PagePrimary, time.Second)
	m.Corrections("character_fix", 3)
	m.SessionStarted()

	if got := testutil.ToFloat64(m.pages.WithLabelValues(PagePrimary)); got != 2 {
		t.Fatalf("primary pages = %v", got)
	}
	if got := testutil.ToFloat64(m.corrections.WithLabelValues("character_fix")); got != 3 {
		t.Fatalf("corrections = %v", got)
	}
	if got := testutil.ToFloat64(m.activeSessions); got != 1 {
		t.Fatalf("active = %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `ocr_pages_total{outcome="placeholder"} 1`) {
		t.Fatalf("exposition missing page counter:\n%s", rec.Body.String())
	}
}

func TestOCRConfidenceIgnoresMissing(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.OCRConfidence(-1)
	m.OCRConfidence(91.5)
	if n := testutil.CollectAndCount(m.ocrConfidence); n != 1 {
		t.Fatalf("collected %d series", n)
	}
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if body := rec.Body.String(); !strings.Contains(body, "ocr_page_confidence_count 1") {
		t.Fatalf("expected one observation:\n%s", body)
	}
}
