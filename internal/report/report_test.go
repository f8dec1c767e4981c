package report

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/toricodesthings/vn-ocr-service/internal/correction"
)

func TestWriteWorkbook(t *testing.T) {
	res := correction.New(correction.DefaultOptions()).Clean("Dia chi: 123, Dien thoai: 456")

	var buf bytes.Buffer
	if err := Write(&buf, res); err != nil {
		t.Fatalf("Write: %v", err)
	}

	f, err := excelize.OpenReader(&buf)
	if err != nil {
		t.Fatalf("OpenReader: %v", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) != 2 || sheets[0] != SummarySheet || sheets[1] != DetailsSheet {
		t.Fatalf("sheets = %v", sheets)
	}

	summary, err := f.GetRows(SummarySheet)
	if err != nil {
		t.Fatal(err)
	}
	if summary[0][1] != "unknown" || summary[2][1] != "2" {
		t.Fatalf("summary = %v", summary)
	}
	last := summary[len(summary)-1]
	if last[0] != string(correction.CharacterFix) || last[1] != "2" || last[2] != "2" || last[3] != "0" {
		t.Fatalf("category row = %v", last)
	}

	details, err := f.GetRows(DetailsSheet)
	if err != nil {
		t.Fatal(err)
	}
	if len(details) != 3 {
		t.Fatalf("details rows = %d: %v", len(details), details)
	}
	if details[0][0] != "Category" {
		t.Fatalf("details header = %v", details[0])
	}
}
