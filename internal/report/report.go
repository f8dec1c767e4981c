// Package report renders correction metadata as an XLSX audit workbook.
package report

import (
	"fmt"
	"io"
	"sort"

	"github.com/xuri/excelize/v2"

	"github.com/toricodesthings/vn-ocr-service/internal/correction"
)

const (
	SummarySheet = "Summary"
	DetailsSheet = "Details"

	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Write emits a workbook with a Summary sheet (document facts and one row
// per category) and a Details sheet (every sampled change).
func Write(w io.Writer, res correction.Result) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if _, err := f.NewSheet(DetailsSheet); err != nil {
		return fmt.Errorf("add sheet: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("style: %w", err)
	}

	m := res.Metadata
	facts := [][]any{
		{"Document type", string(m.DocumentType)},
		{"Confidence", m.Confidence},
		{"Total corrections", m.TotalCorrections},
		{"Original length", m.OriginalLength},
		{"Cleaned length", m.CleanedLength},
		{"Preserved tokens", m.PreservedTokens},
		{},
		{"Category", "Count", "Sampled", "Remaining"},
	}
	categories := sortedCategories(m.Corrections)
	for _, c := range categories {
		s := m.Corrections[c]
		facts = append(facts, []any{string(c), s.Count, len(s.Details), s.Remaining})
	}
	if err := writeRows(f, SummarySheet, facts); err != nil {
		return err
	}
	headerRow := 8
	if err := f.SetCellStyle(SummarySheet, "A1", fmt.Sprintf("A%d", headerRow-2), bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}
	if err := f.SetCellStyle(SummarySheet, fmt.Sprintf("A%d", headerRow), fmt.Sprintf("D%d", headerRow), bold); err != nil {
		return fmt.Errorf("style summary: %w", err)
	}

	details := [][]any{{"Category", "Before", "After", "Context"}}
	for _, c := range categories {
		for _, d := range m.Corrections[c].Details {
			details = append(details, []any{string(c), d.Before, d.After, d.Context})
		}
	}
	if err := writeRows(f, DetailsSheet, details); err != nil {
		return err
	}
	if err := f.SetCellStyle(DetailsSheet, "A1", "D1", bold); err != nil {
		return fmt.Errorf("style details: %w", err)
	}
	_ = f.SetColWidth(SummarySheet, "A", "A", 22)
	_ = f.SetColWidth(DetailsSheet, "B", "C", 24)
	_ = f.SetColWidth(DetailsSheet, "D", "D", 60)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return fmt.Errorf("%s row %d: %w", sheet, i+1, err)
		}
	}
	return nil
}

func sortedCategories(m map[correction.Category]correction.CategoryStats) []correction.Category {
	out := make([]correction.Category, 0, len(m))
	for c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
