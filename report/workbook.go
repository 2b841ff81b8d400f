package report

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"

	"github.com/warp/vaccine-stock/stock"
)

// SummarySheet is the first sheet of an exported workbook.
const SummarySheet = "Summary"

// LineHeader is the header row of every ledger sheet.
var LineHeader = []string{
	"Date", "Action", "Vials in", "Doses in", "Vials out", "Doses out", "Type", "Running vials",
}

// WorkbookLedgers are exported in this order, one sheet each.
var WorkbookLedgers = []stock.LedgerName{
	stock.LedgerUsable, stock.LedgerUnusable, stock.LedgerEarmarked, stock.LedgerUsed,
}

// WriteWorkbook writes an XLSX export of the projection to w: a summary
// sheet followed by one sheet per ledger.
func WriteWorkbook(w io.Writer, p *stock.Projection) error {
	f := excelize.NewFile()
	defer f.Close()

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E6F3FF"}, Pattern: 1},
	})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}

	if err := f.SetSheetName("Sheet1", SummarySheet); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := writeSummary(f, Summarize(p), headerStyle); err != nil {
		return err
	}

	for _, name := range WorkbookLedgers {
		ledger, err := p.Ledger(name)
		if err != nil {
			return err
		}
		if err := writeLedger(f, ledger, headerStyle); err != nil {
			return err
		}
	}

	f.SetActiveSheet(0)
	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func writeSummary(f *excelize.File, s Summary, style int) error {
	end := "all time"
	if s.End != nil {
		end = stock.FormatDate(*s.End)
	}
	rows := [][]any{
		{"Field", "Vials", "Doses"},
		{"Stock", s.Identity.StockID},
		{"Country", s.Identity.CountryName},
		{"Vaccine", string(s.Identity.Vaccine)},
		{"As of", end},
		{"Usable", s.Usable.Vials, s.Usable.Doses},
		{"Unusable", s.Unusable.Vials, s.Unusable.Doses},
		{"Earmarked", s.Earmarked.Vials, s.Earmarked.Doses},
		{"Vials received", s.VialsReceived},
		{"Vials used", s.VialsUsed},
		{"Vials destroyed", s.VialsDestroyed},
		{"Usage rate", s.UsageRate.StringFixed(4)},
	}
	if err := writeRows(f, SummarySheet, rows); err != nil {
		return err
	}
	return f.SetCellStyle(SummarySheet, "A1", "C1", style)
}

func writeLedger(f *excelize.File, l stock.Ledger, style int) error {
	sheet := string(l.Name)
	if _, err := f.NewSheet(sheet); err != nil {
		return fmt.Errorf("create sheet %s: %w", sheet, err)
	}

	header := make([]any, len(LineHeader))
	for i, h := range LineHeader {
		header[i] = h
	}
	rows := [][]any{header}
	running := l.Running()
	for i, line := range l.Lines {
		rows = append(rows, []any{
			stock.FormatDate(line.Date),
			line.Action,
			cell(line.VialsIn()),
			cell(line.DosesIn()),
			cell(line.VialsOut()),
			cell(line.DosesOut()),
			string(line.Type),
			running[i].Vials,
		})
	}
	if err := writeRows(f, sheet, rows); err != nil {
		return err
	}

	last, err := excelize.CoordinatesToCellName(len(LineHeader), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	return f.SetColWidth(sheet, "B", "B", 60)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for r, row := range rows {
		start, err := excelize.CoordinatesToCellName(1, r+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, start, &row); err != nil {
			return fmt.Errorf("write %s row %d: %w", sheet, r+1, err)
		}
	}
	return nil
}

// cell leaves the inactive side of a line empty.
func cell(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
