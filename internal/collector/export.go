package collector

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"

	"github.com/xuri/excelize/v2"
)

// Format is an export file format, mirroring the teacher's report.ExportFormat.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// Exporter writes a store's accumulated records to disk. Export failures
// are non-fatal to the crawl itself (spec.md scopes durable aggregation
// as an ambient concern, not a core correctness requirement); callers
// should log and continue.
type Exporter struct {
	store *Store
}

// NewExporter wraps store for export.
func NewExporter(store *Store) *Exporter {
	return &Exporter{store: store}
}

// Export writes every stored record for the store's task to path in the
// given format.
func (e *Exporter) Export(format Format, path string) error {
	rows, err := e.store.Rows()
	if err != nil {
		return fmt.Errorf("collector: export: %w", err)
	}

	switch format {
	case FormatCSV:
		return exportCSV(rows, path)
	case FormatJSON:
		return exportJSON(rows, path)
	case FormatXLSX:
		return exportXLSX(rows, path)
	default:
		return fmt.Errorf("collector: unsupported export format %q", format)
	}
}

func exportCSV(rows []string, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("collector: create %s: %w", path, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if err := w.Write([]string{"payload"}); err != nil {
		return fmt.Errorf("collector: write header: %w", err)
	}
	for _, row := range rows {
		if err := w.Write([]string{row}); err != nil {
			return fmt.Errorf("collector: write row: %w", err)
		}
	}
	return nil
}

func exportJSON(rows []string, path string) error {
	records := make([]json.RawMessage, len(rows))
	for i, row := range rows {
		records[i] = json.RawMessage(row)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("collector: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("collector: write %s: %w", path, err)
	}
	return nil
}

func exportXLSX(rows []string, path string) error {
	f := excelize.NewFile()
	defer f.Close()

	sheet := "Results"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("collector: new sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	if err := f.SetCellValue(sheet, "A1", "payload"); err != nil {
		return fmt.Errorf("collector: header: %w", err)
	}
	for i, row := range rows {
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetCellValue(sheet, cell, row); err != nil {
			return fmt.Errorf("collector: cell %s: %w", cell, err)
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("collector: save %s: %w", path, err)
	}
	return nil
}
