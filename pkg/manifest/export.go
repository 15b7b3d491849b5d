package manifest

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/xuri/excelize/v2"
	"gopkg.in/yaml.v3"

	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

const (
	SheetName         = "manifest"
	FailedRecordsFile = "failed-records.yaml"
)

// ExportXLSX writes the manifest to a single-sheet workbook. Index cells are
// numeric; everything else is text.
func (m *Manifest) ExportXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}

	header := m.Header()
	indexCol := -1
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
		if h == m.Schema.IndexColumn {
			indexCol = i
		}
	}
	if err := f.SetSheetRow(SheetName, "A1", &cells); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}

	for r, row := range m.Rows() {
		cells := make([]any, len(row))
		for i, v := range row {
			cells[i] = v
			if i == indexCol {
				if n, err := strconv.Atoi(v); err == nil {
					cells[i] = n
				}
			}
		}
		cell, err := excelize.CoordinatesToCellName(1, r+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(SheetName, cell, &cells); err != nil {
			return fmt.Errorf("failed to write row %d: %w", r+1, err)
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header: %w", err)
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("failed to save workbook: %w", err)
	}
	return nil
}

// FailedRecord is one row of the failed-records report.
type FailedRecord struct {
	Index        int    `json:"index" yaml:"index"`
	Category     string `json:"category" yaml:"category"`
	SourceRef    string `json:"source_ref" yaml:"source_ref"`
	ErrorType    string `json:"error_type" yaml:"error_type"`
	ErrorMessage string `json:"error_message" yaml:"error_message"`
}

// FailedRecords wraps the list for YAML output.
type FailedRecords struct {
	Stage         string         `yaml:"stage"`
	FailedRecords []FailedRecord `yaml:"failed_records"`
}

// FailedRecordsPath returns the report location next to the manifest.
func FailedRecordsPath(manifestPath string) string {
	return filepath.Join(filepath.Dir(manifestPath), FailedRecordsFile)
}

// WriteFailedRecords writes failed to failed-records.yaml next to
// manifestPath. Nothing is written when failed is empty.
func WriteFailedRecords(s *storage.Storage, manifestPath, stage string, failed []FailedRecord) error {
	if len(failed) == 0 {
		return nil
	}
	yamlBytes, err := yaml.Marshal(&FailedRecords{Stage: stage, FailedRecords: failed})
	if err != nil {
		return fmt.Errorf("failed to marshal failed records to YAML: %w", err)
	}
	if err := s.SaveFile(FailedRecordsPath(manifestPath), yamlBytes); err != nil {
		return fmt.Errorf("failed to write failed records file: %w", err)
	}
	return nil
}
