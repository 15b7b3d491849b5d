package fetch

import (
	"github.com/dtnitsch/lepi-pipeline/pkg/augment"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/orchestrator"
)

// Outcome is everything one fetch stage produced, before it is summarized.
type Outcome struct {
	RunID    string
	Manifest *manifest.Manifest
	Input    int // records read
	Batch    orchestrator.Batch
	Augment  augment.Report
}

// Summary is the structured output printed by the fetch command.
type Summary struct {
	Status       string `json:"status" yaml:"status"`
	RunID        string `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Manifest     string `json:"manifest" yaml:"manifest"`
	FailedReport string `json:"failed_report,omitempty" yaml:"failed_report,omitempty"`
	Stats        Stats  `json:"stats" yaml:"stats"`
}

// Stats provides summary statistics for the run.
type Stats struct {
	TotalRecords     int            `json:"total_records" yaml:"total_records"`
	Kept             int            `json:"kept" yaml:"kept"`
	Fetched          int            `json:"fetched" yaml:"fetched"`
	Cached           int            `json:"cached" yaml:"cached"`
	Failed           int            `json:"failed" yaml:"failed"`
	ErrorTypes       map[string]int `json:"error_types,omitempty" yaml:"error_types,omitempty"`
	AugmentMode      string         `json:"augment_mode" yaml:"augment_mode"`
	VariantsWritten  int            `json:"variants_written" yaml:"variants_written"`
	VariantsSkipped  int            `json:"variants_skipped" yaml:"variants_skipped"`
	VariantsFailed   int            `json:"variants_failed" yaml:"variants_failed"`
	ExpectedImages   int            `json:"expected_images" yaml:"expected_images"`
	TotalTimeSeconds float64        `json:"total_time_seconds" yaml:"total_time_seconds"`
}
