package fetch

import (
	"time"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
)

// Run status values reported in the summary.
const (
	StatusSuccess        = "success"
	StatusPartialFailure = "partial_failure"
	StatusFailed         = "failed"
)

// BuildSummary condenses an outcome into the printed summary.
func BuildSummary(out *Outcome, cfg *models.Config, elapsed time.Duration) Summary {
	b := out.Batch
	stats := Stats{
		TotalRecords:     out.Input,
		Kept:             len(b.Records),
		Fetched:          b.Fetched,
		Cached:           b.Cached,
		Failed:           b.Failed,
		ErrorTypes:       countErrorTypes(b.Failures),
		AugmentMode:      string(cfg.Augment),
		VariantsWritten:  out.Augment.Written,
		VariantsSkipped:  out.Augment.Skipped,
		VariantsFailed:   out.Augment.Failed,
		ExpectedImages:   cfg.Augment.ExpectedImages(len(b.Records)),
		TotalTimeSeconds: elapsed.Seconds(),
	}

	summary := Summary{
		Status:   summaryStatus(out.Input, stats.Failed),
		RunID:    out.RunID,
		Manifest: cfg.ManifestPath,
		Stats:    stats,
	}
	if stats.Failed > 0 {
		summary.FailedReport = manifest.FailedRecordsPath(cfg.ManifestPath)
	}
	return summary
}

func summaryStatus(total, failed int) string {
	switch {
	case failed == 0:
		return StatusSuccess
	case failed == total:
		return StatusFailed
	default:
		return StatusPartialFailure
	}
}

func countErrorTypes(failures []manifest.FailedRecord) map[string]int {
	if len(failures) == 0 {
		return nil
	}
	counts := make(map[string]int)
	for _, f := range failures {
		counts[f.ErrorType]++
	}
	return counts
}

// RunStats converts an outcome into ledger counters. A nil outcome (the stage
// failed before fetching) yields zeros.
func RunStats(out *Outcome) db.RunStats {
	if out == nil {
		return db.RunStats{}
	}
	return db.RunStats{
		RecordCount:  out.Input,
		SuccessCount: out.Batch.Fetched,
		CachedCount:  out.Batch.Cached,
		FailedCount:  out.Batch.Failed,
	}
}
