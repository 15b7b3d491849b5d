package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/augment"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/fetcher"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/orchestrator"
)

// NewSource builds the fetcher the worker pool retrieves through.
func NewSource(cfg *models.Config, logger *slog.Logger) (*fetcher.Fetcher, error) {
	s3, err := fetcher.NewS3Client(cfg.S3)
	if err != nil {
		return nil, err
	}
	opts := []fetcher.Option{
		fetcher.WithLogger(logger),
		fetcher.WithMaxBytes(cfg.MaxImageBytes),
		fetcher.WithUserAgent(cfg.UserAgent),
		fetcher.WithRateLimit(cfg.RateLimitPerSec),
		fetcher.WithResilience(ResilienceConfig(cfg)),
	}
	if s3 != nil {
		opts = append(opts, fetcher.WithS3(s3))
	}
	return fetcher.NewFetcher(opts...), nil
}

// Stage fetches, normalizes and caches the canonical image of every record,
// augments the survivors, and rewrites the manifest. Per-record failures are
// dropped from the manifest and listed in failed-records.yaml.
func Stage(ctx context.Context, env *common.Env, source orchestrator.Source, runID string) (*Outcome, error) {
	cfg := env.Config
	m, err := LoadManifest(cfg, env.Schema())
	if err != nil {
		return nil, err
	}
	out := &Outcome{RunID: runID, Manifest: m, Input: len(m.Records)}
	env.Logger.Info("Fetch stage started", "records", len(m.Records), "workers", cfg.Workers,
		"augment", cfg.Augment, "image_root", cfg.ImageRoot)

	o := orchestrator.New(*cfg, source, env.Scheme(),
		orchestrator.WithLogger(env.Logger),
		orchestrator.WithMetrics(env.Metrics),
		orchestrator.WithStorage(env.Storage),
	)
	defer o.Close()

	batch, err := o.FetchAll(ctx, m.Records)
	out.Batch = batch
	if err != nil {
		return out, fmt.Errorf("fetch interrupted: %w", err)
	}

	originals := make([]string, len(batch.Records))
	for i, rec := range batch.Records {
		originals[i] = rec.LocalPath
	}
	gen := augment.New(env.Storage,
		augment.WithLogger(env.Logger),
		augment.WithMetrics(env.Metrics),
		augment.WithWorkers(cfg.AugmentWorkers),
		augment.WithJPEGQuality(cfg.JPEGQuality),
	)
	report, variants := gen.Generate(ctx, originals, cfg.Augment)
	out.Augment = report
	for i := range batch.Records {
		batch.Records[i].Variants = variants[batch.Records[i].LocalPath]
	}

	m.Records = batch.Records
	if err := m.Save(env.Storage, cfg.ManifestPath); err != nil {
		return out, fmt.Errorf("failed to persist manifest: %w", err)
	}
	if err := writeFailedReport(env, cfg.ManifestPath, batch.Failures); err != nil {
		return out, err
	}

	recordProvenance(env, runID, batch)
	return out, nil
}

// writeFailedReport replaces the report of an earlier run; a clean run
// removes it.
func writeFailedReport(env *common.Env, manifestPath string, failures []manifest.FailedRecord) error {
	if len(failures) == 0 {
		if err := os.Remove(manifest.FailedRecordsPath(manifestPath)); err != nil && !errors.Is(err, os.ErrNotExist) {
			env.Logger.Warn("Failed to remove stale failed-records report", "error", err)
		}
		return nil
	}
	return manifest.WriteFailedRecords(env.Storage, manifestPath, "fetch", failures)
}

func recordProvenance(env *common.Env, runID string, batch orchestrator.Batch) {
	if env.DB == nil || runID == "" {
		return
	}

	variants := make(map[string][]string, len(batch.Records))
	for _, rec := range batch.Records {
		variants[rec.LocalPath] = rec.Variants
	}

	attempts := make([]db.FetchAttempt, 0, len(batch.Results))
	for _, r := range batch.Results {
		a := db.FetchAttempt{
			RunID:       runID,
			SourceRef:   r.SourceRef,
			RecordIndex: r.Index,
			Category:    r.Category,
			Cached:      r.Cached,
			Success:     r.Err == nil,
			ErrorType:   r.ErrorType,
			DurationMS:  r.Duration.Milliseconds(),
			LocalPath:   r.Path,
		}
		if r.Err != nil {
			a.ErrorMessage = r.Err.Error()
			a.LocalPath = ""
		}
		attempts = append(attempts, a)
	}
	if err := env.DB.RecordFetchAttempts(attempts); err != nil {
		env.Logger.Warn("Failed to record fetch attempts", "run_id", runID, "error", err)
		return
	}

	// Only newly fetched images get hashed; cached ones were recorded by the
	// run that wrote them.
	for _, r := range batch.Results {
		if r.Err != nil || r.Cached {
			continue
		}
		env.RecordArtifact(runID, r.SourceRef, "canonical_image", r.Path)
		for _, v := range variants[r.Path] {
			env.RecordArtifact(runID, r.SourceRef, "variant", v)
		}
	}
}
