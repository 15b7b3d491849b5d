// Package extractor runs feature transforms over the canonical images of a
// manifest and caches one artifact per record and feature.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/features"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/metrics"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

var (
	// ErrCacheInconsistency means the manifest and the disk disagree: a
	// canonical image is missing or a cached artifact cannot be read back.
	ErrCacheInconsistency = errors.New("cache inconsistency")
	ErrShapeMismatch      = errors.New("feature shape mismatch")
)

// ErrorType maps an extraction error to its snake_case label.
func ErrorType(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrCacheInconsistency):
		return "cache_inconsistency"
	default:
		return "feature_compute"
	}
}

// Artifact is a feature file that exists for a record after a pass.
type Artifact struct {
	Index     int
	SourceRef string
	Path      string
	Cached    bool
}

// Report summarizes one Extract pass.
type Report struct {
	Feature   string
	Computed  int
	Cached    int
	Repaired  int // unreadable cached artifacts that were recomputed
	Failed    int
	Artifacts []Artifact
	Failures  []manifest.FailedRecord
	Duration  time.Duration
}

type result struct {
	path     string
	cached   bool
	repaired bool
	stale    bool // the canonical image is gone and the record must be refetched
	err      error
	duration time.Duration
}

// Extractor is safe for concurrent use across features but a single manifest
// must not be passed to two Extract calls at once.
type Extractor struct {
	registry *features.Registry
	scheme   pathscheme.Scheme
	storage  *storage.Storage
	workers  int
	logger   *slog.Logger
	metrics  *metrics.Pipeline
}

type Option func(*Extractor)

func WithLogger(l *slog.Logger) Option      { return func(e *Extractor) { e.logger = l } }
func WithMetrics(m *metrics.Pipeline) Option { return func(e *Extractor) { e.metrics = m } }

// New binds every registered feature to its cache root and creates those
// roots. Failing to create a root is fatal.
func New(cfg models.Config, registry *features.Registry, scheme pathscheme.Scheme, store *storage.Storage, opts ...Option) (*Extractor, error) {
	e := &Extractor{
		registry: registry,
		storage:  store,
		workers:  cfg.ExtractWorkers,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.workers <= 0 {
		e.workers = 1
	}
	if e.storage == nil {
		e.storage = &storage.Storage{}
	}

	for _, name := range registry.Names() {
		f, err := registry.Get(name)
		if err != nil {
			return nil, err
		}
		scheme = scheme.WithFeatureExt(name, f.Extension())
		if err := e.storage.EnsureDir(scheme.Root(name)); err != nil {
			return nil, fmt.Errorf("failed to create cache root for %s: %w", name, err)
		}
	}
	e.scheme = scheme
	return e, nil
}

// Scheme returns the path scheme with every feature extension bound.
func (e *Extractor) Scheme() pathscheme.Scheme {
	return e.scheme
}

// Extract computes feature for every record of m that does not already have a
// readable cached artifact, sets the feature column, and rewrites the manifest
// when it has a path. Per-record failures leave the cell empty and are listed
// in the report. A record whose canonical image is missing or unreadable loses
// its path, variants and feature cells so the next fetch restores it.
func (e *Extractor) Extract(ctx context.Context, m *manifest.Manifest, feature string) (Report, error) {
	report := Report{Feature: feature}
	f, err := e.registry.Get(feature)
	if err != nil {
		return report, err
	}

	start := time.Now()
	results := make([]result, len(m.Records))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(e.workers)
	for i := range m.Records {
		rec := m.Records[i]
		eg.Go(func() error {
			if err := egCtx.Err(); err != nil {
				return err
			}
			results[i] = e.extractOne(f, rec)
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return report, fmt.Errorf("extraction of %s interrupted: %w", feature, err)
	}

	for i, r := range results {
		rec := &m.Records[i]
		if r.stale {
			rec.LocalPath = ""
			rec.Variants = nil
			rec.FeaturePaths = nil
		}
		if r.err != nil {
			rec.SetFeaturePath(feature, "")
			report.Failed++
			report.Failures = append(report.Failures, manifest.FailedRecord{
				Index:        rec.Index,
				Category:     rec.Category,
				SourceRef:    rec.SourceRef,
				ErrorType:    ErrorType(r.err),
				ErrorMessage: r.err.Error(),
			})
			continue
		}
		rec.SetFeaturePath(feature, r.path)
		if r.cached {
			report.Cached++
		} else {
			report.Computed++
		}
		if r.repaired {
			report.Repaired++
		}
		report.Artifacts = append(report.Artifacts, Artifact{Index: rec.Index, SourceRef: rec.SourceRef, Path: r.path, Cached: r.cached})
	}
	m.AddFeature(feature)
	report.Duration = time.Since(start)

	e.logger.Info("Feature pass finished", "feature", feature, "records", len(m.Records),
		"computed", report.Computed, "cached", report.Cached, "repaired", report.Repaired,
		"failed", report.Failed, "duration_ms", report.Duration.Milliseconds())

	if m.Path != "" {
		if err := m.Save(e.storage, m.Path); err != nil {
			return report, fmt.Errorf("failed to persist manifest after %s: %w", feature, err)
		}
	}
	return report, nil
}

func (e *Extractor) extractOne(f features.Feature, rec models.Record) (res result) {
	name := f.Name()
	defer func() {
		if r := recover(); r != nil {
			res = result{err: fmt.Errorf("%w: panic: %v", features.ErrFeatureCompute, r)}
		}
		outcome := "computed"
		switch {
		case res.err != nil:
			outcome = ErrorType(res.err)
			e.logger.Warn("Feature extraction failed", "feature", name, "index", rec.Index,
				"category", rec.Category, "error_type", outcome, "error", res.err)
		case res.cached:
			outcome = "cached"
		default:
			e.metrics.ObserveFeature(name, res.duration)
		}
		e.metrics.FeatureRecord(name, outcome)
	}()

	path, err := e.scheme.Path(rec.Category, rec.Index, name)
	if err != nil {
		return result{err: fmt.Errorf("%w: %w", features.ErrFeatureCompute, err)}
	}

	if e.storage.HasFile(path) {
		err := inspect(f, path)
		if err == nil {
			stale := rec.LocalPath != "" && !e.storage.HasFile(rec.LocalPath)
			return result{path: path, cached: true, stale: stale}
		}
		e.logger.Warn("Discarding unreadable feature artifact", "feature", name, "index", rec.Index,
			"path", path, "error_type", "cache_inconsistency", "error", err)
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return result{err: fmt.Errorf("%w: cannot remove %s: %w", ErrCacheInconsistency, path, err)}
		}
		res.repaired = true
	}

	if rec.LocalPath == "" || !e.storage.HasFile(rec.LocalPath) {
		return result{stale: true, err: fmt.Errorf("%w: canonical image %q for index %d is missing", ErrCacheInconsistency, rec.LocalPath, rec.Index)}
	}
	img, err := imageproc.Load(rec.LocalPath)
	if err != nil {
		e.logger.Warn("Discarding unreadable canonical image", "index", rec.Index, "path", rec.LocalPath,
			"error_type", "cache_inconsistency", "error", err)
		if rmErr := os.Remove(rec.LocalPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return result{err: fmt.Errorf("%w: cannot remove %s: %w", ErrCacheInconsistency, rec.LocalPath, rmErr)}
		}
		return result{stale: true, err: fmt.Errorf("%w: %w", ErrCacheInconsistency, err)}
	}

	started := time.Now()
	if err := e.compute(f, img, path); err != nil {
		return result{err: err}
	}
	return result{path: path, repaired: res.repaired, duration: time.Since(started)}
}

func (e *Extractor) compute(f features.Feature, img image.Image, path string) error {
	err := e.storage.WriteAtomic(path, func(w io.Writer) error {
		return f.Compute(img, w)
	})
	if err != nil && !errors.Is(err, features.ErrFeatureCompute) {
		err = fmt.Errorf("%w: %w", features.ErrFeatureCompute, err)
	}
	return err
}

func inspect(f features.Feature, path string) error {
	_, err := inspectShape(f, path)
	return err
}

func inspectShape(f features.Feature, path string) (features.Shape, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return f.Inspect(file)
}
