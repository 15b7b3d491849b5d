package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/extractor"
	"github.com/dtnitsch/lepi-pipeline/pkg/features"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
)

// FeatureSummary is the printed outcome of one feature pass.
type FeatureSummary struct {
	Feature         string                  `json:"feature" yaml:"feature"`
	Computed        int                     `json:"computed" yaml:"computed"`
	Cached          int                     `json:"cached" yaml:"cached"`
	Repaired        int                     `json:"repaired,omitempty" yaml:"repaired,omitempty"`
	Failed          int                     `json:"failed" yaml:"failed"`
	Shape           string                  `json:"shape,omitempty" yaml:"shape,omitempty"`
	DurationSeconds float64                 `json:"duration_seconds" yaml:"duration_seconds"`
	Failures        []manifest.FailedRecord `json:"failures,omitempty" yaml:"failures,omitempty"`
}

// Summary is the structured output printed by the extract command.
type Summary struct {
	Status   string           `json:"status" yaml:"status"`
	RunID    string           `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Manifest string           `json:"manifest" yaml:"manifest"`
	Features []FeatureSummary `json:"features" yaml:"features"`
}

func ExtractAction(c *cli.Context) error {
	env, err := common.Setup(c)
	if err != nil {
		return err
	}
	defer env.Close()

	names := env.Config.Features
	if c.Args().Present() {
		names = common.SplitList(strings.Join(c.Args().Slice(), ","))
	}
	if len(names) == 0 {
		return cli.Exit("no features requested: pass feature ids (lbp, glcm, sift) or set features in the config", 1)
	}

	m, err := manifest.ReadFile(env.Config.ManifestPath, env.Schema())
	if err != nil {
		return fmt.Errorf("failed to read persisted manifest (run fetch first): %w", err)
	}

	runID := env.StartRun("extract", "", names)
	summaries, err := Stage(c.Context, env, m, names, runID, c.Bool("check-shapes"))
	env.FinishRun(runID, RunStats(len(m.Records), summaries), err)
	if err != nil {
		return err
	}

	return common.PrintOutput(c, Summary{
		Status:   Status(summaries),
		RunID:    runID,
		Manifest: m.Path,
		Features: summaries,
	})
}

// NewExtractor builds the extractor over every feature the configuration can
// serve. Requested names are checked up front so an unavailable feature fails
// before any work.
func NewExtractor(env *common.Env, names []string) (*extractor.Extractor, error) {
	registry, err := features.Default(*env.Config, nil)
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if _, err := registry.Get(name); err != nil {
			if name == "sift" {
				return nil, fmt.Errorf("%w: sift requires a keypoint detector and none is linked into this build", features.ErrUnknownFeature)
			}
			return nil, err
		}
	}
	return extractor.New(*env.Config, registry, env.Scheme(), env.Storage,
		extractor.WithLogger(env.Logger),
		extractor.WithMetrics(env.Metrics),
	)
}

// Stage runs one extraction pass per feature, in order, persisting the
// manifest after each.
func Stage(ctx context.Context, env *common.Env, m *manifest.Manifest, names []string, runID string, checkShapes bool) ([]FeatureSummary, error) {
	ex, err := NewExtractor(env, names)
	if err != nil {
		return nil, err
	}

	var summaries []FeatureSummary
	for _, name := range names {
		report, err := ex.Extract(ctx, m, name)
		if err != nil {
			return summaries, err
		}
		fs := FeatureSummary{
			Feature:         name,
			Computed:        report.Computed,
			Cached:          report.Cached,
			Repaired:        report.Repaired,
			Failed:          report.Failed,
			DurationSeconds: report.Duration.Seconds(),
			Failures:        report.Failures,
		}

		for _, a := range report.Artifacts {
			if !a.Cached && runID != "" {
				env.RecordArtifact(runID, a.SourceRef, name, a.Path)
			}
		}

		if checkShapes {
			shapes, err := ex.CheckShapes(m, name)
			if err != nil {
				summaries = append(summaries, fs)
				return summaries, err
			}
			fs.Shape = shapes.Shape
		}
		summaries = append(summaries, fs)
	}
	return summaries, nil
}

// Status is success when no record failed in any pass.
func Status(summaries []FeatureSummary) string {
	for _, s := range summaries {
		if s.Failed > 0 {
			return "partial_failure"
		}
	}
	return "success"
}

// RunStats sums the passes into ledger counters.
func RunStats(records int, summaries []FeatureSummary) db.RunStats {
	stats := db.RunStats{RecordCount: records}
	for _, s := range summaries {
		stats.SuccessCount += s.Computed
		stats.CachedCount += s.Cached
		stats.FailedCount += s.Failed
	}
	return stats
}
