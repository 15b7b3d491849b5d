package run

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	"github.com/dtnitsch/lepi-pipeline/internal/extract"
	"github.com/dtnitsch/lepi-pipeline/internal/fetch"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/orchestrator"
)

// Summary is the structured output printed by the run command.
type Summary struct {
	Fetch    fetch.Summary            `json:"fetch" yaml:"fetch"`
	Features []extract.FeatureSummary `json:"features,omitempty" yaml:"features,omitempty"`
}

// RunAction fetches every record and then extracts every configured feature
// under a single ledger run.
func RunAction(c *cli.Context) error {
	startTime := time.Now()
	env, err := common.Setup(c)
	if err != nil {
		return err
	}
	defer env.Close()

	source, err := fetch.NewSource(env.Config, env.Logger)
	if err != nil {
		return err
	}

	summary, err := Execute(c.Context, env, source, c.Bool("check-shapes"), startTime)
	if err != nil {
		return err
	}
	if err := common.PrintOutput(c, summary); err != nil {
		return err
	}
	return fetch.ExitStatus(summary.Fetch)
}

// Execute runs the fetch stage and then every feature in the configuration,
// recording both under one ledger run.
func Execute(ctx context.Context, env *common.Env, source orchestrator.Source, checkShapes bool, startTime time.Time) (Summary, error) {
	names := env.Config.Features
	// Fail on an unavailable feature before spending time on the fetch.
	if len(names) > 0 {
		if _, err := extract.NewExtractor(env, names); err != nil {
			return Summary{}, err
		}
	}

	runID := env.StartRun("run", string(env.Config.Augment), names)
	out, err := fetch.Stage(ctx, env, source, runID)
	if err != nil {
		env.FinishRun(runID, fetch.RunStats(out), err)
		return Summary{}, err
	}
	summary := Summary{Fetch: fetch.BuildSummary(out, env.Config, time.Since(startTime))}

	var stats db.RunStats
	if len(names) > 0 {
		summary.Features, err = extract.Stage(ctx, env, out.Manifest, names, runID, checkShapes)
		stats = extract.RunStats(len(out.Manifest.Records), summary.Features)
	}
	fetchStats := fetch.RunStats(out)
	stats.RecordCount = fetchStats.RecordCount
	stats.SuccessCount += fetchStats.SuccessCount
	stats.CachedCount += fetchStats.CachedCount
	stats.FailedCount += fetchStats.FailedCount
	env.FinishRun(runID, stats, err)
	if err != nil {
		return summary, err
	}

	summary.Fetch.Stats.TotalTimeSeconds = time.Since(startTime).Seconds()
	return summary, nil
}
