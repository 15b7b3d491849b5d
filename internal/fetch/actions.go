package fetch

import (
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
)

func FetchAction(c *cli.Context) error {
	startTime := time.Now()
	env, err := common.Setup(c)
	if err != nil {
		return err
	}
	defer env.Close()

	source, err := NewSource(env.Config, env.Logger)
	if err != nil {
		return err
	}

	runID := env.StartRun("fetch", string(env.Config.Augment), nil)
	out, err := Stage(c.Context, env, source, runID)
	env.FinishRun(runID, RunStats(out), err)
	if err != nil {
		return err
	}

	summary := BuildSummary(out, env.Config, time.Since(startTime))
	if err := common.PrintOutput(c, summary); err != nil {
		return err
	}
	return ExitStatus(summary)
}

// ExitStatus maps a summary to the process exit code: 2 when every record
// failed, 0 otherwise. Partial failures are reported, not fatal.
func ExitStatus(s Summary) error {
	if s.Status == StatusFailed {
		return cli.Exit("every record failed to fetch; see "+s.FailedReport, 2)
	}
	return nil
}
