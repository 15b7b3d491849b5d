package db

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
)

func RunsAction(c *cli.Context) error {
	database, err := openLedger(c)
	if err != nil {
		return err
	}
	defer database.Close()

	runs, err := database.ListRuns(c.Int("limit"))
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := c.App.Writer
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found")
		return nil
	}

	// Print table header
	fmt.Fprintf(w, "%-10s %-8s %-20s %-10s %-8s %-8s %-8s %-8s %-10s\n",
		"Run", "Command", "Started", "Status", "Records", "Fetched", "Cached", "Failed", "Augment")
	fmt.Fprintln(w, strings.Repeat("-", 100))

	for _, r := range runs {
		fmt.Fprintf(w, "%-10s %-8s %-20s %-10s %-8d %-8d %-8d %-8d %-10s\n",
			shortID(r.RunID),
			r.Command,
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Status,
			r.RecordCount,
			r.SuccessCount,
			r.CachedCount,
			r.FailedCount,
			r.AugmentMode,
		)
	}

	fmt.Fprintf(w, "\nTotal: %d runs\n", len(runs))
	fmt.Fprintf(w, "\nTip: Use 'lepi db run <id>' to see failures\n")
	return nil
}

// RunAction shows one run and its failed records.
func RunAction(c *cli.Context) error {
	database, err := openLedger(c)
	if err != nil {
		return err
	}
	defer database.Close()

	run, err := GetRunOrLatest(c, database)
	if err != nil {
		return err
	}
	failures, err := database.RunFailures(run.RunID)
	if err != nil {
		return err
	}
	counts, err := database.ErrorTypeCounts(run.RunID)
	if err != nil {
		return err
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Run %s\n", run.RunID)
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Command:     %s\n", run.Command)
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	fmt.Fprintf(w, "Started:     %s\n", run.StartedAt.Format("2006-01-02 15:04:05"))
	if run.FinishedAt.Valid {
		fmt.Fprintf(w, "Finished:    %s\n", run.FinishedAt.Time.Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(w, "Manifest:    %s\n", run.ManifestPath)
	fmt.Fprintf(w, "Records:     %d total (%d fetched, %d cached, %d failed)\n",
		run.RecordCount, run.SuccessCount, run.CachedCount, run.FailedCount)
	if run.AugmentMode != "" {
		fmt.Fprintf(w, "Augment:     %s\n", run.AugmentMode)
	}
	if run.Features != "" {
		fmt.Fprintf(w, "Features:    %s\n", run.Features)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "Error:       %s\n", run.ErrorMessage)
	}

	if len(counts) > 0 {
		types := make([]string, 0, len(counts))
		for t := range counts {
			types = append(types, t)
		}
		sort.Strings(types)
		fmt.Fprintf(w, "\nFailures by type:\n")
		for _, t := range types {
			fmt.Fprintf(w, "  %-20s %d\n", t, counts[t])
		}
	}

	if len(failures) > 0 {
		fmt.Fprintf(w, "\nFailed records (%d):\n", len(failures))
		fmt.Fprintln(w, strings.Repeat("-", 60))
		for _, f := range failures {
			fmt.Fprintf(w, "%6d. [%s] %s (%s)\n", f.RecordIndex, f.ErrorType, f.SourceRef, f.Category)
			if f.ErrorMessage != "" {
				fmt.Fprintf(w, "        %s\n", f.ErrorMessage)
			}
		}
	}
	return nil
}

// ArtifactsAction lists every artifact recorded for a source reference.
func ArtifactsAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return cli.Exit("usage: lepi db artifacts <source_ref>", 1)
	}
	database, err := openLedger(c)
	if err != nil {
		return err
	}
	defer database.Close()

	ref := c.Args().First()
	artifacts, err := database.ListArtifacts(ref)
	if err != nil {
		return err
	}

	w := c.App.Writer
	if len(artifacts) == 0 {
		fmt.Fprintf(w, "No artifacts recorded for %s\n", ref)
		return nil
	}
	fmt.Fprintf(w, "%-16s %-24s %-10s %-12s %s\n", "Type", "Category", "Size", "Hash", "Path")
	fmt.Fprintln(w, strings.Repeat("-", 100))
	for _, a := range artifacts {
		fmt.Fprintf(w, "%-16s %-24s %-10d %-12s %s\n", a.TypeName, artifactCategory(a.FilePath),
			a.SizeBytes, shortHash(a.ContentHash), a.FilePath)
	}
	return nil
}

// artifactCategory recovers the category label from the directory an
// artifact is stored in.
func artifactCategory(path string) string {
	dir := filepath.Base(filepath.Dir(path))
	category, err := pathscheme.UnescapeCategory(dir)
	if err != nil {
		return dir
	}
	return category
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
