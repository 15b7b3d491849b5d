package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/db"
	"github.com/dtnitsch/lepi-pipeline/internal/export"
	"github.com/dtnitsch/lepi-pipeline/internal/extract"
	"github.com/dtnitsch/lepi-pipeline/internal/fetch"
	"github.com/dtnitsch/lepi-pipeline/internal/run"
	"github.com/dtnitsch/lepi-pipeline/pkg/help"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "lepi",
		Usage: "Fetch, normalize, augment and featurize an image dataset described by a manifest",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "YAML configuration file"},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}, Usage: "Only log errors"},
			&cli.BoolFlag{Name: "verbose", Usage: "Log debug output"},
			&cli.StringFlag{Name: "format", Value: "yaml", Usage: "Summary output format: yaml or json"},
			&cli.StringFlag{Name: "manifest", Aliases: []string{"m"}, Usage: "Persisted manifest path"},
			&cli.StringFlag{Name: "db", Usage: "Provenance database path (default <manifest dir>/lepi.db)"},
			&cli.BoolFlag{Name: "no-db", Usage: "Do not record provenance"},
		},
		Commands: []*cli.Command{
			{
				Name:   "fetch",
				Usage:  "Fetch and cache the canonical image of every record, then augment",
				Flags:  append(fetchFlags(), stageFlags()...),
				Action: fetch.FetchAction,
			},
			{
				Name:      "extract",
				Usage:     "Compute feature artifacts for every cached image",
				ArgsUsage: "[feature...]",
				Flags:     append(extractFlags(), stageFlags()...),
				Action:    extract.ExtractAction,
			},
			{
				Name:   "run",
				Usage:  "Fetch, then extract every configured feature",
				Flags:  append(append(fetchFlags(), extractFlags()...), stageFlags()...),
				Action: run.RunAction,
			},
			{
				Name:  "export",
				Usage: "Write the persisted manifest as XLSX",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "xlsx", Usage: "Output workbook (default: manifest path with .xlsx)"},
				},
				Action: export.ExportAction,
			},
			{
				Name:  "db",
				Usage: "Inspect the provenance ledger",
				Subcommands: []*cli.Command{
					{
						Name:   "runs",
						Usage:  "List recent runs",
						Flags:  []cli.Flag{&cli.IntFlag{Name: "limit", Value: 20}},
						Action: db.RunsAction,
					},
					{
						Name:      "run",
						Usage:     "Show a run and its failed records (latest if no id)",
						ArgsUsage: "[run-id]",
						Action:    db.RunAction,
					},
					{
						Name:      "artifacts",
						Usage:     "List artifacts recorded for a source reference",
						ArgsUsage: "<source_ref>",
						Action:    db.ArtifactsAction,
					},
				},
			},
			{
				Name:  "coldstart",
				Usage: "Print a quick start guide (--config-example for a full config)",
				Flags: []cli.Flag{&cli.BoolFlag{Name: "config-example", Usage: "Print an example configuration"}},
				Action: func(c *cli.Context) error {
					if c.Bool("config-example") {
						fmt.Fprint(c.App.Writer, help.ExampleConfigYAML)
						return nil
					}
					fmt.Fprint(c.App.Writer, help.ColdstartYAML)
					return nil
				},
			},
		},
	}
}

func fetchFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "input", Aliases: []string{"i"}, Usage: "Filtered input manifest (default: resume the persisted manifest)"},
		&cli.StringFlag{Name: "image-root", Usage: "Canonical image cache root"},
		&cli.IntFlag{Name: "workers", Aliases: []string{"w"}, Usage: "Fetch worker pool size"},
		&cli.DurationFlag{Name: "timeout", Usage: "Per-record fetch timeout"},
		&cli.StringFlag{Name: "augment", Usage: "Augmentation mode: none, rotate, flip, all"},
		&cli.IntFlag{Name: "min-size", Usage: "Minimum canonical side length before resizing"},
		&cli.Float64Flag{Name: "rate-limit", Usage: "Maximum retrievals per second (0 disables)"},
	}
}

func extractFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "features", Usage: "Comma separated feature ids (extract also accepts them as arguments)"},
		&cli.StringFlag{Name: "feature-root", Usage: "Prefix of the feature cache roots"},
		&cli.IntFlag{Name: "extract-workers", Usage: "Concurrent feature computations"},
		&cli.BoolFlag{Name: "check-shapes", Usage: "Verify every artifact of a feature has the same shape"},
	}
}

func stageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address while running"},
	}
}
