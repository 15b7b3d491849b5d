package db

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	dbpkg "github.com/dtnitsch/lepi-pipeline/pkg/db"
)

// openLedger opens the configured ledger for read commands.
func openLedger(c *cli.Context) (*dbpkg.DB, error) {
	cfg, err := common.LoadConfig(c)
	if err != nil {
		return nil, err
	}
	if cfg.NoDB {
		return nil, fmt.Errorf("the provenance ledger is disabled (no_db)")
	}
	database, err := dbpkg.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return database, nil
}

// GetRunOrLatest returns the run named by the first argument (an id or a
// unique id prefix), or the latest run if no argument is given.
func GetRunOrLatest(c *cli.Context, database *dbpkg.DB) (*dbpkg.Run, error) {
	if c.NArg() == 0 {
		runs, err := database.ListRuns(1)
		if err != nil {
			return nil, fmt.Errorf("failed to get latest run: %w", err)
		}
		if len(runs) == 0 {
			return nil, fmt.Errorf("no runs found. Run 'lepi fetch' first")
		}
		return &runs[0], nil
	}
	return database.GetRun(c.Args().First())
}
