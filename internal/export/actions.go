package export

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
)

// ExportAction writes the persisted manifest as an XLSX workbook.
func ExportAction(c *cli.Context) error {
	logger := common.NewLogger(c)
	cfg, err := common.LoadConfig(c)
	if err != nil {
		return err
	}

	m, err := manifest.ReadFile(cfg.ManifestPath, manifest.SchemaFromConfig(*cfg))
	if err != nil {
		return fmt.Errorf("failed to read persisted manifest: %w", err)
	}

	out := c.String("xlsx")
	if out == "" {
		out = strings.TrimSuffix(cfg.ManifestPath, filepath.Ext(cfg.ManifestPath)) + ".xlsx"
	}
	if err := m.ExportXLSX(out); err != nil {
		return err
	}

	logger.Info("Manifest exported", "manifest", cfg.ManifestPath, "xlsx", out, "records", len(m.Records))
	fmt.Fprintln(c.App.Writer, out)
	return nil
}
