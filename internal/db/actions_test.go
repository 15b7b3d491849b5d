package db

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/urfave/cli/v2"

	dbpkg "github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
)

func testApp(out *bytes.Buffer) *cli.App {
	return &cli.App{
		Name:   "lepi",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db"},
			&cli.BoolFlag{Name: "quiet"},
		},
		Commands: []*cli.Command{{
			Name: "db",
			Subcommands: []*cli.Command{
				{Name: "artifacts", Action: ArtifactsAction},
				{Name: "runs", Action: RunsAction},
			},
		}},
	}
}

func TestArtifactCategory(t *testing.T) {
	tests := []struct {
		category string
	}{
		{"Papilio machaon"},
		{"Nymphalis (polychloros)"},
		{"plain"},
	}
	for _, tt := range tests {
		path := filepath.Join("data", "cache_db", pathscheme.EscapeCategory(tt.category), "3_0.png")
		if got := artifactCategory(path); got != tt.category {
			t.Errorf("artifactCategory(%q) = %q, want %q", path, got, tt.category)
		}
	}
}

func TestArtifactsAction_ShowsCategory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "lepi.db")
	database, err := dbpkg.Open(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	runID, err := database.CreateRun("fetch", "data/dataset.csv", "none", "")
	if err != nil {
		t.Fatal(err)
	}
	const ref = "https://example.org/p/1.jpg"
	artifact := filepath.Join("data", "cache_db", pathscheme.EscapeCategory("Papilio machaon"), "1_0.png")
	if _, err := database.UpsertArtifact(runID, ref, "canonical_image", artifact, "abcdef0123456789", 42); err != nil {
		t.Fatal(err)
	}
	if err := database.Close(); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := testApp(&out).Run([]string{"lepi", "--quiet", "--db", dbPath, "db", "artifacts", ref}); err != nil {
		t.Fatalf("db artifacts: %v", err)
	}
	got := out.String()
	for _, want := range []string{"canonical_image", "Papilio machaon", "abcdef012345", artifact} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}
