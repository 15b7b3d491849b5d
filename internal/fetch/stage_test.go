package fetch

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dtnitsch/lepi-pipeline/internal/common"
	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/fetcher"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

type mapSource map[string]error

func (s mapSource) Fetch(_ context.Context, ref string) ([]byte, error) {
	if err := s[ref]; err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, 12, 8))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setupEnv(t *testing.T) *common.Env {
	t.Helper()
	dir := t.TempDir()

	cfg := models.DefaultConfig()
	cfg.InputPath = filepath.Join(dir, "filtered.csv")
	cfg.ManifestPath = filepath.Join(dir, "dataset.csv")
	cfg.ImageRoot = filepath.Join(dir, "cache_db")
	cfg.FeatureRoot = filepath.Join(dir, "cache")
	cfg.Workers = 4
	cfg.MinSize = 16
	cfg.Resize = models.ResizeConfig{}
	cfg.Augment = models.AugmentFlip
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	input := "category,identifier\nA,http://x/0.png\nA,http://x/1.png\nB,http://x/2.png\n"
	if err := os.WriteFile(cfg.InputPath, []byte(input), 0o644); err != nil {
		t.Fatal(err)
	}

	ledger, err := db.Open(cfg.DBPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ledger.Close() })

	return &common.Env{
		Config:  &cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Storage: &storage.Storage{},
		DB:      ledger,
	}
}

func TestStage_UnreachableMiddleRecord(t *testing.T) {
	env := setupEnv(t)
	cfg := env.Config
	source := mapSource{"http://x/1.png": fetcher.ErrNetwork}

	runID := env.StartRun("fetch", string(cfg.Augment), nil)
	out, err := Stage(context.Background(), env, source, runID)
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}

	persisted, err := manifest.ReadFile(cfg.ManifestPath, env.Schema())
	if err != nil {
		t.Fatal(err)
	}
	var got [][2]string
	for _, rec := range persisted.Records {
		rel, _ := filepath.Rel(cfg.ImageRoot, rec.LocalPath)
		got = append(got, [2]string{rel, filepath.Base(rec.Variants[0])})
	}
	want := [][2]string{{"A/0_0.png", "0_0f.png"}, {"B/2_0.png", "2_0f.png"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("persisted records (-want +got):\n%s", diff)
	}

	summary := BuildSummary(out, cfg, time.Second)
	if summary.Status != StatusPartialFailure {
		t.Errorf("status = %q", summary.Status)
	}
	if summary.Stats.ExpectedImages != 4 || summary.Stats.VariantsWritten != 2 {
		t.Errorf("stats = %+v", summary.Stats)
	}
	if diff := cmp.Diff(map[string]int{"network_error": 1}, summary.Stats.ErrorTypes); diff != "" {
		t.Errorf("error types (-want +got):\n%s", diff)
	}
	if _, err := os.Stat(manifest.FailedRecordsPath(cfg.ManifestPath)); err != nil {
		t.Errorf("failed-records report missing: %v", err)
	}

	failures, err := env.DB.RunFailures(runID)
	if err != nil {
		t.Fatal(err)
	}
	if len(failures) != 1 || failures[0].RecordIndex != 1 || failures[0].ErrorType != "network_error" {
		t.Errorf("ledger failures = %+v", failures)
	}
	artifacts, err := env.DB.ListArtifacts("http://x/0.png")
	if err != nil {
		t.Fatal(err)
	}
	if len(artifacts) != 2 {
		t.Errorf("artifacts for record 0 = %+v, want canonical + variant", artifacts)
	}
}

func TestStage_ResumeFromPersistedManifest(t *testing.T) {
	env := setupEnv(t)
	cfg := env.Config
	source := mapSource{"http://x/1.png": fetcher.ErrNetwork}

	if _, err := Stage(context.Background(), env, source, ""); err != nil {
		t.Fatal(err)
	}

	// Resume: no input, the persisted manifest is the starting point.
	cfg.InputPath = ""
	out, err := Stage(context.Background(), env, mapSource{}, "")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if out.Batch.Cached != 2 || out.Batch.Fetched != 0 {
		t.Errorf("resume batch cached=%d fetched=%d, want 2/0", out.Batch.Cached, out.Batch.Fetched)
	}
	if out.Augment.Skipped != 2 || out.Augment.Written != 0 {
		t.Errorf("resume augment = %+v", out.Augment)
	}
	if _, err := os.Stat(manifest.FailedRecordsPath(cfg.ManifestPath)); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("stale failed-records report kept after a clean run: %v", err)
	}
}

func TestStage_NoInput(t *testing.T) {
	env := setupEnv(t)
	env.Config.InputPath = ""

	if _, err := Stage(context.Background(), env, mapSource{}, ""); err == nil {
		t.Fatal("expected an error without input or persisted manifest")
	}
}

func TestSummaryStatus(t *testing.T) {
	tests := []struct {
		total, failed int
		want          string
	}{
		{3, 0, StatusSuccess},
		{0, 0, StatusSuccess},
		{3, 1, StatusPartialFailure},
		{3, 3, StatusFailed},
	}
	for _, tt := range tests {
		if got := summaryStatus(tt.total, tt.failed); got != tt.want {
			t.Errorf("summaryStatus(%d, %d) = %q, want %q", tt.total, tt.failed, got, tt.want)
		}
	}
}

func TestResilienceConfig(t *testing.T) {
	cfg := models.DefaultConfig()
	cfg.Breaker.Disabled = true
	cfg.Retry.MaxAttempts = 5

	rc := ResilienceConfig(&cfg)
	if rc.BreakerEnabled || rc.RetryMaxAttempts != 5 || rc.BreakerOpenTimeout != cfg.Breaker.OpenTimeout {
		t.Errorf("ResilienceConfig = %+v", rc)
	}
}
