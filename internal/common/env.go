// Package common holds the setup shared by every CLI command: configuration,
// logging, metrics, and the provenance ledger.
package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/db"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/metrics"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

// Env is everything a command action needs. Close releases it.
type Env struct {
	Config  *models.Config
	Logger  *slog.Logger
	Metrics *metrics.Pipeline
	Storage *storage.Storage
	DB      *db.DB // nil when the ledger is disabled

	metricsServer *http.Server
}

// NewLogger builds the JSON stderr logger honoring --quiet and --verbose.
func NewLogger(c *cli.Context) *slog.Logger {
	logLevel := slog.LevelInfo
	if c.Bool("verbose") {
		logLevel = slog.LevelDebug
	}
	if c.Bool("quiet") {
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

// LoadConfig reads --config, applies flag overrides, then normalizes and
// validates the result.
func LoadConfig(c *cli.Context) (*models.Config, error) {
	cfg, err := models.LoadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	applyFlags(c, cfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *models.Config) {
	if c.IsSet("input") {
		cfg.InputPath = c.String("input")
	}
	if c.IsSet("manifest") {
		cfg.ManifestPath = c.String("manifest")
	}
	if c.IsSet("image-root") {
		cfg.ImageRoot = c.String("image-root")
	}
	if c.IsSet("feature-root") {
		cfg.FeatureRoot = c.String("feature-root")
	}
	if c.IsSet("workers") {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("timeout") {
		cfg.FetchTimeout = c.Duration("timeout")
	}
	if c.IsSet("augment") {
		cfg.Augment = models.AugmentMode(c.String("augment"))
	}
	if c.IsSet("min-size") {
		cfg.MinSize = c.Int("min-size")
	}
	if c.IsSet("features") {
		cfg.Features = SplitList(c.String("features"))
	}
	if c.IsSet("extract-workers") {
		cfg.ExtractWorkers = c.Int("extract-workers")
	}
	if c.IsSet("rate-limit") {
		cfg.RateLimitPerSec = c.Float64("rate-limit")
	}
	if c.IsSet("db") {
		cfg.DBPath = c.String("db")
	}
	if c.Bool("no-db") {
		cfg.NoDB = true
		cfg.DBPath = ""
	}
	if c.IsSet("metrics-addr") {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
}

// Setup loads configuration and opens the shared resources. Opening the
// ledger is fatal when it is enabled.
func Setup(c *cli.Context) (*Env, error) {
	logger := NewLogger(c)
	cfg, err := LoadConfig(c)
	if err != nil {
		return nil, err
	}

	env := &Env{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NewPipeline(),
		Storage: &storage.Storage{},
	}

	if !cfg.NoDB {
		env.DB, err = db.Open(cfg.DBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
	}

	if cfg.MetricsAddr != "" {
		if err := env.serveMetrics(cfg.MetricsAddr); err != nil {
			env.Close()
			return nil, err
		}
	}
	return env, nil
}

func (e *Env) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Metrics.Handler())
	e.metricsServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := e.metricsServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.Logger.Error("Metrics server stopped", "error", err)
		}
	}()
	e.Logger.Info("Serving metrics", "addr", ln.Addr().String())
	return nil
}

// Close stops the metrics server and closes the ledger.
func (e *Env) Close() {
	if e.metricsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = e.metricsServer.Shutdown(ctx)
	}
	if e.DB != nil {
		_ = e.DB.Close()
	}
}

// Scheme returns the path scheme for the configured cache roots.
func (e *Env) Scheme() pathscheme.Scheme {
	return pathscheme.New(e.Config.ImageRoot, e.Config.FeatureRoot, e.Config.ImageFormat)
}

// Schema returns the manifest column schema.
func (e *Env) Schema() manifest.Schema {
	return manifest.SchemaFromConfig(*e.Config)
}

// StartRun opens a ledger run, returning "" when the ledger is disabled.
// Ledger write failures after the database opened are logged, not fatal.
func (e *Env) StartRun(command, augmentMode string, features []string) string {
	if e.DB == nil {
		return ""
	}
	runID, err := e.DB.CreateRun(command, e.Config.ManifestPath, augmentMode, strings.Join(features, ","))
	if err != nil {
		e.Logger.Warn("Failed to record run", "command", command, "error", err)
		return ""
	}
	e.Logger.Info("Run started", "run_id", runID, "command", command)
	return runID
}

// FinishRun closes a run opened by StartRun.
func (e *Env) FinishRun(runID string, stats db.RunStats, runErr error) {
	if e.DB == nil || runID == "" {
		return
	}
	if err := e.DB.FinishRun(runID, stats, runErr); err != nil {
		e.Logger.Warn("Failed to finish run", "run_id", runID, "error", err)
	}
}

// RecordArtifact hashes path and upserts it into the ledger.
func (e *Env) RecordArtifact(runID, sourceRef, typeName, path string) {
	if e.DB == nil {
		return
	}
	hash, stats, err := FileHash(e.Storage, path)
	if err != nil {
		e.Logger.Warn("Failed to hash artifact", "path", path, "error", err)
		return
	}
	if _, err := e.DB.UpsertArtifact(runID, sourceRef, typeName, path, hash, stats.SizeBytes); err != nil {
		e.Logger.Warn("Failed to record artifact", "path", path, "error", err)
		return
	}
	e.Logger.Debug("Artifact recorded", "type", typeName, "path", path, "size_bytes", stats.SizeBytes,
		"modified", stats.ModTime)
}
