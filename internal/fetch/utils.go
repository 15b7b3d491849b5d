package fetch

import (
	"fmt"
	"os"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
	"github.com/dtnitsch/lepi-pipeline/pkg/resilience"
)

// InputPath picks the manifest a fetch starts from: the explicit input when
// set, otherwise the persisted manifest from an earlier run.
func InputPath(cfg *models.Config) (string, error) {
	if cfg.InputPath != "" {
		return cfg.InputPath, nil
	}
	if _, err := os.Stat(cfg.ManifestPath); err != nil {
		return "", fmt.Errorf("no input given and no persisted manifest at %s: %w", cfg.ManifestPath, err)
	}
	return cfg.ManifestPath, nil
}

// LoadManifest reads the manifest a fetch starts from.
func LoadManifest(cfg *models.Config, schema manifest.Schema) (*manifest.Manifest, error) {
	path, err := InputPath(cfg)
	if err != nil {
		return nil, err
	}
	m, err := manifest.ReadFile(path, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return m, nil
}

// ResilienceConfig maps the retry and breaker settings onto the executor.
func ResilienceConfig(cfg *models.Config) resilience.Config {
	rc := resilience.DefaultConfig()
	rc.RetryMaxAttempts = cfg.Retry.MaxAttempts
	rc.RetryInitialBackoff = cfg.Retry.InitialBackoff
	rc.RetryMaxBackoff = cfg.Retry.MaxBackoff
	rc.BreakerEnabled = !cfg.Breaker.Disabled
	rc.BreakerMinRequests = cfg.Breaker.MinRequests
	rc.BreakerFailureRatio = cfg.Breaker.FailureRatio
	rc.BreakerOpenTimeout = cfg.Breaker.OpenTimeout
	return rc
}
