// Package models defines data structures for configuration and dataset records.
package models

import (
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for every pipeline stage.
// Values come from an optional YAML file, then CLI flags override them.
type Config struct {
	InputPath      string `yaml:"input_path"`
	ManifestPath   string `yaml:"manifest_path"`
	Delimiter      string `yaml:"delimiter"`
	CategoryColumn string `yaml:"category_column"`
	IndexColumn    string `yaml:"index_column"`
	SourceColumn   string `yaml:"source_column"`

	ImageRoot   string `yaml:"image_root"`
	FeatureRoot string `yaml:"feature_root"`
	ImageFormat string `yaml:"image_format"`
	JPEGQuality int    `yaml:"jpeg_quality"`

	Workers         int           `yaml:"workers"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout"`
	MaxImageBytes   int64         `yaml:"max_image_bytes"`
	MaxPixels       int64         `yaml:"max_pixels"`
	RateLimitPerSec float64       `yaml:"rate_limit_per_sec"`
	UserAgent       string        `yaml:"user_agent"`
	Retry           RetryConfig   `yaml:"retry"`
	Breaker         BreakerConfig `yaml:"breaker"`
	S3              S3Config      `yaml:"s3"`

	MinSize   int          `yaml:"min_size"`
	FillColor string       `yaml:"fill_color"`
	Resize    ResizeConfig `yaml:"resize"`

	Augment        AugmentMode `yaml:"augment"`
	AugmentWorkers int         `yaml:"augment_workers"`

	Features       []string   `yaml:"features"`
	ExtractWorkers int        `yaml:"extract_workers"`
	LBP            LBPConfig  `yaml:"lbp"`
	GLCM           GLCMConfig `yaml:"glcm"`

	DBPath      string `yaml:"db_path"`
	NoDB        bool   `yaml:"no_db"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type RetryConfig struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type BreakerConfig struct {
	Disabled     bool          `yaml:"disabled"`
	MinRequests  uint32        `yaml:"min_requests"`
	FailureRatio float64       `yaml:"failure_ratio"`
	OpenTimeout  time.Duration `yaml:"open_timeout"`
}

// S3Config enables s3://bucket/key source references. Empty Endpoint disables it.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// ResizeConfig is the fixed output shape applied after padding. Zero width and
// height disable resizing.
type ResizeConfig struct {
	Width  int    `yaml:"width"`
	Height int    `yaml:"height"`
	Method string `yaml:"method"`
}

type LBPConfig struct {
	Radius     int    `yaml:"radius"`
	Method     string `yaml:"method"`
	PerChannel bool   `yaml:"per_channel"`
	Square     bool   `yaml:"square"`
	ResizeTo   int    `yaml:"resize_to"`
}

type GLCMConfig struct {
	Distances []int     `yaml:"distances"`
	Angles    []float64 `yaml:"angles"` // degrees
	Levels    int       `yaml:"levels"`
}

// DefaultMaxPixels bounds the decoded size of a fetched image (about
// 1024*1024*1024/4/3 pixels). A header claiming more is rejected before any
// pixel buffer is allocated.
const DefaultMaxPixels = 178956970

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		ManifestPath:   "data/dataset.csv",
		Delimiter:      ",",
		CategoryColumn: "category",
		IndexColumn:    "index",
		SourceColumn:   "identifier",
		ImageRoot:      "data/cache_db",
		FeatureRoot:    "data/cache",
		ImageFormat:    "png",
		JPEGQuality:    90,
		Workers:        100,
		FetchTimeout:   40 * time.Second,
		MaxImageBytes:  32 << 20,
		MaxPixels:      DefaultMaxPixels,
		UserAgent:      "lepi-pipeline/1.0",
		Retry: RetryConfig{
			MaxAttempts:    2,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     2 * time.Second,
		},
		Breaker: BreakerConfig{
			MinRequests:  20,
			FailureRatio: 0.6,
			OpenTimeout:  30 * time.Second,
		},
		MinSize:        256,
		FillColor:      "#000000",
		Resize:         ResizeConfig{Width: 416, Height: 416, Method: "catmullrom"},
		Augment:        AugmentNone,
		AugmentWorkers: 8,
		ExtractWorkers: 1,
		LBP:            LBPConfig{Radius: 1, Method: "ror", Square: true},
		GLCM: GLCMConfig{
			Distances: []int{0, 1, 2, 3, 4},
			Angles:    []float64{0, 45, 90, 135, 180, 225, 270, 315, 360},
			Levels:    256,
		},
	}
}

// LoadConfig reads a YAML config file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return &cfg, nil
}

// Normalize fills zero values with defaults.
func (c *Config) Normalize() {
	def := DefaultConfig()
	if c.ManifestPath == "" {
		c.ManifestPath = def.ManifestPath
	}
	if c.Delimiter == "" {
		c.Delimiter = def.Delimiter
	}
	if c.CategoryColumn == "" {
		c.CategoryColumn = def.CategoryColumn
	}
	if c.IndexColumn == "" {
		c.IndexColumn = def.IndexColumn
	}
	if c.SourceColumn == "" {
		c.SourceColumn = def.SourceColumn
	}
	if c.ImageRoot == "" {
		c.ImageRoot = def.ImageRoot
	}
	if c.FeatureRoot == "" {
		c.FeatureRoot = def.FeatureRoot
	}
	if c.ImageFormat == "" {
		c.ImageFormat = def.ImageFormat
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = def.JPEGQuality
	}
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.MaxImageBytes <= 0 {
		c.MaxImageBytes = def.MaxImageBytes
	}
	if c.MaxPixels <= 0 {
		c.MaxPixels = def.MaxPixels
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = def.Retry.InitialBackoff
	}
	if c.Retry.MaxBackoff < c.Retry.InitialBackoff {
		c.Retry.MaxBackoff = max(def.Retry.MaxBackoff, c.Retry.InitialBackoff)
	}
	if c.Breaker.MinRequests == 0 {
		c.Breaker.MinRequests = def.Breaker.MinRequests
	}
	if c.Breaker.FailureRatio <= 0 || c.Breaker.FailureRatio > 1 {
		c.Breaker.FailureRatio = def.Breaker.FailureRatio
	}
	if c.Breaker.OpenTimeout <= 0 {
		c.Breaker.OpenTimeout = def.Breaker.OpenTimeout
	}
	if c.FillColor == "" {
		c.FillColor = def.FillColor
	}
	if c.Resize.Method == "" {
		c.Resize.Method = def.Resize.Method
	}
	if c.Augment == "" {
		c.Augment = def.Augment
	}
	if c.AugmentWorkers <= 0 {
		c.AugmentWorkers = def.AugmentWorkers
	}
	if c.ExtractWorkers <= 0 {
		c.ExtractWorkers = def.ExtractWorkers
	}
	if c.LBP.Radius <= 0 {
		c.LBP.Radius = def.LBP.Radius
	}
	if c.LBP.Method == "" {
		c.LBP.Method = def.LBP.Method
	}
	if len(c.GLCM.Distances) == 0 {
		c.GLCM.Distances = def.GLCM.Distances
	}
	if len(c.GLCM.Angles) == 0 {
		c.GLCM.Angles = def.GLCM.Angles
	}
	if c.GLCM.Levels <= 0 {
		c.GLCM.Levels = def.GLCM.Levels
	}
	if c.DBPath == "" && !c.NoDB {
		c.DBPath = filepath.Join(filepath.Dir(c.ManifestPath), "lepi.db")
	}
}

// Validate reports configuration that cannot produce a valid run.
func (c *Config) Validate() error {
	var errs []error
	if _, err := ParseAugmentMode(string(c.Augment)); err != nil {
		errs = append(errs, err)
	}
	switch c.ImageFormat {
	case "png", "jpg", "jpeg":
	default:
		errs = append(errs, fmt.Errorf("unsupported image_format %q", c.ImageFormat))
	}
	if c.MinSize < 0 {
		errs = append(errs, fmt.Errorf("min_size must be >= 0, got %d", c.MinSize))
	}
	if (c.Resize.Width == 0) != (c.Resize.Height == 0) || c.Resize.Width < 0 || c.Resize.Height < 0 {
		errs = append(errs, fmt.Errorf("resize must set both width and height (got %dx%d)", c.Resize.Width, c.Resize.Height))
	}
	if len([]rune(c.Delimiter)) != 1 {
		errs = append(errs, fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter))
	}
	if _, err := ParseHexColor(c.FillColor); err != nil {
		errs = append(errs, err)
	}
	if c.GLCM.Levels > 256 {
		errs = append(errs, fmt.Errorf("glcm levels must be <= 256, got %d", c.GLCM.Levels))
	}
	for _, d := range c.GLCM.Distances {
		if d < 0 {
			errs = append(errs, fmt.Errorf("glcm distances must be >= 0, got %d", d))
			break
		}
	}
	return errors.Join(errs...)
}

// Fill returns the parsed canonical fill color.
func (c *Config) Fill() color.Color {
	col, err := ParseHexColor(c.FillColor)
	if err != nil {
		return color.Black
	}
	return col
}

// ParseHexColor parses #RGB, #RRGGBB or #RRGGBBAA.
func ParseHexColor(s string) (color.NRGBA, error) {
	hex := strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return color.NRGBA{}, fmt.Errorf("invalid fill_color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid fill_color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 24), G: uint8(v >> 16), B: uint8(v >> 8), A: uint8(v)}, nil
}
