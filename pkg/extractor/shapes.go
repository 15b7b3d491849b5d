package extractor

import (
	"fmt"
	"slices"

	"github.com/dtnitsch/lepi-pipeline/pkg/features"
	"github.com/dtnitsch/lepi-pipeline/pkg/manifest"
)

// ShapeReport is the outcome of CheckShapes.
type ShapeReport struct {
	Feature string
	Shape   string // shape shared by every artifact, empty if none were checked
	Checked int
	Missing int // records without an artifact for the feature
}

// CheckShapes reads back every artifact of feature referenced by m and
// verifies they all have the same shape. The first deviating artifact is
// reported with ErrShapeMismatch.
func (e *Extractor) CheckShapes(m *manifest.Manifest, feature string) (ShapeReport, error) {
	report := ShapeReport{Feature: feature}
	f, err := e.registry.Get(feature)
	if err != nil {
		return report, err
	}

	var (
		want     features.Shape
		wantPath string
	)
	for _, rec := range m.Records {
		path := rec.FeaturePath(feature)
		if path == "" {
			report.Missing++
			continue
		}
		shape, err := inspectShape(f, path)
		if err != nil {
			return report, fmt.Errorf("%w: %s: %w", ErrCacheInconsistency, path, err)
		}
		report.Checked++
		if want == nil {
			want, wantPath = shape, path
			report.Shape = shape.String()
			continue
		}
		if !slices.Equal(want, shape) {
			return report, fmt.Errorf("%w: %s is %s but %s is %s", ErrShapeMismatch, path, shape, wantPath, report.Shape)
		}
	}

	e.logger.Info("Feature shapes consistent", "feature", feature, "shape", report.Shape,
		"checked", report.Checked, "missing", report.Missing)
	return report, nil
}
