// Package features holds the named image transforms the extractor can cache.
package features

import (
	"errors"
	"fmt"
	"image"
	"io"
	"slices"
	"strconv"
	"strings"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
)

var (
	ErrUnknownFeature = errors.New("unknown feature")
	ErrFeatureCompute = errors.New("feature compute error")
)

// Shape is the dimensions of a feature artifact, e.g. width x height x
// channels for image outputs.
type Shape []int

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = strconv.Itoa(d)
	}
	return strings.Join(parts, "x")
}

// Feature is a pure transform from a canonical image to a cached artifact.
type Feature interface {
	Name() string
	// Extension is the artifact file extension without the leading dot.
	Extension() string
	// Compute writes the artifact for img to w.
	Compute(img image.Image, w io.Writer) error
	// Inspect reads an artifact back and returns its shape. Any error means the
	// artifact is unusable.
	Inspect(r io.Reader) (Shape, error)
}

// Registry maps feature identifiers to transforms. It is immutable after
// construction.
type Registry struct {
	features map[string]Feature
	names    []string
}

func NewRegistry(fs ...Feature) (*Registry, error) {
	r := &Registry{features: make(map[string]Feature, len(fs))}
	for _, f := range fs {
		name := f.Name()
		if err := pathscheme.ValidateFeature(name); err != nil {
			return nil, err
		}
		if _, dup := r.features[name]; dup {
			return nil, fmt.Errorf("feature %q registered twice", name)
		}
		r.features[name] = f
		r.names = append(r.names, name)
	}
	return r, nil
}

// Default registers lbp and glcm from cfg, plus sift when detector is set.
func Default(cfg models.Config, detector KeypointDetector) (*Registry, error) {
	lbp, err := NewLBP(cfg.LBP)
	if err != nil {
		return nil, err
	}
	fs := []Feature{lbp, NewGLCM(cfg.GLCM)}
	if detector != nil {
		fs = append(fs, NewKeypoints(detector))
	}
	return NewRegistry(fs...)
}

func (r *Registry) Get(name string) (Feature, error) {
	f, ok := r.features[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %s)", ErrUnknownFeature, name, strings.Join(r.names, ", "))
	}
	return f, nil
}

// Names returns the registered identifiers in registration order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}
