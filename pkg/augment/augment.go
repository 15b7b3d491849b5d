// Package augment writes rotated and mirrored derivatives next to each
// canonical image.
package augment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
	"github.com/dtnitsch/lepi-pipeline/pkg/metrics"
	"github.com/dtnitsch/lepi-pipeline/pkg/pathscheme"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

// ErrAugmentationIO marks a per-file read, transform or write failure.
var ErrAugmentationIO = errors.New("augmentation io error")

// Rotations are the counter-clockwise quarter turns produced by rotate mode.
var Rotations = []int{0, 90, 180, 270}

// Report counts derivative files by outcome.
type Report struct {
	Written int
	Skipped int // already on disk
	Failed  int
}

func (r *Report) add(o Report) {
	r.Written += o.Written
	r.Skipped += o.Skipped
	r.Failed += o.Failed
}

// Generator produces augmented variants. It is safe for concurrent use.
type Generator struct {
	storage *storage.Storage
	logger  *slog.Logger
	metrics *metrics.Pipeline
	workers int
	quality int
}

type Option func(*Generator)

func WithLogger(l *slog.Logger) Option      { return func(g *Generator) { g.logger = l } }
func WithMetrics(m *metrics.Pipeline) Option { return func(g *Generator) { g.metrics = m } }
func WithWorkers(n int) Option               { return func(g *Generator) { g.workers = n } }
func WithJPEGQuality(q int) Option           { return func(g *Generator) { g.quality = q } }

func New(s *storage.Storage, opts ...Option) *Generator {
	g := &Generator{storage: s, logger: slog.Default(), workers: 4, quality: 90}
	for _, opt := range opts {
		opt(g)
	}
	if g.workers <= 0 {
		g.workers = 1
	}
	return g
}

// variant is one derivative file to produce from an original.
type variant struct {
	path   string
	rotate int
	flip   bool
}

// Plan lists the derivative paths for original under mode, in a stable order.
func Plan(original string, mode models.AugmentMode) []string {
	vs := plan(original, mode)
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.path
	}
	return out
}

func plan(original string, mode models.AugmentMode) []variant {
	var vs []variant
	switch mode {
	case models.AugmentRotate:
		for _, d := range Rotations {
			vs = append(vs, variant{path: pathscheme.VariantPath(original, "_"+strconv.Itoa(d)), rotate: d})
		}
	case models.AugmentFlip:
		vs = append(vs, variant{path: pathscheme.VariantPath(original, "f"), flip: true})
	case models.AugmentAll:
		for _, d := range Rotations {
			suffix := "_" + strconv.Itoa(d)
			vs = append(vs,
				variant{path: pathscheme.VariantPath(original, suffix), rotate: d},
				variant{path: pathscheme.VariantPath(original, suffix+"f"), rotate: d, flip: true},
			)
		}
	}
	return vs
}

// Generate writes the variants of every original. Failures are isolated to the
// file they occur on. The returned map holds, per original, the variant paths
// that exist on disk afterwards.
func (g *Generator) Generate(ctx context.Context, originals []string, mode models.AugmentMode) (Report, map[string][]string) {
	var (
		mu       sync.Mutex
		report   Report
		variants = make(map[string][]string, len(originals))
	)
	if mode == models.AugmentNone || mode == "" {
		return report, variants
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for _, original := range originals {
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r, paths := g.generateOne(original, mode)
			mu.Lock()
			report.add(r)
			variants[original] = paths
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	g.logger.Info("Augmentation finished", "mode", mode, "originals", len(originals),
		"written", report.Written, "skipped", report.Skipped, "failed", report.Failed)
	return report, variants
}

func (g *Generator) generateOne(original string, mode models.AugmentMode) (Report, []string) {
	var (
		report Report
		paths  []string
		src    image.Image
	)

	for _, v := range plan(original, mode) {
		if g.storage.HasFile(v.path) {
			report.Skipped++
			paths = append(paths, v.path)
			g.observe("skipped")
			continue
		}

		if v.rotate == 0 && !v.flip {
			if err := g.storage.CopyFile(original, v.path); err != nil {
				g.fail(&report, original, v, err)
				continue
			}
		} else {
			if src == nil {
				img, err := imageproc.Load(original)
				if err != nil {
					// Nothing else can be derived from an unreadable original.
					g.fail(&report, original, v, err)
					return report, paths
				}
				src = img
			}
			if err := g.write(src, v); err != nil {
				g.fail(&report, original, v, err)
				continue
			}
		}

		report.Written++
		paths = append(paths, v.path)
		g.observe("written")
	}
	return report, paths
}

func (g *Generator) write(src image.Image, v variant) error {
	out, err := imageproc.Rotate(src, v.rotate)
	if err != nil {
		return err
	}
	var img image.Image = out
	if v.flip {
		img = imageproc.FlipHorizontal(out)
	}
	return imageproc.Save(g.storage, v.path, img, g.quality)
}

func (g *Generator) fail(report *Report, original string, v variant, err error) {
	report.Failed++
	g.observe("failed")
	err = fmt.Errorf("%w: %s: %v", ErrAugmentationIO, v.path, err)
	g.logger.Warn("Failed to write augmented image", "original", original, "variant", v.path,
		"error_type", "augmentation_io", "error", err)
}

func (g *Generator) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.AugmentFile(outcome)
	}
}
