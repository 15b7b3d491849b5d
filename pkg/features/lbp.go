package features

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"math/bits"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
)

// LBP methods.
const (
	LBPDefault = "default"
	LBPRor     = "ror"
	LBPUniform = "uniform"
)

// LBP computes local binary pattern codes with P = 8*radius circular samples.
// Codes are stored as 8-bit gray (or RGB with PerChannel) PNG pixels.
type LBP struct {
	cfg models.LBPConfig
	p   int
	// sample offsets (dy, dx) around the center, counter-clockwise from +x
	offsets [][2]float64
}

func NewLBP(cfg models.LBPConfig) (*LBP, error) {
	if cfg.Radius <= 0 {
		cfg.Radius = 1
	}
	if cfg.Method == "" {
		cfg.Method = LBPRor
	}
	switch cfg.Method {
	case LBPDefault, LBPRor, LBPUniform:
	default:
		return nil, fmt.Errorf("unknown lbp method %q", cfg.Method)
	}

	p := 8 * cfg.Radius
	if p > 64 {
		return nil, fmt.Errorf("lbp radius %d too large", cfg.Radius)
	}
	offsets := make([][2]float64, p)
	for i := 0; i < p; i++ {
		theta := 2 * math.Pi * float64(i) / float64(p)
		dy := -float64(cfg.Radius) * math.Sin(theta)
		dx := float64(cfg.Radius) * math.Cos(theta)
		offsets[i] = [2]float64{round5(dy), round5(dx)}
	}
	return &LBP{cfg: cfg, p: p, offsets: offsets}, nil
}

// round5 drops floating point noise so axis-aligned samples hit pixel centers.
func round5(v float64) float64 {
	return math.Round(v*1e5) / 1e5
}

func (l *LBP) Name() string      { return "lbp" }
func (l *LBP) Extension() string { return "png" }

func (l *LBP) Compute(img image.Image, w io.Writer) error {
	var out image.Image
	if l.cfg.PerChannel {
		ch := imageproc.Channels(img)
		r, g, b := l.codes(ch[0]), l.codes(ch[1]), l.codes(ch[2])
		rgba := image.NewRGBA(r.Bounds())
		for i := range r.Pix {
			rgba.Pix[4*i] = r.Pix[i]
			rgba.Pix[4*i+1] = g.Pix[i]
			rgba.Pix[4*i+2] = b.Pix[i]
			rgba.Pix[4*i+3] = 0xff
		}
		out = rgba
	} else {
		out = l.codes(imageproc.Grayscale(img))
	}

	var err error
	if l.cfg.Square {
		if out, err = imageproc.ToCanonical(out, 0, color.Black); err != nil {
			return fmt.Errorf("%w: %w", ErrFeatureCompute, err)
		}
	}
	if l.cfg.ResizeTo > 0 {
		if out, err = imageproc.Resize(out, l.cfg.ResizeTo, l.cfg.ResizeTo, "nearest"); err != nil {
			return fmt.Errorf("%w: %w", ErrFeatureCompute, err)
		}
	}
	if !l.cfg.PerChannel {
		out = imageproc.Grayscale(out)
	}

	if err := imageproc.Encode(w, out, "png", 0); err != nil {
		return fmt.Errorf("%w: encode lbp: %w", ErrFeatureCompute, err)
	}
	return nil
}

func (l *LBP) Inspect(r io.Reader) (Shape, error) {
	cfg, _, err := image.DecodeConfig(r)
	if err != nil {
		return nil, err
	}
	channels := 3
	if cfg.ColorModel == color.GrayModel || cfg.ColorModel == color.Gray16Model {
		channels = 1
	}
	return Shape{cfg.Width, cfg.Height, channels}, nil
}

// codes returns the per-pixel LBP code image of gray, truncated to 8 bits.
func (l *LBP) codes(gray *image.Gray) *image.Gray {
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()
	out := image.NewGray(image.Rect(0, 0, w, h))
	signs := make([]bool, l.p)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			center := float64(gray.Pix[gray.PixOffset(b.Min.X+x, b.Min.Y+y)])
			for i, off := range l.offsets {
				signs[i] = bilinear(gray, float64(y)+off[0], float64(x)+off[1]) >= center
			}
			out.Pix[y*out.Stride+x] = uint8(l.encode(signs))
		}
	}
	return out
}

func (l *LBP) encode(signs []bool) uint64 {
	var code uint64
	for i, s := range signs {
		if s {
			code |= 1 << uint(i)
		}
	}

	switch l.cfg.Method {
	case LBPRor:
		minCode := code
		mask := uint64(1)<<uint(l.p) - 1
		if l.p == 64 {
			mask = math.MaxUint64
		}
		for i := 1; i < l.p; i++ {
			rotated := (code>>uint(i) | code<<uint(l.p-i)) & mask
			minCode = min(minCode, rotated)
		}
		return minCode
	case LBPUniform:
		changes := 0
		for i := 0; i < l.p-1; i++ {
			if signs[i] != signs[i+1] {
				changes++
			}
		}
		if changes <= 2 {
			return uint64(bits.OnesCount64(code))
		}
		return uint64(l.p + 1)
	}
	return code
}

// bilinear samples gray at (y, x) with zero outside the image.
func bilinear(gray *image.Gray, y, x float64) float64 {
	r := gray.Rect
	w, h := r.Dx(), r.Dy()
	y0, x0 := math.Floor(y), math.Floor(x)
	fy, fx := y-y0, x-x0

	at := func(yy, xx int) float64 {
		if yy < 0 || yy >= h || xx < 0 || xx >= w {
			return 0
		}
		return float64(gray.Pix[gray.PixOffset(r.Min.X+xx, r.Min.Y+yy)])
	}
	iy, ix := int(y0), int(x0)
	a, b := at(iy, ix), at(iy, ix+1)
	c, d := at(iy+1, ix), at(iy+1, ix+1)
	top := a + fx*(b-a)
	bottom := c + fx*(d-c)
	return top + fy*(bottom-top)
}
