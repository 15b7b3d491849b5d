// Package imageproc holds the pixel-level operations of the pipeline:
// square padding, resizing, quarter-turn rotation, mirroring and the
// image codecs used for the on-disk cache.
package imageproc

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"strings"

	"golang.org/x/image/draw"
)

var ErrInvalidDimension = errors.New("invalid dimension")

// ToCanonical pads img onto a square canvas of side max(minSize, w, h)
// filled with fill. The original is centered with floor offsets and its
// pixels are copied unmodified.
func ToCanonical(img image.Image, minSize int, fill color.Color) (*image.RGBA, error) {
	if minSize < 0 {
		return nil, fmt.Errorf("%w: min size %d", ErrInvalidDimension, minSize)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	size := max(minSize, w, h)
	if size == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrInvalidDimension)
	}

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(fill), image.Point{}, draw.Src)

	offset := image.Pt((size-w)/2, (size-h)/2)
	draw.Draw(canvas, image.Rectangle{Min: offset, Max: offset.Add(b.Size())}, img, b.Min, draw.Src)
	return canvas, nil
}

// Resize scales img to exactly width x height.
func Resize(img image.Image, width, height int, method string) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("%w: resize target %dx%d", ErrInvalidDimension, width, height)
	}
	scaler, err := interpolator(method)
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	scaler.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst, nil
}

func interpolator(method string) (draw.Interpolator, error) {
	switch strings.ToLower(method) {
	case "", "catmullrom", "bicubic":
		return draw.CatmullRom, nil
	case "bilinear":
		return draw.BiLinear, nil
	case "approxbilinear":
		return draw.ApproxBiLinear, nil
	case "nearest":
		return draw.NearestNeighbor, nil
	}
	return nil, fmt.Errorf("unknown resize method %q", method)
}

// Normalize applies ToCanonical and, when width and height are both set, Resize.
func Normalize(img image.Image, minSize int, fill color.Color, width, height int, method string) (*image.RGBA, error) {
	canvas, err := ToCanonical(img, minSize, fill)
	if err != nil {
		return nil, err
	}
	if width == 0 && height == 0 {
		return canvas, nil
	}
	return Resize(canvas, width, height, method)
}
