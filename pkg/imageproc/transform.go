package imageproc

import (
	"fmt"
	"image"
	"image/color"
)

// Rotate turns img counter-clockwise by a multiple of 90 degrees. The canvas
// is expanded to fit, so 90 and 270 swap width and height. Pixels are moved,
// never resampled.
func Rotate(img image.Image, degrees int) (*image.RGBA, error) {
	d := ((degrees % 360) + 360) % 360
	if d%90 != 0 {
		return nil, fmt.Errorf("%w: rotation by %d degrees", ErrInvalidDimension, degrees)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	if d == 90 || d == 270 {
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
	} else {
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := img.At(b.Min.X+x, b.Min.Y+y)
			switch d {
			case 0:
				dst.Set(x, y, c)
			case 90:
				dst.Set(y, w-1-x, c)
			case 180:
				dst.Set(w-1-x, h-1-y, c)
			case 270:
				dst.Set(h-1-y, x, c)
			}
		}
	}
	return dst, nil
}

// FlipHorizontal mirrors img left to right.
func FlipHorizontal(img image.Image) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.Set(w-1-x, y, img.At(b.Min.X+x, b.Min.Y+y))
		}
	}
	return dst
}

// Grayscale converts img to single-channel intensity.
func Grayscale(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			dst.SetGray(x, y, color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray))
		}
	}
	return dst
}

// Channels splits img into its red, green and blue planes.
func Channels(img image.Image) [3]*image.Gray {
	b := img.Bounds()
	var out [3]*image.Gray
	for i := range out {
		out[i] = image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	}
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			out[0].Pix[y*out[0].Stride+x] = c.R
			out[1].Pix[y*out[1].Stride+x] = c.G
			out[2].Pix[y*out[2].Stride+x] = c.B
		}
	}
	return out
}
