package imageproc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif" // registers GIF
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/webp" // registers WebP

	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

// Decode reads any registered image format (jpeg, png, gif, webp).
func Decode(r io.Reader) (image.Image, string, error) {
	img, format, err := image.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

// ErrTooLarge means an image header declares more pixels than allowed.
var ErrTooLarge = errors.New("image too large")

// DecodeBytes decodes an in-memory image.
func DecodeBytes(data []byte) (image.Image, string, error) {
	return Decode(bytes.NewReader(data))
}

// DecodeBytesLimited reads the header first and refuses images whose declared
// width*height exceeds maxPixels, so a small payload cannot force a huge
// allocation. maxPixels <= 0 disables the check.
func DecodeBytesLimited(data []byte, maxPixels int64) (image.Image, string, error) {
	if maxPixels > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, "", fmt.Errorf("failed to decode image header: %w", err)
		}
		if cfg.Width <= 0 || cfg.Height <= 0 {
			return nil, "", fmt.Errorf("%w: empty dimensions %dx%d", ErrInvalidDimension, cfg.Width, cfg.Height)
		}
		if px := int64(cfg.Width) * int64(cfg.Height); px > maxPixels {
			return nil, "", fmt.Errorf("%w: %dx%d is %d pixels, limit %d", ErrTooLarge, cfg.Width, cfg.Height, px, maxPixels)
		}
	}
	return DecodeBytes(data)
}

// Encode writes img as png or jpeg.
func Encode(w io.Writer, img image.Image, format string, quality int) error {
	switch strings.ToLower(format) {
	case "png":
		return png.Encode(w, img)
	case "jpg", "jpeg":
		if quality <= 0 {
			quality = jpeg.DefaultQuality
		}
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	}
	return fmt.Errorf("unsupported image format %q", format)
}

// FormatFromPath infers the encoding from a file extension.
func FormatFromPath(path string) string {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if ext == "jpeg" {
		return "jpg"
	}
	return ext
}

// Load opens and decodes an image file.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return img, nil
}

// DecodeConfigFile reads only the header of an image file.
func DecodeConfigFile(path string) (image.Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return image.Config{}, err
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return image.Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Save encodes img to path atomically, choosing the format from the extension.
func Save(s *storage.Storage, path string, img image.Image, quality int) error {
	format := FormatFromPath(path)
	return s.WriteAtomic(path, func(w io.Writer) error {
		return Encode(w, img, format, quality)
	})
}
