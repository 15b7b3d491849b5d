package features

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
)

var glcmMagic = [4]byte{'G', 'L', 'C', 'M'}

const glcmVersion uint32 = 1

// GLCM counts gray-level co-occurrences for every (distance, angle) pair.
// The artifact is a zstd-compressed little-endian file:
//
//	magic "GLCM" | version | levels | D | A | D x int32 distances |
//	A x float64 angles (degrees) | levels*levels*D*A x uint32 counts
//
// Counts are laid out as [i][j][d][a], i the reference level and j the
// neighbor level.
type GLCM struct {
	distances []int
	angles    []float64
	levels    int
}

func NewGLCM(cfg models.GLCMConfig) *GLCM {
	def := models.DefaultConfig().GLCM
	g := &GLCM{distances: cfg.Distances, angles: cfg.Angles, levels: cfg.Levels}
	if len(g.distances) == 0 {
		g.distances = def.Distances
	}
	if len(g.angles) == 0 {
		g.angles = def.Angles
	}
	if g.levels <= 0 || g.levels > 256 {
		g.levels = def.Levels
	}
	return g
}

func (g *GLCM) Name() string      { return "glcm" }
func (g *GLCM) Extension() string { return "glcm.zst" }

// Matrix is an in-memory co-occurrence tensor.
type Matrix struct {
	Levels    int
	Distances []int
	Angles    []float64
	Counts    []uint32
}

// At returns the count of (i, j) at distance index d and angle index a.
func (m *Matrix) At(i, j, d, a int) uint32 {
	nd, na := len(m.Distances), len(m.Angles)
	return m.Counts[((i*m.Levels+j)*nd+d)*na+a]
}

// Offset returns the (row, col) displacement for distance d at angle degrees.
func Offset(d int, degrees float64) (int, int) {
	theta := degrees * math.Pi / 180
	return int(math.RoundToEven(math.Sin(theta) * float64(d))), int(math.RoundToEven(math.Cos(theta) * float64(d)))
}

// Matrix computes the co-occurrence tensor of img.
func (g *GLCM) Matrix(img image.Image) *Matrix {
	gray := imageproc.Grayscale(img)
	b := gray.Bounds()
	w, h := b.Dx(), b.Dy()

	q := make([]int, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			q[y*w+x] = int(gray.Pix[gray.PixOffset(b.Min.X+x, b.Min.Y+y)]) * g.levels / 256
		}
	}

	nd, na := len(g.distances), len(g.angles)
	m := &Matrix{
		Levels:    g.levels,
		Distances: g.distances,
		Angles:    g.angles,
		Counts:    make([]uint32, g.levels*g.levels*nd*na),
	}
	for di, d := range g.distances {
		for ai, angle := range g.angles {
			dr, dc := Offset(d, angle)
			for r := 0; r < h; r++ {
				nr := r + dr
				if nr < 0 || nr >= h {
					continue
				}
				for c := 0; c < w; c++ {
					nc := c + dc
					if nc < 0 || nc >= w {
						continue
					}
					i, j := q[r*w+c], q[nr*w+nc]
					m.Counts[((i*g.levels+j)*nd+di)*na+ai]++
				}
			}
		}
	}
	return m
}

func (g *GLCM) Compute(img image.Image, w io.Writer) error {
	m := g.Matrix(img)

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("%w: zstd writer: %w", ErrFeatureCompute, err)
	}
	bw := bufio.NewWriter(enc)
	if err := writeMatrix(bw, m); err != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: write glcm: %w", ErrFeatureCompute, err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: write glcm: %w", ErrFeatureCompute, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: close zstd: %w", ErrFeatureCompute, err)
	}
	return nil
}

func writeMatrix(w io.Writer, m *Matrix) error {
	header := []any{
		glcmMagic,
		glcmVersion,
		uint32(m.Levels),
		uint32(len(m.Distances)),
		uint32(len(m.Angles)),
	}
	for _, v := range header {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}
	for _, d := range m.Distances {
		if err := binary.Write(w, binary.LittleEndian, int32(d)); err != nil {
			return err
		}
	}
	if err := binary.Write(w, binary.LittleEndian, m.Angles); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, m.Counts)
}

func (g *GLCM) Inspect(r io.Reader) (Shape, error) {
	m, err := ReadMatrix(r)
	if err != nil {
		return nil, err
	}
	return Shape{m.Levels, m.Levels, len(m.Distances), len(m.Angles)}, nil
}

// ReadMatrix decodes a persisted GLCM artifact.
func ReadMatrix(r io.Reader) (*Matrix, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	br := bufio.NewReader(dec)

	var hdr struct {
		Magic   [4]byte
		Version uint32
		Levels  uint32
		NumDist uint32
		NumAng  uint32
	}
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return nil, fmt.Errorf("read glcm header: %w", err)
	}
	if hdr.Magic != glcmMagic {
		return nil, errors.New("not a glcm artifact")
	}
	if hdr.Version != glcmVersion {
		return nil, fmt.Errorf("unsupported glcm version %d", hdr.Version)
	}
	if hdr.Levels == 0 || hdr.Levels > 256 || hdr.NumDist > 1024 || hdr.NumAng > 1024 {
		return nil, errors.New("glcm header out of range")
	}

	dist32 := make([]int32, hdr.NumDist)
	if err := binary.Read(br, binary.LittleEndian, dist32); err != nil {
		return nil, fmt.Errorf("read glcm distances: %w", err)
	}
	m := &Matrix{
		Levels:    int(hdr.Levels),
		Distances: make([]int, hdr.NumDist),
		Angles:    make([]float64, hdr.NumAng),
		Counts:    make([]uint32, int(hdr.Levels)*int(hdr.Levels)*int(hdr.NumDist)*int(hdr.NumAng)),
	}
	for i, d := range dist32 {
		m.Distances[i] = int(d)
	}
	if err := binary.Read(br, binary.LittleEndian, m.Angles); err != nil {
		return nil, fmt.Errorf("read glcm angles: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, m.Counts); err != nil {
		return nil, fmt.Errorf("read glcm counts: %w", err)
	}
	if _, err := br.ReadByte(); !errors.Is(err, io.EOF) {
		return nil, errors.New("trailing data after glcm counts")
	}
	return m, nil
}
