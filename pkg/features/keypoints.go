package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/dtnitsch/lepi-pipeline/pkg/imageproc"
)

// Keypoint is one detected interest point.
type Keypoint struct {
	X        float32 `json:"x"`
	Y        float32 `json:"y"`
	Size     float32 `json:"size"`
	Angle    float32 `json:"angle"`
	Response float32 `json:"response"`
	Octave   int     `json:"octave"`
}

// KeypointDetector finds keypoints and their descriptors. Descriptors are
// parallel to keypoints.
type KeypointDetector interface {
	DetectAndExtract(img *image.Gray) ([]Keypoint, [][]float32, error)
}

// Keypoints adapts a KeypointDetector into the "sift" feature. Artifacts are
// zstd-compressed JSON.
type Keypoints struct {
	detector KeypointDetector
}

func NewKeypoints(d KeypointDetector) *Keypoints {
	return &Keypoints{detector: d}
}

// KeypointSet is the persisted form of one image's keypoints.
type KeypointSet struct {
	Keypoints   []Keypoint  `json:"keypoints"`
	Descriptors [][]float32 `json:"descriptors"`
}

func (k *Keypoints) Name() string      { return "sift" }
func (k *Keypoints) Extension() string { return "kp.json.zst" }

func (k *Keypoints) Compute(img image.Image, w io.Writer) error {
	kps, desc, err := k.detector.DetectAndExtract(imageproc.Grayscale(img))
	if err != nil {
		return fmt.Errorf("%w: detect keypoints: %w", ErrFeatureCompute, err)
	}
	if len(kps) != len(desc) {
		return fmt.Errorf("%w: %d keypoints but %d descriptors", ErrFeatureCompute, len(kps), len(desc))
	}
	if kps == nil {
		kps, desc = []Keypoint{}, [][]float32{}
	}

	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("%w: zstd writer: %w", ErrFeatureCompute, err)
	}
	if err := json.NewEncoder(enc).Encode(KeypointSet{Keypoints: kps, Descriptors: desc}); err != nil {
		_ = enc.Close()
		return fmt.Errorf("%w: encode keypoints: %w", ErrFeatureCompute, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("%w: close zstd: %w", ErrFeatureCompute, err)
	}
	return nil
}

// Inspect returns the descriptor length. The keypoint count varies per image
// and is not part of the shape.
func (k *Keypoints) Inspect(r io.Reader) (Shape, error) {
	set, err := ReadKeypoints(r)
	if err != nil {
		return nil, err
	}
	dim := 0
	for _, d := range set.Descriptors {
		if dim != 0 && len(d) != dim {
			return nil, errors.New("descriptors have mixed lengths")
		}
		dim = len(d)
	}
	return Shape{dim}, nil
}

// ReadKeypoints decodes a persisted keypoint artifact.
func ReadKeypoints(r io.Reader) (*KeypointSet, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	var art KeypointSet
	if err := json.NewDecoder(dec).Decode(&art); err != nil {
		return nil, fmt.Errorf("decode keypoints: %w", err)
	}
	if len(art.Keypoints) != len(art.Descriptors) {
		return nil, errors.New("keypoint and descriptor counts differ")
	}
	return &art, nil
}
