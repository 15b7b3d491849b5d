package models

import (
	"fmt"
	"strings"
)

// AugmentMode selects which derivative images are produced for each original.
type AugmentMode string

const (
	AugmentNone   AugmentMode = "none"
	AugmentRotate AugmentMode = "rotate" // 0, 90, 180, 270 degrees
	AugmentFlip   AugmentMode = "flip"   // horizontal mirror
	AugmentAll    AugmentMode = "all"    // every rotation plus the mirror of each
)

// ParseAugmentMode resolves a mode from a flag or config value.
func ParseAugmentMode(s string) (AugmentMode, error) {
	switch AugmentMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", AugmentNone:
		return AugmentNone, nil
	case AugmentRotate:
		return AugmentRotate, nil
	case AugmentFlip:
		return AugmentFlip, nil
	case AugmentAll:
		return AugmentAll, nil
	}
	return "", fmt.Errorf("unknown augment mode %q (want rotate|flip|all|none)", s)
}

// Multiplier is the number of derived images produced per original.
func (m AugmentMode) Multiplier() int {
	switch m {
	case AugmentAll:
		return 8
	case AugmentRotate:
		return 4
	case AugmentFlip:
		return 1
	}
	return 0
}

// ExpectedImages is the number of images on disk for n originals, counting the
// originals themselves.
func (m AugmentMode) ExpectedImages(n int) int {
	return n * (1 + m.Multiplier())
}
