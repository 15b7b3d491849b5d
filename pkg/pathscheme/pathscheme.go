// Package pathscheme maps dataset records to their deterministic cache paths.
//
// Layout:
//
//	<ImageRoot>/<category>/<index>_0.<ext>              canonical images
//	<FeatureRoot>_<feature>/<category>/<index>_0.<ext>  feature artifacts
//
// Augmented variants live next to their original with a suffix inserted
// before the extension (3_0_90.png, 3_0_90f.png).
package pathscheme

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// CanonicalFeature is the identifier used for the canonical image directory.
const CanonicalFeature = "db"

var (
	ErrInvalidCategory = errors.New("invalid category")
	ErrInvalidIndex    = errors.New("invalid index")
	ErrInvalidFeature  = errors.New("invalid feature identifier")
)

var featurePattern = regexp.MustCompile(`^[a-z0-9]+$`)

// Scheme is a pure path function; it never touches the filesystem.
type Scheme struct {
	ImageRoot   string
	FeatureRoot string
	// ImageExt is used for canonical images and for features without an entry
	// in FeatureExts.
	ImageExt    string
	FeatureExts map[string]string
}

// New returns a Scheme with the given roots and canonical image extension.
func New(imageRoot, featureRoot, imageExt string) Scheme {
	return Scheme{
		ImageRoot:   imageRoot,
		FeatureRoot: featureRoot,
		ImageExt:    strings.TrimPrefix(imageExt, "."),
		FeatureExts: map[string]string{},
	}
}

// WithFeatureExt returns a copy of s that writes feature artifacts with ext.
func (s Scheme) WithFeatureExt(feature, ext string) Scheme {
	exts := make(map[string]string, len(s.FeatureExts)+1)
	for k, v := range s.FeatureExts {
		exts[k] = v
	}
	exts[feature] = strings.TrimPrefix(ext, ".")
	s.FeatureExts = exts
	return s
}

// ValidateFeature checks that feature is usable as a directory suffix.
func ValidateFeature(feature string) error {
	if feature == CanonicalFeature || !featurePattern.MatchString(feature) {
		return fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}
	return nil
}

// Root returns the cache root directory for feature ("" is the canonical image root).
func (s Scheme) Root(feature string) string {
	if feature == "" {
		return s.ImageRoot
	}
	return s.FeatureRoot + "_" + feature
}

// CategoryDir returns the directory holding a category's files for feature.
func (s Scheme) CategoryDir(category, feature string) (string, error) {
	if feature != "" {
		if err := ValidateFeature(feature); err != nil {
			return "", err
		}
	}
	if category == "" {
		return "", fmt.Errorf("%w: empty category", ErrInvalidCategory)
	}
	return filepath.Join(s.Root(feature), EscapeCategory(category)), nil
}

// Path returns the cache path for (category, index, feature).
func (s Scheme) Path(category string, index int, feature string) (string, error) {
	if index < 0 {
		return "", fmt.Errorf("%w: %d", ErrInvalidIndex, index)
	}
	dir, err := s.CategoryDir(category, feature)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strconv.Itoa(index)+"_0."+s.ext(feature)), nil
}

func (s Scheme) ext(feature string) string {
	if ext, ok := s.FeatureExts[feature]; ok && ext != "" {
		return ext
	}
	if s.ImageExt == "" {
		return "png"
	}
	return s.ImageExt
}

// VariantPath inserts suffix between the base name and its extension.
// The extension is everything after the first dot of the base name, so
// multi-part extensions like .glcm.zst stay intact.
func VariantPath(path, suffix string) string {
	dir, base := filepath.Split(path)
	name, ext, found := strings.Cut(base, ".")
	if !found {
		return filepath.Join(dir, base+suffix)
	}
	return filepath.Join(dir, name+suffix+"."+ext)
}

// EscapeCategory makes a label safe as a single directory component. The
// mapping is injective: letters, digits and '-' are kept, ' ' becomes '_',
// and every other byte (including '_' itself) is percent-encoded.
func EscapeCategory(category string) string {
	var sb strings.Builder
	sb.Grow(len(category))
	for i := 0; i < len(category); i++ {
		c := category[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
			sb.WriteByte(c)
		case c == ' ':
			sb.WriteByte('_')
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String()
}

// UnescapeCategory reverses EscapeCategory.
func UnescapeCategory(escaped string) (string, error) {
	var sb strings.Builder
	for i := 0; i < len(escaped); i++ {
		c := escaped[i]
		switch c {
		case '_':
			sb.WriteByte(' ')
		case '%':
			if i+2 >= len(escaped) {
				return "", fmt.Errorf("%w: truncated escape in %q", ErrInvalidCategory, escaped)
			}
			v, err := strconv.ParseUint(escaped[i+1:i+3], 16, 8)
			if err != nil {
				return "", fmt.Errorf("%w: bad escape in %q", ErrInvalidCategory, escaped)
			}
			sb.WriteByte(byte(v))
			i += 2
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), nil
}
