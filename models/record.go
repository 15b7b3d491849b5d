package models

// Record is one dataset entity (one image) in the manifest.
type Record struct {
	Index     int    // stable ordinal, never renumbered
	Category  string // storage subdirectory label (e.g. species)
	SourceRef string // URL or path the canonical image comes from

	// LocalPath is the canonical normalized image. Empty until fetched.
	LocalPath string
	// Variants lists augmented derivatives of LocalPath.
	Variants []string
	// FeaturePaths maps feature identifier to its cached artifact.
	FeaturePaths map[string]string

	// Fields carries every other input column untouched.
	Fields map[string]string
}

// FeaturePath returns the cached artifact for feature, or "".
func (r *Record) FeaturePath(feature string) string {
	if r.FeaturePaths == nil {
		return ""
	}
	return r.FeaturePaths[feature]
}

// SetFeaturePath records (or clears, when path is empty) a feature artifact.
func (r *Record) SetFeaturePath(feature, path string) {
	if path == "" {
		delete(r.FeaturePaths, feature)
		return
	}
	if r.FeaturePaths == nil {
		r.FeaturePaths = make(map[string]string)
	}
	r.FeaturePaths[feature] = path
}
