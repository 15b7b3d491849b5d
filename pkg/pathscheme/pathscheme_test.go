package pathscheme

import (
	"errors"
	"path/filepath"
	"testing"
)

func testScheme() Scheme {
	return New("cache_db", "cache", "png").WithFeatureExt("glcm", "glcm.zst")
}

func TestPath(t *testing.T) {
	s := testScheme()

	tests := []struct {
		name     string
		category string
		index    int
		feature  string
		want     string
	}{
		{"canonical", "Vanessa atalanta", 3, "", filepath.Join("cache_db", "Vanessa_atalanta", "3_0.png")},
		{"lbp", "Vanessa atalanta", 3, "lbp", filepath.Join("cache_lbp", "Vanessa_atalanta", "3_0.png")},
		{"glcm uses its own extension", "B", 2, "glcm", filepath.Join("cache_glcm", "B", "2_0.glcm.zst")},
		{"separator escaped", "a/b", 0, "", filepath.Join("cache_db", "a%2Fb", "0_0.png")},
		{"dot dir escaped", "..", 0, "", filepath.Join("cache_db", "%2E%2E", "0_0.png")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Path(tt.category, tt.index, tt.feature)
			if err != nil {
				t.Fatalf("Path() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Path() = %q, want %q", got, tt.want)
			}
			again, _ := s.Path(tt.category, tt.index, tt.feature)
			if again != got {
				t.Errorf("Path() not deterministic: %q then %q", got, again)
			}
		})
	}
}

func TestPath_Errors(t *testing.T) {
	s := testScheme()

	tests := []struct {
		name     string
		category string
		index    int
		feature  string
		wantErr  error
	}{
		{"empty category", "", 1, "", ErrInvalidCategory},
		{"negative index", "A", -1, "", ErrInvalidIndex},
		{"reserved feature", "A", 1, "db", ErrInvalidFeature},
		{"feature with separator", "A", 1, "l/bp", ErrInvalidFeature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Path(tt.category, tt.index, tt.feature)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Path() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestPath_Injective(t *testing.T) {
	s := testScheme()
	categories := []string{"a b", "a_b", "a%20b", "a%5Fb", "A B", "a", "a/b", "a\\b", "a.b", "ab", "Pieris rapae"}
	features := []string{"", "lbp", "glcm", "sift"}

	seen := make(map[string]string)
	for _, c := range categories {
		for idx := 0; idx < 12; idx++ {
			for _, f := range features {
				p, err := s.Path(c, idx, f)
				if err != nil {
					t.Fatalf("Path(%q, %d, %q) error = %v", c, idx, f, err)
				}
				key := c + "|" + f + "|" + string(rune('0'+idx))
				if prev, dup := seen[p]; dup {
					t.Fatalf("collision: %s and %s both map to %s", prev, key, p)
				}
				seen[p] = key
			}
		}
	}
}

func TestEscapeCategory_RoundTrip(t *testing.T) {
	for _, c := range []string{"Vanessa atalanta", "a_b", "x%y", "weird/..\\name", "ÄÖ"} {
		got, err := UnescapeCategory(EscapeCategory(c))
		if err != nil {
			t.Fatalf("UnescapeCategory() error = %v", err)
		}
		if got != c {
			t.Errorf("round trip %q -> %q", c, got)
		}
	}
}

func TestVariantPath(t *testing.T) {
	tests := []struct {
		path, suffix, want string
	}{
		{filepath.Join("d", "3_0.png"), "_90", filepath.Join("d", "3_0_90.png")},
		{filepath.Join("d", "3_0.png"), "f", filepath.Join("d", "3_0f.png")},
		{filepath.Join("d", "3_0_90.png"), "f", filepath.Join("d", "3_0_90f.png")},
		{filepath.Join("d", "3_0.glcm.zst"), "_0", filepath.Join("d", "3_0_0.glcm.zst")},
	}
	for _, tt := range tests {
		if got := VariantPath(tt.path, tt.suffix); got != tt.want {
			t.Errorf("VariantPath(%q, %q) = %q, want %q", tt.path, tt.suffix, got, tt.want)
		}
	}
}
