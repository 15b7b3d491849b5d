package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"lbp", []string{"lbp"}},
		{" LBP , glcm,,lbp ", []string{"lbp", "glcm"}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, SplitList(tt.in)); diff != "" {
			t.Errorf("SplitList(%q) (-want +got):\n%s", tt.in, diff)
		}
	}
}

func TestFileHashMatchesContentHash(t *testing.T) {
	s := &storage.Storage{}
	path := filepath.Join(t.TempDir(), "a.bin")
	data := []byte("canonical image bytes")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	hash, stats, err := FileHash(s, path)
	if err != nil {
		t.Fatalf("FileHash: %v", err)
	}
	if hash != ContentHash(data) || stats.SizeBytes != int64(len(data)) {
		t.Errorf("FileHash = %s/%d, want %s/%d", hash, stats.SizeBytes, ContentHash(data), len(data))
	}
	if stats.ModTime.IsZero() {
		t.Error("ModTime is zero")
	}

	if _, _, err := FileHash(s, filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}
