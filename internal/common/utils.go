package common

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

// ContentHash computes SHA256 hash of content and returns hex string.
func ContentHash(data []byte) string {
	hash := sha256.Sum256(data)
	return fmt.Sprintf("%x", hash)
}

// FileHash returns the SHA256 of the file at path along with its size and
// modification time.
func FileHash(s *storage.Storage, path string) (string, *storage.FileStats, error) {
	data, err := s.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	stats, err := s.GetFileStats(path)
	if err != nil {
		return "", nil, err
	}
	return ContentHash(data), stats, nil
}

// SplitList parses a comma separated flag value, dropping blanks and
// duplicates while keeping order.
func SplitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(strings.ToLower(part))
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

// PrintOutput writes v to stdout as YAML or indented JSON per --format.
func PrintOutput(c *cli.Context, v any) error {
	var (
		data []byte
		err  error
	)
	if strings.ToLower(c.String("format")) == "json" {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = yaml.Marshal(v)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	fmt.Fprintln(c.App.Writer, strings.TrimRight(string(data), "\n"))
	return nil
}
