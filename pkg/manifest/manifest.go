// Package manifest reads and writes the tabular dataset index: one row per
// record, progressively annotated with the canonical image path, its
// augmented variants, and one column per extracted feature.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/dtnitsch/lepi-pipeline/models"
	"github.com/dtnitsch/lepi-pipeline/pkg/storage"
)

const (
	PathColumn     = "path"
	VariantsColumn = "variants"

	variantSep = ";"
)

var (
	ErrMalformedRow  = errors.New("malformed manifest row")
	ErrMissingColumn = errors.New("missing manifest column")
)

// Schema names the columns the pipeline interprets.
type Schema struct {
	CategoryColumn string
	IndexColumn    string
	SourceColumn   string
	Delimiter      rune
}

// SchemaFromConfig builds a Schema from the configured column names.
func SchemaFromConfig(cfg models.Config) Schema {
	d := ','
	if cfg.Delimiter == `\t` {
		d = '\t'
	} else if r := []rune(cfg.Delimiter); len(r) == 1 {
		d = r[0]
	}
	return Schema{
		CategoryColumn: cfg.CategoryColumn,
		IndexColumn:    cfg.IndexColumn,
		SourceColumn:   cfg.SourceColumn,
		Delimiter:      d,
	}
}

// Manifest is an ordered set of records plus the column layout needed to
// write them back.
type Manifest struct {
	Path    string // persisted location, set by Read or Save
	Schema  Schema
	Columns []string // input columns in input order, always including the index column
	// Features lists feature columns in the order they were added.
	Features []string
	Records  []models.Record
}

// New builds a manifest around records with the schema's own columns.
func New(schema Schema, records []models.Record) *Manifest {
	return &Manifest{
		Schema:  schema,
		Columns: []string{schema.IndexColumn, schema.CategoryColumn, schema.SourceColumn},
		Records: records,
	}
}

// ReadFile reads a manifest from path. A persisted manifest (one with a path
// column) has its path, variants and feature columns read back; every column
// after the variants column is a feature column.
func ReadFile(path string, schema Schema) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	defer f.Close()

	m, err := Read(f, schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	m.Path = path
	return m, nil
}

// Read parses a manifest. Rows with an empty category, a bad or duplicate
// index, or neither a source nor a path are rejected with ErrMalformedRow.
func Read(r io.Reader, schema Schema) (*Manifest, error) {
	cr := csv.NewReader(r)
	cr.Comma = schema.Delimiter
	cr.ReuseRecord = false

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty manifest", ErrMissingColumn)
		}
		return nil, fmt.Errorf("%w: header: %w", ErrMalformedRow, err)
	}
	header[0] = strings.TrimPrefix(header[0], "\ufeff")

	pos := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := pos[h]; dup {
			return nil, fmt.Errorf("%w: duplicate column %q", ErrMalformedRow, h)
		}
		pos[h] = i
	}
	for _, required := range []string{schema.CategoryColumn, schema.SourceColumn} {
		if _, ok := pos[required]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingColumn, required)
		}
	}

	m := &Manifest{Schema: schema}
	pathIdx, persisted := pos[PathColumn]
	variantsIdx, hasVariants := pos[VariantsColumn]
	end := len(header)
	if persisted {
		end = pathIdx
		featureStart := pathIdx + 1
		if hasVariants {
			featureStart = variantsIdx + 1
		}
		m.Features = slices.Clone(header[featureStart:])
		for _, f := range m.Features {
			if f == PathColumn || f == VariantsColumn {
				return nil, fmt.Errorf("%w: column %q after %q", ErrMalformedRow, f, PathColumn)
			}
		}
	}
	m.Columns = slices.Clone(header[:end])
	indexIdx, hasIndex := pos[schema.IndexColumn]
	if !hasIndex {
		m.Columns = append([]string{schema.IndexColumn}, m.Columns...)
	}

	seen := make(map[int]int)
	for ordinal := 0; ; ordinal++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedRow, err)
		}
		line, _ := cr.FieldPos(0)

		rec := models.Record{
			Index:     ordinal,
			Category:  strings.TrimSpace(row[pos[schema.CategoryColumn]]),
			SourceRef: strings.TrimSpace(row[pos[schema.SourceColumn]]),
			Fields:    make(map[string]string),
		}
		if hasIndex {
			raw := strings.TrimSpace(row[indexIdx])
			idx, err := strconv.Atoi(raw)
			if err != nil || idx < 0 {
				return nil, fmt.Errorf("%w: line %d: index %q is not a non-negative integer", ErrMalformedRow, line, raw)
			}
			rec.Index = idx
		}
		if prev, dup := seen[rec.Index]; dup {
			return nil, fmt.Errorf("%w: line %d: index %d already used on line %d", ErrMalformedRow, line, rec.Index, prev)
		}
		seen[rec.Index] = line

		if rec.Category == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", ErrMalformedRow, line, schema.CategoryColumn)
		}

		for i := 0; i < end; i++ {
			switch header[i] {
			case schema.CategoryColumn, schema.SourceColumn, schema.IndexColumn:
			default:
				rec.Fields[header[i]] = row[i]
			}
		}
		if persisted {
			rec.LocalPath = row[pathIdx]
			if hasVariants && row[variantsIdx] != "" {
				rec.Variants = strings.Split(row[variantsIdx], variantSep)
			}
			for i, f := range m.Features {
				rec.SetFeaturePath(f, row[len(header)-len(m.Features)+i])
			}
		}
		if rec.SourceRef == "" && rec.LocalPath == "" {
			return nil, fmt.Errorf("%w: line %d: empty %s", ErrMalformedRow, line, schema.SourceColumn)
		}
		m.Records = append(m.Records, rec)
	}
	return m, nil
}

// AddFeature appends feature as a column unless it is already present.
func (m *Manifest) AddFeature(feature string) {
	if !slices.Contains(m.Features, feature) {
		m.Features = append(m.Features, feature)
	}
}

// Header returns the persisted column order.
func (m *Manifest) Header() []string {
	h := slices.Clone(m.Columns)
	h = append(h, PathColumn, VariantsColumn)
	return append(h, m.Features...)
}

// Rows returns every record in persisted column order. Missing values are
// empty cells.
func (m *Manifest) Rows() [][]string {
	rows := make([][]string, 0, len(m.Records))
	for i := range m.Records {
		rec := &m.Records[i]
		row := make([]string, 0, len(m.Columns)+2+len(m.Features))
		for _, c := range m.Columns {
			switch c {
			case m.Schema.IndexColumn:
				row = append(row, strconv.Itoa(rec.Index))
			case m.Schema.CategoryColumn:
				row = append(row, rec.Category)
			case m.Schema.SourceColumn:
				row = append(row, rec.SourceRef)
			default:
				row = append(row, rec.Fields[c])
			}
		}
		row = append(row, rec.LocalPath, strings.Join(rec.Variants, variantSep))
		for _, f := range m.Features {
			row = append(row, rec.FeaturePath(f))
		}
		rows = append(rows, row)
	}
	return rows
}

// Write encodes the manifest as CSV.
func (m *Manifest) Write(w io.Writer) error {
	cw := csv.NewWriter(w)
	cw.Comma = m.Schema.Delimiter
	if err := cw.Write(m.Header()); err != nil {
		return err
	}
	if err := cw.WriteAll(m.Rows()); err != nil {
		return err
	}
	return cw.Error()
}

// Save overwrites path atomically. It never appends.
func (m *Manifest) Save(s *storage.Storage, path string) error {
	if path == "" {
		return errors.New("manifest has no destination path")
	}
	if err := s.WriteAtomic(path, m.Write); err != nil {
		return fmt.Errorf("failed to persist manifest: %w", err)
	}
	m.Path = path
	return nil
}
