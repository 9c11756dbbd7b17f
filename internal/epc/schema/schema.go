// Package schema maps the column vocabularies of the known EPC sources onto the
// canonical snake_case names used by the processed dataset.
//
// Each source schema is a Variant with its own rename table. The tables live in
// variants.yaml, so supporting another source layout is a data change.
package schema

import (
	_ "embed"
	"fmt"
	"strings"
	"sync"

	"btr_pipeline/internal/epc/dataset"

	"gopkg.in/yaml.v3"
)

// Variant tags the source schema a raw dataset was recognised as.
type Variant string

const (
	// VariantAPI is the hyphenated lower-case layout of the search API.
	VariantAPI Variant = "api"
	// VariantBulk is the upper-case underscore layout of the bulk download.
	VariantBulk Variant = "bulk"
)

//go:embed variants.yaml
var defaultTables []byte

// Mapping renames one source column.
type Mapping struct {
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Table is the rename table of one variant.
type Table struct {
	Name         Variant   `yaml:"name"`
	DetectColumn string    `yaml:"detect_column"`
	SelectOnly   bool      `yaml:"select_only"`
	Columns      []Mapping `yaml:"columns"`
}

type document struct {
	Variants []Table `yaml:"variants"`
}

// Registry holds the variant tables in detection order.
type Registry struct {
	tables   []Table
	byName   map[Variant]Table
	fallback Variant
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
	defaultErr      error
)

// Default returns the registry built from the embedded tables.
func Default() (*Registry, error) {
	defaultOnce.Do(func() {
		defaultRegistry, defaultErr = Load(defaultTables)
	})
	return defaultRegistry, defaultErr
}

// Load parses YAML rename tables. Variants with a detect_column are tried in file
// order; the first variant without one is the fallback for unrecognised data.
func Load(data []byte) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse variant tables: %w", err)
	}
	if len(doc.Variants) == 0 {
		return nil, fmt.Errorf("no variants defined")
	}

	r := &Registry{byName: make(map[Variant]Table, len(doc.Variants))}
	for _, t := range doc.Variants {
		if t.Name == "" {
			return nil, fmt.Errorf("variant without name")
		}
		if _, dup := r.byName[t.Name]; dup {
			return nil, fmt.Errorf("variant %s defined twice", t.Name)
		}
		for _, m := range t.Columns {
			if m.From == "" || m.To == "" {
				return nil, fmt.Errorf("variant %s: mapping with empty column name", t.Name)
			}
		}
		if t.DetectColumn == "" && r.fallback == "" {
			r.fallback = t.Name
		}
		r.byName[t.Name] = t
		r.tables = append(r.tables, t)
	}
	if r.fallback == "" {
		return nil, fmt.Errorf("no fallback variant: one variant must omit detect_column")
	}

	return r, nil
}

// Detect picks the variant of a raw dataset from its column names.
func (r *Registry) Detect(columns []string) Variant {
	present := make(map[string]bool, len(columns))
	for _, c := range columns {
		present[c] = true
	}
	for _, t := range r.tables {
		if t.DetectColumn != "" && present[t.DetectColumn] {
			return t.Name
		}
	}
	return r.fallback
}

// Normalize detects the variant of ds and returns a dataset with canonical column names.
// ds itself is not modified.
func (r *Registry) Normalize(ds *dataset.Dataset) (*dataset.Dataset, Variant, error) {
	variant := r.Detect(ds.Names())
	table := r.byName[variant]

	if table.SelectOnly {
		out, err := selectAndRename(ds, table)
		return out, variant, err
	}
	out, err := renameAll(ds, table)
	return out, variant, err
}

func selectAndRename(ds *dataset.Dataset, table Table) (*dataset.Dataset, error) {
	present := make(map[string]bool)
	for _, name := range ds.Names() {
		present[name] = true
	}

	rename := make(map[string]string)
	var keep []string
	for _, m := range table.Columns {
		if !present[m.From] {
			continue
		}
		if _, dup := rename[m.From]; dup {
			continue
		}
		rename[m.From] = m.To
		keep = append(keep, m.From)
	}
	if len(keep) == 0 {
		return nil, fmt.Errorf("variant %s: none of the allow-listed columns are present", table.Name)
	}

	selected, err := ds.Select(keep)
	if err != nil {
		return nil, fmt.Errorf("select columns: %w", err)
	}
	return selected.RenameFunc(func(name string) string { return rename[name] })
}

func renameAll(ds *dataset.Dataset, table Table) (*dataset.Dataset, error) {
	present := make(map[string]bool)
	for _, name := range ds.Names() {
		present[name] = true
	}

	rename := make(map[string]string)
	claimed := make(map[string]bool)
	for _, m := range table.Columns {
		if !present[m.From] || claimed[m.To] {
			continue
		}
		rename[m.From] = m.To
		claimed[m.To] = true
	}

	return ds.RenameFunc(func(name string) string {
		if to, ok := rename[name]; ok {
			return to
		}
		return Canonical(name)
	})
}

// Canonical lower-cases a column name and turns spaces and hyphens into underscores.
func Canonical(name string) string {
	return strings.NewReplacer(" ", "_", "-", "_").Replace(strings.ToLower(name))
}
