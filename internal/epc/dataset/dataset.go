// Package dataset holds the tabular Raw and Processed datasets of the EPC pipeline.
// Every cell is kept as text so a dataset written back to CSV reproduces what was read;
// numeric interpretation is left to the scoring stage.
package dataset

import (
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
)

// ErrEmpty is returned when a source yields a header without any data rows.
var ErrEmpty = errors.New("dataset has no rows")

// Dataset is an immutable table of string cells. Operations return new datasets.
type Dataset struct {
	df dataframe.DataFrame
}

func loadOptions() []dataframe.LoadOption {
	return []dataframe.LoadOption{
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String),
		dataframe.NaNValues([]string{}),
	}
}

func wrap(df dataframe.DataFrame) (*Dataset, error) {
	if df.Err != nil {
		return nil, df.Err
	}
	if df.Nrow() == 0 {
		return nil, ErrEmpty
	}
	return &Dataset{df: df}, nil
}

// FromRecords builds a dataset from a header row followed by data rows.
func FromRecords(records [][]string) (*Dataset, error) {
	if len(records) < 2 {
		return nil, ErrEmpty
	}
	return wrap(dataframe.LoadRecords(records, loadOptions()...))
}

// ReadCSV parses CSV with a header row.
func ReadCSV(r io.Reader) (*Dataset, error) {
	ds, err := wrap(dataframe.ReadCSV(r, loadOptions()...))
	if err != nil && !errors.Is(err, ErrEmpty) {
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	return ds, err
}

// Names returns the column names in order.
func (d *Dataset) Names() []string {
	return d.df.Names()
}

// Nrow returns the number of data rows.
func (d *Dataset) Nrow() int {
	return d.df.Nrow()
}

// Has reports whether a column exists.
func (d *Dataset) Has(name string) bool {
	return slices.Contains(d.df.Names(), name)
}

// Column returns a copy of the cells of the named column.
func (d *Dataset) Column(name string) ([]string, bool) {
	if !d.Has(name) {
		return nil, false
	}
	return d.df.Col(name).Records(), true
}

// Records returns the header followed by every row.
func (d *Dataset) Records() [][]string {
	return d.df.Records()
}

// Select keeps the given columns in the given order. Every name must exist.
func (d *Dataset) Select(names []string) (*Dataset, error) {
	if len(names) == 0 {
		return nil, errors.New("select: no columns")
	}
	return wrap(d.df.Select(names))
}

// RenameFunc renames every column with fn. Names that collide after renaming
// are made unique by the dataframe layer with a numeric suffix.
func (d *Dataset) RenameFunc(fn func(string) string) (*Dataset, error) {
	names := d.df.Names()
	cols := make([]series.Series, len(names))
	for i, name := range names {
		col := d.df.Col(name)
		col.Name = fn(name)
		cols[i] = col
	}
	return wrap(dataframe.New(cols...))
}

// WithColumn adds or replaces a column. values must have one entry per row.
func (d *Dataset) WithColumn(name string, values []string) (*Dataset, error) {
	if len(values) != d.Nrow() {
		return nil, fmt.Errorf("column %s has %d values, dataset has %d rows", name, len(values), d.Nrow())
	}
	return wrap(d.df.Mutate(series.New(values, series.String, name)))
}

// Sample returns n rows drawn uniformly without replacement using a generator seeded
// with seed. Rows keep their original relative order. If n >= Nrow the dataset is
// returned unchanged.
func (d *Dataset) Sample(n int, seed uint64) (*Dataset, error) {
	total := d.Nrow()
	if n <= 0 {
		return nil, fmt.Errorf("sample size must be positive, got %d", n)
	}
	if n >= total {
		return d, nil
	}

	rng := rand.New(rand.NewPCG(seed, seed))
	idx := make([]int, total)
	for i := range idx {
		idx[i] = i
	}
	// partial Fisher-Yates: the first n slots end up holding the sample
	for i := 0; i < n; i++ {
		j := i + rng.IntN(total-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	picked := idx[:n]
	slices.Sort(picked)

	return wrap(d.df.Subset(picked))
}

// WriteCSV writes the header and rows as CSV.
func (d *Dataset) WriteCSV(w io.Writer) error {
	return d.df.WriteCSV(w)
}

// WriteFile writes the dataset as CSV to path, replacing any existing file.
func (d *Dataset) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := d.WriteCSV(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
