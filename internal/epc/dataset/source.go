package dataset

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// ErrNoCSV is returned when an archive holds no member ending in .csv.
var ErrNoCSV = errors.New("no CSV found in archive")

// FromRows builds a dataset from decoded JSON objects. Columns follow order first,
// then any remaining keys sorted by name. Missing keys and nulls become empty cells.
func FromRows(rows []map[string]any, order []string) (*Dataset, error) {
	if len(rows) == 0 {
		return nil, ErrEmpty
	}

	header := make([]string, 0, len(order))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		if !seen[name] {
			seen[name] = true
			header = append(header, name)
		}
	}
	var extra []string
	for _, row := range rows {
		for key := range row {
			if !seen[key] {
				seen[key] = true
				extra = append(extra, key)
			}
		}
	}
	slices.Sort(extra)
	header = append(header, extra...)

	records := make([][]string, 0, len(rows)+1)
	records = append(records, header)
	for _, row := range rows {
		rec := make([]string, len(header))
		for i, name := range header {
			rec[i] = cell(row[name])
		}
		records = append(records, rec)
	}

	return FromRecords(records)
}

func cell(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// ReadZipFirstCSV opens the archive at path and parses the first member whose
// name ends in .csv. The member name is returned alongside the dataset.
func ReadZipFirstCSV(path string) (*Dataset, string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, "", fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(f.Name, ".csv") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, f.Name, fmt.Errorf("open %s: %w", f.Name, err)
		}
		ds, err := ReadCSV(rc)
		rc.Close()
		if err != nil {
			return nil, f.Name, fmt.Errorf("read %s: %w", f.Name, err)
		}
		return ds, f.Name, nil
	}

	return nil, "", ErrNoCSV
}

// CSVMembers lists the .csv members of an archive in archive order.
func CSVMembers(path string) ([]string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() && strings.HasSuffix(f.Name, ".csv") {
			names = append(names, f.Name)
		}
	}
	return names, nil
}
