// Package dataset embeds the canonical tabular training set used by the
// default source.
package dataset

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/JakeFAU/boostserve/internal/pipeline"
)

// LabelColumn is the header of the target column.
const LabelColumn = "target"

//go:embed data/default.csv
var defaultCSV []byte

// Load parses the embedded dataset. Each call returns a fresh copy.
func Load() (*pipeline.Table, error) {
	return Parse(bytes.NewReader(defaultCSV))
}

// Parse reads a CSV whose last column is a 0/1 label and every other column is
// numeric.
func Parse(r io.Reader) (*pipeline.Table, error) {
	reader := csv.NewReader(r)
	reader.ReuseRecord = false

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	if len(header) < 2 || header[len(header)-1] != LabelColumn {
		return nil, fmt.Errorf("header must end with %q column", LabelColumn)
	}

	table := &pipeline.Table{Columns: append([]string(nil), header[:len(header)-1]...)}
	width := len(table.Columns)
	for line := 2; ; line++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read line %d: %w", line, err)
		}
		row := make([]float64, width)
		for i := 0; i < width; i++ {
			v, err := strconv.ParseFloat(record[i], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d column %s: %w", line, table.Columns[i], err)
			}
			row[i] = v
		}
		label, err := strconv.Atoi(record[width])
		if err != nil || (label != 0 && label != 1) {
			return nil, fmt.Errorf("line %d: label must be 0 or 1, got %q", line, record[width])
		}
		table.Rows = append(table.Rows, row)
		table.Labels = append(table.Labels, label)
	}
	if len(table.Rows) == 0 {
		return nil, fmt.Errorf("dataset has no rows")
	}
	return table, nil
}
