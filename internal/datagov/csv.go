package datagov

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/datagovindia/dgi/internal/catalog/api"
)

// WriteCSV streams a dataset to w as CSV and returns the number of records
// written. Columns are opts.Fields when set, otherwise the dataset's field
// ids as reported by the API, otherwise the keys of the first record.
func (c *Client) WriteCSV(ctx context.Context, indexName string, opts api.DataOptions, w io.Writer) (int, error) {
	const op = "datagov.WriteCSV"

	columns := opts.Fields
	if len(columns) == 0 {
		info, err := c.Info(ctx, indexName)
		if err != nil {
			return 0, err
		}
		for _, f := range info.Fields {
			columns = append(columns, f.ID)
		}
	}

	cw := csv.NewWriter(w)
	header := len(columns) > 0
	if header {
		if err := cw.Write(columns); err != nil {
			return 0, fmt.Errorf("%s: write header: %w", op, err)
		}
	}

	row := make([]string, 0, len(columns))
	n, err := c.Stream(ctx, indexName, opts, func(rec api.Record) error {
		if !header {
			columns = RecordKeys(rec)
			header = true
			if err := cw.Write(columns); err != nil {
				return fmt.Errorf("%s: write header: %w", op, err)
			}
		}
		row = row[:0]
		for _, col := range columns {
			row = append(row, Cell(rec[col]))
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("%s: write record: %w", op, err)
		}
		return nil
	})
	cw.Flush()
	if err != nil {
		return n, err
	}
	if err := cw.Error(); err != nil {
		return n, fmt.Errorf("%s: flush: %w", op, err)
	}
	return n, nil
}

// RecordKeys returns the field names of rec, sorted.
func RecordKeys(rec api.Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Cell renders one record value as text. Missing values are empty.
func Cell(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
