package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/datagovindia/dgi/internal/catalog/schema"
	"github.com/datagovindia/dgi/internal/ui"
)

// Output formats accepted by --format.
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatCSV   = "csv"
)

// tableCellWidth caps table cells so long descriptions stay on one screen.
const tableCellWidth = 60

// defaultTableColumns is what search prints as a table when --fields is not
// given.
var defaultTableColumns = []string{"index_name", "title", "org_type", "sector", "updated"}

func checkFormat(format string, allowed ...string) error {
	for _, f := range allowed {
		if format == f {
			return nil
		}
	}
	return usageErrorf("unknown format %q (valid: %s)", format, strings.Join(allowed, ", "))
}

func parseColumns(fields string) ([]string, error) {
	if strings.TrimSpace(fields) == "" {
		return nil, nil
	}
	var cols []string
	for _, c := range strings.Split(fields, ",") {
		if c = strings.TrimSpace(c); c != "" {
			cols = append(cols, c)
		}
	}
	if err := schema.ValidateColumns(cols); err != nil {
		return nil, usageErrorf("--fields: %v", err)
	}
	return cols, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// writeValue encodes v as JSON or YAML.
func writeValue(w io.Writer, format string, v any) error {
	if format == formatYAML {
		return writeYAML(w, v)
	}
	return writeJSON(w, v)
}

// writeResources prints resources in the requested format, restricted to
// cols (all columns when empty, or the table defaults for tables).
func writeResources(w io.Writer, format string, resources []*schema.Resource, cols []string) error {
	if format == formatTable {
		if len(cols) == 0 {
			cols = defaultTableColumns
		}
		rows := make([][]string, 0, len(resources))
		for _, r := range resources {
			row := make([]string, 0, len(cols))
			for _, c := range cols {
				row = append(row, r.Cell(c))
			}
			rows = append(rows, row)
		}
		fmt.Fprintln(w, ui.RenderTable(cols, rows, tableCellWidth))
		fmt.Fprintln(w, ui.RenderMuted(fmt.Sprintf("%d resource(s)", len(resources))))
		return nil
	}

	projected := make([]map[string]any, 0, len(resources))
	for _, r := range resources {
		projected = append(projected, r.Project(cols))
	}
	return writeValue(w, format, projected)
}

// writeStrings prints one value per line, or a JSON/YAML list.
func writeStrings(w io.Writer, format string, values []string) error {
	if format == formatTable {
		for _, v := range values {
			fmt.Fprintln(w, v)
		}
		return nil
	}
	if values == nil {
		values = []string{}
	}
	return writeValue(w, format, values)
}
