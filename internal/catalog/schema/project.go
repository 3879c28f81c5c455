package schema

import (
	"fmt"
	"strings"
	"time"
)

// Columns lists the output column names of a Resource, in display order.
var Columns = []string{
	"index_name", "title", "desc", "org", "org_type", "source",
	"sector", "fields", "created", "updated",
}

// ValidateColumns rejects names that are not in Columns.
func ValidateColumns(cols []string) error {
	for _, c := range cols {
		if !isColumn(c) {
			return fmt.Errorf("unknown column %q (valid: %s)", c, strings.Join(Columns, ", "))
		}
	}
	return nil
}

// Project returns the requested columns of r keyed by column name.
// An empty column list selects every column.
func (r *Resource) Project(cols []string) map[string]any {
	if len(cols) == 0 {
		cols = Columns
	}
	out := make(map[string]any, len(cols))
	for _, c := range cols {
		switch c {
		case "index_name":
			out[c] = r.IndexName
		case "title":
			out[c] = r.Title
		case "desc":
			out[c] = r.Desc
		case "org":
			out[c] = r.Org
		case "org_type":
			out[c] = r.OrgType
		case "source":
			out[c] = r.Source
		case "sector":
			out[c] = r.Sector
		case "fields":
			out[c] = r.Fields
		case "created":
			out[c] = formatTime(r.Created)
		case "updated":
			out[c] = formatTime(r.Updated)
		}
	}
	return out
}

// Cell renders one column as a single line of text for tabular output.
func (r *Resource) Cell(col string) string {
	switch v := r.Project([]string{col})[col].(type) {
	case []string:
		return strings.Join(v, "; ")
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func isColumn(name string) bool {
	for _, c := range Columns {
		if c == name {
			return true
		}
	}
	return false
}

func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
