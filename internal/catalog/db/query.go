package db

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/schema"
)

// Field names a searchable resource attribute.
type Field string

const (
	FieldIndexName Field = "index_name"
	FieldTitle     Field = "title"
	FieldDesc      Field = "desc"
	FieldOrg       Field = "org"
	FieldOrgType   Field = "org_type"
	FieldSector    Field = "sector"
	FieldSource    Field = "source"
)

// MatchKind is how a filter value is compared with a field.
type MatchKind int

const (
	// MatchSubstring is a case-insensitive substring match. On list
	// attributes it matches if any element contains the value.
	MatchSubstring MatchKind = iota
	// MatchExact is a case-insensitive equality match.
	MatchExact
)

func (m MatchKind) String() string {
	if m == MatchExact {
		return "exact"
	}
	return "substring"
}

type fieldSpec struct {
	column string
	match  MatchKind
	list   bool // JSON array column
}

var fieldSpecs = map[Field]fieldSpec{
	FieldIndexName: {column: "index_name", match: MatchExact},
	FieldTitle:     {column: "title", match: MatchSubstring},
	FieldDesc:      {column: "description", match: MatchSubstring},
	FieldOrg:       {column: "org", match: MatchSubstring, list: true},
	FieldOrgType:   {column: "org_type", match: MatchExact},
	FieldSector:    {column: "sector", match: MatchSubstring, list: true},
	FieldSource:    {column: "source", match: MatchExact},
}

// Fields returns every recognized filter field, sorted by name.
func Fields() []Field {
	out := make([]Field, 0, len(fieldSpecs))
	for f := range fieldSpecs {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether f is a recognized filter field.
func (f Field) Valid() bool {
	_, ok := fieldSpecs[f]
	return ok
}

// Match returns the match semantics of f.
func (f Field) Match() MatchKind {
	return fieldSpecs[f].match
}

// ParseField converts a filter name to a Field, rejecting unknown names.
func ParseField(name string) (Field, error) {
	f := Field(strings.TrimSpace(strings.ToLower(name)))
	if !f.Valid() {
		return "", apperrors.Errorf(apperrors.ErrInvalidFilter, "db.ParseField",
			"unknown filter field %q (valid: %s)", name, joinFields(Fields()))
	}
	return f, nil
}

// Filter constrains one field.
type Filter struct {
	Field Field
	Value string
}

// ParseFilter parses a "field=value" expression.
func ParseFilter(expr string) (Filter, error) {
	name, value, ok := strings.Cut(expr, "=")
	if !ok {
		return Filter{}, apperrors.Errorf(apperrors.ErrInvalidFilter, "db.ParseFilter",
			"expected field=value, got %q", expr)
	}
	f, err := ParseField(name)
	if err != nil {
		return Filter{}, err
	}
	filter := Filter{Field: f, Value: strings.TrimSpace(value)}
	if err := filter.Validate(); err != nil {
		return Filter{}, err
	}
	return filter, nil
}

// Validate rejects unknown fields and empty values.
func (f Filter) Validate() error {
	if !f.Field.Valid() {
		return apperrors.Errorf(apperrors.ErrInvalidFilter, "db.Filter",
			"unknown filter field %q (valid: %s)", f.Field, joinFields(Fields()))
	}
	if strings.TrimSpace(f.Value) == "" {
		return apperrors.Errorf(apperrors.ErrInvalidFilter, "db.Filter", "empty value for %s", f.Field)
	}
	return nil
}

// Order selects the sort order of search results.
type Order string

const (
	OrderTitle   Order = "title"   // ascending
	OrderUpdated Order = "updated" // most recent first
	OrderCreated Order = "created" // most recent first
)

// ParseOrder converts an order name, defaulting to OrderTitle when empty.
func ParseOrder(name string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(name))); o {
	case "":
		return OrderTitle, nil
	case OrderTitle, OrderUpdated, OrderCreated:
		return o, nil
	default:
		return "", apperrors.Errorf(apperrors.ErrInvalidFilter, "db.ParseOrder",
			"unknown order %q (valid: title, updated, created)", name)
	}
}

func (o Order) clause() string {
	switch o {
	case OrderUpdated:
		return "updated_at IS NULL, updated_at DESC, index_name ASC"
	case OrderCreated:
		return "created_at IS NULL, created_at DESC, index_name ASC"
	default:
		return "title COLLATE NOCASE ASC, index_name ASC"
	}
}

// Query is a search over the cached resources. All filters must match.
// A query without filters matches every cached resource.
type Query struct {
	Filters []Filter
	// Limit restricts the number of results (0 = no limit).
	Limit int
	// OrderBy defaults to OrderTitle.
	OrderBy Order
}

// Validate checks every filter, the limit and the order.
func (q Query) Validate() error {
	for _, f := range q.Filters {
		if err := f.Validate(); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return apperrors.Errorf(apperrors.ErrInvalidFilter, "db.Query", "negative limit %d", q.Limit)
	}
	if q.OrderBy != "" {
		if _, err := ParseOrder(string(q.OrderBy)); err != nil {
			return err
		}
	}
	return nil
}

// Search returns the cached resources matching q. No match yields an empty
// slice and a nil error. Search never modifies the cache.
func (db *DB) Search(ctx context.Context, q Query) ([]*schema.Resource, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var conditions []string
	var args []any

	for _, f := range q.Filters {
		spec := fieldSpecs[f.Field]
		value := strings.TrimSpace(f.Value)

		switch {
		case spec.list:
			conditions = append(conditions, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(resources.%s) WHERE instr(lower(json_each.value), lower(?)) > 0)", spec.column))
		case spec.match == MatchSubstring:
			conditions = append(conditions, fmt.Sprintf("instr(lower(%s), lower(?)) > 0", spec.column))
		case f.Field == FieldIndexName:
			conditions = append(conditions, "index_name = ?")
		default:
			conditions = append(conditions, fmt.Sprintf("lower(%s) = lower(?)", spec.column))
		}
		args = append(args, value)
	}

	query := `SELECT ` + resourceColumns + ` FROM resources`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY " + q.OrderBy.clause()

	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, "db.Search", "search resources: %w", err)
	}
	defer rows.Close()

	resources, err := scanResources(rows)
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCache, "db.Search", err)
	}
	return resources, nil
}

// ListOrgTypes returns the distinct organization types, sorted.
func (db *DB) ListOrgTypes(ctx context.Context) ([]string, error) {
	return db.distinct(ctx, "db.ListOrgTypes",
		`SELECT DISTINCT org_type FROM resources WHERE org_type != '' ORDER BY org_type`)
}

// ListSources returns the distinct sources, sorted.
func (db *DB) ListSources(ctx context.Context) ([]string, error) {
	return db.distinct(ctx, "db.ListSources",
		`SELECT DISTINCT source FROM resources WHERE source != '' ORDER BY source`)
}

// ListOrgs returns the distinct organization names across all resources.
func (db *DB) ListOrgs(ctx context.Context) ([]string, error) {
	return db.distinct(ctx, "db.ListOrgs",
		`SELECT DISTINCT json_each.value FROM resources, json_each(resources.org) ORDER BY 1`)
}

// ListSectors returns the distinct sector tags across all resources.
func (db *DB) ListSectors(ctx context.Context) ([]string, error) {
	return db.distinct(ctx, "db.ListSectors",
		`SELECT DISTINCT json_each.value FROM resources, json_each(resources.sector) ORDER BY 1`)
}

func (db *DB) distinct(ctx context.Context, op, query string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "query: %w", err)
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, apperrors.Errorf(apperrors.ErrCache, op, "scan: %w", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "iterate: %w", err)
	}
	return values, nil
}

// RecentOptions configures ListRecentlyUpdated and ListRecentlyCreated.
type RecentOptions struct {
	// Since is the inclusive lower bound.
	Since time.Time
	// Until is the inclusive upper bound (zero = now).
	Until time.Time
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// ListRecentlyUpdated returns resources updated in [Since, Until], most
// recent first.
func (db *DB) ListRecentlyUpdated(ctx context.Context, opts RecentOptions) ([]*schema.Resource, error) {
	return db.listRecent(ctx, "db.ListRecentlyUpdated", "updated_at", opts)
}

// ListRecentlyCreated returns resources created in [Since, Until], most
// recent first.
func (db *DB) ListRecentlyCreated(ctx context.Context, opts RecentOptions) ([]*schema.Resource, error) {
	return db.listRecent(ctx, "db.ListRecentlyCreated", "created_at", opts)
}

func (db *DB) listRecent(ctx context.Context, op, column string, opts RecentOptions) ([]*schema.Resource, error) {
	until := opts.Until
	if until.IsZero() {
		until = time.Now()
	}

	query := `SELECT ` + resourceColumns + ` FROM resources
	WHERE ` + column + ` BETWEEN ? AND ?
	ORDER BY ` + column + ` DESC, index_name ASC`
	args := []any{
		opts.Since.UTC().Format(time.RFC3339),
		until.UTC().Format(time.RFC3339),
	}

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Errorf(apperrors.ErrCache, op, "query: %w", err)
	}
	defer rows.Close()

	resources, err := scanResources(rows)
	if err != nil {
		return nil, apperrors.E(apperrors.ErrCache, op, err)
	}
	return resources, nil
}

func joinFields(fields []Field) string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
