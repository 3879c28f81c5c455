package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/datagovindia/dgi/internal/catalog/db"
	"github.com/datagovindia/dgi/internal/catalog/schema"
	"github.com/datagovindia/dgi/internal/datagov"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		named   = make(map[db.Field]*string)
		filters []string
		limit   int
		order   string
		fields  string
		format  string
	)

	cmd := &cobra.Command{
		Use:     "search",
		GroupID: "query",
		Short:   "Search the cached catalog",
		Long: `Search the cached catalog. Every filter must match.

title, desc, org and sector match case-insensitive substrings (org and
sector match any of their values); index_name, org_type and source match
case-insensitively as a whole. Without filters every cached resource is
listed.

Examples:
   dgi search --title population --sector census
   dgi search --filter org_type=state --limit 20 --format json
   dgi search --org "rural development" --order updated --fields index_name,title`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			cols, err := parseColumns(fields)
			if err != nil {
				return err
			}

			q, err := buildQuery(cmd, named, filters, limit, order)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			results, err := c.Search(ctx, q)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				a.hintIfEmpty(ctx, c)
			}
			return writeResources(a.stdout, format, results, cols)
		},
	}

	for _, f := range []db.Field{db.FieldTitle, db.FieldDesc, db.FieldOrg, db.FieldOrgType, db.FieldSector, db.FieldSource} {
		flag := strings.ReplaceAll(string(f), "_", "-")
		named[f] = cmd.Flags().String(flag, "", fmt.Sprintf("Filter on %s (%s match)", f, f.Match()))
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter as field=value (repeatable)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "Maximum number of results (0 = all)")
	cmd.Flags().StringVar(&order, "order", "title", "Sort order (title|updated|created)")
	cmd.Flags().StringVar(&fields, "fields", "", "Comma-separated output columns")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}

// buildQuery collects the named filter flags that were set and the
// repeatable --filter expressions into one query.
func buildQuery(cmd *cobra.Command, named map[db.Field]*string, exprs []string, limit int, order string) (db.Query, error) {
	var q db.Query
	for _, f := range db.Fields() {
		v, ok := named[f]
		if !ok || !cmd.Flags().Changed(strings.ReplaceAll(string(f), "_", "-")) {
			continue
		}
		filter := db.Filter{Field: f, Value: *v}
		if err := filter.Validate(); err != nil {
			return db.Query{}, err
		}
		q.Filters = append(q.Filters, filter)
	}
	for _, expr := range exprs {
		filter, err := db.ParseFilter(expr)
		if err != nil {
			return db.Query{}, err
		}
		q.Filters = append(q.Filters, filter)
	}

	o, err := db.ParseOrder(order)
	if err != nil {
		return db.Query{}, err
	}
	q.OrderBy = o
	q.Limit = limit
	return q, q.Validate()
}

func newShowCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "show <index_name>",
		GroupID: "query",
		Short:   "Show the cached metadata of one resource",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatJSON, formatYAML); err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			r, err := c.Resource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeValue(a.stdout, format, r.Project(nil))
		},
	}
	cmd.Flags().StringVar(&format, "format", formatYAML, "Output format (json|yaml)")
	return cmd
}

// listFunc reads one distinct-value listing from the cache.
type listFunc func(*datagov.Client, context.Context) ([]string, error)

func newListCmd(a *app, use, short string, list listFunc) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     use,
		GroupID: "query",
		Short:   short + " in the cached catalog",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			values, err := list(c, cmd.Context())
			if err != nil {
				return err
			}
			if len(values) == 0 {
				a.hintIfEmpty(cmd.Context(), c)
			}
			return writeStrings(a.stdout, format, values)
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}

func newRecentCmd(a *app) *cobra.Command {
	var (
		since  string
		until  string
		limit  int
		fields string
		format string
	)

	cmd := &cobra.Command{
		Use:     "recent updated|created",
		GroupID: "query",
		Short:   "List recently updated or created resources",
		Long: `List cached resources by update or creation time, newest first.

--since and --until accept dates (2024-01-31), durations (72h) and
natural language ("2 weeks ago", "last monday", "yesterday").`,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"updated", "created"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			cols, err := parseColumns(fields)
			if err != nil {
				return err
			}

			now := time.Now()
			opts := db.RecentOptions{Limit: limit}
			if opts.Since, err = parseWhen(since, now); err != nil {
				return usageErrorf("--since: %v", err)
			}
			if opts.Until, err = parseUntil(until, now); err != nil {
				return usageErrorf("--until: %v", err)
			}

			var recent func(context.Context, db.RecentOptions) ([]*schema.Resource, error)
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			switch args[0] {
			case "updated":
				recent = c.RecentlyUpdated
			case "created":
				recent = c.RecentlyCreated
			default:
				return usageErrorf("expected 'updated' or 'created', got %q", args[0])
			}

			results, err := recent(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				a.hintIfEmpty(cmd.Context(), c)
			}
			return writeResources(a.stdout, format, results, cols)
		},
	}
	cmd.Flags().StringVar(&since, "since", "1 week ago", "Earliest time to include")
	cmd.Flags().StringVar(&until, "until", "", "Latest time to include (default now)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of results (0 = all)")
	cmd.Flags().StringVar(&fields, "fields", "", "Comma-separated output columns")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}
