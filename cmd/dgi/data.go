package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/catalog/api"
	"github.com/datagovindia/dgi/internal/datagov"
	"github.com/datagovindia/dgi/internal/ui"
)

// parseDataFilters converts repeated field=value flags to the API's
// filters map.
func parseDataFilters(exprs []string) (map[string]string, error) {
	if len(exprs) == 0 {
		return nil, nil
	}
	filters := make(map[string]string, len(exprs))
	for _, expr := range exprs {
		k, v, ok := strings.Cut(expr, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, usageErrorf("--filter: expected field=value, got %q", expr)
		}
		filters[k] = strings.TrimSpace(v)
	}
	return filters, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func newInfoCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "info <index_name>",
		GroupID: "data",
		Short:   "Show the remote metadata and record count of a dataset",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			info, err := c.Info(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if format != formatTable {
				return writeValue(a.stdout, format, info)
			}

			fmt.Fprintf(a.stdout, "\n%s %s\n\n", ui.RenderAccent("📄"), ui.RenderBold(info.Title))
			fmt.Fprintf(a.stdout, "  Index name: %s\n", info.IndexName)
			if info.OrgType != "" {
				fmt.Fprintf(a.stdout, "  Org type:   %s\n", info.OrgType)
			}
			if len(info.Org) > 0 {
				fmt.Fprintf(a.stdout, "  Org:        %s\n", strings.Join(info.Org, "; "))
			}
			if len(info.Sector) > 0 {
				fmt.Fprintf(a.stdout, "  Sector:     %s\n", strings.Join(info.Sector, "; "))
			}
			if info.Updated != "" {
				fmt.Fprintf(a.stdout, "  Updated:    %s\n", info.Updated)
			}
			fmt.Fprintf(a.stdout, "  Records:    %d\n\n", info.Total)

			if len(info.Fields) > 0 {
				rows := make([][]string, 0, len(info.Fields))
				for _, f := range info.Fields {
					rows = append(rows, []string{f.ID, f.Name, f.Type})
				}
				fmt.Fprintln(a.stdout, ui.RenderTable([]string{"id", "name", "type"}, rows, tableCellWidth))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}

func newPreviewCmd(a *app) *cobra.Command {
	var (
		offset  int
		limit   int
		filters []string
		fields  string
		format  string
	)

	cmd := &cobra.Command{
		Use:     "preview <index_name>",
		GroupID: "data",
		Short:   "Fetch one page of a dataset",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			f, err := parseDataFilters(filters)
			if err != nil {
				return err
			}
			if offset < 0 || limit < 0 {
				return usageErrorf("--offset and --limit must not be negative")
			}

			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			page, err := c.Preview(cmd.Context(), args[0], api.DataRequest{
				Offset:  offset,
				Limit:   limit,
				Filters: f,
				Fields:  splitList(fields),
			})
			if err != nil {
				return err
			}
			if format != formatTable {
				return writeValue(a.stdout, format, page.Records)
			}

			cols := splitList(fields)
			if len(cols) == 0 {
				for _, df := range page.Fields {
					cols = append(cols, df.ID)
				}
			}
			if len(cols) == 0 && len(page.Records) > 0 {
				cols = datagov.RecordKeys(page.Records[0])
			}
			rows := make([][]string, 0, len(page.Records))
			for _, rec := range page.Records {
				row := make([]string, 0, len(cols))
				for _, col := range cols {
					row = append(row, datagov.Cell(rec[col]))
				}
				rows = append(rows, row)
			}
			fmt.Fprintln(a.stdout, ui.RenderTable(cols, rows, tableCellWidth))
			fmt.Fprintln(a.stdout, ui.RenderMuted(fmt.Sprintf("records %d-%d of %d",
				page.Offset+min(1, len(page.Records)), page.Offset+len(page.Records), page.Total)))
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "First record to fetch")
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Number of records to fetch")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter records as field=value (repeatable)")
	cmd.Flags().StringVar(&fields, "fields", "", "Comma-separated fields to return")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var (
		filters    []string
		fields     string
		pageSize   int
		maxRecords int
		output     string
		format     string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:     "get <index_name>",
		GroupID: "data",
		Short:   "Download every record of a dataset",
		Long: `Download every record of a dataset, page by page.

CSV is streamed, so datasets larger than memory can be saved. JSON writes
the dataset with its field definitions. With --output the file is written
atomically: an interrupted download leaves no partial file behind.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format, formatCSV, formatJSON); err != nil {
				return err
			}
			f, err := parseDataFilters(filters)
			if err != nil {
				return err
			}
			if pageSize < 0 || maxRecords < 0 {
				return usageErrorf("--page-size and --max must not be negative")
			}

			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}
			opts := api.DataOptions{
				PageSize:   pageSize,
				MaxRecords: maxRecords,
				Filters:    f,
				Fields:     splitList(fields),
			}

			write := func(w io.Writer) (int, error) {
				if format == formatJSON {
					ds, err := c.GetData(ctx, args[0], opts)
					if err != nil {
						return 0, err
					}
					return len(ds.Records), writeJSON(w, ds)
				}
				return c.WriteCSV(ctx, args[0], opts, w)
			}

			if output == "" || output == "-" {
				_, err := write(a.stdout)
				return err
			}

			n, err := writeFileAtomic(output, write)
			if err != nil {
				return err
			}
			if !quiet {
				fmt.Fprintf(a.stderr, "%s Wrote %d records to %s\n", ui.RenderPass("✓"), n, output)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "Filter records as field=value (repeatable)")
	cmd.Flags().StringVar(&fields, "fields", "", "Comma-separated fields to download")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Records per request (default data.page_size)")
	cmd.Flags().IntVar(&maxRecords, "max", 0, "Stop after this many records (0 = all)")
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to this file instead of stdout")
	cmd.Flags().StringVar(&format, "format", formatCSV, "Output format (csv|json)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print a summary")
	return cmd
}

// writeFileAtomic writes through a temp file in the target directory and
// renames it into place once write succeeds.
func writeFileAtomic(path string, write func(io.Writer) (int, error)) (int, error) {
	const op = "dgi.get"

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return 0, apperrors.Errorf(apperrors.ErrConfig, op, "create output file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}()

	n, err := write(tmp)
	if err != nil {
		_ = tmp.Close()
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, fmt.Errorf("%s: close output: %w", op, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return n, fmt.Errorf("%s: rename output: %w", op, err)
	}
	return n, nil
}
