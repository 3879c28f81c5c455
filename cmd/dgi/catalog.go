package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/datagovindia/dgi/internal/catalog/daemon"
	"github.com/datagovindia/dgi/internal/catalog/export"
	"github.com/datagovindia/dgi/internal/catalog/sync"
	"github.com/datagovindia/dgi/internal/config"
	"github.com/datagovindia/dgi/internal/datagov"
	"github.com/datagovindia/dgi/internal/ui"
)

func newRefreshCmd(a *app) *cobra.Command {
	var (
		incremental bool
		restart     bool
		pageSize    int
		quiet       bool
		format      string
	)

	cmd := &cobra.Command{
		Use:     "refresh",
		GroupID: "catalog",
		Short:   "Download the catalog metadata into the local cache",
		Long: `Download the data.gov.in resource catalog into the local cache.

A full refresh pages through the whole catalog, oldest resources first.
Each page is committed on its own, so an interrupted refresh keeps the pages
it fetched and the next run continues where it stopped (--restart starts
over). Resources that disappeared from the catalog are removed only once a
full refresh completes.

--incremental fetches only resources created or updated since the last
refresh. It falls back to a full refresh when the cache was never
completely refreshed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := a.open(ctx)
			if err != nil {
				return err
			}

			opts := sync.RefreshOptions{
				Mode:     sync.ModeFull,
				PageSize: pageSize,
				Restart:  restart,
			}
			if incremental {
				opts.Mode = sync.ModeIncremental
			}

			var progress *ui.Progress
			if !quiet {
				progress = ui.NewProgress(a.stderr, "Refreshing")
				opts.Progress = progress.Update
			}

			res, err := c.Refresh(ctx, opts)
			if progress != nil {
				progress.Done()
			}
			if err != nil {
				return err
			}

			if format != formatTable {
				return writeValue(a.stdout, format, res)
			}

			verb := "Refreshed"
			if res.Resumed {
				verb = "Resumed and completed"
			}
			fmt.Fprintf(a.stdout, "%s %s %s refresh in %v\n",
				ui.RenderPass("✓"), verb, res.Mode, res.Duration.Round(time.Millisecond))
			fmt.Fprintf(a.stdout, "   Processed: %d\n", res.Processed)
			if res.Skipped > 0 {
				fmt.Fprintf(a.stdout, "   Skipped:   %d %s\n", res.Skipped, ui.RenderWarn("(invalid records)"))
			}
			if res.Removed > 0 {
				fmt.Fprintf(a.stdout, "   Removed:   %d\n", res.Removed)
			}
			fmt.Fprintf(a.stdout, "   Remote:    %d resources\n", res.Total)
			return nil
		},
	}

	cmd.Flags().BoolVar(&incremental, "incremental", false, "Fetch only resources changed since the last refresh")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard an interrupted refresh and start over")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "Records per catalog request (default sync.page_size)")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not report progress")
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	cmd.MarkFlagsMutuallyExclusive("incremental", "restart")
	return cmd
}

func newStatusCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: "catalog",
		Short:   "Show cache location, size and refresh state",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, formatTable, formatJSON, formatYAML); err != nil {
				return err
			}
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if format != formatTable {
				return writeValue(a.stdout, format, st)
			}

			fmt.Fprintf(a.stdout, "\n%s Metadata cache\n\n", ui.RenderAccent("📊"))
			fmt.Fprintf(a.stdout, "  Location:     %s\n", st.Path)
			fmt.Fprintf(a.stdout, "  Size:         %s\n", formatSize(st.SizeBytes))
			fmt.Fprintf(a.stdout, "  Resources:    %d\n", st.Resources)
			if st.RemoteTotal > 0 {
				fmt.Fprintf(a.stdout, "  Remote total: %d\n", st.RemoteTotal)
			}
			fmt.Fprintf(a.stdout, "  Generation:   %d\n", st.Generation)
			fmt.Fprintf(a.stdout, "  Last refresh: %s\n", formatAge(st.CompletedAt))
			if st.Mode != "" {
				fmt.Fprintf(a.stdout, "  Mode:         %s\n", st.Mode)
			}

			switch {
			case st.InProgress:
				fmt.Fprintf(a.stdout, "\n%s A refresh was interrupted at offset %d; 'dgi refresh' resumes it\n",
					ui.RenderWarn("⚠"), st.NextOffset)
			case st.CompletedAt == nil:
				fmt.Fprintf(a.stdout, "\n%s Never refreshed; run 'dgi refresh'\n", ui.RenderWarn("⚠"))
			case st.NeedsRefresh:
				fmt.Fprintf(a.stdout, "\n%s Older than %s; run 'dgi refresh --incremental'\n",
					ui.RenderWarn("⚠"), st.Interval)
			default:
				fmt.Fprintf(a.stdout, "\n%s Up to date\n", ui.RenderPass("✓"))
			}
			fmt.Fprintln(a.stdout)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", formatTable, "Output format (table|json|yaml)")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "export <file.jsonl>",
		GroupID: "catalog",
		Short:   "Write the cached catalog to a JSONL file",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := c.Export(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s Exported %d resources to %s\n", ui.RenderPass("✓"), n, args[0])
			return nil
		},
	}
}

func newImportCmd(a *app) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:     "import <file.jsonl>",
		GroupID: "catalog",
		Short:   "Load resources from a JSONL file into the cache",
		Long: `Load resources from a JSONL file written by 'dgi export'.

Imported resources are upserted by index_name; resources already cached and
absent from the file are kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			res, err := c.Import(cmd.Context(), args[0], export.ImportOptions{DryRun: dryRun})
			if err != nil {
				return err
			}

			verb := "Imported"
			if dryRun {
				verb = "Would import"
			}
			fmt.Fprintf(a.stdout, "%s %s %d of %d resources\n", ui.RenderPass("✓"), verb, res.Imported, res.Read)
			if res.Skipped > 0 {
				fmt.Fprintf(a.stdout, "%s Skipped %d invalid records\n", ui.RenderWarn("⚠"), res.Skipped)
				for _, e := range res.Errors {
					fmt.Fprintf(a.stdout, "   %s\n", e)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without writing to the cache")
	return cmd
}

func formatSize(size int64) string {
	switch {
	case size > 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(size)/(1024*1024))
	case size > 1024:
		return fmt.Sprintf("%.1f KB", float64(size)/1024)
	default:
		return fmt.Sprintf("%d bytes", size)
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		checkInterval time.Duration
		full          bool
	)

	cmd := &cobra.Command{
		Use:     "watch",
		GroupID: "catalog",
		Short:   "Keep the cache fresh in the foreground",
		Long: `Keep the metadata cache fresh until interrupted.

Every --check-interval the cache age is compared with sync.refresh_interval
and an incremental refresh runs when it is older. Failed refreshes are
retried at the next check. Changes to the config file are picked up without
a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Sync.RefreshInterval == 0 {
				fmt.Fprintf(a.stderr, "%s sync.refresh_interval is 0: the cache is only refreshed if it was never completed\n",
					ui.RenderWarn("⚠"))
			}

			open := func(ctx context.Context) (daemon.Source, error) {
				cfg, err := config.Load(config.LoadOptions{ConfigFile: a.configFile, Flags: cmd.Flags()})
				if err != nil {
					return nil, err
				}
				// Fail at start rather than on every check.
				if _, err := cfg.ResolvedAPIKey(); err != nil {
					return nil, err
				}
				c, err := datagov.Open(ctx, cfg, a.logger)
				if err != nil {
					return nil, err
				}
				return c, nil
			}

			watched := a.cfg.File
			if watched == "" {
				watched = a.configPath()
			}

			mode := sync.ModeIncremental
			if full {
				mode = sync.ModeFull
			}

			d, err := daemon.New(open, &daemon.Config{
				CheckInterval: checkInterval,
				ConfigFile:    watched,
				Mode:          mode,
				Logger:        a.logger.With().Str("component", "daemon").Logger(),
				OnRefresh: func(res *sync.RefreshResult, err error) {
					now := time.Now().Format("15:04:05")
					if err != nil {
						fmt.Fprintf(a.stderr, "%s %s refresh failed: %v\n", now, ui.RenderFail("✗"), err)
						return
					}
					fmt.Fprintf(a.stdout, "%s %s %s refresh: %d processed, %d removed\n",
						now, ui.RenderPass("✓"), res.Mode, res.Processed, res.Removed)
				},
				OnReload: func(err error) {
					if err != nil {
						fmt.Fprintf(a.stderr, "%s config reload failed: %v\n", ui.RenderWarn("⚠"), err)
						return
					}
					fmt.Fprintf(a.stdout, "%s Reloaded %s\n", ui.RenderAccent("↻"), watched)
				},
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(a.stdout, "%s Watching the cache (check every %s, Ctrl-C to stop)\n",
				ui.RenderAccent("👀"), checkInterval)
			return d.Run(cmd.Context())
		},
	}
	cmd.Flags().DurationVar(&checkInterval, "check-interval", time.Minute, "How often to check the cache age")
	cmd.Flags().BoolVar(&full, "full", false, "Run full instead of incremental refreshes")
	return cmd
}
