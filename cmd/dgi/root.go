package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/datagovindia/dgi/internal/apperrors"
	"github.com/datagovindia/dgi/internal/config"
	"github.com/datagovindia/dgi/internal/datagov"
	"github.com/datagovindia/dgi/internal/logging"
	"github.com/datagovindia/dgi/internal/ui"
)

// annotationCreatesConfig marks commands that may run before the config
// file named by --config exists.
const annotationCreatesConfig = "dgi/creates-config"

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

// app holds the state shared by one invocation of the command tree.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configFile string
	noColor    bool

	cfg       *config.Config
	logger    zerolog.Logger
	logCloser io.Closer
	client    *datagov.Client
}

// execute runs the command tree with args and returns the exit code.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := &app{stdout: stdout, stderr: stderr, logger: zerolog.Nop()}
	root := newRootCommand(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	a.close()
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", ui.RenderFail("Error:"), err)
	}
	return exitCode(err)
}

// newRootCommand builds a fresh command tree bound to a. Tests build their
// own tree per case.
func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dgi",
		Short: "Search and download data.gov.in datasets",
		Long: `dgi keeps a local copy of the data.gov.in resource catalog and queries it
offline. Datasets are downloaded page by page through the OGD API.

Examples:
   dgi config init                  # store your API key
   dgi refresh                      # download the catalog metadata
   dgi search --title rainfall      # search the local cache
   dgi get <index_name> -o out.csv  # download a dataset`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	cmd.SetVersionTemplate("dgi {{.Version}}\n")

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.configFile, "config", "", "Config file (default "+config.DefaultPath()+")")
	pf.String("api-key", "", "data.gov.in API key (env DATAGOVINDIA_API_KEY)")
	pf.Bool("sample-key", false, "Use the public, rate-limited sample API key")
	pf.String("base-url", "", "OGD API base URL")
	pf.String("cache-dir", "", "Directory holding the metadata cache")
	pf.Duration("timeout", 0, "HTTP request timeout")
	pf.Int("retries", 0, "Retries for failed network requests")
	pf.String("log-level", "", "Log level (trace|debug|info|warn|error)")
	pf.String("log-file", "", "Write logs to a rotated file instead of stderr")
	pf.Bool("log-json", false, "Log JSON lines instead of console text")
	pf.BoolVar(&a.noColor, "no-color", false, "Disable colored output")

	cmd.AddGroup(
		&cobra.Group{ID: "catalog", Title: "Catalog Commands:"},
		&cobra.Group{ID: "query", Title: "Query Commands:"},
		&cobra.Group{ID: "data", Title: "Dataset Commands:"},
		&cobra.Group{ID: "setup", Title: "Setup Commands:"},
	)

	cmd.AddCommand(
		newRefreshCmd(a),
		newStatusCmd(a),
		newWatchCmd(a),
		newExportCmd(a),
		newImportCmd(a),
		newSearchCmd(a),
		newShowCmd(a),
		newListCmd(a, "org-types", "List organization types", (*datagov.Client).OrgTypes),
		newListCmd(a, "orgs", "List organizations", (*datagov.Client).Orgs),
		newListCmd(a, "sectors", "List sectors", (*datagov.Client).Sectors),
		newListCmd(a, "sources", "List sources", (*datagov.Client).Sources),
		newRecentCmd(a),
		newInfoCmd(a),
		newPreviewCmd(a),
		newGetCmd(a),
		newConfigCmd(a),
	)
	return cmd
}

// setup loads configuration and the logger before any command runs.
func (a *app) setup(cmd *cobra.Command) error {
	if a.noColor {
		ui.ConfigurePlain(a.stdout)
	} else {
		ui.Configure(a.stdout)
	}

	configFile := a.configFile
	if cmd.Annotations[annotationCreatesConfig] == "true" && configFile != "" {
		if _, err := os.Stat(configFile); os.IsNotExist(err) {
			configFile = ""
		}
	}

	cfg, err := config.Load(config.LoadOptions{
		ConfigFile: configFile,
		Flags:      cmd.Flags(),
	})
	if err != nil {
		return err
	}
	a.cfg = cfg

	logger, closer, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.Log.File,
		JSON:    cfg.Log.JSON,
		NoColor: a.noColor || !ui.ColorEnabled(a.stderr),
	}, a.stderr)
	if err != nil {
		return apperrors.Errorf(apperrors.ErrConfig, "logging.New", "log.level: %w", err)
	}
	a.logger = logger
	a.logCloser = closer

	a.logger.Debug().
		Str("command", cmd.CommandPath()).
		Str("config_file", cfg.File).
		Str("cache_dir", cfg.CacheDir).
		Msg("configuration loaded")
	return nil
}

// open returns the catalog client, opening it on first use.
func (a *app) open(ctx context.Context) (*datagov.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	c, err := datagov.Open(ctx, a.cfg, a.logger)
	if err != nil {
		return nil, err
	}
	a.client = c
	return c, nil
}

func (a *app) close() {
	if a.client != nil {
		if err := a.client.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("closing cache")
		}
		a.client = nil
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
		a.logCloser = nil
	}
}

// hintIfEmpty tells the user to run refresh when the cache holds nothing.
func (a *app) hintIfEmpty(ctx context.Context, c *datagov.Client) {
	n, err := c.Count(ctx)
	if err != nil || n > 0 {
		return
	}
	fmt.Fprintf(a.stderr, "%s The metadata cache is empty. Run 'dgi refresh' to download the catalog.\n",
		ui.RenderWarn("⚠"))
}

func formatAge(t *time.Time) string {
	if t == nil {
		return "never"
	}
	age := time.Since(*t).Round(time.Second)
	return fmt.Sprintf("%s (%s ago)", t.Local().Format("2006-01-02 15:04:05"), age)
}
