package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/datagovindia/dgi/internal/config"
	"github.com/datagovindia/dgi/internal/ui"
)

func newConfigCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "config",
		GroupID: "setup",
		Short:   "Manage the dgi configuration file",
	}
	cmd.AddCommand(newConfigInitCmd(a), newConfigShowCmd(a), newConfigPathCmd(a))
	return cmd
}

func (a *app) configPath() string {
	if a.configFile != "" {
		return a.configFile
	}
	return config.DefaultPath()
}

func newConfigInitCmd(a *app) *cobra.Command {
	var (
		nonInteractive bool
		force          bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the config file, prompting for an API key",
		Long: `Create the config file, prompting for your data.gov.in API key.

Get a key by signing in at https://data.gov.in and opening "My Account".
Without a terminal, or with --non-interactive, the values come from flags
and the environment (e.g. --api-key or DATAGOVINDIA_API_KEY).`,
		Annotations: map[string]string{annotationCreatesConfig: "true"},
		Args:        cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := a.configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return usageErrorf("%s already exists (use --force to overwrite)", path)
			}

			cfg := a.cfg
			if !nonInteractive && ui.IsTerminal(os.Stdin) && ui.IsTerminal(os.Stdout) {
				if err := promptConfig(cfg); err != nil {
					if errors.Is(err, huh.ErrUserAborted) {
						fmt.Fprintln(a.stderr, "Aborted.")
						return nil
					}
					return err
				}
			}

			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := cfg.ResolvedAPIKey(); err != nil {
				fmt.Fprintf(a.stderr, "%s No API key configured; remote commands will fail until one is set\n",
					ui.RenderWarn("⚠"))
			}
			if err := config.Save(path, cfg); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "%s Wrote %s\n", ui.RenderPass("✓"), path)
			fmt.Fprintf(a.stdout, "   Next: run 'dgi refresh' to download the catalog\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Do not prompt; use flags and environment only")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing config file")
	return cmd
}

// promptConfig asks for the API key and cache directory, editing cfg in
// place.
func promptConfig(cfg *config.Config) error {
	apiKey := cfg.APIKey
	cacheDir := cfg.CacheDir
	useSample := cfg.UseSampleKey

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("data.gov.in API key").
				Description("Leave empty to use the public, rate-limited sample key").
				EchoMode(huh.EchoModePassword).
				Value(&apiKey),
			huh.NewInput().
				Title("Cache directory").
				Value(&cacheDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("cache directory is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Use the public sample key?").
				Description("It is shared by everyone and heavily rate limited.").
				Value(&useSample),
		).WithHideFunc(func() bool { return strings.TrimSpace(apiKey) != "" }),
	)
	if err := form.Run(); err != nil {
		return err
	}

	cfg.APIKey = strings.TrimSpace(apiKey)
	cfg.CacheDir = strings.TrimSpace(cacheDir)
	cfg.UseSampleKey = cfg.APIKey == "" && useSample
	return nil
}

func newConfigShowCmd(a *app) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (API key redacted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := checkFormat(format, formatJSON, formatYAML); err != nil {
				return err
			}
			if a.cfg.File != "" {
				fmt.Fprintf(a.stderr, "# from %s\n", a.cfg.File)
			}
			return writeValue(a.stdout, format, a.cfg.Redacted())
		},
	}
	cmd.Flags().StringVar(&format, "format", formatYAML, "Output format (json|yaml)")
	return cmd
}

func newConfigPathCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file location",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintln(a.stdout, a.configPath())
			return nil
		},
	}
}
