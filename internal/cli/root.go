package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"golang.org/x/xerrors"

	"github.com/yourname/dailytally/internal"
	"github.com/yourname/dailytally/internal/app"
	"github.com/yourname/dailytally/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command. Without a subcommand it serves.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "dailytally",
		Short: "Shared daily tally service",
		Long: `dailytally counts readings submitted by many people towards one shared
daily target. Days roll over at a configurable reset hour.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return xerrors.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file (default $CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func loadConfig(opts *RootOptions) (*config.Config, error) {
	if opts.ConfigFile != "" {
		return config.Parse(opts.ConfigFile)
	}
	return config.Load()
}

// withApp builds the service for a one-shot command and tears it down after fn.
func withApp(ctx context.Context, opts *RootOptions, appOpts app.Options, fn func(*app.App) error) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger, err := internal.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return xerrors.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	a, err := app.New(ctx, cfg, logger, appOpts)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printResult(w io.Writer, opts *RootOptions, v interface{}, text string) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprintln(w, text)
	return err
}
