package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/OrlandoBitencourt/flagkeeper"
	flaglog "github.com/OrlandoBitencourt/flagkeeper/internal/log"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func (o *globalOptions) logger() *slog.Logger {
	cfg := flaglog.FromEnv()
	if o.logLevel != "" {
		cfg.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Format = flaglog.Format(o.logFormat)
	}
	return flaglog.New(cfg)
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "flagkeeper",
		Short: "flagkeeper - feature flags for pre-fork web servers",
		Long: `flagkeeper serves a small web application whose pages are controlled
by feature flags. The flag client is created once, rearmed in every worker
process and shut down with a bounded event flush.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a YAML config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format (json, text)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSecretCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "flagkeeper %s (commit %s, built %s, library %s)\n",
				version, commit, buildDate, flagkeeper.Version)
			return err
		},
	}
}
