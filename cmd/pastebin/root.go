package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"pastebin/internal/config"
)

// app is the state shared by every subcommand once flags are parsed.
type app struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	var opts config.Options

	cmd := &cobra.Command{
		Use:           "pastebin",
		Short:         "Pastebin stores text and file blobs under short ids with an expiry",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts)
			if err != nil {
				return err
			}
			if err := applyFlags(cmd.Flags(), &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger, err := newLogger(&cfg)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logger
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.File, "config", "", "config file (.toml, .yaml or .yml)")
	flags.StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before reading PASTEBIN_* variables")
	for _, key := range config.Keys() {
		flags.String(flagName(key), "", fmt.Sprintf("override %s (env %s)", key, config.EnvName(key)))
	}

	cmd.AddCommand(
		newServeCmd(a),
		newSweepCmd(a),
	)
	return cmd
}

func flagName(key string) string {
	return strings.ReplaceAll(key, "_", "-")
}

// applyFlags copies every explicitly set config flag into cfg.
func applyFlags(flags *pflag.FlagSet, cfg *config.Config) error {
	for _, key := range config.Keys() {
		f := flags.Lookup(flagName(key))
		if f == nil || !f.Changed {
			continue
		}
		if err := cfg.Set(key, f.Value.String()); err != nil {
			return fmt.Errorf("--%s: %w", f.Name, err)
		}
	}
	return nil
}

func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}
