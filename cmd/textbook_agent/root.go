package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jonathan/textbook-forge/internal/config"
)

// rootOptions are the flags shared by every command.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "textbook_agent",
		Short: "Textbook generation agent",
		Long: `Generates a structured textbook for a topic: outline planning, per-section research,
writing with quality review, QA drafting and a knowledge graph over the whole book.

Configuration is read from a .json or .hcl file given with --config, then overridden by
environment variables (a .env file in the working directory is loaded first).`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "Path to a .json or .hcl config file")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Print detailed progress information")

	cmd.AddCommand(newServeCmd(opts), newRunCmd(opts), newTokenCmd(opts))
	return cmd
}

// loadConfig reads the config file when one is given, applies environment
// overrides and validates the result.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if o.configPath != "" {
		cfg, err = config.Load(o.configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	} else {
		cfg = config.Default()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if o.verbose {
		cfg.Verbose = true
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Verbose && o.configPath != "" {
		_, _ = fmt.Fprintf(os.Stderr, "Loaded config from: %s\n", o.configPath)
	}
	return cfg, nil
}
