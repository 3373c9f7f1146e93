package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rendis/flowpilot/internal/logging"
)

var (
	v          = newViper()
	cfg        Config
	logger     *slog.Logger
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "flowpilot",
	Short: "Client-side orchestrator for guided multi-step transactions",
	Long: `flowpilot walks workflow definitions step by step against a workflow
authority, pausing whenever the user has to decide something and resuming
once the decision is in.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&configPath, "config", "", "settings file (default: ~/.flowpilot/settings.{json,yaml})")
	f.String("log-level", "info", "log level: debug, info, warn, error")
	f.String("authority-url", "", "base URL of the workflow authority")
	f.String("definitions-dir", "", "directory of workflow definition files")
	f.String("journal-path", "", "libSQL journal file (in-memory when empty)")
	f.Bool("trace-stdout", false, "print remote-call spans to stderr")
	bindFlags(v, f, map[string]string{
		"log_level":       "log-level",
		"authority_url":   "authority-url",
		"definitions_dir": "definitions-dir",
		"journal_path":    "journal-path",
		"trace_stdout":    "trace-stdout",
	})
}

// setup loads the configuration and the logger before any subcommand runs.
func setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == versionCmd.Name() {
		return nil
	}
	var err error
	cfg, err = loadConfig(v, configPath)
	if err != nil {
		return err
	}
	// Logs go to stderr; stdout is reserved for MCP and command output.
	logger = logging.New(os.Stderr, cfg.LogLevel, cfg.LogJSON)
	slog.SetDefault(logger)
	return nil
}

// bindFlags ties config keys to flags so an explicitly set flag wins over
// env and file values.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if fl := fs.Lookup(name); fl != nil {
			_ = v.BindPFlag(key, fl)
		}
	}
}
