package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/theirongolddev/burnline/internal/config"
	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/model"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagDataDir string
	flagConfig  string
	flagVerbose bool
	flagJSON    bool
	flagQuiet   bool
)

// Loaded by the root pre-run hook for every command.
var (
	cfg    config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "burnline",
	Short: "Usage accounting for coding-assistant sessions",
	Long: "Records per-session cost and line counts reported by the host status line,\n" +
		"rolls them up by day, month and lifetime, and learns each model's context window.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: runStats,
}

// Execute is the main entry point called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "  burnline: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagDataDir, "data-dir", "d", "", "Data directory (default $XDG_DATA_HOME/burnline)")
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file (default $XDG_CONFIG_HOME/burnline/config.toml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Debug logging")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Machine-readable output")
	rootCmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "Suppress progress output")
}

func setup(_ *cobra.Command, _ []string) error {
	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	loaded, err := config.LoadFrom(path)
	if err != nil {
		return err
	}
	if flagDataDir != "" {
		loaded.General.DataDir = flagDataDir
	}
	cfg = loaded

	l, err := logging.New(logging.Options{
		Level:   cfg.Log.Level,
		File:    cfg.LogPath(),
		Verbose: flagVerbose,
	})
	if err != nil {
		// Logging is best effort; never block a command on it.
		l = zap.NewNop()
	}
	logger = l
	return nil
}

// exitCode maps an error to the process status for the hot path: only
// fatal errors fail the host's status line.
func exitCode(err error) int {
	if err == nil || !model.IsFatal(err) {
		return 0
	}
	return 1
}

var (
	errSyncDisabled = errors.New("sync is not enabled; set [sync] enabled = true and redis_addr in the config")
	errJSONBackend  = errors.New(`this command needs the sqlite backend (storage.backend = "sqlite")`)
)
