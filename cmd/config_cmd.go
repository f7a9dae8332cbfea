// Package cmd implements the burnline CLI commands.
package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/config"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(_ *cobra.Command, _ []string) error {
	if flagJSON {
		return writeJSON(cfg)
	}

	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	fmt.Printf("  Config file: %s\n", path)
	if config.Exists() || flagConfig != "" {
		fmt.Println("  Status: loaded")
	} else {
		fmt.Println("  Status: using defaults (no config file)")
	}
	fmt.Println()

	device, err := cfg.DeviceID()
	if err != nil {
		device = "unavailable (" + err.Error() + ")"
	}

	fmt.Print(cli.RenderKV("[general]", []cli.KV{
		{Label: "Data directory", Value: cfg.DataDir()},
		{Label: "Device id", Value: device},
	}))
	fmt.Println()

	fmt.Print(cli.RenderKV("[storage]", []cli.KV{
		{Label: "Backend", Value: cfg.Storage.Backend},
		{Label: "Store", Value: cfg.StorePath()},
		{Label: "Mirror", Value: onOff(cfg.Storage.MirrorEnabled) + "  " + cfg.MirrorPath()},
		{Label: "Busy timeout", Value: cfg.BusyTimeout().String()},
		{Label: "Retries", Value: fmt.Sprintf("%d x %dms", cfg.Storage.RetryAttempts, cfg.Storage.RetryBackoffMs)},
	}))
	fmt.Println()

	fmt.Print(cli.RenderKV("[retention]", []cli.KV{
		{Label: "Sessions", Value: days(cfg.Retention.SessionDays)},
		{Label: "Daily", Value: days(cfg.Retention.DailyDays)},
		{Label: "Monthly", Value: days(cfg.Retention.MonthlyDays)},
		{Label: "Learned", Value: days(cfg.Retention.LearnedDays)},
	}))
	fmt.Println()

	overrides := make([]string, 0, len(cfg.Context.Overrides))
	for name, tokens := range cfg.Context.Overrides {
		overrides = append(overrides, name+"="+cli.FormatTokens(tokens))
	}
	sort.Strings(overrides)
	fmt.Print(cli.RenderKV("[context]", []cli.KV{
		{Label: "Learning", Value: onOff(cfg.Context.LearningEnabled)},
		{Label: "Threshold", Value: cli.FormatPercent(cfg.Context.ConfidenceThreshold)},
		{Label: "Floor", Value: cli.FormatNumber(cfg.Context.MinCompactionTokens)},
		{Label: "Overrides", Value: orNone(strings.Join(overrides, ", "))},
	}))
	fmt.Println()

	syncTarget := "disabled"
	if cfg.Sync.Enabled {
		syncTarget = cfg.Sync.RedisAddr + " db " + strconv.Itoa(cfg.Sync.DB) + " prefix " + cfg.Sync.Prefix
	}
	fmt.Print(cli.RenderKV("[sync]", []cli.KV{
		{Label: "Remote", Value: syncTarget},
		{Label: "Password", Value: maskSecret(cfg.SyncPassword())},
	}))
	fmt.Println()

	fmt.Print(cli.RenderKV("[log]", []cli.KV{
		{Label: "Level", Value: cfg.Log.Level},
		{Label: "File", Value: cfg.LogPath()},
	}))
	fmt.Println()

	fmt.Println("  Run `burnline setup` to reconfigure.")
	return nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func days(n int) string {
	if n <= 0 {
		return "forever"
	}
	return strconv.Itoa(n) + " days"
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}

func maskSecret(key string) string {
	if key == "" {
		return "not set"
	}
	if len(key) > 8 {
		return key[:2] + "..." + key[len(key)-2:]
	}
	return "****"
}
