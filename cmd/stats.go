package cmd

import (
	"fmt"
	"time"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/model"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show today, month and lifetime totals",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, _ []string) error {
	a, err := openApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	d, err := a.aggregator.Diagnostics(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON {
		return writeJSON(d)
	}

	renderDiagnostics(d, time.Now())
	return nil
}

func renderDiagnostics(d model.Diagnostics, now time.Time) {
	fmt.Println()
	fmt.Println(cli.RenderTitle("BURNLINE"))
	fmt.Println()

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Period", "Cost", "Sessions", "Lines +", "Lines -"},
		Rows: [][]string{
			aggregateRow("Today "+d.Today.Key, d.Today),
			aggregateRow("Month "+d.Month.Key, d.Month),
			{"---"},
			{
				"Lifetime",
				cli.FormatCost(d.Lifetime.TotalCost),
				cli.FormatNumber(d.Lifetime.SessionCount),
				cli.FormatNumber(d.Lifetime.TotalLinesAdded),
				cli.FormatNumber(d.Lifetime.TotalLinesRemoved),
			},
		},
	}))
	fmt.Println()

	since := "no sessions yet"
	if d.EarliestDate != "" {
		since = d.EarliestDate + " (" + cli.FormatSince(d.Lifetime.EarliestSession, now) + ")"
	}
	mirror := "disabled"
	if d.MirrorEnabled {
		mirror = d.MirrorPath
	}
	fmt.Print(cli.RenderKV("Storage", []cli.KV{
		{Label: "Backend", Value: d.Backend},
		{Label: "Store", Value: d.StorePath},
		{Label: "Mirror", Value: mirror},
		{Label: "Tracking since", Value: since},
	}))
	fmt.Println()
}

func aggregateRow(label string, a model.Aggregate) []string {
	return []string{
		label,
		cli.FormatCost(a.TotalCost),
		cli.FormatNumber(a.SessionCount),
		cli.FormatNumber(a.TotalLinesAdded),
		cli.FormatNumber(a.TotalLinesRemoved),
	}
}
