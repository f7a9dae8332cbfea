package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/model"

	"github.com/spf13/cobra"
)

var flagDays int

var dailyCmd = &cobra.Command{
	Use:   "daily",
	Short: "Daily usage table",
	Args:  cobra.NoArgs,
	RunE:  runDaily,
}

var monthlyCmd = &cobra.Command{
	Use:   "monthly",
	Short: "Monthly usage table",
	Args:  cobra.NoArgs,
	RunE:  runMonthly,
}

func init() {
	dailyCmd.Flags().IntVarP(&flagDays, "days", "n", 30, "Number of days to show")
	rootCmd.AddCommand(dailyCmd)
	rootCmd.AddCommand(monthlyCmd)
}

func runDaily(cmd *cobra.Command, _ []string) error {
	a, err := requireStore(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	now := time.Now()
	from := model.DayKey(now.AddDate(0, 0, -(flagDays - 1)), time.Local)
	to := model.DayKey(now, time.Local)
	days, err := a.store.DailyRange(cmd.Context(), from, to)
	if err != nil {
		return err
	}

	if flagJSON {
		return writeJSON(days)
	}
	if len(days) == 0 {
		fmt.Println("\n  No data for the selected period.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle(fmt.Sprintf("DAILY USAGE  Last %dd", flagDays)))
	fmt.Println()

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Date", "Day", "Sessions", "Lines +", "Lines -", "Cost"},
		Rows:    periodRows(days, true),
	}))
	fmt.Printf("  Trend %s\n\n", cli.RenderSparkline(costs(days)))
	return nil
}

func runMonthly(cmd *cobra.Command, _ []string) error {
	a, err := requireStore(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	months, err := a.store.MonthlyAll(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON {
		return writeJSON(months)
	}
	if len(months) == 0 {
		fmt.Println("\n  No data recorded yet.")
		return nil
	}

	fmt.Println()
	fmt.Println(cli.RenderTitle("MONTHLY USAGE"))
	fmt.Println()

	fmt.Print(cli.RenderTable(cli.Table{
		Headers: []string{"Month", "Sessions", "Lines +", "Lines -", "Cost", "vs prev"},
		Rows:    periodRows(months, false),
	}))
	fmt.Println()
	return nil
}

// periodRows renders aggregates oldest first. Daily rows carry a weekday
// column; monthly rows carry the change against the previous month.
func periodRows(rows []model.Aggregate, daily bool) [][]string {
	out := make([][]string, 0, len(rows)+2)
	var total model.Aggregate
	for i, r := range rows {
		row := []string{r.Key}
		if daily {
			row = append(row, cli.FormatDayKey(r.Key))
		}
		row = append(row,
			cli.FormatNumber(r.SessionCount),
			cli.FormatNumber(r.TotalLinesAdded),
			cli.FormatNumber(r.TotalLinesRemoved),
			cli.FormatCost(r.TotalCost),
		)
		if !daily {
			change := ""
			if i > 0 {
				change = cli.FormatDelta(r.TotalCost, rows[i-1].TotalCost)
			}
			row = append(row, change)
		}
		out = append(out, row)

		total.TotalCost += r.TotalCost
		total.TotalLinesAdded += r.TotalLinesAdded
		total.TotalLinesRemoved += r.TotalLinesRemoved
	}

	footer := []string{"Total"}
	if daily {
		footer = append(footer, "")
	}
	footer = append(footer,
		"",
		cli.FormatNumber(total.TotalLinesAdded),
		cli.FormatNumber(total.TotalLinesRemoved),
		cli.FormatCost(total.TotalCost),
	)
	if !daily {
		footer = append(footer, "")
	}
	return append(out, []string{"---"}, footer)
}

func costs(rows []model.Aggregate) []float64 {
	out := make([]float64, len(rows))
	for i, r := range rows {
		out[i] = r.TotalCost
	}
	return out
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
