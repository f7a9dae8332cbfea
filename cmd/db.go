package cmd

import (
	"fmt"
	"strconv"
	"time"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/store"

	"github.com/spf13/cobra"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Inspect and maintain the SQLite store",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runDBStatus,
}

var dbMaintainCmd = &cobra.Command{
	Use:   "maintain",
	Short: "Prune rows past retention, vacuum and check integrity",
	Args:  cobra.NoArgs,
	RunE:  runDBMaintain,
}

func init() {
	dbCmd.AddCommand(dbMigrateCmd, dbStatusCmd, dbMaintainCmd)
	rootCmd.AddCommand(dbCmd)
}

func retention() store.Retention {
	return store.Retention{
		SessionDays:     cfg.Retention.SessionDays,
		DailyDays:       cfg.Retention.DailyDays,
		MonthlyDays:     cfg.Retention.MonthlyDays,
		LearnedDays:     cfg.Retention.LearnedDays,
		VacuumFreeRatio: cfg.Retention.VacuumFreeRatio,
	}
}

func runDBMigrate(cmd *cobra.Command, _ []string) error {
	n, err := store.Migrate(cmd.Context(), cfg.StorePath(), storeOptions())
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(map[string]any{"store": cfg.StorePath(), "applied": n})
	}
	if n == 0 {
		fmt.Printf("  %s is up to date\n", cfg.StorePath())
		return nil
	}
	fmt.Printf("  Applied %d migration(s) to %s\n", n, cfg.StorePath())
	return nil
}

func runDBStatus(cmd *cobra.Command, _ []string) error {
	a, err := requireStore(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	applied, pending, err := a.store.MigrationStatus(cmd.Context())
	if err != nil {
		return err
	}

	if flagJSON {
		names := make([]string, len(pending))
		for i, m := range pending {
			names[i] = m.Name
		}
		return writeJSON(map[string]any{"applied": applied, "pending": names})
	}

	rows := make([][]string, 0, len(applied)+len(pending))
	for _, rec := range applied {
		rows = append(rows, []string{
			strconv.Itoa(rec.Version),
			rec.Description,
			rec.AppliedAt.Local().Format(time.DateTime),
			strconv.FormatInt(rec.ExecutionTimeMs, 10) + "ms",
		})
	}
	for _, m := range pending {
		rows = append(rows, []string{strconv.Itoa(m.Version), m.Name, "pending", ""})
	}

	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Schema migrations  " + a.store.Path(),
		Headers: []string{"Version", "Description", "Applied", "Took"},
		Rows:    rows,
	}))
	fmt.Println()
	return nil
}

func runDBMaintain(cmd *cobra.Command, _ []string) error {
	a, err := requireStore(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.store.VacuumAndPrune(cmd.Context(), retention())
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(rep)
	}

	fmt.Println()
	fmt.Print(cli.RenderKV("Maintenance", []cli.KV{
		{Label: "Sessions pruned", Value: cli.FormatNumber(rep.SessionsPruned)},
		{Label: "Activity pruned", Value: cli.FormatNumber(rep.ActivityPruned)},
		{Label: "Days pruned", Value: cli.FormatNumber(rep.DailyPruned)},
		{Label: "Months pruned", Value: cli.FormatNumber(rep.MonthlyPruned)},
		{Label: "Learned pruned", Value: cli.FormatNumber(rep.LearnedPruned)},
		{Label: "Free pages", Value: cli.FormatPercent(rep.FreelistRatio)},
		{Label: "Vacuumed", Value: strconv.FormatBool(rep.Vacuumed)},
		{Label: "Integrity", Value: cli.RenderStatus(rep.IntegrityOK, rep.Integrity)},
	}))
	fmt.Println()
	return nil
}
