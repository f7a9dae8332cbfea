package cmd

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/learning"

	"github.com/spf13/cobra"
)

var flagResetAll bool

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Inspect and manage learned context windows",
}

var contextShowCmd = &cobra.Command{
	Use:   "show [model]",
	Short: "Show learned windows, or the effective window for one model",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runContextShow,
}

var contextRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Recompute learned windows from stored sessions",
	Args:  cobra.NoArgs,
	RunE:  runContextRebuild,
}

var contextResetCmd = &cobra.Command{
	Use:   "reset [model]",
	Short: "Forget the learned window for a model (or --all)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runContextReset,
}

func init() {
	contextResetCmd.Flags().BoolVar(&flagResetAll, "all", false, "Forget every learned window")
	contextCmd.AddCommand(contextShowCmd, contextRebuildCmd, contextResetCmd)
	rootCmd.AddCommand(contextCmd)
}

func runContextShow(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		w := a.resolver.Effective(ctx, args[0])
		if flagJSON {
			return writeJSON(w)
		}
		fmt.Println()
		fmt.Print(cli.RenderKV("Effective window", []cli.KV{
			{Label: "Model", Value: w.Model},
			{Label: "Tokens", Value: cli.FormatNumber(w.Tokens)},
			{Label: "Source", Value: w.Source},
			{Label: "Confidence", Value: cli.FormatPercent(w.Confidence)},
		}))
		fmt.Println()
		return nil
	}

	windows, err := a.store.ListLearnedWindows(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(windows)
	}
	if len(windows) == 0 {
		fmt.Println("\n  Nothing learned yet.")
		return nil
	}

	threshold := cfg.Context.ConfidenceThreshold
	if threshold <= 0 {
		threshold = learning.DefaultConfidenceThreshold
	}

	rows := make([][]string, 0, len(windows))
	for _, w := range windows {
		eff := a.resolver.Effective(ctx, w.ModelName)
		rows = append(rows, []string{
			w.ModelName,
			cli.FormatTokens(w.ObservedMaxTokens),
			strconv.FormatInt(w.CeilingObservations, 10),
			strconv.FormatInt(w.CompactionCount, 10),
			cli.RenderConfidence(w.ConfidenceScore, threshold, 10),
			cli.FormatTokens(eff.Tokens) + " " + eff.Source,
		})
	}

	fmt.Println()
	fmt.Print(cli.RenderTable(cli.Table{
		Title:   "Learned context windows",
		Headers: []string{"Model", "Observed", "Ceilings", "Compactions", "Confidence", "In use"},
		Rows:    rows,
	}))
	fmt.Println()
	return nil
}

func runContextRebuild(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := a.engine
	if engine == nil {
		engine = learning.NewEngine(a.store, learning.OptionsFromConfig(cfg.Context, logger))
	}
	rep, err := engine.RebuildFromSessions(ctx)
	if err != nil {
		return err
	}
	if flagJSON {
		return writeJSON(rep)
	}
	fmt.Printf("  Rebuilt %d model window(s) from %d session(s)\n", len(rep.Windows), rep.SessionsScanned)
	return nil
}

func runContextReset(cmd *cobra.Command, args []string) error {
	var name string
	switch {
	case len(args) == 1:
		name = args[0]
	case !flagResetAll:
		return errors.New("name a model or pass --all")
	}

	ctx := cmd.Context()
	a, err := requireStore(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	engine := a.engine
	if engine == nil {
		engine = learning.NewEngine(a.store, learning.OptionsFromConfig(cfg.Context, logger))
	}
	n, err := engine.Reset(ctx, name)
	if err != nil {
		return err
	}
	fmt.Printf("  Removed %d learned window(s)\n", n)
	return nil
}
