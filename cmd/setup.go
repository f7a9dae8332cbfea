package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/theirongolddev/burnline/internal/config"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactive configuration wizard",
	Args:  cobra.NoArgs,
	RunE:  runSetup,
}

func init() {
	rootCmd.AddCommand(setupCmd)
}

// setupValues holds the form's string-typed view of the config.
type setupValues struct {
	dataDir     string
	backend     string
	mirror      bool
	learning    bool
	threshold   string
	sessionDays string
	syncEnabled bool
	redisAddr   string
	logLevel    string
}

func newSetupValues(c config.Config) setupValues {
	return setupValues{
		dataDir:     c.General.DataDir,
		backend:     c.Storage.Backend,
		mirror:      c.Storage.MirrorEnabled,
		learning:    c.Context.LearningEnabled,
		threshold:   strconv.FormatFloat(c.Context.ConfidenceThreshold, 'f', -1, 64),
		sessionDays: strconv.Itoa(c.Retention.SessionDays),
		syncEnabled: c.Sync.Enabled,
		redisAddr:   c.Sync.RedisAddr,
		logLevel:    c.Log.Level,
	}
}

// apply copies the form values back; validation already ran in the form.
func (v setupValues) apply(c *config.Config) error {
	threshold, err := strconv.ParseFloat(v.threshold, 64)
	if err != nil {
		return err
	}
	days, err := strconv.Atoi(v.sessionDays)
	if err != nil {
		return err
	}
	c.General.DataDir = strings.TrimSpace(v.dataDir)
	c.Storage.Backend = v.backend
	c.Storage.MirrorEnabled = v.mirror
	c.Context.LearningEnabled = v.learning
	c.Context.ConfidenceThreshold = threshold
	c.Retention.SessionDays = days
	c.Sync.Enabled = v.syncEnabled
	c.Sync.RedisAddr = strings.TrimSpace(v.redisAddr)
	c.Log.Level = v.logLevel
	return c.Validate()
}

func newSetupForm(v *setupValues) *huh.Form {
	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Data directory").
				Description("Leave empty for " + config.DefaultDataDir()).
				Value(&v.dataDir),
			huh.NewSelect[string]().
				Title("Storage backend").
				Options(
					huh.NewOption("SQLite (recommended)", "sqlite"),
					huh.NewOption("JSON file only", "json"),
				).
				Value(&v.backend),
			huh.NewConfirm().
				Title("Keep a JSON mirror next to the SQLite store?").
				Value(&v.mirror),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Learn context windows from transcripts?").
				Value(&v.learning),
			huh.NewInput().
				Title("Confidence threshold (0-1)").
				Value(&v.threshold).
				Validate(validateFraction),
			huh.NewInput().
				Title("Keep sessions for how many days? (0 = forever)").
				Value(&v.sessionDays).
				Validate(validateDays),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Sync through Redis?").
				Value(&v.syncEnabled),
			huh.NewInput().
				Title("Redis address").
				Placeholder("127.0.0.1:6379").
				Value(&v.redisAddr),
			huh.NewSelect[string]().
				Title("Log level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&v.logLevel),
		),
	)
}

func validateFraction(s string) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || f < 0 || f > 1 {
		return errors.New("enter a number between 0 and 1")
	}
	return nil
}

func validateDays(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return errors.New("enter a whole number of days")
	}
	return nil
}

func runSetup(_ *cobra.Command, _ []string) error {
	c := cfg
	vals := newSetupValues(c)

	fmt.Println()
	fmt.Println("  Welcome to burnline!")
	fmt.Println()

	if err := newSetupForm(&vals).Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("  Setup cancelled, nothing saved.")
			return nil
		}
		return err
	}
	if err := vals.apply(&c); err != nil {
		return err
	}

	path := flagConfig
	if path == "" {
		path = config.ConfigPath()
	}
	if err := config.SaveTo(path, c); err != nil {
		return fmt.Errorf("saving config: %w", err)
	}

	fmt.Println()
	fmt.Printf("  Saved to %s\n", path)
	fmt.Println("  Point your status line at `burnline record` to start tracking.")
	fmt.Println()
	return nil
}
