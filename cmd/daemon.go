package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/daemon"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	flagDaemonAddr         string
	flagDaemonInterval     time.Duration
	flagDaemonDetach       bool
	flagDaemonStateFile    string
	flagDaemonLogFile      string
	flagDaemonEventsBuffer int
	flagDaemonChild        bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Serve live usage over HTTP, SSE and Prometheus",
	RunE:  runDaemon,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a daemon is running and what it last saw",
	RunE:  runDaemonStatus,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running daemon",
	RunE:  runDaemonStop,
}

func init() {
	pf := daemonCmd.PersistentFlags()
	pf.StringVar(&flagDaemonAddr, "addr", "", "HTTP listen address (default from config)")
	pf.DurationVar(&flagDaemonInterval, "interval", 0, "Polling interval (default from config)")
	pf.StringVar(&flagDaemonStateFile, "state-file", "", "Daemon state file (default <data dir>/burnlined.json)")
	pf.StringVar(&flagDaemonLogFile, "log-file", "", "Output file in detached mode (default <data dir>/burnlined.log)")
	pf.IntVar(&flagDaemonEventsBuffer, "events-buffer", 200, "Events kept for the SSE backlog")

	daemonCmd.Flags().BoolVar(&flagDaemonDetach, "detach", false, "Start in the background and return")
	daemonCmd.Flags().BoolVar(&flagDaemonChild, "child", false, "")
	_ = daemonCmd.Flags().MarkHidden("child")

	daemonCmd.AddCommand(daemonStatusCmd, daemonStopCmd)
	rootCmd.AddCommand(daemonCmd)
}

func resolveDaemonFlags() {
	if flagDaemonAddr == "" {
		flagDaemonAddr = cfg.Daemon.Addr
	}
	if flagDaemonInterval <= 0 {
		flagDaemonInterval = time.Duration(cfg.Daemon.IntervalSecs) * time.Second
	}
	if flagDaemonStateFile == "" {
		flagDaemonStateFile = filepath.Join(cfg.DataDir(), "burnlined.json")
	}
	if flagDaemonLogFile == "" {
		flagDaemonLogFile = filepath.Join(cfg.DataDir(), "burnlined.log")
	}
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	resolveDaemonFlags()
	switch {
	case flagDaemonDetach && flagDaemonChild:
		return errors.New("--detach cannot be combined with --child")
	case flagDaemonDetach:
		return spawnDaemon()
	default:
		return serveDaemon(cmd.Context())
	}
}

// spawnDaemon re-executes the binary as a background child. The child
// claims the state file itself.
func spawnDaemon() error {
	if st, err := runningDaemon(flagDaemonStateFile); err == nil {
		return fmt.Errorf("daemon already running (pid %d, %s)", st.PID, st.Addr)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(flagDaemonLogFile), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(flagDaemonLogFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600) //nolint:gosec // user-chosen log path
	if err != nil {
		return fmt.Errorf("opening daemon log: %w", err)
	}
	defer func() { _ = out.Close() }()

	child := exec.Command(exe, childArgs(os.Args[1:])...) //nolint:gosec // re-executes this binary
	child.Stdout, child.Stderr = out, out
	child.Env = os.Environ()
	if err := child.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	_ = child.Process.Release()

	fmt.Print(cli.RenderKV("Daemon started", []cli.KV{
		{Label: "PID", Value: fmt.Sprint(child.Process.Pid)},
		{Label: "API", Value: "http://" + flagDaemonAddr + "/v1/status"},
		{Label: "Log", Value: flagDaemonLogFile},
	}))
	return nil
}

func serveDaemon(parent context.Context) error {
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dcfg := daemon.Config{
		Addr:                flagDaemonAddr,
		Interval:            flagDaemonInterval,
		EventsBuffer:        flagDaemonEventsBuffer,
		MaintenanceSchedule: cfg.Daemon.MaintenanceSchedule,
		SyncSchedule:        cfg.Daemon.SyncSchedule,
		Retention:           retention(),
		Source:              a.aggregator,
		Logger:              logger,
	}
	switch {
	case a.store != nil:
		dcfg.WatchFile = a.store.Path()
		dcfg.Maintainer = a.store
		dcfg.Learned = a.store
		if cfg.Sync.Enabled {
			s, closeRemote, err := a.syncer(ctx)
			if err != nil {
				logger.Warn("sync disabled for this run", zap.Error(err))
			} else {
				defer closeRemote()
				dcfg.Syncer = s
			}
		}
	case a.mirror != nil:
		// Other processes write the JSON backend; reload when it changes.
		dcfg.WatchFile = a.mirror.Path
	}

	release, err := claimDaemonState(flagDaemonStateFile, daemonState{
		PID:       os.Getpid(),
		Addr:      flagDaemonAddr,
		Backend:   a.aggregator.BackendName(),
		WatchFile: dcfg.WatchFile,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer release()

	logger.Info("daemon started",
		zap.String("addr", flagDaemonAddr),
		zap.Duration("interval", flagDaemonInterval),
		zap.String("watch", dcfg.WatchFile))
	if !flagDaemonChild {
		fmt.Printf("  Serving http://%s (Ctrl-C to stop)\n", flagDaemonAddr)
	}
	if err := daemon.New(dcfg).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func runDaemonStatus(cmd *cobra.Command, _ []string) error {
	resolveDaemonFlags()
	ds, err := runningDaemon(flagDaemonStateFile)
	if errors.Is(err, errDaemonNotRunning) {
		fmt.Println("  Daemon is not running.")
		return nil
	}
	if err != nil {
		return err
	}

	st, apiErr := fetchDaemonStatus(cmd.Context(), ds.Addr)
	fmt.Print(cli.RenderKV("Daemon", daemonStatusRows(ds, st, apiErr, time.Now())))
	return nil
}

func fetchDaemonStatus(parent context.Context, addr string) (*daemon.Status, error) {
	ctx, cancel := context.WithTimeout(parent, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	var st daemon.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("decoding status: %w", err)
	}
	return &st, nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	resolveDaemonFlags()
	ds, err := runningDaemon(flagDaemonStateFile)
	if err != nil {
		return err
	}
	proc, err := os.FindProcess(ds.PID)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signalling pid %d: %w", ds.PID, err)
	}
	if err := waitForExit(cmd.Context(), ds.PID, 8*time.Second); err != nil {
		return fmt.Errorf("daemon did not exit: %w", err)
	}
	_ = os.Remove(flagDaemonStateFile)
	fmt.Printf("  Stopped daemon (pid %d)\n", ds.PID)
	return nil
}
