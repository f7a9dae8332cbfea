package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/theirongolddev/burnline/internal/cli"
	"github.com/theirongolddev/burnline/internal/daemon"

	"github.com/cenkalti/backoff/v5"
)

var errDaemonNotRunning = errors.New("daemon is not running")

// daemonState is kept in the state file while a daemon process owns it.
type daemonState struct {
	PID       int       `json:"pid"`
	Addr      string    `json:"addr"`
	Backend   string    `json:"backend"`
	WatchFile string    `json:"watch_file,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// runningDaemon returns the state of the live daemon recorded at path.
// A state file left behind by a dead or unreadable owner is removed.
func runningDaemon(path string) (daemonState, error) {
	data, err := os.ReadFile(path) //nolint:gosec // state path is under the user's data dir
	if errors.Is(err, os.ErrNotExist) {
		return daemonState{}, errDaemonNotRunning
	}
	if err != nil {
		return daemonState{}, fmt.Errorf("reading daemon state: %w", err)
	}

	var st daemonState
	if err := json.Unmarshal(data, &st); err != nil || st.PID <= 0 || !pidAlive(st.PID) {
		_ = os.Remove(path)
		return daemonState{}, errDaemonNotRunning
	}
	return st, nil
}

// claimDaemonState records st at path unless a live daemon already owns it.
// The returned release removes the file only while st still owns it.
func claimDaemonState(path string, st daemonState) (func(), error) {
	cur, err := runningDaemon(path)
	switch {
	case err == nil:
		return nil, fmt.Errorf("daemon already running (pid %d, %s)", cur.PID, cur.Addr)
	case !errors.Is(err, errDaemonNotRunning):
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("writing daemon state: %w", err)
	}
	return func() {
		if cur, err := runningDaemon(path); err == nil && cur.PID == st.PID {
			_ = os.Remove(path)
		}
	}, nil
}

func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}

// waitForExit polls until pid is gone or timeout passes.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if pidAlive(pid) {
			return struct{}{}, fmt.Errorf("pid %d still running", pid)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(100*time.Millisecond)),
		backoff.WithMaxElapsedTime(timeout),
	)
	return err
}

// childArgs rewrites the current invocation for the detached child.
func childArgs(args []string) []string {
	out := make([]string, 0, len(args)+1)
	for _, a := range args {
		if a == "--detach" || strings.HasPrefix(a, "--detach=") {
			continue
		}
		out = append(out, a)
	}
	return append(out, "--child")
}

// daemonStatusRows describes a running daemon. st is nil when its API could
// not be reached; apiErr says why.
func daemonStatusRows(ds daemonState, st *daemon.Status, apiErr error, now time.Time) []cli.KV {
	rows := []cli.KV{
		{Label: "PID", Value: fmt.Sprint(ds.PID)},
		{Label: "API", Value: "http://" + ds.Addr},
		{Label: "Started", Value: cli.FormatSince(ds.StartedAt, now)},
	}
	if st == nil {
		return append(rows, cli.KV{Label: "API status", Value: cli.RenderStatus(false, fmt.Sprint(apiErr))})
	}

	lastPoll := "pending"
	if !st.LastPollAt.IsZero() {
		lastPoll = cli.FormatSince(st.LastPollAt, now)
	}
	rows = append(rows,
		cli.KV{Label: "API status", Value: cli.RenderStatus(true, fmt.Sprintf("%d polls", st.PollCount))},
		cli.KV{Label: "Last poll", Value: lastPoll},
		cli.KV{Label: "Backend", Value: st.Backend + " " + st.StorePath},
		cli.KV{Label: "Sessions", Value: cli.FormatNumber(st.Summary.Sessions)},
		cli.KV{Label: "Today", Value: cli.FormatCost(st.Summary.TodayCostUSD)},
		cli.KV{Label: "Month", Value: cli.FormatCost(st.Summary.MonthCostUSD)},
		cli.KV{Label: "Lifetime", Value: cli.FormatCost(st.Summary.LifetimeCostUSD)},
	)
	if st.LastSync != nil {
		rows = append(rows, cli.KV{
			Label: "Last sync",
			Value: fmt.Sprintf("%s, %d rows", cli.FormatSince(st.LastSyncAt, now), st.LastSync.Rows()),
		})
	}
	if st.LastError != "" {
		rows = append(rows, cli.KV{Label: "Last error", Value: st.LastError})
	}
	return rows
}
