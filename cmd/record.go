package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/theirongolddev/burnline/internal/learning"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/stats"
	"github.com/theirongolddev/burnline/internal/transcript"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// maxStatusInput bounds the status-line payload read from stdin.
const maxStatusInput = 1 << 20

// statusInput is the JSON the host pipes to its status-line command.
type statusInput struct {
	SessionID      string `json:"session_id"`
	TranscriptPath string `json:"transcript_path"`
	Cwd            string `json:"cwd"`
	Model          struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"model"`
	Workspace struct {
		CurrentDir string `json:"current_dir"`
		ProjectDir string `json:"project_dir"`
	} `json:"workspace"`
	Cost struct {
		TotalCostUSD      float64 `json:"total_cost_usd"`
		TotalDurationMs   int64   `json:"total_duration_ms"`
		TotalLinesAdded   int64   `json:"total_lines_added"`
		TotalLinesRemoved int64   `json:"total_lines_removed"`
	} `json:"cost"`
}

func (in statusInput) workspace() string {
	if in.Workspace.CurrentDir != "" {
		return in.Workspace.CurrentDir
	}
	return in.Cwd
}

// contextUsage is the display-side view of the current context window.
type contextUsage struct {
	Window        learning.Window `json:"window"`
	CurrentTokens int64           `json:"current_tokens"`
	Percent       float64         `json:"percent"`
}

type recordOutput struct {
	model.CurrentTotals
	Context *contextUsage `json:"context,omitempty"`
}

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record one status-line report from stdin and print the totals",
	Long: "Reads the host's status-line JSON on stdin, folds it into the session,\n" +
		"daily, monthly and lifetime totals, and prints the result as JSON.\n" +
		"Only store, migration and configuration failures exit nonzero.",
	Args: cobra.NoArgs,
	RunE: runRecord,
}

func init() {
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, _ []string) error {
	in, err := readStatusInput(cmd.InOrStdin())
	if err != nil {
		return softFail(err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		return softFail(err)
	}
	defer a.Close()

	out, err := record(ctx, a, in)
	if err != nil {
		return softFail(err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	return enc.Encode(out)
}

func readStatusInput(r io.Reader) (statusInput, error) {
	var in statusInput
	data, err := io.ReadAll(io.LimitReader(r, maxStatusInput))
	if err != nil {
		return in, fmt.Errorf("reading status input: %w", err)
	}
	if err := json.Unmarshal(data, &in); err != nil {
		return in, fmt.Errorf("parsing status input: %w", err)
	}
	if in.SessionID == "" {
		return in, errors.New("status input has no session_id")
	}
	return in, nil
}

func record(ctx context.Context, a *app, in statusInput) (recordOutput, error) {
	var trace transcript.Trace
	if in.TranscriptPath != "" {
		t, err := transcript.Scan(in.TranscriptPath, transcript.Options{
			MaxBytes: cfg.Context.TranscriptMaxBytes,
			Messages: cfg.Context.ScanMessages,
		})
		if err != nil {
			logger.Warn("transcript scan failed",
				zap.String("session_id", in.SessionID),
				zap.String("path", in.TranscriptPath),
				zap.Error(err))
		}
		trace = t
	}

	modelName := in.Model.ID
	if modelName == "" {
		modelName = trace.Model
	}

	totals, err := a.aggregator.RecordUsage(ctx, stats.Report{
		SessionID:      in.SessionID,
		Cost:           in.Cost.TotalCostUSD,
		LinesAdded:     in.Cost.TotalLinesAdded,
		LinesRemoved:   in.Cost.TotalLinesRemoved,
		ModelName:      modelName,
		WorkspaceDir:   in.workspace(),
		Tokens:         trace.Tokens,
		ContextTokens:  trace.CurrentTokens,
		TranscriptPath: in.TranscriptPath,
		DeviceID:       a.deviceID,
	})
	if err != nil {
		return recordOutput{}, err
	}

	out := recordOutput{CurrentTotals: totals}
	if modelName != "" {
		w := a.resolver.Effective(ctx, modelName)
		usage := &contextUsage{Window: w, CurrentTokens: trace.CurrentTokens}
		if w.Tokens > 0 {
			usage.Percent = float64(trace.CurrentTokens) / float64(w.Tokens) * 100
		}
		out.Context = usage
	}
	return out, nil
}

// softFail logs non-fatal errors and swallows them so the host's status
// line keeps rendering. Fatal errors propagate to a nonzero exit.
func softFail(err error) error {
	if exitCode(err) != 0 {
		return err
	}
	logger.Warn("record failed", zap.Error(err))
	if !flagQuiet {
		fmt.Fprintf(os.Stderr, "  burnline: %v\n", err)
	}
	return nil
}
