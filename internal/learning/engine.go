// Package learning estimates each model's real context window from token
// traces: usage plateaus near a ceiling and automatic compactions.
package learning

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/theirongolddev/burnline/internal/config"
	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/transcript"

	"go.uber.org/zap"
)

const (
	DefaultFloor = 50_000

	ceilingRatio    = 0.95
	compactionRatio = 0.5
)

// Store is the persistence the engine needs.
type Store interface {
	LearnedWindow(ctx context.Context, modelName string) (model.LearnedContextWindow, bool, error)
	UpdateLearnedWindow(ctx context.Context, modelName string,
		fn func(w *model.LearnedContextWindow, exists bool) bool) (model.LearnedContextWindow, error)
	PutLearnedWindow(ctx context.Context, w model.LearnedContextWindow) error
	ListLearnedWindows(ctx context.Context) ([]model.LearnedContextWindow, error)
	ResetLearnedWindows(ctx context.Context, modelName string) (int64, error)
	SessionsByLastUpdated(ctx context.Context) ([]model.Session, error)
}

// Options tunes detection.
type Options struct {
	// Floor is the minimum prior maximum for ceilings and compactions.
	Floor int64
	// ScanMessages is how many trailing transcript messages are checked for
	// a manual compaction.
	ScanMessages       int
	TranscriptMaxBytes int64
	ManualPhrases      []string
	Logger             *zap.Logger
}

// OptionsFromConfig maps the [context] config section.
func OptionsFromConfig(c config.ContextConfig, logger *zap.Logger) Options {
	return Options{
		Floor:              c.MinCompactionTokens,
		ScanMessages:       c.ScanMessages,
		TranscriptMaxBytes: c.TranscriptMaxBytes,
		ManualPhrases:      c.ManualPhrases,
		Logger:             logger,
	}
}

// Observation is one invocation's view of a session's context usage.
type Observation struct {
	Model          string
	SessionID      string
	WorkspaceDir   string
	DeviceID       string
	CurrentTokens  int64
	PreviousMax    int64
	TranscriptPath string
	// Messages, when set, are used instead of scanning TranscriptPath.
	Messages []string
}

// Result says what an observation changed.
type Result struct {
	Ceiling          bool
	Compaction       bool
	ManualCompaction bool
	Window           model.LearnedContextWindow
}

// Engine applies observations to the learned table.
type Engine struct {
	store Store
	opts  Options
	log   *zap.Logger
}

// NewEngine returns an engine over s.
func NewEngine(s Store, opts Options) *Engine {
	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}
	if opts.ScanMessages <= 0 {
		opts.ScanMessages = transcript.DefaultScanMessages
	}
	return &Engine{store: s, opts: opts, log: logging.OrNop(opts.Logger)}
}

// Observe records a ceiling observation or an automatic compaction.
// Observations that show neither leave the table untouched.
func (e *Engine) Observe(ctx context.Context, obs Observation) (Result, error) {
	name := config.NormalizeModelName(obs.Model)
	if name == "" || obs.CurrentTokens <= 0 {
		return Result{}, nil
	}

	candidate := obs.PreviousMax > e.opts.Floor &&
		float64(obs.CurrentTokens) < compactionRatio*float64(obs.PreviousMax)
	if candidate {
		manual, err := e.manualCompaction(obs)
		if err != nil {
			// Without the transcript a manual compaction cannot be ruled out.
			return Result{}, err
		}
		if manual {
			e.log.Debug("ignoring manual compaction",
				zap.String("model", name), zap.String("session_id", obs.SessionID))
			return Result{ManualCompaction: true}, nil
		}
	}

	var res Result
	w, err := e.store.UpdateLearnedWindow(ctx, name, func(w *model.LearnedContextWindow, _ bool) bool {
		if candidate {
			w.CompactionCount++
			w.ObservedMaxTokens = max(w.ObservedMaxTokens, obs.PreviousMax)
			w.LastObservedMax = obs.PreviousMax
			res.Compaction = true
		} else {
			if !e.entersCeilingBand(w.ObservedMaxTokens, obs.PreviousMax, obs.CurrentTokens) {
				return false
			}
			w.CeilingObservations++
			w.ObservedMaxTokens = max(w.ObservedMaxTokens, obs.CurrentTokens)
			res.Ceiling = true
		}
		if obs.WorkspaceDir != "" {
			w.WorkspaceDir = obs.WorkspaceDir
		}
		if obs.DeviceID != "" {
			w.DeviceID = obs.DeviceID
		}
		return true
	})
	if err != nil {
		return Result{}, err
	}
	res.Window = w

	if res.Compaction {
		e.log.Info("automatic compaction observed",
			zap.String("model", name),
			zap.String("session_id", obs.SessionID),
			zap.Int64("before", obs.PreviousMax),
			zap.Int64("after", obs.CurrentTokens),
			zap.Float64("confidence", w.ConfidenceScore))
	}
	return res, nil
}

// entersCeilingBand reports whether a session just reached 95% of the
// model's established maximum. A session counts once per approach: readings
// that were already inside the band, or a model with no established maximum,
// are not observations.
func (e *Engine) entersCeilingBand(established, previous, current int64) bool {
	if established < e.opts.Floor {
		return false
	}
	band := ceilingRatio * float64(established)
	return float64(current) >= band && float64(previous) < band
}

func (e *Engine) manualCompaction(obs Observation) (bool, error) {
	texts := obs.Messages
	if texts == nil && obs.TranscriptPath != "" {
		tr, err := transcript.Scan(obs.TranscriptPath, transcript.Options{
			MaxBytes: e.opts.TranscriptMaxBytes,
			Messages: e.opts.ScanMessages,
		})
		if err != nil {
			return false, err
		}
		texts = tr.Messages
	}
	if len(texts) > e.opts.ScanMessages {
		texts = texts[len(texts)-e.opts.ScanMessages:]
	}
	return transcript.ContainsManualCompaction(texts, e.opts.ManualPhrases), nil
}

// RebuildReport summarizes RebuildFromSessions.
type RebuildReport struct {
	SessionsScanned int                          `json:"sessions_scanned"`
	Windows         []model.LearnedContextWindow `json:"windows"`
}

// RebuildFromSessions recomputes ceiling observations from the session
// table. Sessions are folded in last_updated order; each one whose peak
// reached 95% of the model's established maximum counts once. The
// established maximum and compaction counts come from the existing row,
// since compactions only show in live traces. Models without one are
// skipped.
func (e *Engine) RebuildFromSessions(ctx context.Context) (RebuildReport, error) {
	sessions, err := e.store.SessionsByLastUpdated(ctx)
	if err != nil {
		return RebuildReport{}, fmt.Errorf("loading sessions: %w", err)
	}
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].LastUpdated.Before(sessions[j].LastUpdated)
	})

	windows := make(map[string]*model.LearnedContextWindow)
	skipped := make(map[string]bool)
	var order []string
	rep := RebuildReport{SessionsScanned: len(sessions)}

	for _, s := range sessions {
		name := config.NormalizeModelName(s.ModelName)
		if name == "" || s.MaxTokensObserved <= 0 || skipped[name] {
			continue
		}
		w, ok := windows[name]
		if !ok {
			existing, found, err := e.store.LearnedWindow(ctx, name)
			if err != nil {
				return rep, err
			}
			established := max(existing.ObservedMaxTokens, existing.LastObservedMax)
			if !found || established < e.opts.Floor {
				skipped[name] = true
				continue
			}
			w = &model.LearnedContextWindow{
				ModelName:         name,
				ObservedMaxTokens: established,
				CompactionCount:   existing.CompactionCount,
				LastObservedMax:   existing.LastObservedMax,
				FirstSeen:         existing.FirstSeen,
				WorkspaceDir:      existing.WorkspaceDir,
				DeviceID:          existing.DeviceID,
			}
			windows[name] = w
			order = append(order, name)
		}

		if e.entersCeilingBand(w.ObservedMaxTokens, 0, s.MaxTokensObserved) {
			w.CeilingObservations++
			w.ObservedMaxTokens = max(w.ObservedMaxTokens, s.MaxTokensObserved)
		}
		if fs := firstSeen(s); w.FirstSeen.IsZero() || fs.Before(w.FirstSeen) {
			w.FirstSeen = fs
		}
		w.LastUpdated = s.LastUpdated
		if s.WorkspaceDir != "" {
			w.WorkspaceDir = s.WorkspaceDir
		}
		if s.DeviceID != "" {
			w.DeviceID = s.DeviceID
		}
	}

	for _, name := range order {
		w := *windows[name]
		w.Recompute()
		if err := e.store.PutLearnedWindow(ctx, w); err != nil {
			return rep, err
		}
		rep.Windows = append(rep.Windows, w)
	}

	e.log.Info("rebuilt learned context windows",
		zap.Int("sessions", rep.SessionsScanned),
		zap.Int("models", len(rep.Windows)),
		zap.Int("skipped", len(skipped)))
	return rep, nil
}

func firstSeen(s model.Session) time.Time {
	if !s.StartTime.IsZero() {
		return s.StartTime
	}
	return s.LastUpdated
}

// Reset deletes the learned row for modelName, or every row when empty.
func (e *Engine) Reset(ctx context.Context, modelName string) (int64, error) {
	if modelName != "" {
		modelName = config.NormalizeModelName(modelName)
	}
	n, err := e.store.ResetLearnedWindows(ctx, modelName)
	if err != nil {
		return 0, err
	}
	e.log.Info("reset learned context windows", zap.String("model", modelName), zap.Int64("rows", n))
	return n, nil
}
