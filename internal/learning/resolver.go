package learning

import (
	"context"

	"github.com/theirongolddev/burnline/internal/config"
	"github.com/theirongolddev/burnline/internal/model"
)

// Window sources, highest priority first.
const (
	SourceOverride = "override"
	SourceLearned  = "learned"
	SourceDefault  = "default"
	SourceFallback = "fallback"
)

const DefaultConfidenceThreshold = 0.7

// Window is the effective context window for a model.
type Window struct {
	Model      string  `json:"model"`
	Tokens     int64   `json:"tokens"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// LearnedReader looks up learned rows.
type LearnedReader interface {
	LearnedWindow(ctx context.Context, modelName string) (model.LearnedContextWindow, bool, error)
}

// Resolver picks the window to display for a model.
type Resolver struct {
	Config  config.ContextConfig
	Learned LearnedReader
}

// Effective resolves override > learned (above the confidence threshold) >
// built-in family default > global fallback. A lookup error falls through
// to the built-in table.
func (r Resolver) Effective(ctx context.Context, modelName string) Window {
	name := config.NormalizeModelName(modelName)
	w := Window{Model: name}

	if tokens, ok := r.Config.Override(modelName); ok {
		w.Tokens, w.Confidence, w.Source = tokens, 1, SourceOverride
		return w
	}

	threshold := r.Config.ConfidenceThreshold
	if threshold <= 0 {
		threshold = DefaultConfidenceThreshold
	}
	if r.Learned != nil && name != "" {
		lw, ok, err := r.Learned.LearnedWindow(ctx, name)
		if err == nil && ok && lw.ObservedMaxTokens > 0 && lw.ConfidenceScore >= threshold {
			w.Tokens, w.Confidence, w.Source = lw.ObservedMaxTokens, lw.ConfidenceScore, SourceLearned
			return w
		}
	}

	if tokens, ok := config.LookupDefaultWindow(modelName); ok {
		w.Tokens, w.Source = tokens, SourceDefault
		return w
	}
	w.Tokens, w.Source = config.GlobalFallbackWindow, SourceFallback
	return w
}
