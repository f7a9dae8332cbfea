package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/theirongolddev/burnline/internal/model"
)

const learnedColumns = `model_name, observed_max_tokens, ceiling_observations, compaction_count,
	last_observed_max, confidence_score, first_seen, last_updated, workspace_dir, device_id`

// LearnedWindow returns the learned row for a model.
func (s *Store) LearnedWindow(ctx context.Context, modelName string) (model.LearnedContextWindow, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+learnedColumns+`
		FROM learned_context_windows WHERE model_name = ?`, modelName)
	w, err := scanLearned(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.LearnedContextWindow{}, false, nil
	}
	if err != nil {
		return model.LearnedContextWindow{}, false, err
	}
	return w, true, nil
}

// PutLearnedWindow writes the row, recomputing its confidence.
func (s *Store) PutLearnedWindow(ctx context.Context, w model.LearnedContextWindow) error {
	w.Recompute()
	if w.LastUpdated.IsZero() {
		w.LastUpdated = s.now()
	}
	if w.FirstSeen.IsZero() {
		w.FirstSeen = w.LastUpdated
	}
	return s.withTx(ctx, "put learned window", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO learned_context_windows (`+learnedColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ModelName, w.ObservedMaxTokens, w.CeilingObservations, w.CompactionCount,
			w.LastObservedMax, w.ConfidenceScore, formatTime(w.FirstSeen), formatTime(w.LastUpdated),
			w.WorkspaceDir, w.DeviceID)
		return err
	})
}

// UpdateLearnedWindow reads the model's row inside a write transaction,
// lets fn modify it, and stores the result. fn sees exists=false for a new model.
// Returning false from fn skips the write.
func (s *Store) UpdateLearnedWindow(ctx context.Context, modelName string,
	fn func(w *model.LearnedContextWindow, exists bool) bool) (model.LearnedContextWindow, error) {
	var out model.LearnedContextWindow
	err := s.withTx(ctx, "update learned window", func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `SELECT `+learnedColumns+`
			FROM learned_context_windows WHERE model_name = ?`, modelName)
		w, err := scanLearned(row)
		exists := true
		if errors.Is(err, sql.ErrNoRows) {
			exists = false
			w = model.LearnedContextWindow{ModelName: modelName}
		} else if err != nil {
			return err
		}

		if !fn(&w, exists) {
			out = w
			return nil
		}
		w.Recompute()
		now := s.now()
		w.LastUpdated = now
		if w.FirstSeen.IsZero() {
			w.FirstSeen = now
		}
		out = w
		_, err = tx.ExecContext(ctx, `INSERT OR REPLACE INTO learned_context_windows (`+learnedColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			w.ModelName, w.ObservedMaxTokens, w.CeilingObservations, w.CompactionCount,
			w.LastObservedMax, w.ConfidenceScore, formatTime(w.FirstSeen), formatTime(w.LastUpdated),
			w.WorkspaceDir, w.DeviceID)
		return err
	})
	return out, err
}

// ListLearnedWindows returns every learned row ordered by model.
func (s *Store) ListLearnedWindows(ctx context.Context) ([]model.LearnedContextWindow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+learnedColumns+`
		FROM learned_context_windows ORDER BY model_name`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.LearnedContextWindow
	for rows.Next() {
		w, err := scanLearned(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// ResetLearnedWindows deletes the model's row, or every row when modelName is empty.
func (s *Store) ResetLearnedWindows(ctx context.Context, modelName string) (int64, error) {
	var n int64
	err := s.withTx(ctx, "reset learned windows", func(tx *sql.Tx) error {
		var (
			res sql.Result
			err error
		)
		if modelName == "" {
			res, err = tx.ExecContext(ctx, "DELETE FROM learned_context_windows")
		} else {
			res, err = tx.ExecContext(ctx, "DELETE FROM learned_context_windows WHERE model_name = ?", modelName)
		}
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func scanLearned(r scanner) (model.LearnedContextWindow, error) {
	var (
		w                 model.LearnedContextWindow
		firstSeen, update string
	)
	err := r.Scan(&w.ModelName, &w.ObservedMaxTokens, &w.CeilingObservations, &w.CompactionCount,
		&w.LastObservedMax, &w.ConfidenceScore, &firstSeen, &update, &w.WorkspaceDir, &w.DeviceID)
	if err != nil {
		return model.LearnedContextWindow{}, err
	}
	w.FirstSeen = parseTime(firstSeen)
	w.LastUpdated = parseTime(update)
	return w, nil
}
