package store

import (
	"context"
	"database/sql"
	"strings"

	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
)

// IsEmpty reports whether the store holds no sessions and no rollups.
func (s *Store) IsEmpty(ctx context.Context) (bool, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT
		(SELECT COUNT(*) FROM sessions) +
		(SELECT COUNT(*) FROM daily_stats) +
		(SELECT COUNT(*) FROM monthly_stats)`).Scan(&n)
	return n == 0, err
}

// Import copies a snapshot into the store in one transaction. Existing rows
// win, so importing twice is harmless.
func (s *Store) Import(ctx context.Context, snap model.Snapshot) error {
	if snap.IsEmpty() {
		return nil
	}
	err := s.withTx(ctx, "import snapshot", func(tx *sql.Tx) error {
		for _, sess := range snap.Sessions {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions (`+sessionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				sess.SessionID, formatTime(sess.StartTime), formatTime(sess.LastUpdated),
				sess.Cost, sess.LinesAdded, sess.LinesRemoved,
				sess.MaxTokensObserved, sess.ModelName, sess.WorkspaceDir,
				sess.Tokens.InputTokens, sess.Tokens.OutputTokens, sess.Tokens.CacheReadTokens, sess.Tokens.CacheCreationTokens,
				sess.DeviceID, formatTime(sess.SyncTimestamp)); err != nil {
				return err
			}
		}
		for key, a := range snap.Daily {
			if err := importPeriodRow(ctx, tx, dailyTable, key, a); err != nil {
				return err
			}
		}
		for key, a := range snap.Monthly {
			if err := importPeriodRow(ctx, tx, monthlyTable, key, a); err != nil {
				return err
			}
		}
		for k, ids := range snap.Activity {
			kind, key, ok := strings.Cut(k, ":")
			if !ok {
				continue
			}
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_activity
					(session_id, period_kind, period_key) VALUES (?, ?, ?)`, id, kind, key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("imported snapshot",
		zap.Int("sessions", len(snap.Sessions)),
		zap.Int("days", len(snap.Daily)),
		zap.Int("months", len(snap.Monthly)))
	return nil
}

func importPeriodRow(ctx context.Context, tx *sql.Tx, t periodTable, key string, a model.Aggregate) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO `+t.table+`
		(`+t.key+`, total_cost, total_lines_added, total_lines_removed, session_count, device_id, sync_timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		key, a.TotalCost, a.TotalLinesAdded, a.TotalLinesRemoved, a.SessionCount,
		a.DeviceID, formatTime(a.SyncTimestamp))
	return err
}

// Snapshot exports the store as a mirror document. Activity is limited to
// the given periods, which is all the mirror needs to keep counting correctly.
func (s *Store) Snapshot(ctx context.Context, periods ...model.Period) (model.Snapshot, error) {
	snap := model.NewSnapshot()

	sessions, err := s.SessionsByLastUpdated(ctx)
	if err != nil {
		return snap, err
	}
	for _, sess := range sessions {
		snap.Sessions[sess.SessionID] = sess
	}

	days, err := s.queryAggregates(ctx, `SELECT date, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM daily_stats ORDER BY date`)
	if err != nil {
		return snap, err
	}
	for _, a := range days {
		snap.Daily[a.Key] = a
	}
	months, err := s.MonthlyAll(ctx)
	if err != nil {
		return snap, err
	}
	for _, a := range months {
		snap.Monthly[a.Key] = a
	}

	for _, p := range periods {
		rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM session_activity
			WHERE period_kind = ? AND period_key = ? ORDER BY session_id`, string(p.Kind), p.Key)
		if err != nil {
			return snap, err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return snap, err
			}
			snap.MarkActive(id, p)
		}
		if err := rows.Close(); err != nil {
			return snap, err
		}
	}
	return snap, nil
}
