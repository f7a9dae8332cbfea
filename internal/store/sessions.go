package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/burnline/internal/model"
)

const sessionColumns = `session_id, start_time, last_updated, cost, lines_added, lines_removed,
	max_tokens_observed, model_name, workspace_dir, input_tokens, output_tokens,
	cache_read_tokens, cache_creation_tokens, device_id, sync_timestamp`

// UpsertSession replaces the session's cumulative fields with u and returns
// the change against the stored row. A new session's delta is its full value.
// An empty model/workspace or a zero token max keeps the stored value.
func (s *Store) UpsertSession(ctx context.Context, u model.SessionUpdate) (model.SessionDelta, error) {
	if u.SessionID == "" {
		return model.SessionDelta{}, fmt.Errorf("%w: empty session id", model.ErrTransaction)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}

	var out model.SessionDelta
	err := s.withTx(ctx, "upsert session", func(tx *sql.Tx) error {
		var err error
		out, err = upsertSessionTx(ctx, tx, u, at)
		return err
	})
	if err != nil {
		return model.SessionDelta{}, err
	}
	return out, nil
}

func upsertSessionTx(ctx context.Context, tx *sql.Tx, u model.SessionUpdate, at time.Time) (model.SessionDelta, error) {
	var out model.SessionDelta
	var (
		prevCost           float64
		prevAdded, prevRem int64
		prevMax            int64
		start              string
	)
	err := tx.QueryRowContext(ctx, `SELECT cost, lines_added, lines_removed, max_tokens_observed, start_time
		FROM sessions WHERE session_id = ?`, u.SessionID).
		Scan(&prevCost, &prevAdded, &prevRem, &prevMax, &start)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		out = model.SessionDelta{
			Delta: model.Delta{
				Cost:         u.Cost,
				LinesAdded:   u.LinesAdded,
				LinesRemoved: u.LinesRemoved,
			},
			Created:   true,
			StartTime: at,
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.SessionID, formatTime(at), formatTime(at), u.Cost, u.LinesAdded, u.LinesRemoved,
			u.MaxTokensObserved, u.ModelName, u.WorkspaceDir,
			u.Tokens.InputTokens, u.Tokens.OutputTokens, u.Tokens.CacheReadTokens, u.Tokens.CacheCreationTokens,
			u.DeviceID, formatTime(at))
		return err
	case err != nil:
		return err
	}

	out = model.SessionDelta{
		Delta: model.Delta{
			Cost:         u.Cost - prevCost,
			LinesAdded:   u.LinesAdded - prevAdded,
			LinesRemoved: u.LinesRemoved - prevRem,
		},
		PrevMaxTokens: prevMax,
		StartTime:     parseTime(start),
	}
	_, err = tx.ExecContext(ctx, `UPDATE sessions SET
			last_updated = ?,
			cost = ?,
			lines_added = ?,
			lines_removed = ?,
			max_tokens_observed = CASE WHEN ? > 0 THEN ? ELSE max_tokens_observed END,
			model_name = COALESCE(NULLIF(?, ''), model_name),
			workspace_dir = COALESCE(NULLIF(?, ''), workspace_dir),
			input_tokens = ?,
			output_tokens = ?,
			cache_read_tokens = ?,
			cache_creation_tokens = ?,
			device_id = COALESCE(NULLIF(?, ''), device_id),
			sync_timestamp = ?
		WHERE session_id = ?`,
		formatTime(at), u.Cost, u.LinesAdded, u.LinesRemoved,
		u.MaxTokensObserved, u.MaxTokensObserved,
		u.ModelName, u.WorkspaceDir,
		u.Tokens.InputTokens, u.Tokens.OutputTokens, u.Tokens.CacheReadTokens, u.Tokens.CacheCreationTokens,
		u.DeviceID, formatTime(at), u.SessionID)
	return out, err
}

// Session returns one session. ok is false when it does not exist.
func (s *Store) Session(ctx context.Context, id string) (model.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, err
	}
	return sess, true, nil
}

// SessionActiveInPeriod reports whether the session was already counted in p.
func (s *Store) SessionActiveInPeriod(ctx context.Context, id string, p model.Period) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_activity
		WHERE session_id = ? AND period_kind = ? AND period_key = ?`,
		id, string(p.Kind), p.Key).Scan(&n)
	return n > 0, err
}

// SessionCount returns the number of stored sessions.
func (s *Store) SessionCount(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&n)
	return n, err
}

// EarliestSession returns the oldest session start, or zero when empty.
func (s *Store) EarliestSession(ctx context.Context) (time.Time, error) {
	var v sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT MIN(start_time) FROM sessions WHERE start_time != ''").Scan(&v)
	if err != nil || !v.Valid {
		return time.Time{}, err
	}
	return parseTime(v.String), nil
}

// SessionsByLastUpdated returns every session ordered by last_updated, oldest first.
func (s *Store) SessionsByLastUpdated(ctx context.Context) ([]model.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		ORDER BY last_updated, session_id`)
}

// SessionsSince returns sessions whose last_updated is at or after since.
func (s *Store) SessionsSince(ctx context.Context, since time.Time) ([]model.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions
		WHERE last_updated >= ? ORDER BY last_updated`, formatTime(since))
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// PutSessionRow writes a session row verbatim. Used when merging remote rows.
func (s *Store) PutSessionRow(ctx context.Context, sess model.Session) error {
	return s.withTx(ctx, "put session", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sessions (`+sessionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, formatTime(sess.StartTime), formatTime(sess.LastUpdated),
			sess.Cost, sess.LinesAdded, sess.LinesRemoved,
			sess.MaxTokensObserved, sess.ModelName, sess.WorkspaceDir,
			sess.Tokens.InputTokens, sess.Tokens.OutputTokens, sess.Tokens.CacheReadTokens, sess.Tokens.CacheCreationTokens,
			sess.DeviceID, formatTime(sess.SyncTimestamp))
		return err
	})
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(r scanner) (model.Session, error) {
	var (
		sess                   model.Session
		start, updated, synced string
	)
	err := r.Scan(&sess.SessionID, &start, &updated, &sess.Cost, &sess.LinesAdded, &sess.LinesRemoved,
		&sess.MaxTokensObserved, &sess.ModelName, &sess.WorkspaceDir,
		&sess.Tokens.InputTokens, &sess.Tokens.OutputTokens, &sess.Tokens.CacheReadTokens, &sess.Tokens.CacheCreationTokens,
		&sess.DeviceID, &synced)
	if err != nil {
		return model.Session{}, err
	}
	sess.StartTime = parseTime(start)
	sess.LastUpdated = parseTime(updated)
	sess.SyncTimestamp = parseTime(synced)
	return sess, nil
}
