package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/theirongolddev/burnline/internal/model"
)

type periodTable struct {
	kind  model.PeriodKind
	table string
	key   string
}

var (
	dailyTable   = periodTable{model.PeriodDay, "daily_stats", "date"}
	monthlyTable = periodTable{model.PeriodMonth, "monthly_stats", "month"}
)

// UpsertDaily adds d to the day row. When newSession is set the session is
// recorded as active for the day and counted only if that record is new.
func (s *Store) UpsertDaily(ctx context.Context, key string, d model.Delta, sessionID string, newSession bool) error {
	return s.upsertPeriod(ctx, dailyTable, key, d, sessionID, newSession)
}

// UpsertMonthly adds d to the month row. See UpsertDaily.
func (s *Store) UpsertMonthly(ctx context.Context, key string, d model.Delta, sessionID string, newSession bool) error {
	return s.upsertPeriod(ctx, monthlyTable, key, d, sessionID, newSession)
}

func (s *Store) upsertPeriod(ctx context.Context, t periodTable, key string, d model.Delta, sessionID string, newSession bool) error {
	if key == "" {
		return fmt.Errorf("%w: empty %s key", model.ErrTransaction, t.kind)
	}
	return s.withTx(ctx, "upsert "+string(t.kind), func(tx *sql.Tx) error {
		_, err := upsertPeriodTx(ctx, tx, t, key, d, sessionID, newSession, formatTime(s.now()))
		return err
	})
}

// upsertPeriodTx reports whether the session was counted for the period.
func upsertPeriodTx(ctx context.Context, tx *sql.Tx, t periodTable, key string, d model.Delta, sessionID string, newSession bool, now string) (bool, error) {
	var count int64
	if newSession && sessionID != "" {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_activity
			(session_id, period_kind, period_key) VALUES (?, ?, ?)`,
			sessionID, string(t.kind), key)
		if err != nil {
			return false, err
		}
		if count, err = res.RowsAffected(); err != nil {
			return false, err
		}
	}
	if d.IsZero() && count == 0 {
		// Still materialize the row so the period shows up in reads.
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s) VALUES (?)`, t.table, t.key), key)
		return false, err
	}

	_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT INTO %[1]s
			(%[2]s, total_cost, total_lines_added, total_lines_removed, session_count, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(%[2]s) DO UPDATE SET
			total_cost = total_cost + excluded.total_cost,
			total_lines_added = total_lines_added + excluded.total_lines_added,
			total_lines_removed = total_lines_removed + excluded.total_lines_removed,
			session_count = session_count + excluded.session_count,
			sync_timestamp = excluded.sync_timestamp`, t.table, t.key),
		key, d.Cost, d.LinesAdded, d.LinesRemoved, count, now)
	return count > 0, err
}

// Daily returns the day row; a missing row is a zero aggregate.
func (s *Store) Daily(ctx context.Context, key string) (model.Aggregate, error) {
	return s.period(ctx, dailyTable, key)
}

// Monthly returns the month row; a missing row is a zero aggregate.
func (s *Store) Monthly(ctx context.Context, key string) (model.Aggregate, error) {
	return s.period(ctx, monthlyTable, key)
}

func (s *Store) period(ctx context.Context, t periodTable, key string) (model.Aggregate, error) {
	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT %s, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM %s WHERE %s = ?`, t.key, t.table, t.key), key)
	a, err := scanAggregate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Aggregate{Key: key}, nil
	}
	return a, err
}

// DailyRange returns day rows with from <= key <= to, ascending.
func (s *Store) DailyRange(ctx context.Context, from, to string) ([]model.Aggregate, error) {
	return s.queryAggregates(ctx, `SELECT date, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM daily_stats
		WHERE date >= ? AND date <= ? ORDER BY date`, from, to)
}

// MonthlyAll returns every month row, ascending.
func (s *Store) MonthlyAll(ctx context.Context) ([]model.Aggregate, error) {
	return s.queryAggregates(ctx, `SELECT month, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM monthly_stats ORDER BY month`)
}

// DailySince returns day rows touched at or after since.
func (s *Store) DailySince(ctx context.Context, since time.Time) ([]model.Aggregate, error) {
	return s.queryAggregates(ctx, `SELECT date, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM daily_stats
		WHERE sync_timestamp >= ? ORDER BY date`, formatTime(since))
}

// MonthlySince returns month rows touched at or after since.
func (s *Store) MonthlySince(ctx context.Context, since time.Time) ([]model.Aggregate, error) {
	return s.queryAggregates(ctx, `SELECT month, total_cost, total_lines_added, total_lines_removed,
		session_count, device_id, sync_timestamp FROM monthly_stats
		WHERE sync_timestamp >= ? ORDER BY month`, formatTime(since))
}

// PutDailyRow writes a day row verbatim.
func (s *Store) PutDailyRow(ctx context.Context, a model.Aggregate) error {
	return s.putPeriodRow(ctx, dailyTable, a)
}

// PutMonthlyRow writes a month row verbatim.
func (s *Store) PutMonthlyRow(ctx context.Context, a model.Aggregate) error {
	return s.putPeriodRow(ctx, monthlyTable, a)
}

func (s *Store) putPeriodRow(ctx context.Context, t periodTable, a model.Aggregate) error {
	return s.withTx(ctx, "put "+string(t.kind), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, fmt.Sprintf(`INSERT OR REPLACE INTO %s
			(%s, total_cost, total_lines_added, total_lines_removed, session_count, device_id, sync_timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?)`, t.table, t.key),
			a.Key, a.TotalCost, a.TotalLinesAdded, a.TotalLinesRemoved, a.SessionCount,
			a.DeviceID, formatTime(a.SyncTimestamp))
		return err
	})
}

// Lifetime sums the monthly rows. Session count is the number of sessions.
func (s *Store) Lifetime(ctx context.Context) (model.Lifetime, error) {
	var lt model.Lifetime
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(total_cost), 0),
		COALESCE(SUM(total_lines_added), 0), COALESCE(SUM(total_lines_removed), 0)
		FROM monthly_stats`).Scan(&lt.TotalCost, &lt.TotalLinesAdded, &lt.TotalLinesRemoved)
	if err != nil {
		return model.Lifetime{}, err
	}
	if lt.SessionCount, err = s.SessionCount(ctx); err != nil {
		return model.Lifetime{}, err
	}
	if lt.EarliestSession, err = s.EarliestSession(ctx); err != nil {
		return model.Lifetime{}, err
	}
	return lt, nil
}

func (s *Store) queryAggregates(ctx context.Context, query string, args ...any) ([]model.Aggregate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []model.Aggregate
	for rows.Next() {
		a, err := scanAggregate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAggregate(r scanner) (model.Aggregate, error) {
	var (
		a      model.Aggregate
		synced string
	)
	err := r.Scan(&a.Key, &a.TotalCost, &a.TotalLinesAdded, &a.TotalLinesRemoved,
		&a.SessionCount, &a.DeviceID, &synced)
	if err != nil {
		return model.Aggregate{}, err
	}
	a.SyncTimestamp = parseTime(synced)
	return a, nil
}
