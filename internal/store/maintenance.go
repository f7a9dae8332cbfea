package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
)

// Retention gives the maximum age per entity in days. Zero keeps forever.
type Retention struct {
	SessionDays int
	DailyDays   int
	MonthlyDays int
	LearnedDays int
	// VacuumFreeRatio triggers VACUUM when freelist pages / total pages exceeds it.
	VacuumFreeRatio float64
}

// MaintenanceReport summarizes one VacuumAndPrune run.
type MaintenanceReport struct {
	SessionsPruned int64   `json:"sessions_pruned"`
	ActivityPruned int64   `json:"activity_pruned"`
	DailyPruned    int64   `json:"daily_pruned"`
	MonthlyPruned  int64   `json:"monthly_pruned"`
	LearnedPruned  int64   `json:"learned_pruned"`
	FreelistRatio  float64 `json:"freelist_ratio"`
	Vacuumed       bool    `json:"vacuumed"`
	IntegrityOK    bool    `json:"integrity_ok"`
	Integrity      string  `json:"integrity"`
}

// VacuumAndPrune deletes rows past their retention window, vacuums when the
// free page ratio is high, and runs an integrity check. Errors wrap
// ErrRetentionPrune and are not fatal.
func (s *Store) VacuumAndPrune(ctx context.Context, r Retention) (MaintenanceReport, error) {
	var rep MaintenanceReport
	now := s.now()

	err := s.withTx(ctx, "prune", func(tx *sql.Tx) error {
		var err error
		if r.SessionDays > 0 {
			cutoff := formatTime(now.AddDate(0, 0, -r.SessionDays))
			if rep.SessionsPruned, err = execCount(ctx, tx,
				"DELETE FROM sessions WHERE last_updated < ?", cutoff); err != nil {
				return err
			}
			if rep.ActivityPruned, err = execCount(ctx, tx,
				"DELETE FROM session_activity WHERE session_id NOT IN (SELECT session_id FROM sessions)"); err != nil {
				return err
			}
		}
		if r.DailyDays > 0 {
			cutoff := model.DayKey(now.AddDate(0, 0, -r.DailyDays), s.loc)
			if rep.DailyPruned, err = execCount(ctx, tx,
				"DELETE FROM daily_stats WHERE date < ?", cutoff); err != nil {
				return err
			}
		}
		if r.MonthlyDays > 0 {
			cutoff := model.MonthKey(now.AddDate(0, 0, -r.MonthlyDays), s.loc)
			if rep.MonthlyPruned, err = execCount(ctx, tx,
				"DELETE FROM monthly_stats WHERE month < ?", cutoff); err != nil {
				return err
			}
		}
		if r.LearnedDays > 0 {
			cutoff := formatTime(now.AddDate(0, 0, -r.LearnedDays))
			if rep.LearnedPruned, err = execCount(ctx, tx,
				"DELETE FROM learned_context_windows WHERE last_updated < ?", cutoff); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("%w: %w", model.ErrRetentionPrune, err)
	}

	ratio, err := s.freelistRatio(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: reading freelist: %w", model.ErrRetentionPrune, err)
	}
	rep.FreelistRatio = ratio
	if r.VacuumFreeRatio > 0 && ratio > r.VacuumFreeRatio {
		if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
			return rep, fmt.Errorf("%w: vacuum: %w", model.ErrRetentionPrune, err)
		}
		rep.Vacuumed = true
	}

	rep.Integrity, err = s.integrityCheck(ctx)
	if err != nil {
		return rep, fmt.Errorf("%w: integrity check: %w", model.ErrRetentionPrune, err)
	}
	rep.IntegrityOK = rep.Integrity == "ok"
	if !rep.IntegrityOK {
		s.log.Warn("store integrity check failed", zap.String("path", s.path), zap.String("result", rep.Integrity))
	}

	s.log.Info("maintenance complete",
		zap.Int64("sessions_pruned", rep.SessionsPruned),
		zap.Int64("daily_pruned", rep.DailyPruned),
		zap.Int64("monthly_pruned", rep.MonthlyPruned),
		zap.Int64("learned_pruned", rep.LearnedPruned),
		zap.Bool("vacuumed", rep.Vacuumed))
	return rep, nil
}

func execCount(ctx context.Context, tx *sql.Tx, query string, args ...any) (int64, error) {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) freelistRatio(ctx context.Context) (float64, error) {
	var free, total int64
	if err := s.db.QueryRowContext(ctx, "PRAGMA freelist_count").Scan(&free); err != nil {
		return 0, err
	}
	if err := s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&total); err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	return float64(free) / float64(total), nil
}

func (s *Store) integrityCheck(ctx context.Context) (string, error) {
	rows, err := s.db.QueryContext(ctx, "PRAGMA integrity_check")
	if err != nil {
		return "", err
	}
	defer func() { _ = rows.Close() }()

	var lines []string
	for rows.Next() {
		var line string
		if err := rows.Scan(&line); err != nil {
			return "", err
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "; "), rows.Err()
}

// Diagnostics reports current totals as of now.
func (s *Store) Diagnostics(ctx context.Context, now time.Time) (model.Diagnostics, error) {
	d := model.Diagnostics{
		Backend:     "sqlite",
		StorePath:   s.path,
		GeneratedAt: now.UTC(),
	}
	var err error
	if d.Today, err = s.Daily(ctx, model.DayKey(now, s.loc)); err != nil {
		return d, err
	}
	if d.Month, err = s.Monthly(ctx, model.MonthKey(now, s.loc)); err != nil {
		return d, err
	}
	if d.Lifetime, err = s.Lifetime(ctx); err != nil {
		return d, err
	}
	d.SessionCount = d.Lifetime.SessionCount
	if !d.Lifetime.EarliestSession.IsZero() {
		d.EarliestDate = model.DayKey(d.Lifetime.EarliestSession, s.loc)
	}
	return d, nil
}
