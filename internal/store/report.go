package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/theirongolddev/burnline/internal/model"
)

// Recorded is the outcome of ApplyReport.
type Recorded struct {
	model.SessionDelta
	NewInDay   bool
	NewInMonth bool
}

// ApplyReport writes the session row and both rollups in one transaction.
// Either all three change or none do. Activity rows decide whether the
// session is counted for each period.
func (s *Store) ApplyReport(ctx context.Context, u model.SessionUpdate, day, month model.Period) (Recorded, error) {
	if u.SessionID == "" {
		return Recorded{}, fmt.Errorf("%w: empty session id", model.ErrTransaction)
	}
	if day.Key == "" || month.Key == "" {
		return Recorded{}, fmt.Errorf("%w: empty period key", model.ErrTransaction)
	}
	at := u.At
	if at.IsZero() {
		at = s.now()
	}

	var out Recorded
	err := s.withTx(ctx, "apply report", func(tx *sql.Tx) error {
		sd, err := upsertSessionTx(ctx, tx, u, at)
		if err != nil {
			return err
		}
		out.SessionDelta = sd
		now := formatTime(s.now())
		if out.NewInDay, err = upsertPeriodTx(ctx, tx, dailyTable, day.Key, sd.Delta, u.SessionID, true, now); err != nil {
			return err
		}
		out.NewInMonth, err = upsertPeriodTx(ctx, tx, monthlyTable, month.Key, sd.Delta, u.SessionID, true, now)
		return err
	})
	if err != nil {
		return Recorded{}, err
	}
	return out, nil
}
