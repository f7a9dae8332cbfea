package store

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "stats.db"), Options{
		Location: time.UTC,
		Now:      func() time.Time { return testNow },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func update(id string, cost float64, added, removed int64) model.SessionUpdate {
	return model.SessionUpdate{
		SessionID:    id,
		Cost:         cost,
		LinesAdded:   added,
		LinesRemoved: removed,
		ModelName:    "claude-sonnet-4-5",
		At:           testNow,
	}
}

func TestUpsertSession_NewSessionDeltaIsFullValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertSession(ctx, update("s1", 1.25, 40, 3))
	require.NoError(t, err)
	assert.True(t, d.Created)
	assert.Equal(t, model.Delta{Cost: 1.25, LinesAdded: 40, LinesRemoved: 3}, d.Delta)
	assert.Equal(t, testNow, d.StartTime)

	sess, ok, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1.25, sess.Cost)
	assert.Equal(t, "claude-sonnet-4-5", sess.ModelName)
}

func TestUpsertSession_IdempotentReplacement(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.UpsertSession(ctx, update("s1", 2.0, 10, 1))
	require.NoError(t, err)

	d, err := s.UpsertSession(ctx, update("s1", 2.0, 10, 1))
	require.NoError(t, err)
	assert.False(t, d.Created)
	assert.True(t, d.IsZero())

	n, err := s.SessionCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestUpsertSession_DeltasSumToLatestValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	var sum model.Delta
	for _, v := range []struct {
		cost           float64
		added, removed int64
	}{{0.5, 5, 0}, {1.75, 30, 4}, {3.0, 31, 9}} {
		d, err := s.UpsertSession(ctx, update("s1", v.cost, v.added, v.removed))
		require.NoError(t, err)
		sum.Cost += d.Cost
		sum.LinesAdded += d.LinesAdded
		sum.LinesRemoved += d.LinesRemoved
	}
	assert.InDelta(t, 3.0, sum.Cost, 1e-9)
	assert.Equal(t, int64(31), sum.LinesAdded)
	assert.Equal(t, int64(9), sum.LinesRemoved)
}

func TestUpsertSession_KeepsTokenMaxWhenUnreported(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := update("s1", 1, 0, 0)
	u.MaxTokensObserved = 120_000
	_, err := s.UpsertSession(ctx, u)
	require.NoError(t, err)

	u.MaxTokensObserved = 0
	u.ModelName = ""
	d, err := s.UpsertSession(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), d.PrevMaxTokens)

	sess, _, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(120_000), sess.MaxTokensObserved)
	assert.Equal(t, "claude-sonnet-4-5", sess.ModelName)
}

func TestUpsertDaily_CountsSessionOncePerPeriod(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := model.Day(testNow, time.UTC)

	active, err := s.SessionActiveInPeriod(ctx, "s1", day)
	require.NoError(t, err)
	assert.False(t, active)

	require.NoError(t, s.UpsertDaily(ctx, day.Key, model.Delta{Cost: 1}, "s1", true))
	require.NoError(t, s.UpsertDaily(ctx, day.Key, model.Delta{Cost: 0.5}, "s1", true))
	require.NoError(t, s.UpsertDaily(ctx, day.Key, model.Delta{Cost: 2}, "s2", true))

	agg, err := s.Daily(ctx, day.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), agg.SessionCount)
	assert.InDelta(t, 3.5, agg.TotalCost, 1e-9)

	active, err = s.SessionActiveInPeriod(ctx, "s1", day)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestCostScenario_OneFiftyTotal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := model.DayKey(testNow, time.UTC)
	month := model.MonthKey(testNow, time.UTC)

	for _, cost := range []float64{1.00, 1.50, 1.50} {
		d, err := s.UpsertSession(ctx, update("s1", cost, 0, 0))
		require.NoError(t, err)
		require.NoError(t, s.UpsertDaily(ctx, day, d.Delta, "s1", d.Created))
		require.NoError(t, s.UpsertMonthly(ctx, month, d.Delta, "s1", d.Created))
	}

	daily, err := s.Daily(ctx, day)
	require.NoError(t, err)
	assert.InDelta(t, 1.50, daily.TotalCost, 1e-9)
	assert.Equal(t, int64(1), daily.SessionCount)

	lt, err := s.Lifetime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 1.50, lt.TotalCost, 1e-9)
	assert.Equal(t, int64(1), lt.SessionCount)
	assert.Equal(t, testNow, lt.EarliestSession)
}

func TestApplyReport_WritesSessionAndRollupsTogether(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day, month := model.Day(testNow, time.UTC), model.Month(testNow, time.UTC)

	for i, cost := range []float64{1.00, 1.50, 1.50} {
		rec, err := s.ApplyReport(ctx, update("s1", cost, 0, 0), day, month)
		require.NoError(t, err)
		assert.Equal(t, i == 0, rec.Created)
		assert.Equal(t, i == 0, rec.NewInDay)
		assert.Equal(t, i == 0, rec.NewInMonth)
	}

	daily, err := s.Daily(ctx, day.Key)
	require.NoError(t, err)
	assert.InDelta(t, 1.50, daily.TotalCost, 1e-9)
	assert.Equal(t, int64(1), daily.SessionCount)
	monthly, err := s.Monthly(ctx, month.Key)
	require.NoError(t, err)
	assert.InDelta(t, 1.50, monthly.TotalCost, 1e-9)
}

func TestApplyReport_RollupFailureRollsBackSession(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day, month := model.Day(testNow, time.UTC), model.Month(testNow, time.UTC)

	_, err := s.db.ExecContext(ctx, "DROP TABLE monthly_stats")
	require.NoError(t, err)

	_, err = s.ApplyReport(ctx, update("s1", 2, 10, 0), day, month)
	require.ErrorIs(t, err, model.ErrTransaction)

	_, ok, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)
	daily, err := s.Daily(ctx, day.Key)
	require.NoError(t, err)
	assert.Zero(t, daily.TotalCost)
	active, err := s.SessionActiveInPeriod(ctx, "s1", day)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = s.ApplyReport(ctx, update("s1", 2, 10, 0), model.Period{Kind: model.PeriodDay}, month)
	assert.ErrorIs(t, err, model.ErrTransaction)
}

func TestUpsertDaily_ConcurrentWritersNeverDoubleCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.db")
	ctx := context.Background()
	key := "2025-06-15"

	const writers = 4
	const perWriter = 10
	stores := make([]*Store, writers)
	for i := range stores {
		s, err := Open(ctx, path, Options{Location: time.UTC})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		stores[i] = s
	}

	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *Store) {
			defer wg.Done()
			for j := 0; j < perWriter; j++ {
				// Every writer reports the same session set.
				id := fmt.Sprintf("s%d", j)
				if err := s.UpsertDaily(ctx, key, model.Delta{Cost: 0.01}, id, true); err != nil {
					errs <- err
				}
			}
		}(i, s)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	agg, err := stores[0].Daily(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, int64(perWriter), agg.SessionCount)
	assert.InDelta(t, 0.01*writers*perWriter, agg.TotalCost, 1e-9)
}

func TestDiagnostics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d, err := s.UpsertSession(ctx, update("s1", 4.2, 12, 0))
	require.NoError(t, err)
	require.NoError(t, s.UpsertDaily(ctx, model.DayKey(testNow, time.UTC), d.Delta, "s1", true))
	require.NoError(t, s.UpsertMonthly(ctx, model.MonthKey(testNow, time.UTC), d.Delta, "s1", true))

	diag, err := s.Diagnostics(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", diag.Backend)
	assert.Equal(t, s.Path(), diag.StorePath)
	assert.InDelta(t, 4.2, diag.Today.TotalCost, 1e-9)
	assert.InDelta(t, 4.2, diag.Month.TotalCost, 1e-9)
	assert.Equal(t, int64(1), diag.SessionCount)
	assert.Equal(t, "2025-06-15", diag.EarliestDate)
}

func TestImportAndSnapshot(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	day := model.Day(testNow, time.UTC)

	snap := model.NewSnapshot()
	snap.Sessions["s1"] = model.Session{SessionID: "s1", StartTime: testNow, LastUpdated: testNow, Cost: 3}
	snap.Daily[day.Key] = model.Aggregate{Key: day.Key, TotalCost: 3, SessionCount: 1}
	snap.Monthly["2025-06"] = model.Aggregate{Key: "2025-06", TotalCost: 3, SessionCount: 1}
	snap.MarkActive("s1", day)

	empty, err := s.IsEmpty(ctx)
	require.NoError(t, err)
	require.True(t, empty)

	require.NoError(t, s.Import(ctx, snap))
	require.NoError(t, s.Import(ctx, snap))

	active, err := s.SessionActiveInPeriod(ctx, "s1", day)
	require.NoError(t, err)
	assert.True(t, active)

	out, err := s.Snapshot(ctx, day)
	require.NoError(t, err)
	assert.Len(t, out.Sessions, 1)
	assert.InDelta(t, 3, out.Daily[day.Key].TotalCost, 1e-9)
	assert.True(t, out.Active("s1", day))
}

func TestVacuumAndPrune(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := testNow.AddDate(0, 0, -120)
	u := update("old", 1, 0, 0)
	u.At = old
	d, err := s.UpsertSession(ctx, u)
	require.NoError(t, err)
	require.NoError(t, s.UpsertDaily(ctx, model.DayKey(old, time.UTC), d.Delta, "old", true))
	require.NoError(t, s.UpsertMonthly(ctx, model.MonthKey(old, time.UTC), d.Delta, "old", true))

	d, err = s.UpsertSession(ctx, update("new", 2, 0, 0))
	require.NoError(t, err)
	require.NoError(t, s.UpsertDaily(ctx, model.DayKey(testNow, time.UTC), d.Delta, "new", true))

	rep, err := s.VacuumAndPrune(ctx, Retention{SessionDays: 90, DailyDays: 90, VacuumFreeRatio: 0.2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rep.SessionsPruned)
	assert.Equal(t, int64(2), rep.ActivityPruned)
	assert.Equal(t, int64(1), rep.DailyPruned)
	assert.Equal(t, int64(0), rep.MonthlyPruned)
	assert.True(t, rep.IntegrityOK)

	_, ok, err := s.Session(ctx, "old")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = s.Session(ctx, "new")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLearnedWindows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	w, err := s.UpdateLearnedWindow(ctx, "claude-opus-4-5", func(w *model.LearnedContextWindow, exists bool) bool {
		assert.False(t, exists)
		w.ObservedMaxTokens = 190_000
		w.CompactionCount = 1
		return true
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, w.ConfidenceScore, 1e-9)
	assert.Equal(t, testNow, w.FirstSeen)

	require.NoError(t, s.PutLearnedWindow(ctx, model.LearnedContextWindow{ModelName: "claude-haiku-4-5", CeilingObservations: 3}))

	all, err := s.ListLearnedWindows(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "claude-haiku-4-5", all[0].ModelName)

	n, err := s.ResetLearnedWindows(ctx, "claude-opus-4-5")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	_, ok, err := s.LearnedWindow(ctx, "claude-opus-4-5")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err = s.ResetLearnedWindows(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncValue(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v, err := s.SyncValue(ctx, "conflicts")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetSyncValue(ctx, "conflicts", "2"))
	require.NoError(t, s.SetSyncValue(ctx, "conflicts", "3"))
	v, err = s.SyncValue(ctx, "conflicts")
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, IsBusy(nil))
	assert.True(t, IsBusy(fmt.Errorf("exec: database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, IsBusy(fmt.Errorf("no such table: sessions")))
}
