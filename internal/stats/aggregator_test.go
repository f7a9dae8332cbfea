package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/burnline/internal/learning"
	"github.com/theirongolddev/burnline/internal/mirror"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func openStore(t *testing.T, dir string, loc *time.Location, now func() time.Time) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(dir, "stats.db"), store.Options{Location: loc, Now: now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecordUsage_CostScenario(t *testing.T) {
	dir := t.TempDir()
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, dir, time.UTC, c.now)
	agg := New(Options{Backend: StoreBackend{s}, Location: time.UTC, Now: c.now})
	ctx := context.Background()

	var totals model.CurrentTotals
	for _, cost := range []float64{1.00, 1.50, 1.50} {
		var err error
		totals, err = agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: cost, ModelName: "claude-opus-4-5"})
		require.NoError(t, err)
		c.t = c.t.Add(30 * time.Minute)
	}

	assert.False(t, totals.Degraded)
	assert.InDelta(t, 1.50, totals.Session.Cost, 1e-9)
	assert.InDelta(t, 1.50, totals.Today.TotalCost, 1e-9)
	assert.Equal(t, int64(1), totals.Today.SessionCount)
	assert.InDelta(t, 1.50, totals.Month.TotalCost, 1e-9)
	assert.InDelta(t, 1.50, totals.Lifetime.TotalCost, 1e-9)
	assert.Equal(t, int64(1), totals.Lifetime.SessionCount)
	// 1.50 over the hour since the first report.
	assert.InDelta(t, 1.50, totals.BurnRatePerHour, 1e-9)
}

func TestRecordUsage_LocalDayBoundary(t *testing.T) {
	for _, offset := range []int{-5, +9} {
		t.Run(fmt.Sprintf("UTC%+d", offset), func(t *testing.T) {
			loc := time.FixedZone("test", offset*3600)
			// For each offset one of the two reports sits on a different UTC date than its local one.
			local := time.Date(2025, 1, 31, 23, 30, 0, 0, loc)
			c := &clock{t: local}
			s := openStore(t, t.TempDir(), loc, c.now)
			agg := New(Options{Backend: StoreBackend{s}, Location: loc, Now: c.now})
			ctx := context.Background()

			totals, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2})
			require.NoError(t, err)
			assert.Equal(t, "2025-01-31", totals.Today.Key)
			assert.Equal(t, "2025-01", totals.Month.Key)

			day, err := s.Daily(ctx, "2025-01-31")
			require.NoError(t, err)
			assert.InDelta(t, 2, day.TotalCost, 1e-9)
			active, err := s.SessionActiveInPeriod(ctx, "s1", model.Period{Kind: model.PeriodDay, Key: "2025-01-31"})
			require.NoError(t, err)
			assert.True(t, active)

			// Crossing local midnight moves the session into a new day and month.
			c.t = local.Add(time.Hour)
			totals, err = agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 3})
			require.NoError(t, err)
			assert.Equal(t, "2025-02-01", totals.Today.Key)
			assert.Equal(t, int64(1), totals.Today.SessionCount)
			assert.InDelta(t, 1, totals.Today.TotalCost, 1e-9)
			assert.Equal(t, "2025-02", totals.Month.Key)
			assert.Equal(t, int64(1), totals.Lifetime.SessionCount)
		})
	}
}

func TestRecordUsage_CorruptMirrorWithIntactStore(t *testing.T) {
	dir := t.TempDir()
	mirrorPath := filepath.Join(dir, "stats.json")
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, dir, time.UTC, c.now)
	ctx := context.Background()

	// The store already has data, so the mirror is never imported.
	_, err := New(Options{Backend: StoreBackend{s}, Location: time.UTC, Now: c.now}).
		RecordUsage(ctx, Report{SessionID: "s0", Cost: 1.25})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mirrorPath, []byte(`{"sessions": [broken`), 0o600))

	agg := New(Options{
		Backend:  StoreBackend{s},
		Mirror:   &mirror.File{Path: mirrorPath, Now: c.now},
		Location: time.UTC,
		Now:      c.now,
	})
	totals, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 0.75})
	require.NoError(t, err)
	assert.InDelta(t, 2.00, totals.Today.TotalCost, 1e-9)

	backups, err := filepath.Glob(mirrorPath + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, backups, 1)
	kept, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, `{"sessions": [broken`, string(kept))

	data, err := os.ReadFile(mirrorPath)
	require.NoError(t, err)
	var snap model.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap), "mirror rewritten as valid JSON")
	assert.InDelta(t, 0.75, snap.Sessions["s1"].Cost, 1e-9)
}

func TestRecordUsage_ImportsMirrorIntoEmptyStoreOnce(t *testing.T) {
	dir := t.TempDir()
	mirrorPath := filepath.Join(dir, "stats.json")
	at := time.Date(2025, 6, 14, 9, 0, 0, 0, time.UTC)
	seed := model.NewSnapshot()
	seed.Sessions["old"] = model.Session{SessionID: "old", StartTime: at, LastUpdated: at, Cost: 5}
	seed.Daily["2025-06-14"] = model.Aggregate{Key: "2025-06-14", TotalCost: 5, SessionCount: 1}
	seed.Monthly["2025-06"] = model.Aggregate{Key: "2025-06", TotalCost: 5, SessionCount: 1}
	require.NoError(t, (&mirror.File{Path: mirrorPath}).Save(seed))

	c := &clock{t: at.Add(24 * time.Hour)}
	s := openStore(t, dir, time.UTC, c.now)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		agg := New(Options{Backend: StoreBackend{s}, Mirror: &mirror.File{Path: mirrorPath}, Location: time.UTC, Now: c.now})
		totals, err := agg.RecordUsage(ctx, Report{SessionID: "new", Cost: 1})
		require.NoError(t, err)
		assert.InDelta(t, 6, totals.Month.TotalCost, 1e-9)
		assert.InDelta(t, 6, totals.Lifetime.TotalCost, 1e-9)
		assert.Equal(t, int64(2), totals.Month.SessionCount)
	}
}

type failingBackend struct {
	Backend
	calls int
}

func (f *failingBackend) UpsertSession(context.Context, model.SessionUpdate) (model.SessionDelta, error) {
	f.calls++
	return model.SessionDelta{}, fmt.Errorf("%w: database is locked", model.ErrTransaction)
}

func TestRecordUsage_DegradesWhenStoreIsBusy(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), time.UTC, c.now)
	ctx := context.Background()

	agg := New(Options{Backend: StoreBackend{s}, Location: time.UTC, Now: c.now})
	_, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 1})
	require.NoError(t, err)

	fb := &failingBackend{Backend: StoreBackend{s}}
	agg = New(Options{Backend: fb, Location: time.UTC, Now: c.now, RetryAttempts: 3, RetryBackoff: time.Millisecond})
	totals, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 1.25})
	require.NoError(t, err)
	assert.True(t, totals.Degraded)
	assert.Equal(t, 3, fb.calls)
	assert.InDelta(t, 1.25, totals.Today.TotalCost, 1e-9)
	assert.Equal(t, int64(1), totals.Today.SessionCount)
	assert.InDelta(t, 1.25, totals.Session.Cost, 1e-9)
}

type dailyFailingBackend struct {
	Backend
	calls int
}

func (f *dailyFailingBackend) UpsertDaily(context.Context, string, model.Delta, string, bool) error {
	f.calls++
	return errors.New("disk I/O error")
}

func TestRecordUsage_RollupFailureAfterSessionWrite(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), time.UTC, c.now)
	ctx := context.Background()

	// The wrapper hides ApplyReport, so the session and rollups are written
	// one at a time.
	fb := &dailyFailingBackend{Backend: StoreBackend{s}}
	agg := New(Options{Backend: fb, Location: time.UTC, Now: c.now, RetryAttempts: 3, RetryBackoff: time.Millisecond})
	totals, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2})
	require.NoError(t, err)

	assert.True(t, totals.Degraded)
	assert.Equal(t, 1, fb.calls, "non-transaction errors are not retried")
	assert.InDelta(t, 2, totals.Today.TotalCost, 1e-9)
	assert.InDelta(t, 2, totals.Session.Cost, 1e-9)

	sess, ok, err := s.Session(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 2, sess.Cost, 1e-9)
	month, err := s.Monthly(ctx, "2025-06")
	require.NoError(t, err)
	assert.InDelta(t, 2, month.TotalCost, 1e-9)
	day, err := s.Daily(ctx, "2025-06-15")
	require.NoError(t, err)
	assert.Zero(t, day.TotalCost)
}

type recordingObserver struct {
	got []learning.Observation
}

func (r *recordingObserver) Observe(_ context.Context, obs learning.Observation) (learning.Result, error) {
	r.got = append(r.got, obs)
	return learning.Result{}, nil
}

func TestRecordUsage_PassesPreviousMaxToObserver(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), time.UTC, c.now)
	obs := &recordingObserver{}
	agg := New(Options{Backend: StoreBackend{s}, Observer: obs, Location: time.UTC, Now: c.now})
	ctx := context.Background()

	_, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 1, ModelName: "claude-opus-4-5", ContextTokens: 190_000})
	require.NoError(t, err)
	_, err = agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2, ModelName: "claude-opus-4-5", ContextTokens: 40_000})
	require.NoError(t, err)
	_, err = agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 3})
	require.NoError(t, err)

	require.Len(t, obs.got, 2)
	assert.Equal(t, int64(0), obs.got[0].PreviousMax)
	assert.Equal(t, int64(190_000), obs.got[1].PreviousMax)
	assert.Equal(t, int64(40_000), obs.got[1].CurrentTokens)
}

func TestRecordUsage_WithLearningEngine(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	s := openStore(t, t.TempDir(), time.UTC, c.now)
	engine := learning.NewEngine(s, learning.Options{})
	agg := New(Options{Backend: StoreBackend{s}, Observer: engine, Location: time.UTC, Now: c.now})
	ctx := context.Background()

	for _, tokens := range []int64{190_000, 40_000} {
		_, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 1, ModelName: "claude-opus-4-5-20251101", ContextTokens: tokens})
		require.NoError(t, err)
	}

	w, ok, err := s.LearnedWindow(ctx, "claude-opus-4-5")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), w.CompactionCount)
	assert.Equal(t, int64(190_000), w.ObservedMaxTokens)
}

func TestMirrorBackend_PersistsAcrossInvocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	for _, cost := range []float64{1.00, 1.50, 1.50} {
		f := &mirror.File{Path: path, Now: c.now}
		agg := New(Options{Backend: NewMirrorBackend(f, c.now), Mirror: f, Location: time.UTC, Now: c.now})
		_, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: cost})
		require.NoError(t, err)
	}

	f := &mirror.File{Path: path}
	agg := New(Options{Backend: NewMirrorBackend(f, c.now), Mirror: f, Location: time.UTC, Now: c.now})
	diag, err := agg.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "mirror", diag.Backend)
	assert.True(t, diag.MirrorEnabled)
	assert.InDelta(t, 1.50, diag.Today.TotalCost, 1e-9)
	assert.Equal(t, int64(1), diag.Today.SessionCount)
	assert.Equal(t, int64(1), diag.SessionCount)
	assert.Equal(t, "2025-06-15", diag.EarliestDate)
}

func TestMirrorBackend_ConcurrentWritersMerge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	newAgg := func() *Aggregator {
		f := &mirror.File{Path: path, Now: c.now}
		agg := New(Options{Backend: NewMirrorBackend(f, c.now), Mirror: f, Location: time.UTC, Now: c.now})
		_, err := agg.backend.IsEmpty(ctx)
		require.NoError(t, err)
		return agg
	}
	// Both load the same empty file before either writes.
	a, b := newAgg(), newAgg()

	_, err := a.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2})
	require.NoError(t, err)
	// b has not seen s1; the replay adds only the 0.5 on top of a's write.
	_, err = b.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2.5})
	require.NoError(t, err)
	_, err = b.RecordUsage(ctx, Report{SessionID: "s2", Cost: 3})
	require.NoError(t, err)

	snap, err := (&mirror.File{Path: path}).Load()
	require.NoError(t, err)
	assert.Len(t, snap.Sessions, 2)
	assert.InDelta(t, 5.5, snap.Daily["2025-06-15"].TotalCost, 1e-9)
	assert.Equal(t, int64(2), snap.Daily["2025-06-15"].SessionCount)
	assert.InDelta(t, 5.5, snap.Monthly["2025-06"].TotalCost, 1e-9)
}

func TestDiagnostics_MirrorBackendSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	ctx := context.Background()

	f := &mirror.File{Path: path, Now: c.now}
	reader := New(Options{Backend: NewMirrorBackend(f, c.now), Mirror: f, Location: time.UTC, Now: c.now})
	diag, err := reader.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Zero(t, diag.Today.TotalCost)

	w := &mirror.File{Path: path, Now: c.now}
	writer := New(Options{Backend: NewMirrorBackend(w, c.now), Mirror: w, Location: time.UTC, Now: c.now})
	_, err = writer.RecordUsage(ctx, Report{SessionID: "s1", Cost: 4})
	require.NoError(t, err)

	diag, err = reader.Diagnostics(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 4, diag.Today.TotalCost, 1e-9)
	assert.Equal(t, int64(1), diag.SessionCount)
}

func TestDiagnostics_StoreBackend(t *testing.T) {
	c := &clock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	dir := t.TempDir()
	s := openStore(t, dir, time.UTC, c.now)
	agg := New(Options{
		Backend:   StoreBackend{s},
		Mirror:    &mirror.File{Path: filepath.Join(dir, "stats.json")},
		Location:  time.UTC,
		Now:       c.now,
		StorePath: s.Path(),
	})
	ctx := context.Background()
	_, err := agg.RecordUsage(ctx, Report{SessionID: "s1", Cost: 2.5})
	require.NoError(t, err)

	diag, err := agg.Diagnostics(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", diag.Backend)
	assert.Equal(t, s.Path(), diag.StorePath)
	assert.Equal(t, filepath.Join(dir, "stats.json"), diag.MirrorPath)
	assert.InDelta(t, 2.5, diag.Lifetime.TotalCost, 1e-9)
}

func TestBurnRate(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Zero(t, BurnRate(5, start, start.Add(30*time.Second)))
	assert.Zero(t, BurnRate(5, time.Time{}, start))
	assert.InDelta(t, 2.5, BurnRate(5, start, start.Add(2*time.Hour)), 1e-9)
}
