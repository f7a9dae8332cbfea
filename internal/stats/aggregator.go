package stats

import (
	"context"
	"errors"
	"time"

	"github.com/theirongolddev/burnline/internal/learning"
	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/mirror"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/store"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultRetryAttempts = 3
	DefaultRetryBackoff  = 50 * time.Millisecond
)

// Observer receives token observations after a report is recorded.
type Observer interface {
	Observe(ctx context.Context, obs learning.Observation) (learning.Result, error)
}

// Report is one cumulative usage report from the host.
type Report struct {
	SessionID    string
	Cost         float64
	LinesAdded   int64
	LinesRemoved int64
	ModelName    string
	WorkspaceDir string
	Tokens       model.TokenBreakdown
	// ContextTokens is the transcript-derived current context size.
	ContextTokens  int64
	TranscriptPath string
	DeviceID       string
}

// Options configures an Aggregator.
type Options struct {
	Backend Backend
	// Mirror, when set, receives a snapshot after every report.
	Mirror   *mirror.File
	Observer Observer
	Location *time.Location
	Now      func() time.Time
	// StorePath is reported by Diagnostics.
	StorePath     string
	RetryAttempts int
	RetryBackoff  time.Duration
	Logger        *zap.Logger
}

// Aggregator records usage for one process. It holds no global state.
type Aggregator struct {
	backend  Backend
	mirror   *mirror.File
	observer Observer
	loc      *time.Location
	now      func() time.Time
	path     string
	attempts int
	backoff  time.Duration
	log      *zap.Logger

	loaded bool
}

// New builds an Aggregator.
func New(opts Options) *Aggregator {
	a := &Aggregator{
		backend:  opts.Backend,
		mirror:   opts.Mirror,
		observer: opts.Observer,
		loc:      opts.Location,
		now:      opts.Now,
		path:     opts.StorePath,
		attempts: opts.RetryAttempts,
		backoff:  opts.RetryBackoff,
		log:      logging.OrNop(opts.Logger),
	}
	if a.loc == nil {
		a.loc = time.Local
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.attempts <= 0 {
		a.attempts = DefaultRetryAttempts
	}
	if a.backoff <= 0 {
		a.backoff = DefaultRetryBackoff
	}
	return a
}

// BackendName names the active backend.
func (a *Aggregator) BackendName() string { return a.backend.Name() }

// ensureLoaded reads the mirror once so a corrupt file is backed up before
// it is rewritten, and imports it into an empty backend.
func (a *Aggregator) ensureLoaded(ctx context.Context) {
	if a.loaded {
		return
	}
	a.loaded = true
	if a.mirror == nil {
		return
	}
	if _, isMirror := a.backend.(*MirrorBackend); isMirror {
		return
	}

	snap, err := a.mirror.Load()
	if err != nil {
		a.log.Warn("mirror unreadable, not importing", zap.String("path", a.mirror.Path), zap.Error(err))
		return
	}
	if snap.IsEmpty() {
		return
	}
	empty, err := a.backend.IsEmpty(ctx)
	if err != nil || !empty {
		return
	}
	if err := a.backend.Import(ctx, snap); err != nil {
		a.log.Warn("mirror import failed", zap.Error(err))
		return
	}
	a.log.Info("imported mirror into empty store", zap.Int("sessions", len(snap.Sessions)))
}

// memory is the in-process view used when the backend cannot be written.
type memory struct {
	session  model.Session
	existed  bool
	today    model.Aggregate
	month    model.Aggregate
	lifetime model.Lifetime
}

// RecordUsage folds one report into every rollup and returns the new totals.
// Backend failures degrade to in-memory totals with Degraded set; the error
// is only returned for an invalid report.
func (a *Aggregator) RecordUsage(ctx context.Context, r Report) (model.CurrentTotals, error) {
	if r.SessionID == "" {
		return model.CurrentTotals{}, errors.New("record usage: empty session id")
	}
	a.ensureLoaded(ctx)

	now := a.now()
	day := model.Day(now, a.loc)
	month := model.Month(now, a.loc)
	logger := a.log.With(zap.String("session_id", r.SessionID))

	mem := a.readMemory(ctx, r.SessionID, day, month)

	update := model.SessionUpdate{
		SessionID:         r.SessionID,
		Cost:              r.Cost,
		LinesAdded:        r.LinesAdded,
		LinesRemoved:      r.LinesRemoved,
		ModelName:         r.ModelName,
		WorkspaceDir:      r.WorkspaceDir,
		Tokens:            r.Tokens,
		MaxTokensObserved: r.ContextTokens,
		DeviceID:          r.DeviceID,
		At:                now,
	}

	var (
		sd               model.SessionDelta
		newDay, newMonth bool
		errD, errM       error
	)
	if applier, ok := a.backend.(reportApplier); ok {
		rec, err := retry(ctx, a, "apply report", func() (store.Recorded, error) {
			return applier.ApplyReport(ctx, update, day, month)
		})
		if err != nil {
			logger.Warn("store unavailable, returning in-memory totals", zap.Error(err))
			return a.degraded(mem, update, day, month), nil
		}
		sd, newDay, newMonth = rec.SessionDelta, rec.NewInDay, rec.NewInMonth
	} else {
		// Activity must be read before anything is written for this report.
		activeDay, errDay := retry(ctx, a, "active day", func() (bool, error) {
			return a.backend.SessionActiveInPeriod(ctx, r.SessionID, day)
		})
		activeMonth, errMonth := retry(ctx, a, "active month", func() (bool, error) {
			return a.backend.SessionActiveInPeriod(ctx, r.SessionID, month)
		})

		err := errors.Join(errDay, errMonth)
		if err == nil {
			sd, err = retry(ctx, a, "upsert session", func() (model.SessionDelta, error) {
				return a.backend.UpsertSession(ctx, update)
			})
		}
		if err != nil {
			logger.Warn("store unavailable, returning in-memory totals", zap.Error(err))
			return a.degraded(mem, update, day, month), nil
		}

		newDay, newMonth = !activeDay, !activeMonth
		_, errD = retry(ctx, a, "upsert daily", func() (struct{}, error) {
			return struct{}{}, a.backend.UpsertDaily(ctx, day.Key, sd.Delta, r.SessionID, newDay)
		})
		_, errM = retry(ctx, a, "upsert monthly", func() (struct{}, error) {
			return struct{}{}, a.backend.UpsertMonthly(ctx, month.Key, sd.Delta, r.SessionID, newMonth)
		})
	}
	mem.today.Apply(sd.Delta, newDay)
	mem.month.Apply(sd.Delta, newMonth)
	mem.lifetime.TotalCost += sd.Cost
	mem.lifetime.TotalLinesAdded += sd.LinesAdded
	mem.lifetime.TotalLinesRemoved += sd.LinesRemoved
	if sd.Created {
		mem.lifetime.SessionCount++
	}

	totals := a.totals(ctx, mem, update, sd.StartTime, day, month)
	if errD != nil || errM != nil {
		logger.Warn("rollup update failed", zap.Error(errors.Join(errD, errM)))
		totals.Degraded = true
	}
	// A rollup that was not written shows the folded in-memory value.
	if errD != nil {
		totals.Today = mem.today
	}
	if errM != nil {
		totals.Month = mem.month
	}

	a.writeMirror(ctx, day, month)
	a.observe(ctx, r, sd.PrevMaxTokens)
	return totals, nil
}

func (a *Aggregator) readMemory(ctx context.Context, id string, day, month model.Period) memory {
	var mem memory
	var err error
	if mem.session, mem.existed, err = a.backend.Session(ctx, id); err != nil {
		a.log.Debug("reading session", zap.Error(err))
	}
	if mem.today, err = a.backend.Daily(ctx, day.Key); err != nil {
		mem.today = model.Aggregate{Key: day.Key}
	}
	if mem.month, err = a.backend.Monthly(ctx, month.Key); err != nil {
		mem.month = model.Aggregate{Key: month.Key}
	}
	if mem.lifetime, err = a.backend.Lifetime(ctx); err != nil {
		mem.lifetime = model.Lifetime{}
	}
	return mem
}

// totals re-reads the rollups so concurrent writers are reflected, falling
// back to the folded in-memory values.
func (a *Aggregator) totals(ctx context.Context, mem memory, u model.SessionUpdate, start time.Time, day, month model.Period) model.CurrentTotals {
	t := model.CurrentTotals{
		Today:        mem.today,
		Month:        mem.month,
		Lifetime:     mem.lifetime,
		SessionStart: start,
		LastUpdated:  u.At,
	}
	if sess, ok, err := a.backend.Session(ctx, u.SessionID); err == nil && ok {
		t.Session = sess
	} else {
		t.Session = applyUpdate(mem.session, u, start)
	}
	if v, err := a.backend.Daily(ctx, day.Key); err == nil {
		t.Today = v
	}
	if v, err := a.backend.Monthly(ctx, month.Key); err == nil {
		t.Month = v
	}
	if v, err := a.backend.Lifetime(ctx); err == nil {
		t.Lifetime = v
	}
	t.BurnRatePerHour = BurnRate(t.Session.Cost, start, u.At)
	return t
}

func (a *Aggregator) degraded(mem memory, u model.SessionUpdate, day, month model.Period) model.CurrentTotals {
	prev := mem.session
	d := model.Delta{
		Cost:         u.Cost - prev.Cost,
		LinesAdded:   u.LinesAdded - prev.LinesAdded,
		LinesRemoved: u.LinesRemoved - prev.LinesRemoved,
	}
	start := prev.StartTime
	if !mem.existed || start.IsZero() {
		start = u.At
	}
	// Without the activity table, a session is new to a period when it was
	// not seen before this report.
	mem.today.Apply(d, !mem.existed)
	mem.month.Apply(d, !mem.existed)
	mem.lifetime.TotalCost += d.Cost
	mem.lifetime.TotalLinesAdded += d.LinesAdded
	mem.lifetime.TotalLinesRemoved += d.LinesRemoved
	if !mem.existed {
		mem.lifetime.SessionCount++
	}
	mem.today.Key, mem.month.Key = day.Key, month.Key

	sess := applyUpdate(prev, u, start)
	return model.CurrentTotals{
		Session:         sess,
		Today:           mem.today,
		Month:           mem.month,
		Lifetime:        mem.lifetime,
		SessionStart:    start,
		LastUpdated:     u.At,
		BurnRatePerHour: BurnRate(sess.Cost, start, u.At),
		Degraded:        true,
	}
}

func applyUpdate(s model.Session, u model.SessionUpdate, start time.Time) model.Session {
	s.SessionID = u.SessionID
	s.StartTime = start
	s.LastUpdated = u.At
	s.Cost = u.Cost
	s.LinesAdded = u.LinesAdded
	s.LinesRemoved = u.LinesRemoved
	s.Tokens = u.Tokens
	if u.ModelName != "" {
		s.ModelName = u.ModelName
	}
	if u.WorkspaceDir != "" {
		s.WorkspaceDir = u.WorkspaceDir
	}
	if u.MaxTokensObserved > 0 {
		s.MaxTokensObserved = u.MaxTokensObserved
	}
	return s
}

func (a *Aggregator) writeMirror(ctx context.Context, day, month model.Period) {
	if f, ok := a.backend.(flusher); ok {
		if err := f.Flush(ctx); err != nil {
			a.log.Warn("mirror write failed", zap.Error(err))
		}
		return
	}
	if a.mirror == nil {
		return
	}
	snap, err := a.backend.Snapshot(ctx, day, month)
	if err != nil {
		a.log.Warn("snapshot for mirror failed", zap.Error(err))
		return
	}
	if err := a.mirror.Save(snap); err != nil {
		a.log.Warn("mirror write failed", zap.String("path", a.mirror.Path), zap.Error(err))
	}
}

func (a *Aggregator) observe(ctx context.Context, r Report, prevMax int64) {
	if a.observer == nil || r.ContextTokens <= 0 || r.ModelName == "" {
		return
	}
	_, err := a.observer.Observe(ctx, learning.Observation{
		Model:          r.ModelName,
		SessionID:      r.SessionID,
		WorkspaceDir:   r.WorkspaceDir,
		DeviceID:       r.DeviceID,
		CurrentTokens:  r.ContextTokens,
		PreviousMax:    prevMax,
		TranscriptPath: r.TranscriptPath,
	})
	if err != nil {
		a.log.Warn("context learning skipped",
			zap.String("session_id", r.SessionID),
			zap.String("model", r.ModelName),
			zap.Error(err))
	}
}

// BurnRate is cost per hour since start. Sessions younger than a minute report 0.
func BurnRate(cost float64, start, now time.Time) float64 {
	if start.IsZero() {
		return 0
	}
	elapsed := now.Sub(start)
	if elapsed < time.Minute {
		return 0
	}
	return cost / elapsed.Hours()
}

// retry runs fn with bounded exponential backoff while it fails with
// ErrTransaction. Other errors stop immediately.
func retry[T any](ctx context.Context, a *Aggregator, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = a.backoff
	b.MaxInterval = 8 * a.backoff

	attempt := 0
	return backoff.Retry(ctx, func() (T, error) {
		attempt++
		v, err := fn()
		if err != nil && !errors.Is(err, model.ErrTransaction) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(a.attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.log.Debug("retrying store operation",
				zap.String("op", op),
				zap.Int("attempt", attempt),
				zap.Duration("next", next),
				zap.Error(err))
		}),
	)
}

// Diagnostics returns the machine-readable state snapshot.
func (a *Aggregator) Diagnostics(ctx context.Context) (model.Diagnostics, error) {
	now := a.now()
	var (
		d   model.Diagnostics
		err error
	)
	if r, ok := a.backend.(reloader); ok {
		if err := r.Reload(ctx); err != nil {
			a.log.Warn("reloading backend", zap.Error(err))
		}
	}
	if dg, ok := a.backend.(diagnoser); ok {
		d, err = dg.Diagnostics(ctx, now)
		if err != nil {
			return d, err
		}
	} else {
		d.GeneratedAt = now.UTC()
		if d.Today, err = a.backend.Daily(ctx, model.DayKey(now, a.loc)); err != nil {
			return d, err
		}
		if d.Month, err = a.backend.Monthly(ctx, model.MonthKey(now, a.loc)); err != nil {
			return d, err
		}
		if d.Lifetime, err = a.backend.Lifetime(ctx); err != nil {
			return d, err
		}
		d.SessionCount = d.Lifetime.SessionCount
		if !d.Lifetime.EarliestSession.IsZero() {
			d.EarliestDate = model.DayKey(d.Lifetime.EarliestSession, a.loc)
		}
	}
	d.Backend = a.backend.Name()
	if a.path != "" {
		d.StorePath = a.path
	}
	if a.mirror != nil {
		d.MirrorEnabled = true
		d.MirrorPath = a.mirror.Path
	}
	return d, nil
}
