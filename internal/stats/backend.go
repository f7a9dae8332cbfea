// Package stats is the single entry point for recording usage. It folds each
// cumulative report into session, daily, monthly and lifetime totals.
package stats

import (
	"context"
	"sync"
	"time"

	"github.com/theirongolddev/burnline/internal/mirror"
	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/store"
)

// Backend persists accounting state.
type Backend interface {
	Name() string
	IsEmpty(ctx context.Context) (bool, error)
	Import(ctx context.Context, snap model.Snapshot) error
	Session(ctx context.Context, id string) (model.Session, bool, error)
	SessionActiveInPeriod(ctx context.Context, id string, p model.Period) (bool, error)
	UpsertSession(ctx context.Context, u model.SessionUpdate) (model.SessionDelta, error)
	UpsertDaily(ctx context.Context, key string, d model.Delta, sessionID string, newSession bool) error
	UpsertMonthly(ctx context.Context, key string, d model.Delta, sessionID string, newSession bool) error
	Daily(ctx context.Context, key string) (model.Aggregate, error)
	Monthly(ctx context.Context, key string) (model.Aggregate, error)
	Lifetime(ctx context.Context) (model.Lifetime, error)
	Snapshot(ctx context.Context, periods ...model.Period) (model.Snapshot, error)
}

// flusher is implemented by backends that buffer writes.
type flusher interface {
	Flush(ctx context.Context) error
}

// diagnoser is implemented by backends with a native diagnostics query.
type diagnoser interface {
	Diagnostics(ctx context.Context, now time.Time) (model.Diagnostics, error)
}

// reportApplier is implemented by backends that write a report atomically.
type reportApplier interface {
	ApplyReport(ctx context.Context, u model.SessionUpdate, day, month model.Period) (store.Recorded, error)
}

// reloader is implemented by backends that cache state another process may
// change.
type reloader interface {
	Reload(ctx context.Context) error
}

// StoreBackend is the SQLite backend.
type StoreBackend struct {
	*store.Store
}

// Name implements Backend.
func (StoreBackend) Name() string { return "sqlite" }

// MirrorBackend keeps all state in the JSON mirror file. It is the fallback
// for environments where SQLite is unavailable. Writes are applied in memory
// and journaled; Flush replays the journal onto the file under its lock so
// concurrent writers merge instead of overwriting each other.
type MirrorBackend struct {
	file *mirror.File
	now  func() time.Time

	mu      sync.Mutex
	snap    model.Snapshot
	loaded  bool
	pending []mirrorOp
}

type mirrorOpKind int

const (
	opImport mirrorOpKind = iota
	opSession
	opPeriod
)

type mirrorOp struct {
	kind       mirrorOpKind
	snap       model.Snapshot
	update     model.SessionUpdate
	period     model.Period
	delta      model.Delta
	sessionID  string
	newSession bool
}

// NewMirrorBackend returns a backend over f.
func NewMirrorBackend(f *mirror.File, now func() time.Time) *MirrorBackend {
	if now == nil {
		now = time.Now
	}
	return &MirrorBackend{file: f, now: now}
}

// Name implements Backend.
func (*MirrorBackend) Name() string { return "mirror" }

func (m *MirrorBackend) load() {
	if m.loaded {
		return
	}
	// A corrupt file has already been moved aside; start empty.
	m.snap, _ = m.file.Load()
	m.snap.Normalize()
	m.loaded = true
}

// Reload re-reads the file when nothing is waiting to be flushed.
func (m *MirrorBackend) Reload(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) > 0 {
		return nil
	}
	snap, err := m.file.Load()
	snap.Normalize()
	m.snap, m.loaded = snap, true
	return err
}

func (m *MirrorBackend) IsEmpty(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.snap.IsEmpty(), nil
}

func (m *MirrorBackend) Import(_ context.Context, snap model.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	mergeMissing(&m.snap, snap)
	m.pending = append(m.pending, mirrorOp{kind: opImport, snap: snap})
	return nil
}

func mergeMissing(dst *model.Snapshot, src model.Snapshot) {
	for k, v := range src.Sessions {
		if _, ok := dst.Sessions[k]; !ok {
			dst.Sessions[k] = v
		}
	}
	for k, v := range src.Daily {
		if _, ok := dst.Daily[k]; !ok {
			dst.Daily[k] = v
		}
	}
	for k, v := range src.Monthly {
		if _, ok := dst.Monthly[k]; !ok {
			dst.Monthly[k] = v
		}
	}
}

func (m *MirrorBackend) Session(_ context.Context, id string) (model.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	s, ok := m.snap.Sessions[id]
	return s, ok, nil
}

func (m *MirrorBackend) SessionActiveInPeriod(_ context.Context, id string, p model.Period) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.snap.Active(id, p), nil
}

func (m *MirrorBackend) UpsertSession(_ context.Context, u model.SessionUpdate) (model.SessionDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()

	if u.At.IsZero() {
		u.At = m.now()
	}
	m.pending = append(m.pending, mirrorOp{kind: opSession, update: u})
	return applySession(&m.snap, u), nil
}

// applySession replaces the session's cumulative fields and returns the
// change against the previous row in snap.
func applySession(snap *model.Snapshot, u model.SessionUpdate) model.SessionDelta {
	at := u.At
	prev, ok := snap.Sessions[u.SessionID]
	out := model.SessionDelta{
		Delta: model.Delta{
			Cost:         u.Cost - prev.Cost,
			LinesAdded:   u.LinesAdded - prev.LinesAdded,
			LinesRemoved: u.LinesRemoved - prev.LinesRemoved,
		},
		Created:       !ok,
		PrevMaxTokens: prev.MaxTokensObserved,
		StartTime:     prev.StartTime,
	}
	if !ok {
		prev = model.Session{SessionID: u.SessionID, StartTime: at}
		out.StartTime = at
	}

	next := prev
	next.LastUpdated = at
	next.Cost = u.Cost
	next.LinesAdded = u.LinesAdded
	next.LinesRemoved = u.LinesRemoved
	next.Tokens = u.Tokens
	next.SyncTimestamp = at
	if u.MaxTokensObserved > 0 {
		next.MaxTokensObserved = u.MaxTokensObserved
	}
	if u.ModelName != "" {
		next.ModelName = u.ModelName
	}
	if u.WorkspaceDir != "" {
		next.WorkspaceDir = u.WorkspaceDir
	}
	if u.DeviceID != "" {
		next.DeviceID = u.DeviceID
	}
	snap.Sessions[u.SessionID] = next
	return out
}

func (m *MirrorBackend) UpsertDaily(_ context.Context, key string, d model.Delta, id string, newSession bool) error {
	m.upsertPeriod(model.Period{Kind: model.PeriodDay, Key: key}, d, id, newSession)
	return nil
}

func (m *MirrorBackend) UpsertMonthly(_ context.Context, key string, d model.Delta, id string, newSession bool) error {
	m.upsertPeriod(model.Period{Kind: model.PeriodMonth, Key: key}, d, id, newSession)
	return nil
}

func (m *MirrorBackend) upsertPeriod(p model.Period, d model.Delta, id string, newSession bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	m.pending = append(m.pending, mirrorOp{kind: opPeriod, period: p, delta: d, sessionID: id, newSession: newSession})
	applyPeriod(&m.snap, p, d, id, newSession, m.now())
}

func applyPeriod(snap *model.Snapshot, p model.Period, d model.Delta, id string, newSession bool, now time.Time) {
	rows := snap.Monthly
	if p.Kind == model.PeriodDay {
		rows = snap.Daily
	}
	a := rows[p.Key]
	a.Key = p.Key
	counted := newSession && snap.MarkActive(id, p)
	a.Apply(d, counted)
	a.SyncTimestamp = now.UTC()
	rows[p.Key] = a
}

func (m *MirrorBackend) Daily(_ context.Context, key string) (model.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	a, ok := m.snap.Daily[key]
	if !ok {
		a.Key = key
	}
	return a, nil
}

func (m *MirrorBackend) Monthly(_ context.Context, key string) (model.Aggregate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	a, ok := m.snap.Monthly[key]
	if !ok {
		a.Key = key
	}
	return a, nil
}

func (m *MirrorBackend) Lifetime(context.Context) (model.Lifetime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.snap.Lifetime(), nil
}

func (m *MirrorBackend) Snapshot(context.Context, ...model.Period) (model.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.load()
	return m.snap, nil
}

// Flush replays the journal onto the current file contents and writes the
// result. Period deltas are recomputed from the replayed session rows, so a
// session another process already advanced is not counted twice.
func (m *MirrorBackend) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return nil
	}
	now := m.now()
	snap, err := m.file.Update(func(disk *model.Snapshot) {
		disk.Normalize()
		deltas := make(map[string]model.Delta)
		for _, op := range m.pending {
			switch op.kind {
			case opImport:
				mergeMissing(disk, op.snap)
			case opSession:
				deltas[op.update.SessionID] = applySession(disk, op.update).Delta
			case opPeriod:
				d := op.delta
				if replayed, ok := deltas[op.sessionID]; ok {
					d = replayed
				}
				applyPeriod(disk, op.period, d, op.sessionID, op.newSession, now)
			}
		}
	})
	if err != nil {
		return err
	}
	m.snap = snap
	m.pending = nil
	return nil
}
