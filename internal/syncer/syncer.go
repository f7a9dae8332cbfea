package syncer

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sync state keys.
const (
	KeyLastPush  = "last_push"
	KeyLastPull  = "last_pull"
	KeyConflicts = "conflicts"
)

// Local is the store surface a sync round needs.
type Local interface {
	SessionsSince(ctx context.Context, since time.Time) ([]model.Session, error)
	DailySince(ctx context.Context, since time.Time) ([]model.Aggregate, error)
	MonthlySince(ctx context.Context, since time.Time) ([]model.Aggregate, error)
	PutSessionRow(ctx context.Context, s model.Session) error
	PutDailyRow(ctx context.Context, a model.Aggregate) error
	PutMonthlyRow(ctx context.Context, a model.Aggregate) error
	SyncValue(ctx context.Context, key string) (string, error)
	SetSyncValue(ctx context.Context, key, value string) error
}

// Report summarizes one push or pull.
type Report struct {
	Sessions  int `json:"sessions"`
	Daily     int `json:"daily"`
	Monthly   int `json:"monthly"`
	Conflicts int `json:"conflicts"`
	// TotalConflicts is the persisted counter after this round.
	TotalConflicts int64 `json:"total_conflicts"`
}

// Rows returns the number of rows moved.
func (r Report) Rows() int { return r.Sessions + r.Daily + r.Monthly }

// Syncer moves rows between the local store and a Remote.
type Syncer struct {
	local    Local
	remote   Remote
	deviceID string
	log      *zap.Logger
	now      func() time.Time
}

// New returns a Syncer. deviceID is stamped on outgoing rows that carry none.
func New(local Local, remote Remote, deviceID string, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{
		local:    local,
		remote:   remote,
		deviceID: deviceID,
		log:      logger,
		now:      time.Now,
	}
}

// snapshot is the full content of the remote replica.
type snapshot struct {
	sessions []model.Session
	daily    []model.Aggregate
	monthly  []model.Aggregate
}

// fetch reads the three remote tables concurrently.
func (s *Syncer) fetch(ctx context.Context) (snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.sessions, err = s.remote.PullSessions(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.daily, err = s.remote.PullDaily(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.monthly, err = s.remote.PullMonthly(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return snapshot{}, err
	}
	return snap, nil
}

// Push sends local rows changed since the last push, unless the remote
// already holds a newer version. Conflicts are counted by Pull only.
func (s *Syncer) Push(ctx context.Context) (Report, error) {
	started := s.now().UTC()
	since, err := s.cursor(ctx, KeyLastPush)
	if err != nil {
		return Report{}, err
	}

	remote, err := s.fetch(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report

	sessions, err := s.local.SessionsSince(ctx, since)
	if err != nil {
		return rep, fmt.Errorf("reading local sessions: %w", err)
	}
	sm := MergeSessions(s.stampSessions(sessions), remote.sessions)
	if err := s.remote.PushSessions(ctx, sm.LocalWins); err != nil {
		return rep, err
	}
	rep.Sessions = len(sm.LocalWins)

	daily, err := s.local.DailySince(ctx, since)
	if err != nil {
		return rep, fmt.Errorf("reading local daily rows: %w", err)
	}
	dm := MergeAggregates(s.stampAggregates(daily), remote.daily)
	if err := s.remote.PushDaily(ctx, dm.LocalWins); err != nil {
		return rep, err
	}
	rep.Daily = len(dm.LocalWins)

	monthly, err := s.local.MonthlySince(ctx, since)
	if err != nil {
		return rep, fmt.Errorf("reading local monthly rows: %w", err)
	}
	mm := MergeAggregates(s.stampAggregates(monthly), remote.monthly)
	if err := s.remote.PushMonthly(ctx, mm.LocalWins); err != nil {
		return rep, err
	}
	rep.Monthly = len(mm.LocalWins)

	if rep.TotalConflicts, err = s.Conflicts(ctx); err != nil {
		return rep, err
	}
	if err := s.local.SetSyncValue(ctx, KeyLastPush, started.Format(time.RFC3339)); err != nil {
		return rep, err
	}
	s.log.Info("sync push complete", zap.Int("rows", rep.Rows()))
	return rep, nil
}

// Pull merges every remote row into the local store. Remote rows win only
// when strictly newer than the local copy.
func (s *Syncer) Pull(ctx context.Context) (Report, error) {
	remote, err := s.fetch(ctx)
	if err != nil {
		return Report{}, err
	}

	var rep Report

	localSessions, err := s.local.SessionsSince(ctx, time.Time{})
	if err != nil {
		return rep, fmt.Errorf("reading local sessions: %w", err)
	}
	sm := MergeSessions(s.stampSessions(localSessions), remote.sessions)
	for _, row := range sm.RemoteWins {
		if err := s.local.PutSessionRow(ctx, row); err != nil {
			return rep, err
		}
	}
	rep.Sessions = len(sm.RemoteWins)
	rep.Conflicts += sm.Conflicts

	n, conflicts, err := s.pullAggregates(ctx, remote.daily, s.local.DailySince, s.local.PutDailyRow)
	if err != nil {
		return rep, err
	}
	rep.Daily = n
	rep.Conflicts += conflicts

	n, conflicts, err = s.pullAggregates(ctx, remote.monthly, s.local.MonthlySince, s.local.PutMonthlyRow)
	if err != nil {
		return rep, err
	}
	rep.Monthly = n
	rep.Conflicts += conflicts

	if rep.TotalConflicts, err = s.addConflicts(ctx, rep.Conflicts); err != nil {
		return rep, err
	}
	if err := s.local.SetSyncValue(ctx, KeyLastPull, s.now().UTC().Format(time.RFC3339)); err != nil {
		return rep, err
	}
	s.log.Info("sync pull complete",
		zap.Int("rows", rep.Rows()),
		zap.Int("conflicts", rep.Conflicts))
	return rep, nil
}

func (s *Syncer) pullAggregates(ctx context.Context,
	remote []model.Aggregate,
	since func(context.Context, time.Time) ([]model.Aggregate, error),
	put func(context.Context, model.Aggregate) error,
) (int, int, error) {
	local, err := since(ctx, time.Time{})
	if err != nil {
		return 0, 0, fmt.Errorf("reading local rows: %w", err)
	}
	m := MergeAggregates(s.stampAggregates(local), remote)
	for _, row := range m.RemoteWins {
		if err := put(ctx, row); err != nil {
			return 0, 0, err
		}
	}
	return len(m.RemoteWins), m.Conflicts, nil
}

// Conflicts returns the persisted conflict counter.
func (s *Syncer) Conflicts(ctx context.Context) (int64, error) {
	v, err := s.local.SyncValue(ctx, KeyConflicts)
	if err != nil || v == "" {
		return 0, err
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing conflict counter %q: %w", v, err)
	}
	return n, nil
}

func (s *Syncer) addConflicts(ctx context.Context, n int) (int64, error) {
	total, err := s.Conflicts(ctx)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return total, nil
	}
	total += int64(n)
	if err := s.local.SetSyncValue(ctx, KeyConflicts, strconv.FormatInt(total, 10)); err != nil {
		return 0, err
	}
	s.log.Warn("sync conflicts resolved", zap.Int("count", n), zap.Int64("total", total))
	return total, nil
}

func (s *Syncer) cursor(ctx context.Context, key string) (time.Time, error) {
	v, err := s.local.SyncValue(ctx, key)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		s.log.Warn("ignoring unreadable sync cursor", zap.String("key", key), zap.Error(err))
		return time.Time{}, nil
	}
	return t, nil
}

func (s *Syncer) stampSessions(rows []model.Session) []model.Session {
	for i := range rows {
		if rows[i].DeviceID == "" {
			rows[i].DeviceID = s.deviceID
		}
	}
	return rows
}

func (s *Syncer) stampAggregates(rows []model.Aggregate) []model.Aggregate {
	for i := range rows {
		if rows[i].DeviceID == "" {
			rows[i].DeviceID = s.deviceID
		}
	}
	return rows
}
