package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/theirongolddev/burnline/internal/model"
	"github.com/theirongolddev/burnline/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t1 = time.Date(2025, 6, 15, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Hour)
)

func setupMiniredis(t *testing.T) (*miniredis.Miniredis, *RedisRemote) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	remote := NewRedisRemoteFromClient(client, "")
	t.Cleanup(func() { _ = remote.Close() })
	return mr, remote
}

func openStore(t *testing.T, now time.Time) *store.Store {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "stats.db"), store.Options{
		Location: time.UTC,
		Now:      func() time.Time { return now },
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func record(t *testing.T, s *store.Store, id string, cost float64, device string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	d, err := s.UpsertSession(ctx, model.SessionUpdate{
		SessionID: id,
		Cost:      cost,
		DeviceID:  device,
		ModelName: "claude-sonnet-4-5",
		At:        at,
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertDaily(ctx, model.DayKey(at, time.UTC), d.Delta, id, d.Created))
}

func TestNewRedisRemote(t *testing.T) {
	mr := miniredis.RunT(t)

	r, err := NewRedisRemote(context.Background(), RedisConfig{Addr: mr.Addr(), Prefix: "test:"})
	require.NoError(t, err)
	defer r.Close()
	assert.Equal(t, "test:", r.prefix)

	_, err = NewRedisRemote(context.Background(), RedisConfig{})
	assert.Error(t, err)
}

func TestRedisRemote_RoundTrip(t *testing.T) {
	mr, remote := setupMiniredis(t)
	ctx := context.Background()

	in := []model.Session{
		{SessionID: "b", LastUpdated: t2, Cost: 2, DeviceID: "laptop"},
		{SessionID: "a", LastUpdated: t1, Cost: 1, DeviceID: "laptop"},
	}
	require.NoError(t, remote.PushSessions(ctx, in))
	assert.True(t, mr.Exists("burnline:sessions"))

	out, err := remote.PullSessions(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a", out[0].SessionID)
	assert.True(t, out[1].LastUpdated.Equal(t2))

	days, err := remote.PullDaily(ctx)
	require.NoError(t, err)
	assert.Empty(t, days)
}

func TestRedisRemote_CorruptRow(t *testing.T) {
	mr, remote := setupMiniredis(t)
	mr.HSet("burnline:monthly", "2025-06", "{not json")

	_, err := remote.PullMonthly(context.Background())
	assert.ErrorContains(t, err, "2025-06")
}

func TestMergeSessions(t *testing.T) {
	local := []model.Session{
		{SessionID: "same", LastUpdated: t1, Cost: 1, DeviceID: "a"},
		{SessionID: "newer-local", LastUpdated: t2, Cost: 3, DeviceID: "a"},
		{SessionID: "newer-remote", LastUpdated: t1, Cost: 1, DeviceID: "a"},
		{SessionID: "local-only", LastUpdated: t1, DeviceID: "a"},
	}
	remote := []model.Session{
		{SessionID: "same", LastUpdated: t1, Cost: 1, DeviceID: "a"},
		{SessionID: "newer-local", LastUpdated: t1, Cost: 2, DeviceID: "b"},
		{SessionID: "newer-remote", LastUpdated: t2, Cost: 4, DeviceID: "b"},
		{SessionID: "remote-only", LastUpdated: t1, DeviceID: "b"},
	}

	res := MergeSessions(local, remote)
	assert.Equal(t, 2, res.Conflicts)

	var localIDs, remoteIDs []string
	for _, s := range res.LocalWins {
		localIDs = append(localIDs, s.SessionID)
	}
	for _, s := range res.RemoteWins {
		remoteIDs = append(remoteIDs, s.SessionID)
	}
	assert.ElementsMatch(t, []string{"newer-local", "local-only"}, localIDs)
	assert.ElementsMatch(t, []string{"newer-remote", "remote-only"}, remoteIDs)
}

func TestMergeAggregates_OwnUpdateIsNotAConflict(t *testing.T) {
	local := []model.Aggregate{{Key: "2025-06-15", TotalCost: 2, DeviceID: "a", SyncTimestamp: t2}}
	remote := []model.Aggregate{{Key: "2025-06-15", TotalCost: 1, DeviceID: "a", SyncTimestamp: t1}}

	res := MergeAggregates(local, remote)
	assert.Zero(t, res.Conflicts)
	require.Len(t, res.LocalWins, 1)
	assert.Equal(t, 2.0, res.LocalWins[0].TotalCost)
}

func TestMergeAggregates_TieBreaksOnDevice(t *testing.T) {
	local := []model.Aggregate{{Key: "2025-06", TotalCost: 2, DeviceID: "a", SyncTimestamp: t1}}
	remote := []model.Aggregate{{Key: "2025-06", TotalCost: 1, DeviceID: "b", SyncTimestamp: t1}}

	res := MergeAggregates(local, remote)
	assert.Equal(t, 1, res.Conflicts)
	assert.Empty(t, res.LocalWins)
	require.Len(t, res.RemoteWins, 1)

	// Mirror image from b's side agrees on the winner.
	res = MergeAggregates(remote, local)
	require.Len(t, res.LocalWins, 1)
	assert.Equal(t, "b", res.LocalWins[0].DeviceID)
}

func TestSyncer_TwoDevicesConverge(t *testing.T) {
	ctx := context.Background()
	_, remote := setupMiniredis(t)

	laptop := openStore(t, t1)
	desktop := openStore(t, t2)
	record(t, laptop, "s1", 1.0, "laptop", t1)
	record(t, desktop, "s1", 2.0, "desktop", t2)
	record(t, desktop, "s2", 0.5, "desktop", t2)

	a := New(laptop, remote, "laptop", nil)
	b := New(desktop, remote, "desktop", nil)

	rep, err := a.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sessions)
	assert.Equal(t, 1, rep.Daily)

	// Desktop's copy of s1 is newer, so nothing is overwritten locally.
	rep, err = b.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Rows())
	assert.Equal(t, 2, rep.Conflicts)

	rep, err = b.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sessions)
	assert.Equal(t, 1, rep.Daily)
	assert.Equal(t, int64(2), rep.TotalConflicts)

	rep, err = a.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Sessions)
	assert.Equal(t, 1, rep.Daily)
	assert.Equal(t, 2, rep.Conflicts)

	s1, ok, err := laptop.Session(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2.0, s1.Cost)
	assert.Equal(t, "desktop", s1.DeviceID)

	_, ok, err = laptop.Session(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, ok)

	day, err := laptop.Daily(ctx, "2025-06-15")
	require.NoError(t, err)
	assert.InDelta(t, 2.5, day.TotalCost, 1e-9)

	total, err := a.Conflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	// A second pull finds nothing new.
	rep, err = a.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Rows())
	assert.Zero(t, rep.Conflicts)
}

func TestSyncer_PushHonoursCursor(t *testing.T) {
	ctx := context.Background()
	_, remote := setupMiniredis(t)

	st := openStore(t, t1)
	record(t, st, "s1", 1.0, "laptop", t1)

	s := New(st, remote, "laptop", nil)
	s.now = func() time.Time { return t2 }

	rep, err := s.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Sessions)

	cursor, err := st.SyncValue(ctx, KeyLastPush)
	require.NoError(t, err)
	assert.Equal(t, t2.Format(time.RFC3339), cursor)

	rep, err = s.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Rows())
}
