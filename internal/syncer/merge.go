package syncer

import (
	"time"

	"github.com/theirongolddev/burnline/internal/model"
)

// MergeResult splits a last-write-wins merge by which side won.
type MergeResult[T any] struct {
	// LocalWins are rows the remote must receive.
	LocalWins []T
	// RemoteWins are rows the local store must receive.
	RemoteWins []T
	// Conflicts counts keys held in different versions by different devices.
	Conflicts int
}

// MergeSessions resolves by last_updated.
func MergeSessions(local, remote []model.Session) MergeResult[model.Session] {
	return merge(local, remote, sessionKey,
		func(s model.Session) time.Time { return s.LastUpdated },
		func(s model.Session) string { return s.DeviceID },
		sessionEqual)
}

// MergeAggregates resolves by sync_timestamp.
func MergeAggregates(local, remote []model.Aggregate) MergeResult[model.Aggregate] {
	return merge(local, remote, aggregateKey,
		func(a model.Aggregate) time.Time { return a.SyncTimestamp },
		func(a model.Aggregate) string { return a.DeviceID },
		aggregateEqual)
}

// merge picks the later row per key in full. Equal stamps with different
// contents fall back to the larger device id so every device agrees.
func merge[T any](local, remote []T, key func(T) string, stamp func(T) time.Time,
	device func(T) string, equal func(a, b T) bool) MergeResult[T] {
	var res MergeResult[T]

	remoteByKey := make(map[string]T, len(remote))
	for _, r := range remote {
		remoteByKey[key(r)] = r
	}
	seen := make(map[string]bool, len(local))

	for _, l := range local {
		k := key(l)
		seen[k] = true
		r, ok := remoteByKey[k]
		if !ok {
			res.LocalWins = append(res.LocalWins, l)
			continue
		}
		if equal(l, r) {
			continue
		}
		if device(l) != device(r) {
			res.Conflicts++
		}

		ls, rs := stamp(l), stamp(r)
		localWins := ls.After(rs) || (ls.Equal(rs) && device(l) > device(r))
		if localWins {
			res.LocalWins = append(res.LocalWins, l)
		} else {
			res.RemoteWins = append(res.RemoteWins, r)
		}
	}

	for _, r := range remote {
		if !seen[key(r)] {
			res.RemoteWins = append(res.RemoteWins, r)
		}
	}
	return res
}

func sessionEqual(a, b model.Session) bool {
	return a.SessionID == b.SessionID &&
		a.LastUpdated.Equal(b.LastUpdated) &&
		a.StartTime.Equal(b.StartTime) &&
		a.Cost == b.Cost &&
		a.LinesAdded == b.LinesAdded &&
		a.LinesRemoved == b.LinesRemoved &&
		a.MaxTokensObserved == b.MaxTokensObserved &&
		a.ModelName == b.ModelName &&
		a.Tokens == b.Tokens &&
		a.DeviceID == b.DeviceID
}

func aggregateEqual(a, b model.Aggregate) bool {
	return a.Key == b.Key &&
		a.SyncTimestamp.Equal(b.SyncTimestamp) &&
		a.TotalCost == b.TotalCost &&
		a.TotalLinesAdded == b.TotalLinesAdded &&
		a.TotalLinesRemoved == b.TotalLinesRemoved &&
		a.SessionCount == b.SessionCount &&
		a.DeviceID == b.DeviceID
}
