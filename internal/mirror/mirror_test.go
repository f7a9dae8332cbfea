package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/theirongolddev/burnline/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time {
	return time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
}

func TestLoad_MissingFileIsEmpty(t *testing.T) {
	f := &File{Path: filepath.Join(t.TempDir(), "stats.json")}
	snap, err := f.Load()
	require.NoError(t, err)
	assert.True(t, snap.IsEmpty())
	assert.NotNil(t, snap.Sessions)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := &File{Path: filepath.Join(dir, "stats.json"), Now: fixedNow}

	snap := model.NewSnapshot()
	snap.Sessions["s1"] = model.Session{SessionID: "s1", Cost: 1.5, LinesAdded: 10}
	snap.Daily["2025-03-14"] = model.Aggregate{Key: "2025-03-14", TotalCost: 1.5, SessionCount: 1}
	snap.MarkActive("s1", model.Period{Kind: model.PeriodDay, Key: "2025-03-14"})
	require.NoError(t, f.Save(snap))

	got, err := f.Load()
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Sessions["s1"].Cost)
	assert.Equal(t, int64(1), got.Daily["2025-03-14"].SessionCount)
	assert.True(t, got.Active("s1", model.Period{Kind: model.PeriodDay, Key: "2025-03-14"}))
	assert.Equal(t, model.SnapshotVersion, got.Version)

	_, err = os.Stat(f.Path + ".lock")
	assert.True(t, os.IsNotExist(err), "lock must be released after save")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestLoad_CorruptFileIsMovedAside(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	f := &File{Path: path, Now: fixedNow}
	snap, err := f.Load()
	require.ErrorIs(t, err, model.ErrMirrorParse)
	assert.False(t, model.IsFatal(err))
	assert.True(t, snap.IsEmpty())

	backup := path + ".corrupt-20250314-092653"
	data, readErr := os.ReadFile(backup)
	require.NoError(t, readErr)
	assert.Equal(t, "{not json", string(data))

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdate_AppliesToCurrentContents(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.json")
	f := &File{Path: path, Now: fixedNow}

	seed := model.NewSnapshot()
	seed.Sessions["s1"] = model.Session{SessionID: "s1", Cost: 1}
	require.NoError(t, f.Save(seed))

	got, err := f.Update(func(s *model.Snapshot) {
		s.Sessions["s2"] = model.Session{SessionID: "s2", Cost: 2}
	})
	require.NoError(t, err)
	assert.Len(t, got.Sessions, 2)

	onDisk, err := f.Load()
	require.NoError(t, err)
	assert.Len(t, onDisk.Sessions, 2)
	assert.NoFileExists(t, path+".lock")

	// A corrupt file is set aside and the update starts from empty.
	require.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	got, err = f.Update(func(s *model.Snapshot) {
		s.Sessions["s3"] = model.Session{SessionID: "s3", Cost: 3}
	})
	require.NoError(t, err)
	assert.Len(t, got.Sessions, 1)
	assert.FileExists(t, path+".corrupt-20250314-092653")
}

func TestSave_BreaksStaleLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	lockPath := path + ".lock"
	require.NoError(t, os.WriteFile(lockPath, []byte("999999\n"), 0o600))
	old := time.Now().Add(-time.Minute)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	f := &File{Path: path}
	require.NoError(t, f.Save(model.NewSnapshot()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"version"`))
}

func TestSave_TimesOutOnFreshLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, os.WriteFile(path+".lock", []byte("1\n"), 0o600))

	f := &File{Path: path}
	err := f.Save(model.NewSnapshot())
	require.ErrorIs(t, err, ErrLockTimeout)
	require.ErrorIs(t, err, model.ErrMirrorIO)
}
