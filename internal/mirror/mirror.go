// Package mirror reads and writes the human-readable JSON copy of the
// accounting state.
package mirror

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
)

const (
	lockStaleAfter = 10 * time.Second
	lockWait       = 2 * time.Second
	lockPoll       = 20 * time.Millisecond
)

// ErrLockTimeout is returned when another writer holds the lock too long.
var ErrLockTimeout = errors.New("mirror lock timeout")

// File is a JSON mirror at Path.
type File struct {
	Path   string
	Logger *zap.Logger
	// Now is used for corrupt-backup names and snapshot stamps.
	Now func() time.Time
}

func (f *File) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// Load reads the mirror. A missing file is an empty snapshot. A malformed
// file is moved aside to <name>.corrupt-<stamp> and an empty snapshot is
// returned together with an ErrMirrorParse error.
func (f *File) Load() (model.Snapshot, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewSnapshot(), nil
	}
	if err != nil {
		return model.NewSnapshot(), fmt.Errorf("%w: reading %s: %w", model.ErrMirrorIO, f.Path, err)
	}

	var snap model.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		backup := f.backupCorrupt()
		logging.OrNop(f.Logger).Warn("mirror file is corrupt",
			zap.String("path", f.Path),
			zap.String("backup", backup),
			zap.Error(err))
		return model.NewSnapshot(), fmt.Errorf("%w: %s: %w", model.ErrMirrorParse, f.Path, err)
	}
	snap.Normalize()
	return snap, nil
}

func (f *File) backupCorrupt() string {
	backup := f.Path + ".corrupt-" + f.now().Format("20060102-150405")
	if err := os.Rename(f.Path, backup); err != nil {
		logging.OrNop(f.Logger).Warn("could not move corrupt mirror aside",
			zap.String("path", f.Path), zap.Error(err))
		return ""
	}
	return backup
}

// Save writes snap atomically while holding the sibling lock file.
func (f *File) Save(snap model.Snapshot) error {
	release, err := f.acquire()
	if err != nil {
		return err
	}
	defer release()
	return f.write(snap)
}

// Update re-reads the file under the lock, applies fn and writes the result.
// Writers that each call Update never lose one another's changes. A corrupt
// file is backed up and fn starts from an empty snapshot.
func (f *File) Update(fn func(*model.Snapshot)) (model.Snapshot, error) {
	release, err := f.acquire()
	if err != nil {
		return model.Snapshot{}, err
	}
	defer release()

	snap, err := f.Load()
	if err != nil && !errors.Is(err, model.ErrMirrorParse) {
		return model.Snapshot{}, err
	}
	fn(&snap)
	if err := f.write(snap); err != nil {
		return model.Snapshot{}, err
	}
	return snap, nil
}

func (f *File) acquire() (func(), error) {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return nil, fmt.Errorf("%w: creating dir: %w", model.ErrMirrorIO, err)
	}
	release, err := f.lock()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrMirrorIO, err)
	}
	return release, nil
}

func (f *File) write(snap model.Snapshot) error {
	snap.Version = model.SnapshotVersion
	snap.UpdatedAt = f.now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: encoding: %w", model.ErrMirrorIO, err)
	}
	if err := writeAtomic(f.Path, data); err != nil {
		return fmt.Errorf("%w: %w", model.ErrMirrorIO, err)
	}
	return nil
}

// lock takes <path>.lock with O_EXCL. Locks older than lockStaleAfter are
// treated as abandoned and removed.
func (f *File) lock() (func(), error) {
	lockPath := f.Path + ".lock"
	deadline := time.Now().Add(lockWait)
	for {
		lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			_, _ = lf.WriteString(strconv.Itoa(os.Getpid()) + "\n")
			_ = lf.Close()
			return func() { _ = os.Remove(lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("acquiring lock: %w", err)
		}
		if info, statErr := os.Stat(lockPath); statErr == nil && time.Since(info.ModTime()) > lockStaleAfter {
			logging.OrNop(f.Logger).Warn("breaking stale mirror lock", zap.String("path", lockPath))
			_ = os.Remove(lockPath)
			continue
		}
		if time.Now().After(deadline) {
			return nil, ErrLockTimeout
		}
		time.Sleep(lockPoll)
	}
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("setting permissions: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming temp file: %w", err)
	}
	ok = true
	return nil
}
