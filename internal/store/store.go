// Package store provides the SQLite-backed accounting store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	DefaultBusyTimeout  = 10 * time.Second
	DefaultMaxOpenConns = 4
)

// migrated remembers store paths already brought up to date by this process.
var migrated sync.Map

// Options configures Open.
type Options struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
	// Location derives day and month keys. Nil means time.Local.
	Location *time.Location
	// LegacyMirrorPath is imported by the legacy-import migration when it runs.
	LegacyMirrorPath string
	// Migrations overrides the migration list; nil uses DefaultMigrations.
	Migrations []Migration
	Logger     *zap.Logger
	Now        func() time.Time
}

// Store is the SQLite accounting store. It is safe for concurrent use and
// across processes sharing the same file.
type Store struct {
	db   *sql.DB
	path string
	loc  *time.Location
	log  *zap.Logger
	now  func() time.Time
}

// Open opens or creates the store at path and migrates it to the latest schema.
func Open(ctx context.Context, path string, opts Options) (*Store, error) {
	db, abs, err := openDB(ctx, path, opts)
	if err != nil {
		return nil, err
	}

	s := newStore(db, abs, opts)
	if _, done := migrated.Load(abs); !done {
		if _, err := s.runner(opts.Migrations, opts.LegacyMirrorPath).ApplyAll(ctx, db); err != nil {
			_ = db.Close()
			return nil, err
		}
		migrated.Store(abs, true)
	}
	return s, nil
}

// Migrate applies pending migrations to the store at path and returns how
// many ran. Unlike Open it always consults the ledger.
func Migrate(ctx context.Context, path string, opts Options) (int, error) {
	db, abs, err := openDB(ctx, path, opts)
	if err != nil {
		return 0, err
	}
	defer func() { _ = db.Close() }()

	s := newStore(db, abs, opts)
	n, err := s.runner(opts.Migrations, opts.LegacyMirrorPath).ApplyAll(ctx, db)
	if err == nil {
		migrated.Store(abs, true)
	}
	return n, err
}

// MigrationStatus lists applied and pending default migrations.
func (s *Store) MigrationStatus(ctx context.Context) ([]model.MigrationRecord, []Migration, error) {
	return s.runner(nil, "").Status(ctx, s.db)
}

func newStore(db *sql.DB, abs string, opts Options) *Store {
	s := &Store{
		db:   db,
		path: abs,
		loc:  opts.Location,
		log:  logging.OrNop(opts.Logger),
		now:  opts.Now,
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Store) runner(migrations []Migration, legacyMirror string) *Runner {
	r := NewRunner(migrations, Env{
		LegacyMirrorPath: legacyMirror,
		Location:         s.loc,
		Logger:           s.log,
	})
	r.now = s.now
	return r
}

func openDB(ctx context.Context, path string, opts Options) (*sql.DB, string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, "", fmt.Errorf("%w: creating store dir: %w", model.ErrStoreOpen, err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	busy := opts.BusyTimeout
	if busy <= 0 {
		busy = DefaultBusyTimeout
	}
	maxConns := opts.MaxOpenConns
	if maxConns <= 0 {
		maxConns = DefaultMaxOpenConns
	}

	// busy_timeout comes first so it is in effect while the journal mode switches.
	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(wal)&_pragma=synchronous(normal)&_txlock=immediate",
		abs, busy.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, "", fmt.Errorf("%w: opening %s: %w", model.ErrStoreOpen, abs, err)
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(min(2, maxConns))
	db.SetConnMaxIdleTime(30 * time.Second)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("%w: %s: %w", model.ErrStoreOpen, abs, err)
	}
	return db, abs, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the absolute database path.
func (s *Store) Path() string { return s.path }

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code() & 0xff
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withTx runs fn in a write transaction. Failures are ErrTransaction.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.txError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return s.txError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return s.txError(op, err)
	}
	return nil
}

func (s *Store) txError(op string, err error) error {
	if IsBusy(err) {
		s.log.Debug("store busy", zap.String("op", op), zap.Error(err))
	}
	return fmt.Errorf("%w: %s: %w", model.ErrTransaction, op, err)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
