package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/theirongolddev/burnline/internal/logging"
	"github.com/theirongolddev/burnline/internal/mirror"
	"github.com/theirongolddev/burnline/internal/model"

	"go.uber.org/zap"
)

// Env carries what Go-coded migration steps need beyond the transaction.
type Env struct {
	LegacyMirrorPath string
	Location         *time.Location
	Logger           *zap.Logger
}

// Migration is one forward schema change.
type Migration struct {
	Version int
	Name    string
	// SQL is executed verbatim when set.
	SQL string
	// Definition is a stable description of a Go step, used for the checksum.
	Definition string
	Step       func(ctx context.Context, tx *sql.Tx, env Env) error
}

// Checksum hashes the migration's own definition text.
func (m Migration) Checksum() string {
	def := m.SQL
	if def == "" {
		def = m.Definition
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s", m.Version, m.Name, def)))
	return hex.EncodeToString(sum[:])
}

func (m Migration) run(ctx context.Context, tx *sql.Tx, env Env) error {
	if m.SQL != "" {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return err
		}
	}
	if m.Step != nil {
		return m.Step(ctx, tx, env)
	}
	return nil
}

// MigrationError reports the migration that failed. The store is left at
// the previous version.
type MigrationError struct {
	Version int
	Name    string
	Err     error
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %d (%s): %v", e.Version, e.Name, e.Err)
}

// Unwrap exposes both the taxonomy sentinel and the cause.
func (e *MigrationError) Unwrap() []error {
	return []error{model.ErrMigration, e.Err}
}

type column struct {
	table, name, def string
}

var tokenColumns = []column{
	{"sessions", "max_tokens_observed", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "model_name", "TEXT NOT NULL DEFAULT ''"},
	{"sessions", "workspace_dir", "TEXT NOT NULL DEFAULT ''"},
	{"sessions", "input_tokens", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "output_tokens", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "cache_read_tokens", "INTEGER NOT NULL DEFAULT 0"},
	{"sessions", "cache_creation_tokens", "INTEGER NOT NULL DEFAULT 0"},
}

var syncColumns = []column{
	{"sessions", "device_id", "TEXT NOT NULL DEFAULT ''"},
	{"sessions", "sync_timestamp", "TEXT NOT NULL DEFAULT ''"},
	{"daily_stats", "device_id", "TEXT NOT NULL DEFAULT ''"},
	{"daily_stats", "sync_timestamp", "TEXT NOT NULL DEFAULT ''"},
	{"monthly_stats", "device_id", "TEXT NOT NULL DEFAULT ''"},
	{"monthly_stats", "sync_timestamp", "TEXT NOT NULL DEFAULT ''"},
}

const syncStateSQL = `
CREATE TABLE IF NOT EXISTS sync_state (
    key                  TEXT PRIMARY KEY,
    value                TEXT NOT NULL
);
`

// DefaultMigrations is the ordered migration history. Versions are
// contiguous from 1; append only.
func DefaultMigrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial_schema",
			SQL:     initialSQL,
		},
		{
			Version:    2,
			Name:       "import_legacy_mirror",
			Definition: "import sessions, daily_stats, monthly_stats from the legacy JSON mirror with INSERT OR IGNORE",
			Step:       importLegacyMirror,
		},
		{
			Version:    3,
			Name:       "token_breakdown",
			Definition: describeColumns(tokenColumns),
			Step:       addColumnsStep(tokenColumns),
		},
		{
			Version:    4,
			Name:       "sync_metadata",
			Definition: describeColumns(syncColumns) + syncStateSQL,
			Step: func(ctx context.Context, tx *sql.Tx, env Env) error {
				if err := addColumnsStep(syncColumns)(ctx, tx, env); err != nil {
					return err
				}
				_, err := tx.ExecContext(ctx, syncStateSQL)
				return err
			},
		},
		{
			Version:    5,
			Name:       "session_activity",
			Definition: activitySQL + "backfill day/month activity from sessions.last_updated in local time",
			Step:       createActivity,
		},
		{
			Version: 6,
			Name:    "learned_context_windows",
			SQL:     learnedSQL,
		},
		{
			Version: 7,
			Name:    "retention_indexes",
			SQL:     indexSQL,
		},
	}
}

func describeColumns(cols []column) string {
	parts := make([]string, 0, len(cols))
	for _, c := range cols {
		parts = append(parts, c.table+"."+c.name+" "+c.def)
	}
	return strings.Join(parts, ";")
}

func addColumnsStep(cols []column) func(context.Context, *sql.Tx, Env) error {
	return func(ctx context.Context, tx *sql.Tx, _ Env) error {
		for _, c := range cols {
			exists, err := columnExists(ctx, tx, c.table, c.name)
			if err != nil {
				return err
			}
			if exists {
				continue
			}
			query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", c.table, c.name, c.def)
			if _, err := tx.ExecContext(ctx, query); err != nil {
				return fmt.Errorf("adding %s.%s: %w", c.table, c.name, err)
			}
		}
		return nil
	}
}

// Runner applies migrations and records them in the ledger.
type Runner struct {
	migrations []Migration
	env        Env
	log        *zap.Logger
	now        func() time.Time
}

// NewRunner returns a runner over the given migrations (DefaultMigrations if nil).
func NewRunner(migrations []Migration, env Env) *Runner {
	if migrations == nil {
		migrations = DefaultMigrations()
	}
	return &Runner{
		migrations: migrations,
		env:        env,
		log:        logging.OrNop(env.Logger),
		now:        time.Now,
	}
}

// Latest returns the highest known migration version.
func (r *Runner) Latest() int {
	if len(r.migrations) == 0 {
		return 0
	}
	return r.migrations[len(r.migrations)-1].Version
}

func (r *Runner) validate() error {
	for i, m := range r.migrations {
		if m.Version != i+1 {
			return fmt.Errorf("%w: migration %q has version %d, want %d", model.ErrMigration, m.Name, m.Version, i+1)
		}
	}
	return nil
}

// ApplyAll brings the store to the latest schema and returns the number of
// migrations run. Each migration runs in its own transaction.
func (r *Runner) ApplyAll(ctx context.Context, db *sql.DB) (int, error) {
	if err := r.validate(); err != nil {
		return 0, err
	}

	fresh, err := r.isFresh(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("%w: inspecting schema: %w", model.ErrMigration, err)
	}
	if fresh {
		return 0, r.initialize(ctx, db)
	}

	if _, err := db.ExecContext(ctx, ledgerSQL); err != nil {
		return 0, fmt.Errorf("%w: creating ledger: %w", model.ErrMigration, err)
	}

	applied, err := r.ledger(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("%w: reading ledger: %w", model.ErrMigration, err)
	}
	current := 0
	for _, rec := range applied {
		if rec.Version > current {
			current = rec.Version
		}
	}
	r.verifyChecksums(applied)

	if current > r.Latest() {
		r.log.Warn("store schema is newer than this binary",
			zap.Int("store_version", current), zap.Int("known_version", r.Latest()))
		return 0, nil
	}

	count := 0
	for _, m := range r.migrations {
		if m.Version <= current {
			continue
		}
		if err := r.applyOne(ctx, db, m); err != nil {
			return count, err
		}
		count++
	}
	if count > 0 {
		r.log.Info("schema migrated", zap.Int("from", current), zap.Int("to", r.Latest()), zap.Int("applied", count))
	}
	return count, nil
}

func (r *Runner) applyOne(ctx context.Context, db *sql.DB, m Migration) error {
	start := r.now()
	r.log.Info("applying migration", zap.Int("version", m.Version), zap.String("name", m.Name))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	if err := m.run(ctx, tx, r.env); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}

	elapsed := r.now().Sub(start).Milliseconds()
	if err := r.record(ctx, tx, m, m.Name, elapsed); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &MigrationError{Version: m.Version, Name: m.Name, Err: err}
	}
	return nil
}

// initialize creates the latest schema in one step and seeds the ledger so
// historical migrations (including the legacy import) are never replayed.
func (r *Runner) initialize(ctx context.Context, db *sql.DB) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", model.ErrMigration, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("%w: creating schema: %w", model.ErrMigration, err)
	}
	for _, m := range r.migrations {
		if err := r.record(ctx, tx, m, m.Name+" (baseline)", 0); err != nil {
			return fmt.Errorf("%w: seeding ledger: %w", model.ErrMigration, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", model.ErrMigration, err)
	}
	r.log.Info("initialized new store", zap.Int("version", r.Latest()))
	return nil
}

func (r *Runner) record(ctx context.Context, tx *sql.Tx, m Migration, desc string, elapsedMs int64) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations
		(version, applied_at, checksum, description, execution_time_ms)
		VALUES (?, ?, ?, ?, ?)`,
		m.Version, formatTime(r.now()), m.Checksum(), desc, elapsedMs)
	return err
}

func (r *Runner) isFresh(ctx context.Context, db *sql.DB) (bool, error) {
	hasSessions, err := tableExists(ctx, db, "sessions")
	if err != nil {
		return false, err
	}
	hasLedger, err := tableExists(ctx, db, "schema_migrations")
	if err != nil {
		return false, err
	}
	return !hasSessions && !hasLedger, nil
}

func (r *Runner) ledger(ctx context.Context, db *sql.DB) ([]model.MigrationRecord, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, applied_at, checksum, description, execution_time_ms
		FROM schema_migrations ORDER BY version`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []model.MigrationRecord
	for rows.Next() {
		var rec model.MigrationRecord
		var appliedAt string
		if err := rows.Scan(&rec.Version, &appliedAt, &rec.Checksum, &rec.Description, &rec.ExecutionTimeMs); err != nil {
			return nil, err
		}
		rec.AppliedAt = parseTime(appliedAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *Runner) verifyChecksums(applied []model.MigrationRecord) {
	byVersion := make(map[int]Migration, len(r.migrations))
	for _, m := range r.migrations {
		byVersion[m.Version] = m
	}
	for _, rec := range applied {
		m, ok := byVersion[rec.Version]
		if !ok {
			continue
		}
		if rec.Checksum != m.Checksum() {
			r.log.Warn("migration checksum mismatch",
				zap.Int("version", rec.Version),
				zap.String("name", m.Name),
				zap.String("recorded", rec.Checksum),
				zap.String("expected", m.Checksum()))
		}
	}
}

// Status lists the ledger and the migrations still pending.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]model.MigrationRecord, []Migration, error) {
	hasLedger, err := tableExists(ctx, db, "schema_migrations")
	if err != nil {
		return nil, nil, err
	}
	var applied []model.MigrationRecord
	if hasLedger {
		applied, err = r.ledger(ctx, db)
		if err != nil {
			return nil, nil, err
		}
	}
	done := make(map[int]bool, len(applied))
	for _, rec := range applied {
		done[rec.Version] = true
	}
	var pending []Migration
	for _, m := range r.migrations {
		if !done[m.Version] {
			pending = append(pending, m)
		}
	}
	return applied, pending, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableExists(ctx context.Context, q queryer, table string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
	return count > 0, err
}

// columnExists checks if a column exists in a table using PRAGMA table_info.
func columnExists(ctx context.Context, q queryer, table, col string) (bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue any
			pk        int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if name == col {
			return true, nil
		}
	}
	return false, rows.Err()
}

// importLegacyMirror copies a pre-database JSON mirror into the v1 tables.
// Rows already present are left alone.
func importLegacyMirror(ctx context.Context, tx *sql.Tx, env Env) error {
	if env.LegacyMirrorPath == "" {
		return nil
	}
	snap, err := (&mirror.File{Path: env.LegacyMirrorPath, Logger: env.Logger}).Load()
	if err != nil && !errors.Is(err, model.ErrMirrorParse) {
		return err
	}
	if snap.IsEmpty() {
		return nil
	}

	for _, s := range snap.Sessions {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO sessions
			(session_id, start_time, last_updated, cost, lines_added, lines_removed)
			VALUES (?, ?, ?, ?, ?, ?)`,
			s.SessionID, formatTime(s.StartTime), formatTime(s.LastUpdated),
			s.Cost, s.LinesAdded, s.LinesRemoved); err != nil {
			return fmt.Errorf("importing session %s: %w", s.SessionID, err)
		}
	}
	for key, a := range snap.Daily {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO daily_stats
			(date, total_cost, total_lines_added, total_lines_removed, session_count)
			VALUES (?, ?, ?, ?, ?)`,
			key, a.TotalCost, a.TotalLinesAdded, a.TotalLinesRemoved, a.SessionCount); err != nil {
			return fmt.Errorf("importing day %s: %w", key, err)
		}
	}
	for key, a := range snap.Monthly {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO monthly_stats
			(month, total_cost, total_lines_added, total_lines_removed, session_count)
			VALUES (?, ?, ?, ?, ?)`,
			key, a.TotalCost, a.TotalLinesAdded, a.TotalLinesRemoved, a.SessionCount); err != nil {
			return fmt.Errorf("importing month %s: %w", key, err)
		}
	}
	logging.OrNop(env.Logger).Info("imported legacy mirror",
		zap.String("path", env.LegacyMirrorPath),
		zap.Int("sessions", len(snap.Sessions)),
		zap.Int("days", len(snap.Daily)))
	return nil
}

// createActivity creates session_activity and backfills it. Keys are derived
// in Go from the configured location, never with SQL date().
func createActivity(ctx context.Context, tx *sql.Tx, env Env) error {
	if _, err := tx.ExecContext(ctx, activitySQL); err != nil {
		return err
	}

	rows, err := tx.QueryContext(ctx, "SELECT session_id, last_updated FROM sessions")
	if err != nil {
		return err
	}
	type seen struct{ id, updated string }
	var all []seen
	for rows.Next() {
		var s seen
		if err := rows.Scan(&s.id, &s.updated); err != nil {
			_ = rows.Close()
			return err
		}
		all = append(all, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("reading sessions for backfill: %w", err)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	for _, s := range all {
		at := parseTime(s.updated)
		if at.IsZero() {
			continue
		}
		for _, p := range []model.Period{model.Day(at, env.Location), model.Month(at, env.Location)} {
			if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO session_activity
				(session_id, period_kind, period_key) VALUES (?, ?, ?)`,
				s.id, string(p.Kind), p.Key); err != nil {
				return err
			}
		}
	}
	return nil
}
