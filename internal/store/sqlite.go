package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/nhle/mailpipe/internal/model"
)

// SQLiteStore implements KV and StepLog using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

var (
	_ KV      = (*SQLiteStore)(nil)
	_ StepLog = (*SQLiteStore)(nil)
)

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// SQLite allows a single writer; one connection also keeps ":memory:"
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// DB exposes the underlying handle, used when the account table lives in
// the same database file.
func (s *SQLiteStore) DB() *sqlx.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// === KV ===

// Get returns the value stored at key.
func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, "SELECT value FROM kv WHERE key = ?", key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("getting key %s: %w", key, err)
	}
	return []byte(value), true, nil
}

// Put inserts or replaces the value stored at key.
func (s *SQLiteStore) Put(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO kv (key, value, updated_at) VALUES (?, ?, ?)",
		key, string(value), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("putting key %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("deleting key %s: %w", key, err)
	}
	return nil
}

// === Step log ===

// EnsureRun returns the run with runID, creating it when missing.
func (s *SQLiteStore) EnsureRun(
	ctx context.Context,
	runID string,
	userID string,
) (*model.BootstrapRun, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO workflow_runs (run_id, user_id, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, userID, model.RunPending, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("creating run %s: %w", runID, err)
	}
	return s.GetRun(ctx, runID)
}

// GetRun retrieves a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.BootstrapRun, error) {
	var run model.BootstrapRun
	err := s.db.GetContext(ctx, &run, `
		SELECT run_id, user_id, state, failed_step, created_at, updated_at
		FROM workflow_runs WHERE run_id = ?`, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %s: %w", runID, err)
	}
	return &run, nil
}

// SetRunState records the run state and, for failed runs, the failing step.
func (s *SQLiteStore) SetRunState(
	ctx context.Context,
	runID string,
	state model.RunState,
	failedStep string,
) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE workflow_runs SET state = ?, failed_step = ?, updated_at = ? WHERE run_id = ?",
		state, failedStep, time.Now().UTC(), runID,
	)
	if err != nil {
		return fmt.Errorf("updating run %s: %w", runID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating run %s: %w", runID, ErrNotFound)
	}
	return nil
}

// GetRunsForUser lists a user's runs, newest first.
func (s *SQLiteStore) GetRunsForUser(
	ctx context.Context,
	userID string,
) ([]model.BootstrapRun, error) {
	var runs []model.BootstrapRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT run_id, user_id, state, failed_step, created_at, updated_at
		FROM workflow_runs WHERE user_id = ? ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("querying runs for %s: %w", userID, err)
	}
	return runs, nil
}

// stepRow mirrors workflow_steps; result is kept as text in the table.
type stepRow struct {
	RunID     string    `db:"run_id"`
	Step      string    `db:"step"`
	Status    string    `db:"status"`
	Result    string    `db:"result"`
	Attempts  int       `db:"attempts"`
	Error     string    `db:"error"`
	UpdatedAt time.Time `db:"updated_at"`
}

// GetSteps returns every recorded step of a run.
func (s *SQLiteStore) GetSteps(ctx context.Context, runID string) ([]model.StepRecord, error) {
	var rows []stepRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT run_id, step, status, result, attempts, error, updated_at
		FROM workflow_steps WHERE run_id = ?`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying steps for %s: %w", runID, err)
	}

	steps := make([]model.StepRecord, 0, len(rows))
	for _, r := range rows {
		rec := model.StepRecord{
			RunID:     r.RunID,
			Step:      model.StepName(r.Step),
			Status:    model.StepStatus(r.Status),
			Attempts:  r.Attempts,
			Error:     r.Error,
			UpdatedAt: r.UpdatedAt,
		}
		if r.Result != "" {
			rec.Result = []byte(r.Result)
		}
		steps = append(steps, rec)
	}
	return steps, nil
}

// SaveStep inserts or replaces a step record.
func (s *SQLiteStore) SaveStep(ctx context.Context, rec model.StepRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO workflow_steps (
			run_id, step, status, result, attempts, error, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.RunID, string(rec.Step), string(rec.Status), string(rec.Result),
		rec.Attempts, rec.Error, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving step %s/%s: %w", rec.RunID, rec.Step, err)
	}
	return nil
}
