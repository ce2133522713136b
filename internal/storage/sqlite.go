package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

// timeLayout is fixed-width so that stored timestamps compare correctly as text
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists schedules, generated tasks and the asset ownership
// lookup in a single SQLite database
type SQLiteStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dsn and applies the schema
func NewSQLiteStore(logger *zap.Logger, dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}
	// SQLite serializes writers; a single connection also keeps ":memory:"
	// databases shared across calls
	db.SetMaxOpenConns(1)

	store := newSQLiteStore(db, logger)
	if err := store.initialize(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func newSQLiteStore(db *sql.DB, logger *zap.Logger) *SQLiteStore {
	return &SQLiteStore{
		logger: logger.Named("storage"),
		db:     db,
	}
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteStore) initialize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS assets (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_assets_organization_id ON assets(organization_id);

		CREATE TABLE IF NOT EXISTS schedules (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			asset_id TEXT,
			name TEXT NOT NULL DEFAULT '',
			schedule_type TEXT NOT NULL DEFAULT '',
			recurrence_type TEXT NOT NULL DEFAULT '',
			start_date TEXT NOT NULL,
			end_date TEXT,
			interval_days INTEGER NOT NULL DEFAULT 0,
			interval_months INTEGER NOT NULL DEFAULT 0,
			custom_rrule TEXT NOT NULL DEFAULT '',
			recurrence_rule TEXT NOT NULL DEFAULT '',
			monthly_day_of_month INTEGER NOT NULL DEFAULT 0,
			seasonal_months TEXT,
			usage_threshold REAL NOT NULL DEFAULT 0,
			current_usage REAL NOT NULL DEFAULT 0,
			next_occurrence TEXT,
			last_occurrence TEXT,
			next_run_at TEXT,
			last_run_at TEXT,
			task_template TEXT NOT NULL,
			auto_create_advance INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_schedules_organization_id ON schedules(organization_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_asset_id ON schedules(asset_id);
		CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules(is_active, next_occurrence);

		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			organization_id TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			priority TEXT NOT NULL,
			due_date TEXT NOT NULL,
			estimated_cost REAL,
			estimated_minutes INTEGER,
			asset_id TEXT,
			schedule_id TEXT,
			created_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_tasks_schedule_occurrence
			ON tasks(schedule_id, due_date) WHERE schedule_id IS NOT NULL;
		CREATE INDEX IF NOT EXISTS idx_tasks_organization_id ON tasks(organization_id);

		CREATE TABLE IF NOT EXISTS task_assignments (
			task_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			PRIMARY KEY (task_id, user_id)
		);
	`)
	if err != nil {
		return errors.Wrap(err, "failed to initialize database")
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func parseTime(column, value string) (time.Time, error) {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "failed to parse %s", column)
	}
	return t, nil
}

func parseNullTime(column string, value sql.NullString) (*time.Time, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	t, err := parseTime(column, value.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
