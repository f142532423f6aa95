package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// Bind-parameter-per-statement limits imposed by the drivers. Bulk inserts
// are chunked so rows*columns stays under the active driver's limit.
const (
	postgresMaxParams = 65535
	sqliteMaxParams   = 32766
)

type Store struct {
	db     *sql.DB
	driver string
	sql    sq.StatementBuilderType
}

func Open(ctx context.Context, driver, dsn string, autoMigrate bool, migrationsDir string) (*Store, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if autoMigrate {
		switch driver {
		case "postgres":
			if migrationsDir == "" {
				migrationsDir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, migrationsDir); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return nil, fmt.Errorf("unsupported driver %q", driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &Store{
		db:     db,
		driver: driver,
		sql:    sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping reports database connectivity for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) maxParams() int {
	if s.driver == "postgres" {
		return postgresMaxParams
	}
	return sqliteMaxParams
}

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS traces (
    trace_id TEXT PRIMARY KEY,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    model TEXT,
    owner_key TEXT,
    is_public INTEGER NOT NULL DEFAULT 0,
    share_token TEXT,
    max_tokens INTEGER,
    temperature REAL,
    mod_source TEXT,
    prompt TEXT,
    prompt_token_ids TEXT,
    active_mod_name TEXT,
    final_token_ids TEXT,
    final_text TEXT,
    inference_stats TEXT,
    tags TEXT,
    favorited_by TEXT
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id TEXT NOT NULL REFERENCES traces(trace_id) ON DELETE CASCADE,
    event_type TEXT NOT NULL,
    step INTEGER NOT NULL,
    sequence_order INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    details TEXT,
    prompt_length INTEGER,
    tokens_so_far INTEGER,
    max_steps INTEGER,
    input_text TEXT,
    top_tokens TEXT,
    sampled_token INTEGER,
    token_text TEXT,
    added_tokens TEXT,
    added_token_count INTEGER,
    forced INTEGER
);
CREATE TABLE IF NOT EXISTS mod_calls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
    trace_id TEXT NOT NULL,
    mod_name TEXT NOT NULL,
    event_type TEXT NOT NULL,
    step INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    execution_time_ms REAL,
    exception_occurred INTEGER NOT NULL DEFAULT 0,
    exception_message TEXT,
    exception_traceback TEXT
);
CREATE TABLE IF NOT EXISTS mod_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mod_call_id INTEGER NOT NULL REFERENCES mod_calls(id) ON DELETE CASCADE,
    trace_id TEXT NOT NULL,
    mod_name TEXT NOT NULL,
    message TEXT NOT NULL,
    level TEXT NOT NULL DEFAULT 'INFO',
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS actions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    mod_call_id INTEGER NOT NULL REFERENCES mod_calls(id) ON DELETE CASCADE,
    trace_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    action_order INTEGER NOT NULL,
    created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    details TEXT,
    new_prompt TEXT,
    new_length INTEGER,
    adjusted_max_steps INTEGER,
    token_count INTEGER,
    tokens TEXT,
    tokens_as_text TEXT,
    backtrack_steps INTEGER,
    logits_shape TEXT,
    temperature REAL,
    has_tool_calls INTEGER,
    tool_calls TEXT,
    error_message TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_created_at ON traces(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_traces_owner_key ON traces(owner_key);
CREATE INDEX IF NOT EXISTS idx_events_trace_id ON events(trace_id, sequence_order);
CREATE INDEX IF NOT EXISTS idx_mod_calls_trace_id ON mod_calls(trace_id);
CREATE INDEX IF NOT EXISTS idx_mod_logs_trace_id ON mod_logs(trace_id);
CREATE INDEX IF NOT EXISTS idx_actions_trace_id ON actions(trace_id);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}
