package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/orgboot/internal/event"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Event log with projection tables
const currentSchemaVersion = 1

// Router dispatches a freshly appended event to its projection handlers.
// Dispatch runs inside the append transaction; any error rolls the
// projection writes back.
type Router interface {
	Routable(streamType, eventType string) bool
	// Owner names the stream allowed to write the row a payload targets.
	Owner(streamType string, data event.Data) string
	Dispatch(ctx context.Context, tx *sql.Tx, ev event.Event) error
	// Reset clears every projection table ahead of a rebuild.
	Reset(ctx context.Context, tx *sql.Tx) error
}

// Validator checks an event payload before anything is written.
type Validator interface {
	Validate(eventType string, payload []byte) error
}

// Store provides durable storage for the event log and its projections.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db        *sql.DB
	router    Router
	validator Validator
	ids       event.IDGenerator
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithRouter sets the projection router. Without one every append fails
// with ErrUnroutable.
func WithRouter(r Router) Option {
	return func(s *Store) { s.router = r }
}

// WithValidator sets the payload validator.
func WithValidator(v Validator) Option {
	return func(s *Store) { s.validator = v }
}

// WithIDGenerator sets the event id source. Defaults to UUIDv7.
func WithIDGenerator(g event.IDGenerator) Option {
	return func(s *Store) { s.ids = g }
}

// WithClock sets the function used to stamp created_at and processed_at.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// This function is idempotent - safe to call multiple times.
func Open(path string, opts ...Option) (*Store, error) {
	// Connection-scoped settings also go in the DSN so a reconnect keeps them.
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_foreign_keys=on&_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time. A single connection also
	// means concurrent appends queue on BeginTx instead of racing.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{
		db:     db,
		ids:    event.UUIDv7Generator{},
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB returns the underlying sql.DB for projection reads.
// Never call it from inside a Router handler: the pool has one connection
// and it is held by the append transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and records the schema
// version. Refuses databases written by a newer build.
func applySchema(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
