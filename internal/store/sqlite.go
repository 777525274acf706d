// ABOUTME: SQLite implementation of ConnectionStore using modernc.org/sqlite.
// ABOUTME: Automatic schema creation with WAL mode for concurrent reads.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements ConnectionStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			user_key TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS auth_events (
			id TEXT PRIMARY KEY,
			user_key TEXT NOT NULL,
			connection_id TEXT,
			event TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_auth_events_user_created
			ON auth_events(user_key, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// UpsertConnection creates or replaces the connection record for a user.
func (s *SQLiteStore) UpsertConnection(ctx context.Context, conn *Connection) error {
	if conn.UserKey == "" {
		return fmt.Errorf("user key is required")
	}

	now := time.Now().UTC()
	if conn.CreatedAt.IsZero() {
		conn.CreatedAt = now
	}
	conn.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO connections (user_key, connection_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_key) DO UPDATE SET
			connection_id = excluded.connection_id,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, conn.UserKey, conn.ConnectionID, conn.Status, conn.CreatedAt, conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upserting connection: %w", err)
	}
	return nil
}

// GetConnection returns the connection record for a user.
func (s *SQLiteStore) GetConnection(ctx context.Context, userKey string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_key, connection_id, status, created_at, updated_at
		FROM connections WHERE user_key = ?
	`, userKey)

	var conn Connection
	err := row.Scan(&conn.UserKey, &conn.ConnectionID, &conn.Status, &conn.CreatedAt, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting connection: %w", err)
	}
	return &conn, nil
}

// DeleteConnection removes the connection record for a user.
func (s *SQLiteStore) DeleteConnection(ctx context.Context, userKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM connections WHERE user_key = ?`, userKey); err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	return nil
}

// RecordAuthEvent appends an authorization event.
func (s *SQLiteStore) RecordAuthEvent(ctx context.Context, event *AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_events (id, user_key, connection_id, event, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, event.ID, event.UserKey, event.ConnectionID, event.Event, event.CreatedAt)
	if err != nil {
		return fmt.Errorf("recording auth event: %w", err)
	}
	return nil
}

// ListAuthEvents returns a user's events, newest first.
func (s *SQLiteStore) ListAuthEvents(ctx context.Context, userKey string, limit int) ([]*AuthEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_key, connection_id, event, created_at
		FROM auth_events
		WHERE user_key = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, userKey, limit)
	if err != nil {
		return nil, fmt.Errorf("listing auth events: %w", err)
	}
	defer rows.Close()

	var events []*AuthEvent
	for rows.Next() {
		var ev AuthEvent
		if err := rows.Scan(&ev.ID, &ev.UserKey, &ev.ConnectionID, &ev.Event, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning auth event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auth events: %w", err)
	}
	return events, nil
}

// interface check
var _ ConnectionStore = (*SQLiteStore)(nil)
