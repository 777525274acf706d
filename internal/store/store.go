// ABOUTME: Store interface and types for durable connection records and auth events.
// ABOUTME: The resource cache stays in-process; only authorization facts persist.

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// Connection status values mirror the provider's lifecycle.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusRevoked = "revoked"
)

// Connection records a user's provider connection.
type Connection struct {
	UserKey      string
	ConnectionID string
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AuthEvent records one authorization lifecycle event for audit.
type AuthEvent struct {
	ID           string
	UserKey      string
	ConnectionID string
	Event        string // e.g. "initiated", "authorized", "revoked"
	CreatedAt    time.Time
}

// ConnectionStore persists connection records and authorization events.
type ConnectionStore interface {
	// UpsertConnection creates or replaces the connection record for a user.
	UpsertConnection(ctx context.Context, conn *Connection) error

	// GetConnection returns the connection record for a user.
	// Returns ErrNotFound if the user has no record.
	GetConnection(ctx context.Context, userKey string) (*Connection, error)

	// DeleteConnection removes the connection record for a user.
	// Deleting a missing record is not an error.
	DeleteConnection(ctx context.Context, userKey string) error

	// RecordAuthEvent appends an authorization event. The event's ID and
	// CreatedAt are populated if unset.
	RecordAuthEvent(ctx context.Context, event *AuthEvent) error

	// ListAuthEvents returns a user's events, newest first, up to limit.
	ListAuthEvents(ctx context.Context, userKey string, limit int) ([]*AuthEvent, error)

	// Close releases the underlying resources.
	Close() error
}
