// ABOUTME: Shared value types for the resource cache: auth status, tool sets, clients.
// ABOUTME: Key construction for derived entries lives here so all call sites agree.

package cache

import (
	"context"
	"encoding/json"
)

// Status records whether a user has an authorized connection to the tool
// provider. Immutable once stored; a new check produces a new entry.
type Status struct {
	Connected    bool
	ConnectionID string
}

// ToolDefinition describes a single provider tool.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ToolSet maps tool name to definition. Snapshots are immutable once cached.
type ToolSet map[string]ToolDefinition

// Client is a long-lived handle to the remote tool provider. The cache owns
// calling Dispose during invalidation; implementations must make Dispose
// idempotent.
type Client interface {
	ListTools(ctx context.Context) (ToolSet, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error)
	Dispose(ctx context.Context) error
}

// connStateUnauth is the connection-state component used before a user has
// an authorized connection.
const connStateUnauth = "unauth"

// ConnState derives the connection-state key component from an auth status.
// Every derived cache key must be built through this and Key so that entries
// written under one auth state are found (and invalidated) under the same key.
func ConnState(st Status) string {
	if st.Connected && st.ConnectionID != "" {
		return "conn:" + st.ConnectionID
	}
	return connStateUnauth
}

// Key builds the derived cache key for client and tool-set entries.
func Key(userKey, connState string) string {
	return userKey + "|" + connState
}
