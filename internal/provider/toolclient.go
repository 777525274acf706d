// ABOUTME: Long-lived tool session handle implementing the cache.Client interface.
// ABOUTME: Lists and calls provider tools; Dispose closes the remote session idempotently.

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/2389/mailbridge/internal/cache"
)

// ToolClient is a handle over one provider tool session. It is created by
// Client.NewToolClient and disposed by the resource cache on invalidation.
type ToolClient struct {
	client    *Client
	sessionID string
	userKey   string
	disposed  atomic.Bool
}

// toolInfo is the provider's tool description on the wire.
type toolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// listToolsResponse is the provider's tools listing.
type listToolsResponse struct {
	Tools []toolInfo `json:"tools"`
}

// ListTools fetches the session's tool catalog as a snapshot.
func (t *ToolClient) ListTools(ctx context.Context) (cache.ToolSet, error) {
	if t.disposed.Load() {
		return nil, fmt.Errorf("tool session %s is disposed", t.sessionID)
	}

	var resp listToolsResponse
	path := "/v1/sessions/" + url.PathEscape(t.sessionID) + "/tools"
	if err := t.client.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("listing tools for %s: %w", t.userKey, err)
	}

	set := make(cache.ToolSet, len(resp.Tools))
	for _, tool := range resp.Tools {
		set[tool.Name] = cache.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}
	}
	return set, nil
}

// callToolRequest is the provider's tool execution request.
type callToolRequest struct {
	Arguments json.RawMessage `json:"arguments"`
}

// callToolResponse is the provider's tool execution result.
type callToolResponse struct {
	Output json.RawMessage `json:"output"`
}

// CallTool executes one tool in the session and returns its raw JSON output.
func (t *ToolClient) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	if t.disposed.Load() {
		return nil, fmt.Errorf("tool session %s is disposed", t.sessionID)
	}

	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}

	var resp callToolResponse
	path := "/v1/sessions/" + url.PathEscape(t.sessionID) + "/tools/" + url.PathEscape(name)
	if err := t.client.do(ctx, http.MethodPost, path, callToolRequest{Arguments: args}, &resp); err != nil {
		return nil, fmt.Errorf("calling tool %s for %s: %w", name, t.userKey, err)
	}
	return resp.Output, nil
}

// Dispose closes the remote session. Safe to call multiple times; a session
// the provider no longer knows about counts as already closed.
func (t *ToolClient) Dispose(ctx context.Context) error {
	if t.disposed.Swap(true) {
		return nil
	}

	path := "/v1/sessions/" + url.PathEscape(t.sessionID)
	if err := t.client.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		if IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("closing tool session %s: %w", t.sessionID, err)
	}

	t.client.logger.Debug("tool session closed",
		"user_key", t.userKey,
		"session_id", t.sessionID,
	)
	return nil
}

// interface check
var _ cache.Client = (*ToolClient)(nil)
