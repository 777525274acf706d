// ABOUTME: Tests for the provider API client against a stub HTTP server.
// ABOUTME: Covers connection checks, OAuth initiation, sessions, and error mapping.

package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewClient(Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	require.NoError(t, err)
	return client, srv
}

func TestNewClient_RequiresBaseURLAndKey(t *testing.T) {
	_, err := NewClient(Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = NewClient(Config{BaseURL: "http://localhost:1234"})
	assert.Error(t, err)
}

func TestCheckConnection_Active(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "/v1/connections/u1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": "c1",
			"status":        "ACTIVE",
		})
	}))

	st, err := client.CheckConnection(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, st.Connected)
	assert.Equal(t, "c1", st.ConnectionID)
}

func TestCheckConnection_Pending(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": "c1",
			"status":        "INITIATED",
		})
	}))

	st, err := client.CheckConnection(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, st.Connected)
}

func TestCheckConnection_NotFoundIsUnconnected(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	st, err := client.CheckConnection(context.Background(), "u1")
	require.NoError(t, err)
	assert.False(t, st.Connected)
	assert.Empty(t, st.ConnectionID)
}

func TestCheckConnection_ServerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "internal", "message": "upstream broke"},
		})
	}))

	_, err := client.CheckConnection(context.Background(), "u1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, "internal", apiErr.Code)
	assert.Contains(t, apiErr.Message, "upstream broke")
}

func TestInitiateConnection(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/connections", r.URL.Path)

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u1", req["user_key"])
		assert.Equal(t, "gmail", req["toolkit"])
		assert.Equal(t, "https://bridge.example/oauth/callback", req["callback_url"])

		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": "c-new",
			"redirect_url":  "https://provider.example/authorize?x=1",
		})
	}))

	link, err := client.InitiateConnection(context.Background(), "u1", "https://bridge.example/oauth/callback")
	require.NoError(t, err)
	assert.Equal(t, "c-new", link.ConnectionID)
	assert.Equal(t, "https://provider.example/authorize?x=1", link.RedirectURL)
}

// sessionStub serves session open, tool list/call, and close endpoints.
func sessionStub(t *testing.T, deletes *atomic.Int32) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
	})
	mux.HandleFunc("GET /v1/sessions/s1/tools", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{
					"name":         "gmail_send",
					"description":  "Send an email",
					"input_schema": json.RawMessage(`{"type":"object"}`),
				},
				{
					"name":        "gmail_search",
					"description": "Search the mailbox",
				},
			},
		})
	})
	mux.HandleFunc("POST /v1/sessions/s1/tools/gmail_send", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Arguments json.RawMessage `json:"arguments"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.JSONEq(t, `{"to":"a@b.c"}`, string(req.Arguments))
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]string{"message_id": "m1"},
		})
	})
	mux.HandleFunc("DELETE /v1/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		if deletes != nil {
			deletes.Add(1)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func TestToolClient_ListTools(t *testing.T) {
	client, _ := newTestClient(t, sessionStub(t, nil))

	tc, err := client.NewToolClient(context.Background(), "u1")
	require.NoError(t, err)

	tools, err := tc.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, tools, 2)
	assert.Equal(t, "Send an email", tools["gmail_send"].Description)
	assert.JSONEq(t, `{"type":"object"}`, string(tools["gmail_send"].InputSchema))
}

func TestToolClient_CallTool(t *testing.T) {
	client, _ := newTestClient(t, sessionStub(t, nil))

	tc, err := client.NewToolClient(context.Background(), "u1")
	require.NoError(t, err)

	out, err := tc.CallTool(context.Background(), "gmail_send", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"message_id":"m1"}`, string(out))
}

func TestToolClient_Dispose_Idempotent(t *testing.T) {
	var deletes atomic.Int32
	client, _ := newTestClient(t, sessionStub(t, &deletes))

	tc, err := client.NewToolClient(context.Background(), "u1")
	require.NoError(t, err)

	require.NoError(t, tc.Dispose(context.Background()))
	require.NoError(t, tc.Dispose(context.Background()))
	assert.Equal(t, int32(1), deletes.Load())

	// A disposed handle rejects further use
	_, err = tc.ListTools(context.Background())
	assert.Error(t, err)
	_, err = tc.CallTool(context.Background(), "gmail_send", nil)
	assert.Error(t, err)
}

func TestToolClient_Dispose_MissingSessionIsNoop(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
	})
	mux.HandleFunc("DELETE /v1/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	client, _ := newTestClient(t, mux)

	tc, err := client.NewToolClient(context.Background(), "u1")
	require.NoError(t, err)
	assert.NoError(t, tc.Dispose(context.Background()))
}
