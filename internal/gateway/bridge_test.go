// ABOUTME: Tests for the bridge: tool listing/calls gated on auth, caching behavior,
// ABOUTME: and the authorize-then-invalidate flow driven by the OAuth callback.

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mailbridge/internal/auth"
	"github.com/2389/mailbridge/internal/cache"
	"github.com/2389/mailbridge/internal/provider"
	"github.com/2389/mailbridge/internal/store"
)

// memStore is an in-memory ConnectionStore for tests.
type memStore struct {
	mu          sync.Mutex
	connections map[string]*store.Connection
	events      []*store.AuthEvent
}

func newMemStore() *memStore {
	return &memStore{connections: make(map[string]*store.Connection)}
}

func (m *memStore) UpsertConnection(_ context.Context, conn *store.Connection) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *conn
	m.connections[conn.UserKey] = &cp
	return nil
}

func (m *memStore) GetConnection(_ context.Context, userKey string) (*store.Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.connections[userKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *conn
	return &cp, nil
}

func (m *memStore) DeleteConnection(_ context.Context, userKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections, userKey)
	return nil
}

func (m *memStore) RecordAuthEvent(_ context.Context, event *store.AuthEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *event
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.events = append(m.events, &cp)
	return nil
}

func (m *memStore) ListAuthEvents(_ context.Context, userKey string, _ int) ([]*store.AuthEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AuthEvent
	for _, ev := range m.events {
		if ev.UserKey == userKey {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) eventNames(userKey string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for _, ev := range m.events {
		if ev.UserKey == userKey {
			names = append(names, ev.Event)
		}
	}
	return names
}

// providerStub is a mutable fake of the provisioning API.
type providerStub struct {
	mu           sync.Mutex
	connected    bool
	connectionID string
	statusChecks int
	toolLists    int
	sessionsOpen int
	deletes      int
}

func (p *providerStub) handler(t *testing.T) http.Handler {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/connections/{user}", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.statusChecks++
		if !p.connected {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": p.connectionID,
			"status":        "ACTIVE",
		})
	})
	mux.HandleFunc("POST /v1/connections", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"connection_id": "c-pending",
			"redirect_url":  "https://provider.example/authorize?flow=1",
		})
	})
	mux.HandleFunc("POST /v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.sessionsOpen++
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]string{"session_id": "s1"})
	})
	mux.HandleFunc("GET /v1/sessions/s1/tools", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.toolLists++
		p.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "gmail_send", "description": "Send an email"},
				{"name": "gmail_search", "description": "Search the mailbox"},
			},
		})
	})
	mux.HandleFunc("POST /v1/sessions/s1/tools/{tool}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"output": map[string]string{"result": "sent"},
		})
	})
	mux.HandleFunc("DELETE /v1/sessions/s1", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		p.deletes++
		p.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (p *providerStub) authorize(id string) {
	p.mu.Lock()
	p.connected = true
	p.connectionID = id
	p.mu.Unlock()
}

func (p *providerStub) counts() (statusChecks, toolLists, sessionsOpen int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusChecks, p.toolLists, p.sessionsOpen
}

type bridgeFixture struct {
	bridge *Bridge
	cache  *cache.Cache
	store  *memStore
	stub   *providerStub
	tokens *auth.JWTVerifier
}

func newBridgeFixture(t *testing.T) *bridgeFixture {
	t.Helper()

	stub := &providerStub{}
	srv := httptest.NewServer(stub.handler(t))
	t.Cleanup(srv.Close)

	pc, err := provider.NewClient(provider.Config{
		BaseURL: srv.URL,
		APIKey:  "test-key",
	})
	require.NoError(t, err)

	c := cache.New(5 * time.Minute)
	st := newMemStore()
	tokens := auth.NewJWTVerifier([]byte("test-secret"))

	bridge, err := NewBridge(BridgeConfig{
		Cache:       c,
		Provider:    pc,
		Store:       st,
		Tokens:      tokens,
		CallbackURL: "https://bridge.example/oauth/callback",
	})
	require.NoError(t, err)

	return &bridgeFixture{bridge: bridge, cache: c, store: st, stub: stub, tokens: tokens}
}

func TestBridge_ListTools_Unconnected(t *testing.T) {
	f := newBridgeFixture(t)

	tools, err := f.bridge.ListTools(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Contains(t, tools, AuthStatusTool)
}

func TestBridge_ListTools_Connected(t *testing.T) {
	f := newBridgeFixture(t)
	f.stub.authorize("c1")

	tools, err := f.bridge.ListTools(context.Background(), "u1")
	require.NoError(t, err)
	assert.Contains(t, tools, "gmail_send")
	assert.Contains(t, tools, "gmail_search")
	assert.Contains(t, tools, AuthStatusTool)

	// A second listing inside the TTL is served from cache
	_, err = f.bridge.ListTools(context.Background(), "u1")
	require.NoError(t, err)

	statusChecks, toolLists, sessionsOpen := f.stub.counts()
	assert.Equal(t, 1, statusChecks)
	assert.Equal(t, 1, toolLists)
	assert.Equal(t, 1, sessionsOpen)
}

func TestBridge_CallTool_Unconnected(t *testing.T) {
	f := newBridgeFixture(t)

	_, err := f.bridge.CallTool(context.Background(), "u1", "gmail_send", nil)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestBridge_CallTool_Connected(t *testing.T) {
	f := newBridgeFixture(t)
	f.stub.authorize("c1")

	out, err := f.bridge.CallTool(context.Background(), "u1", "gmail_send", json.RawMessage(`{"to":"a@b.c"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":"sent"}`, string(out))

	// The session handle is reused across calls
	_, err = f.bridge.CallTool(context.Background(), "u1", "gmail_search", nil)
	require.NoError(t, err)
	_, _, sessionsOpen := f.stub.counts()
	assert.Equal(t, 1, sessionsOpen)
}

func TestBridge_AuthStatusTool_StartsFlow(t *testing.T) {
	f := newBridgeFixture(t)

	out, err := f.bridge.CallTool(context.Background(), "u1", AuthStatusTool, nil)
	require.NoError(t, err)

	var result authStatusResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.False(t, result.Connected)
	assert.Equal(t, "https://provider.example/authorize?flow=1", result.RedirectURL)

	// The pending connection and the initiation event were recorded
	conn, err := f.store.GetConnection(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, conn.Status)
	assert.Equal(t, []string{"initiated"}, f.store.eventNames("u1"))
}

func TestBridge_AuthStatusTool_Connected(t *testing.T) {
	f := newBridgeFixture(t)
	f.stub.authorize("c1")

	out, err := f.bridge.CallTool(context.Background(), "u1", AuthStatusTool, nil)
	require.NoError(t, err)

	var result authStatusResult
	require.NoError(t, json.Unmarshal(out, &result))
	assert.True(t, result.Connected)
	assert.Equal(t, "c1", result.ConnectionID)
	assert.Empty(t, result.RedirectURL)
}

func TestBridge_CompleteAuthorization_InvalidatesCachedStatus(t *testing.T) {
	f := newBridgeFixture(t)
	ctx := context.Background()

	// First listing caches the unconnected status
	tools, err := f.bridge.ListTools(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tools, 1)

	// The user authorizes out of band; the provider now reports ACTIVE
	f.stub.authorize("c1")

	// Without invalidation the stale unconnected status would be served
	tools, err = f.bridge.ListTools(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, tools, 1)

	state, err := f.tokens.GenerateState("u1", time.Minute)
	require.NoError(t, err)
	userKey, err := f.bridge.CompleteAuthorization(ctx, state, "c1")
	require.NoError(t, err)
	assert.Equal(t, "u1", userKey)

	// The callback invalidated the cached status: tools appear immediately,
	// no TTL wait needed
	tools, err = f.bridge.ListTools(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, tools, "gmail_send")

	conn, err := f.store.GetConnection(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusActive, conn.Status)
	assert.Equal(t, []string{"authorized"}, f.store.eventNames("u1"))
}

func TestBridge_CompleteAuthorization_RejectsBadState(t *testing.T) {
	f := newBridgeFixture(t)

	_, err := f.bridge.CompleteAuthorization(context.Background(), "garbage", "c1")
	assert.Error(t, err)

	// An access token is not a valid state token
	access, err := f.tokens.Generate("u1", time.Minute)
	require.NoError(t, err)
	_, err = f.bridge.CompleteAuthorization(context.Background(), access, "c1")
	assert.ErrorIs(t, err, auth.ErrWrongPurpose)
}

func TestBridge_FailAuthorization_RecordsEvent(t *testing.T) {
	f := newBridgeFixture(t)

	state, err := f.tokens.GenerateState("u1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, f.bridge.FailAuthorization(context.Background(), state, "access_denied"))
	assert.Equal(t, []string{"failed"}, f.store.eventNames("u1"))
}
