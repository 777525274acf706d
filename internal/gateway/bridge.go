// ABOUTME: Bridge between MCP requests and the provider, backed by the resource cache.
// ABOUTME: Serves tool lists and tool calls per user; gates everything on auth status.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/mailbridge/internal/auth"
	"github.com/2389/mailbridge/internal/cache"
	"github.com/2389/mailbridge/internal/provider"
	"github.com/2389/mailbridge/internal/store"
)

// AuthStatusTool is the synthetic tool reporting connection state. It is
// always listed, so an unconnected user has a way to start the OAuth flow.
const AuthStatusTool = "gmail_auth_status"

// stateTokenTTL bounds how long a started OAuth flow can take.
const stateTokenTTL = 15 * time.Minute

// ErrNotConnected indicates the user has no active provider connection.
var ErrNotConnected = errors.New("gmail is not connected")

// Bridge implements tool listing and execution over the cache and provider.
type Bridge struct {
	cache       *cache.Cache
	provider    *provider.Client
	store       store.ConnectionStore
	tokens      *auth.JWTVerifier
	callbackURL string
	logger      *slog.Logger
}

// BridgeConfig holds the bridge's collaborators.
type BridgeConfig struct {
	Cache       *cache.Cache
	Provider    *provider.Client
	Store       store.ConnectionStore
	Tokens      *auth.JWTVerifier
	CallbackURL string
	Logger      *slog.Logger
}

// NewBridge creates a bridge from the given configuration.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Provider == nil {
		return nil, errors.New("provider client is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("token verifier is required")
	}
	if cfg.CallbackURL == "" {
		return nil, errors.New("callback URL is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Bridge{
		cache:       cfg.Cache,
		provider:    cfg.Provider,
		store:       cfg.Store,
		tokens:      cfg.Tokens,
		callbackURL: cfg.CallbackURL,
		logger:      logger,
	}, nil
}

// status returns the user's auth status through the cache.
func (b *Bridge) status(ctx context.Context, userKey string) (cache.Status, error) {
	return b.cache.GetStatus(ctx, userKey, func(ctx context.Context) (cache.Status, error) {
		return b.provider.CheckConnection(ctx, userKey)
	})
}

// client returns the user's tool client handle through the cache.
func (b *Bridge) client(ctx context.Context, userKey, connState string) (cache.Client, error) {
	return b.cache.GetClient(ctx, userKey, connState, func(ctx context.Context) (cache.Client, error) {
		return b.provider.NewToolClient(ctx, userKey)
	})
}

// ListTools returns the tools available to the user. An unconnected user
// sees only the auth-status tool; a connected user sees the provider's tools
// plus the auth-status tool.
func (b *Bridge) ListTools(ctx context.Context, userKey string) (cache.ToolSet, error) {
	st, err := b.status(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("resolving auth status: %w", err)
	}

	tools := cache.ToolSet{AuthStatusTool: authStatusDefinition()}
	if !st.Connected {
		return tools, nil
	}

	connState := cache.ConnState(st)
	set, err := b.cache.GetToolSet(ctx, userKey, connState, func(ctx context.Context) (cache.ToolSet, error) {
		client, err := b.client(ctx, userKey, connState)
		if err != nil {
			return nil, err
		}
		return client.ListTools(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("listing provider tools: %w", err)
	}

	for name, def := range set {
		tools[name] = def
	}
	return tools, nil
}

// CallTool executes one tool for the user. The auth-status tool is handled
// in-process; everything else requires an active connection and routes
// through the cached client handle.
func (b *Bridge) CallTool(ctx context.Context, userKey, name string, args json.RawMessage) (json.RawMessage, error) {
	if name == AuthStatusTool {
		return b.callAuthStatus(ctx, userKey)
	}

	st, err := b.status(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("resolving auth status: %w", err)
	}
	if !st.Connected {
		return nil, fmt.Errorf("%w: call %s to get an authorization link", ErrNotConnected, AuthStatusTool)
	}

	client, err := b.client(ctx, userKey, cache.ConnState(st))
	if err != nil {
		return nil, fmt.Errorf("opening tool client: %w", err)
	}
	return client.CallTool(ctx, name, args)
}

// authStatusResult is the auth-status tool's output.
type authStatusResult struct {
	Connected    bool   `json:"connected"`
	ConnectionID string `json:"connection_id,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	Message      string `json:"message"`
}

// callAuthStatus reports the connection state and, when unconnected, starts
// an OAuth flow and returns the authorization link.
func (b *Bridge) callAuthStatus(ctx context.Context, userKey string) (json.RawMessage, error) {
	st, err := b.status(ctx, userKey)
	if err != nil {
		return nil, fmt.Errorf("resolving auth status: %w", err)
	}

	if st.Connected {
		return json.Marshal(authStatusResult{
			Connected:    true,
			ConnectionID: st.ConnectionID,
			Message:      "Gmail is connected.",
		})
	}

	link, err := b.Connect(ctx, userKey)
	if err != nil {
		return nil, err
	}
	return json.Marshal(authStatusResult{
		Connected:   false,
		RedirectURL: link.RedirectURL,
		Message:     "Gmail is not connected. Visit the redirect URL to authorize access.",
	})
}

// authStatusDefinition builds the synthetic tool's definition.
func authStatusDefinition() cache.ToolDefinition {
	return cache.ToolDefinition{
		Name:        AuthStatusTool,
		Description: "Check Gmail connection status and get an authorization link if disconnected",
		InputSchema: json.RawMessage(`{"type":"object","properties":{}}`),
	}
}

// Connect starts a hosted OAuth flow for the user. The callback URL carries a
// signed state token binding the flow to the user; the pending connection is
// recorded for audit.
func (b *Bridge) Connect(ctx context.Context, userKey string) (*provider.ConnectLink, error) {
	state, err := b.tokens.GenerateState(userKey, stateTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("minting state token: %w", err)
	}

	link, err := b.provider.InitiateConnection(ctx, userKey, b.callbackURL+"?state="+state)
	if err != nil {
		return nil, fmt.Errorf("initiating connection: %w", err)
	}

	if err := b.store.UpsertConnection(ctx, &store.Connection{
		UserKey:      userKey,
		ConnectionID: link.ConnectionID,
		Status:       store.StatusPending,
	}); err != nil {
		return nil, fmt.Errorf("recording pending connection: %w", err)
	}
	if err := b.store.RecordAuthEvent(ctx, &store.AuthEvent{
		UserKey:      userKey,
		ConnectionID: link.ConnectionID,
		Event:        "initiated",
	}); err != nil {
		b.logger.Warn("recording auth event failed", "user_key", userKey, "error", err)
	}

	return link, nil
}

// CompleteAuthorization finishes an OAuth flow after the provider's callback.
// It verifies the state token, persists the authorized connection, and
// invalidates the user's cached auth status so derived entries built from the
// old state are dropped.
func (b *Bridge) CompleteAuthorization(ctx context.Context, stateToken, connectionID string) (string, error) {
	userKey, err := b.tokens.VerifyState(stateToken)
	if err != nil {
		return "", fmt.Errorf("verifying state: %w", err)
	}

	if err := b.store.UpsertConnection(ctx, &store.Connection{
		UserKey:      userKey,
		ConnectionID: connectionID,
		Status:       store.StatusActive,
	}); err != nil {
		return "", fmt.Errorf("recording connection: %w", err)
	}
	if err := b.store.RecordAuthEvent(ctx, &store.AuthEvent{
		UserKey:      userKey,
		ConnectionID: connectionID,
		Event:        "authorized",
	}); err != nil {
		b.logger.Warn("recording auth event failed", "user_key", userKey, "error", err)
	}

	b.cache.InvalidateStatus(ctx, userKey)

	b.logger.Info("authorization completed",
		"user_key", userKey,
		"connection_id", connectionID,
	)
	return userKey, nil
}

// FailAuthorization records a failed or denied OAuth flow.
func (b *Bridge) FailAuthorization(ctx context.Context, stateToken, reason string) error {
	userKey, err := b.tokens.VerifyState(stateToken)
	if err != nil {
		return fmt.Errorf("verifying state: %w", err)
	}

	if err := b.store.RecordAuthEvent(ctx, &store.AuthEvent{
		UserKey: userKey,
		Event:   "failed",
	}); err != nil {
		b.logger.Warn("recording auth event failed", "user_key", userKey, "error", err)
	}

	b.logger.Info("authorization failed",
		"user_key", userKey,
		"reason", reason,
	)
	return nil
}
