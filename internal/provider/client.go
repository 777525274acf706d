// ABOUTME: HTTP client for the hosted tool-provisioning API (connections, sessions).
// ABOUTME: Checks auth status, initiates OAuth connections, and opens tool sessions.

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/2389/mailbridge/internal/cache"
)

// DefaultTimeout bounds each provider API call when no http.Client is supplied.
const DefaultTimeout = 30 * time.Second

// apiKeyHeader carries the provider API key on every request.
const apiKeyHeader = "X-Api-Key"

// Config holds settings for the provider client.
type Config struct {
	BaseURL    string
	APIKey     string
	Toolkit    string // tool collection to provision, e.g. "gmail"
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client talks to the remote tool-provisioning service. It is safe for
// concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	toolkit string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a provider client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("provider base URL is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("provider API key is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid provider base URL: %w", err)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultTimeout}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	toolkit := cfg.Toolkit
	if toolkit == "" {
		toolkit = "gmail"
	}

	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		toolkit: toolkit,
		http:    httpClient,
		logger:  logger,
	}, nil
}

// connectionResponse is the provider's connection record.
type connectionResponse struct {
	ConnectionID string `json:"connection_id"`
	Status       string `json:"status"` // INITIATED, ACTIVE, FAILED, EXPIRED
}

// CheckConnection queries the provider for the user's connection state.
// A missing connection is a normal unconnected status, not an error.
func (c *Client) CheckConnection(ctx context.Context, userKey string) (cache.Status, error) {
	var conn connectionResponse
	err := c.do(ctx, http.MethodGet, "/v1/connections/"+url.PathEscape(userKey), nil, &conn)
	if err != nil {
		if IsNotFound(err) {
			return cache.Status{Connected: false}, nil
		}
		return cache.Status{}, fmt.Errorf("checking connection for %s: %w", userKey, err)
	}

	return cache.Status{
		Connected:    conn.Status == "ACTIVE",
		ConnectionID: conn.ConnectionID,
	}, nil
}

// ConnectLink is a pending OAuth authorization handed back to the user.
type ConnectLink struct {
	ConnectionID string `json:"connection_id"`
	RedirectURL  string `json:"redirect_url"`
}

// InitiateConnection asks the provider to start a hosted OAuth flow for the
// user. The returned redirect URL sends the user to the provider's consent
// screen; the provider calls back to callbackURL when authorization finishes.
func (c *Client) InitiateConnection(ctx context.Context, userKey, callbackURL string) (*ConnectLink, error) {
	req := map[string]string{
		"user_key":     userKey,
		"toolkit":      c.toolkit,
		"callback_url": callbackURL,
	}

	var link ConnectLink
	if err := c.do(ctx, http.MethodPost, "/v1/connections", req, &link); err != nil {
		return nil, fmt.Errorf("initiating connection for %s: %w", userKey, err)
	}

	c.logger.Info("connection initiated",
		"user_key", userKey,
		"connection_id", link.ConnectionID,
	)
	return &link, nil
}

// sessionResponse is the provider's tool-session record.
type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// NewToolClient opens a long-lived tool session for the user and returns a
// handle over it. The handle stays usable until Dispose closes the session;
// callers are expected to hand ownership of disposal to the resource cache.
func (c *Client) NewToolClient(ctx context.Context, userKey string) (*ToolClient, error) {
	req := map[string]string{
		"user_key": userKey,
		"toolkit":  c.toolkit,
	}

	var sess sessionResponse
	if err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &sess); err != nil {
		return nil, fmt.Errorf("opening tool session for %s: %w", userKey, err)
	}

	c.logger.Debug("tool session opened",
		"user_key", userKey,
		"session_id", sess.SessionID,
	)

	return &ToolClient{
		client:    c,
		sessionID: sess.SessionID,
		userKey:   userKey,
	}, nil
}

// do performs one API request, decoding a JSON body into out when non-nil.
// Non-2xx responses are returned as *APIError.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(apiKeyHeader, c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return parseAPIError(resp)
	}

	if out == nil {
		// Drain so the connection can be reused
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
