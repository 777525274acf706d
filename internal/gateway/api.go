// ABOUTME: HTTP handlers for the connect flow, OAuth callback, and health check.
// ABOUTME: The callback is the external invalidation trigger for cached auth state.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxRequestBodySize bounds API request bodies (64KB).
const maxRequestBodySize = 64 << 10

// ConnectRequest is the JSON request body for POST /api/connect.
type ConnectRequest struct {
	UserKey string `json:"user_key"`
}

// ConnectResponse is the JSON response for POST /api/connect.
type ConnectResponse struct {
	ConnectionID string `json:"connection_id"`
	RedirectURL  string `json:"redirect_url"`
}

// APIServer exposes the bridge's connect flow over HTTP.
type APIServer struct {
	bridge *Bridge
	logger *slog.Logger
}

// NewAPIServer creates the HTTP surface around a bridge.
func NewAPIServer(bridge *Bridge, logger *slog.Logger) *APIServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIServer{bridge: bridge, logger: logger}
}

// RegisterRoutes registers the gateway endpoints on the given ServeMux.
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/connect", s.handleConnect)
	mux.HandleFunc("GET /oauth/callback", s.handleCallback)
	mux.HandleFunc("GET /healthz", s.handleHealth)
}

// handleConnect starts a hosted OAuth flow and returns the redirect URL.
func (s *APIServer) handleConnect(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	var req ConnectRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request: invalid JSON", http.StatusBadRequest)
		return
	}
	if req.UserKey == "" {
		http.Error(w, "Bad Request: user_key is required", http.StatusBadRequest)
		return
	}

	link, err := s.bridge.Connect(r.Context(), req.UserKey)
	if err != nil {
		s.logger.Error("connect failed", "user_key", req.UserKey, "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, ConnectResponse{
		ConnectionID: link.ConnectionID,
		RedirectURL:  link.RedirectURL,
	})
}

// handleCallback receives the provider's redirect after the user finishes
// (or abandons) the consent screen.
func (s *APIServer) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		http.Error(w, "Bad Request: missing state", http.StatusBadRequest)
		return
	}

	if errCode := q.Get("error"); errCode != "" {
		if err := s.bridge.FailAuthorization(r.Context(), state, errCode); err != nil {
			http.Error(w, "Bad Request: invalid state", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "Authorization was not completed. You can close this window and try again.")
		return
	}

	connectionID := q.Get("connection_id")
	if connectionID == "" {
		http.Error(w, "Bad Request: missing connection_id", http.StatusBadRequest)
		return
	}

	userKey, err := s.bridge.CompleteAuthorization(r.Context(), state, connectionID)
	if err != nil {
		s.logger.Warn("callback rejected", "error", err)
		http.Error(w, "Bad Request: invalid state", http.StatusBadRequest)
		return
	}

	s.logger.Info("callback handled", "user_key", userKey)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "Gmail connected. You can close this window.")
}

// handleHealth reports liveness.
func (s *APIServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response with the given status code.
func (s *APIServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		s.logger.Debug("writing response failed", "error", err)
	}
}
