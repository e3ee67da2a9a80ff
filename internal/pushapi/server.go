// Package pushapi implements the application server's push endpoints:
// key distribution, subscription registration and removal.
package pushapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/veloxchat/pushkit/internal/push"
)

// SubscriptionRegistry persists the server-side registry of device
// subscriptions, keyed by endpoint. Implemented by store.Registry and
// pgstore.Store.
type SubscriptionRegistry interface {
	// Upsert inserts or updates a subscription for a user. Re-registering
	// an endpoint keeps a single row.
	Upsert(ctx context.Context, userID string, sub *push.Subscription) error

	// DeleteByEndpoint removes a subscription. Unknown endpoints are not
	// an error.
	DeleteByEndpoint(ctx context.Context, endpoint string) error

	// Count returns the number of registered subscriptions.
	Count(ctx context.Context) (int64, error)
}

// KeyProvider exposes the current public notification key.
type KeyProvider interface {
	// PublicKey returns the base64url-encoded public key, or "" when
	// push is not configured.
	PublicKey() string
}

// Server holds the push API handler dependencies.
type Server struct {
	router   *chi.Mux
	registry SubscriptionRegistry
	keys     KeyProvider
	secret   []byte
}

// NewServer creates a push API server with all routes mounted. secret
// signs and verifies the bearer tokens guarding the mutating endpoints.
func NewServer(registry SubscriptionRegistry, keys KeyProvider, secret []byte) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		registry: registry,
		keys:     keys,
		secret:   secret,
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router
	r.Get("/key", s.handleKey)
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(s.secret))
		r.Post("/subscribe", s.handleSubscribe)
		r.Post("/unsubscribe", s.handleUnsubscribe)
	})
}

// handleKey handles GET /key. No authentication: the public key is not
// a secret, and clients fetch it before they have a credential.
func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	key := ""
	if s.keys != nil {
		key = s.keys.PublicKey()
	}
	if key == "" {
		writeError(w, http.StatusServiceUnavailable, "push is not configured")
		return
	}
	writeJSON(w, http.StatusOK, push.KeyResponse{PublicKey: key})
}

// handleSubscribe handles POST /subscribe: register or refresh the
// caller's subscription descriptor.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req push.SubscribeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Subscription == nil || req.Subscription.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "subscription with endpoint is required")
		return
	}

	userID := UserIDFromContext(r.Context())
	if err := s.registry.Upsert(r.Context(), userID, req.Subscription); err != nil {
		slog.Error("pushapi: registering subscription", "error", err, "user", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("pushapi: subscription registered", "user", userID, "endpoint", truncate(req.Subscription.Endpoint, 48))
	writeJSON(w, http.StatusOK, map[string]bool{"registered": true})
}

// handleUnsubscribe handles POST /unsubscribe: remove the subscription
// for an endpoint. Unknown endpoints succeed; the caller's goal is that
// no record remains either way.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req push.UnsubscribeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Endpoint == "" {
		writeError(w, http.StatusBadRequest, "endpoint is required")
		return
	}

	userID := UserIDFromContext(r.Context())
	if err := s.registry.DeleteByEndpoint(r.Context(), req.Endpoint); err != nil {
		slog.Error("pushapi: removing subscription", "error", err, "user", userID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	slog.Info("pushapi: subscription removed", "user", userID, "endpoint", truncate(req.Endpoint, 48))
	writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
}

// truncate shortens s for logging.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// envelope is the standard response wrapper for the push API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("pushapi: failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("pushapi: failed to encode json error response", "error", err)
	}
}

// maxRequestBodySize is the upper limit for JSON request bodies (1 MB).
const maxRequestBodySize = 1 << 20

// readJSON decodes a JSON request body into dst with size limiting.
// Returns a user-friendly error string on failure, or "" on success.
func readJSON(r *http.Request, dst any) string {
	r.Body = http.MaxBytesReader(nil, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		return "invalid request body"
	}

	if dec.More() {
		return "request body must contain a single json object"
	}

	return ""
}
