package pushapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/veloxchat/pushkit/internal/push"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

// mockRegistry implements SubscriptionRegistry for testing.
type mockRegistry struct {
	upserts     []string // endpoints
	lastUserID  string
	deletes     []string
	upsertErr   error
	deleteErr   error
	countResult int64
}

func (m *mockRegistry) Upsert(ctx context.Context, userID string, sub *push.Subscription) error {
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.lastUserID = userID
	m.upserts = append(m.upserts, sub.Endpoint)
	return nil
}

func (m *mockRegistry) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.deletes = append(m.deletes, endpoint)
	return nil
}

func (m *mockRegistry) Count(ctx context.Context) (int64, error) {
	return m.countResult, nil
}

// staticKeys implements KeyProvider for testing.
type staticKeys string

func (k staticKeys) PublicKey() string { return string(k) }

func bearerFor(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := GenerateToken(testSecret, userID)
	if err != nil {
		t.Fatalf("generating token: %v", err)
	}
	return "Bearer " + token
}

func TestHandleKey(t *testing.T) {
	srv := NewServer(&mockRegistry{}, staticKeys("BPublicKey123"), testSecret)

	req := httptest.NewRequest(http.MethodGet, "/key", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var env envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decoding envelope: %v", err)
	}
	data, _ := json.Marshal(env.Data)
	var resp push.KeyResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("decoding key response: %v", err)
	}
	if resp.PublicKey != "BPublicKey123" {
		t.Errorf("public key = %q, want BPublicKey123", resp.PublicKey)
	}
}

func TestHandleKey_Unconfigured(t *testing.T) {
	// Key distribution degrades to 503 when no key pair exists; clients
	// treat this as server push unavailable.
	tests := []struct {
		name string
		keys KeyProvider
	}{
		{"nil provider", nil},
		{"empty key", staticKeys("")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(&mockRegistry{}, tt.keys, testSecret)

			req := httptest.NewRequest(http.MethodGet, "/key", nil)
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			if w.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected 503, got %d", w.Code)
			}
		})
	}
}

func TestHandleSubscribe(t *testing.T) {
	registry := &mockRegistry{}
	srv := NewServer(registry, staticKeys("key"), testSecret)

	body := `{"subscription":{"endpoint":"https://push.example.com/relay/push/abc","keys":{"p256dh":"pk","auth":"ak"}}}`
	req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", bearerFor(t, "alice"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(registry.upserts) != 1 {
		t.Fatalf("expected 1 upsert, got %d", len(registry.upserts))
	}
	if registry.upserts[0] != "https://push.example.com/relay/push/abc" {
		t.Errorf("endpoint = %q", registry.upserts[0])
	}
	if registry.lastUserID != "alice" {
		t.Errorf("user = %q, want alice", registry.lastUserID)
	}
}

func TestHandleSubscribe_RequiresAuth(t *testing.T) {
	registry := &mockRegistry{}
	srv := NewServer(registry, staticKeys("key"), testSecret)

	body := `{"subscription":{"endpoint":"https://e","keys":{"p256dh":"p","auth":"a"}}}`

	tests := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"malformed header", "Token abc"},
		{"garbage token", "Bearer not.a.jwt"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
		})
	}
	if len(registry.upserts) != 0 {
		t.Error("expected no upserts for unauthenticated requests")
	}
}

func TestHandleSubscribe_Validation(t *testing.T) {
	srv := NewServer(&mockRegistry{}, staticKeys("key"), testSecret)

	tests := []struct {
		name string
		body string
	}{
		{"missing subscription", `{}`},
		{"missing endpoint", `{"subscription":{"keys":{"p256dh":"p","auth":"a"}}}`},
		{"invalid json", `not json`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(tt.body))
			req.Header.Set("Authorization", bearerFor(t, "alice"))
			w := httptest.NewRecorder()
			srv.ServeHTTP(w, req)

			if w.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleUnsubscribe(t *testing.T) {
	registry := &mockRegistry{}
	srv := NewServer(registry, staticKeys("key"), testSecret)

	// Unknown endpoints succeed too: the caller's goal is that no record
	// remains.
	body := `{"endpoint":"https://push.example.com/relay/push/gone"}`
	req := httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if len(registry.deletes) != 1 || registry.deletes[0] != "https://push.example.com/relay/push/gone" {
		t.Errorf("unexpected deletes: %v", registry.deletes)
	}
}

func TestHandleUnsubscribe_StoreError(t *testing.T) {
	registry := &mockRegistry{deleteErr: fmt.Errorf("database connection lost")}
	srv := NewServer(registry, staticKeys("key"), testSecret)

	body := `{"endpoint":"https://e"}`
	req := httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "bob"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

// TestSubscribeRefresh covers a device re-registering after a forced
// re-subscribe: same user, new endpoint. The registry keys on endpoint,
// so the server simply records both and the client removes the old one.
func TestSubscribeRefresh(t *testing.T) {
	registry := &mockRegistry{}
	srv := NewServer(registry, staticKeys("key"), testSecret)

	for _, endpoint := range []string{
		"https://push.example.com/relay/push/old",
		"https://push.example.com/relay/push/new",
	} {
		body := fmt.Sprintf(`{"subscription":{"endpoint":%q,"keys":{"p256dh":"p","auth":"a"}}}`, endpoint)
		req := httptest.NewRequest(http.MethodPost, "/subscribe", strings.NewReader(body))
		req.Header.Set("Authorization", bearerFor(t, "carol"))
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("subscribe %s: expected 200, got %d", endpoint, w.Code)
		}
	}

	body := `{"endpoint":"https://push.example.com/relay/push/old"}`
	req := httptest.NewRequest(http.MethodPost, "/unsubscribe", strings.NewReader(body))
	req.Header.Set("Authorization", bearerFor(t, "carol"))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("unsubscribe: expected 200, got %d", w.Code)
	}

	if len(registry.upserts) != 2 || len(registry.deletes) != 1 {
		t.Errorf("upserts=%v deletes=%v", registry.upserts, registry.deletes)
	}
}
