package push

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrKeyUnavailable is returned when the server has no notification key
// configured or returns one that cannot be decoded. Callers treat this as
// "server push globally unavailable" rather than a transient failure.
var ErrKeyUnavailable = errors.New("push: notification key unavailable")

// StatusError is returned when the server rejects a request with an HTTP
// error status. 400, 403 and 503 are terminal for the attempt; the client
// never retries on its own.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("push: server returned status %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("push: server returned status %d", e.Status)
}

// envelope is the standard server response wrapper.
type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// Client is an HTTP client for the application server's push endpoints.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a push endpoint client. baseURL is the application
// server root (e.g. "https://chat.example.com"). Requests use a bounded
// 10 second timeout; there is no retry or backoff.
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
	}
}

// PushKey fetches the server's public notification key. The key is never
// cached here: callers re-fetch on every engine start so a server-side key
// rotation is detected.
func (c *Client) PushKey(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/push/key", nil)
	if err != nil {
		return "", fmt.Errorf("push: creating key request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("push: fetching key: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", fmt.Errorf("push: reading key response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status %d", ErrKeyUnavailable, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", fmt.Errorf("%w: malformed response", ErrKeyUnavailable)
	}

	var keyResp KeyResponse
	if err := json.Unmarshal(env.Data, &keyResp); err != nil || keyResp.PublicKey == "" {
		return "", ErrKeyUnavailable
	}

	slog.Debug("push key fetched", "key_prefix", truncate(keyResp.PublicKey, 12))
	return keyResp.PublicKey, nil
}

// Subscribe registers a subscription descriptor with the server. A 2xx
// response is success; 400/403/503 are terminal for this attempt.
func (c *Client) Subscribe(ctx context.Context, token string, sub *Subscription) error {
	return c.post(ctx, "/api/push/subscribe", token, SubscribeRequest{Subscription: sub})
}

// Unsubscribe tells the server to drop the subscription with the given
// endpoint. Best-effort: callers proceed with local invalidation whatever
// the outcome.
func (c *Client) Unsubscribe(ctx context.Context, token, endpoint string) error {
	return c.post(ctx, "/api/push/unsubscribe", token, UnsubscribeRequest{Endpoint: endpoint})
}

// post sends an authenticated JSON POST and maps error statuses.
func (c *Client) post(ctx context.Context, path, token string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push: marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push: sending request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return fmt.Errorf("push: reading response: %w", err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var env envelope
	if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
		return &StatusError{Status: resp.StatusCode, Message: env.Error}
	}
	return &StatusError{Status: resp.StatusCode}
}

// truncate returns the first n characters of s for safe logging.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
