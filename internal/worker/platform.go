package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/veloxchat/pushkit/internal/push"
)

// pollWait is how long one relay long-poll cycle blocks server-side
// before returning an empty batch.
const pollWait = 25 * time.Second

// subscribeReply mirrors the relay's subscribe response body.
type subscribeReply struct {
	ChannelID    string             `json:"channelId"`
	Subscription *push.Subscription `json:"subscription"`
}

// relayEvent mirrors one entry of the relay's event feed. Payload holds
// the raw push bytes, which need not be valid JSON.
type relayEvent struct {
	Type    string `json:"type"` // "push" or "invalidated"
	Payload []byte `json:"payload,omitempty"`
}

// eventBatch mirrors the relay's event feed response body.
type eventBatch struct {
	Events []relayEvent `json:"events"`
}

// relayEnvelope is the relay's standard response wrapper.
type relayEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error,omitempty"`
}

// platformState is the worker's only persisted state: the platform's own
// subscription object. Everything else is reconstructed on start.
type platformState struct {
	ChannelID    string             `json:"channel_id"`
	Subscription *push.Subscription `json:"subscription"`
}

// Platform is the worker's handle on the push relay: it issues and
// invalidates the platform subscription object and receives inbound push
// events over a long-poll feed.
type Platform struct {
	relayURL  string
	client    *http.Client
	stateFile string

	mu    sync.Mutex
	state platformState
}

// NewPlatform creates a Platform rooted at relayURL, restoring any
// previously issued subscription from dataDir.
func NewPlatform(relayURL, dataDir string) (*Platform, error) {
	p := &Platform{
		relayURL:  relayURL,
		client:    &http.Client{Timeout: pollWait + 10*time.Second},
		stateFile: filepath.Join(dataDir, "subscription.json"),
	}

	data, err := os.ReadFile(p.stateFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("worker: reading subscription state: %w", err)
		}
		return p, nil
	}
	if err := json.Unmarshal(data, &p.state); err != nil {
		// A corrupt state file is equivalent to no subscription.
		slog.Warn("worker: discarding corrupt subscription state", "error", err)
		p.state = platformState{}
	}
	return p, nil
}

// Subscription returns the current platform subscription, or nil.
func (p *Platform) Subscription() *push.Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Subscription
}

// Subscribe requests a fresh subscription from the relay, addressed with
// the given notification key. Any previous subscription is invalidated
// first so at most one is active per installation.
func (p *Platform) Subscribe(ctx context.Context, key string) (*push.Subscription, error) {
	if old := p.Subscription(); old != nil {
		if err := p.Unsubscribe(ctx); err != nil {
			slog.Warn("worker: invalidating previous subscription", "error", err)
		}
	}

	body, err := json.Marshal(map[string]string{"key": key})
	if err != nil {
		return nil, fmt.Errorf("worker: marshalling subscribe request: %w", err)
	}

	var reply subscribeReply
	if err := p.do(ctx, http.MethodPost, "/relay/subscribe", body, &reply); err != nil {
		return nil, err
	}
	if reply.Subscription == nil || reply.ChannelID == "" {
		return nil, errors.New("worker: relay returned no subscription")
	}

	p.mu.Lock()
	p.state = platformState{ChannelID: reply.ChannelID, Subscription: reply.Subscription}
	p.mu.Unlock()

	if err := p.saveState(); err != nil {
		return nil, err
	}

	slog.Info("worker: platform subscription issued", "channel", reply.ChannelID)
	return reply.Subscription, nil
}

// Unsubscribe invalidates the platform subscription. No-op when none
// exists.
func (p *Platform) Unsubscribe(ctx context.Context) error {
	p.mu.Lock()
	channelID := p.state.ChannelID
	p.mu.Unlock()
	if channelID == "" {
		return nil
	}

	body, err := json.Marshal(map[string]string{"channelId": channelID})
	if err != nil {
		return fmt.Errorf("worker: marshalling unsubscribe request: %w", err)
	}
	if err := p.do(ctx, http.MethodPost, "/relay/unsubscribe", body, nil); err != nil {
		return err
	}

	p.mu.Lock()
	p.state = platformState{}
	p.mu.Unlock()
	return p.saveState()
}

// Listen runs the long-poll loop until ctx is cancelled, invoking onPush
// for each inbound payload and onInvalidated when the relay rotates its
// addressing key. Poll errors back off rather than terminating the loop.
func (p *Platform) Listen(ctx context.Context, onPush func([]byte), onInvalidated func()) {
	for {
		if ctx.Err() != nil {
			return
		}

		p.mu.Lock()
		channelID := p.state.ChannelID
		p.mu.Unlock()

		if channelID == "" {
			// Nothing to listen on until a subscription exists.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		var batch eventBatch
		err := p.do(ctx, http.MethodGet, "/relay/events/"+channelID, nil, &batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("worker: event poll failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
			continue
		}

		for _, ev := range batch.Events {
			switch ev.Type {
			case "push":
				onPush(ev.Payload)
			case "invalidated":
				slog.Info("worker: subscription invalidated by relay")
				onInvalidated()
			default:
				slog.Debug("worker: ignoring relay event", "type", ev.Type)
			}
		}
	}
}

// do performs one relay request and decodes the envelope data into out.
func (p *Platform) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.relayURL+path, reader)
	if err != nil {
		return fmt.Errorf("worker: creating relay request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker: relay request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("worker: reading relay response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env relayEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error != "" {
			return fmt.Errorf("worker: relay error (status %d): %s", resp.StatusCode, env.Error)
		}
		return fmt.Errorf("worker: relay returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	var env relayEnvelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("worker: decoding relay response: %w", err)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("worker: decoding relay response data: %w", err)
	}
	return nil
}

// saveState persists the platform subscription object atomically.
func (p *Platform) saveState() error {
	p.mu.Lock()
	data, err := json.MarshalIndent(p.state, "", "  ")
	p.mu.Unlock()
	if err != nil {
		return fmt.Errorf("worker: encoding subscription state: %w", err)
	}

	tmp := p.stateFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("worker: writing subscription state: %w", err)
	}
	if err := os.Rename(tmp, p.stateFile); err != nil {
		return fmt.Errorf("worker: replacing subscription state: %w", err)
	}
	return nil
}
