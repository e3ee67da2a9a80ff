package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// defaultPollInterval is how often the bridge polls the credential store
// for writes made by other processes.
const defaultPollInterval = 400 * time.Millisecond

// TokenSource exposes the persisted bearer credential and an in-process
// change feed. Satisfied by store.CredentialStore.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Watch() <-chan string
}

// AuthBridge observes the bearer credential through two independent
// channels: the store's change feed and a bounded polling task. Either
// channel may fire for the same write; observations are deduplicated
// against the last-seen value, so each callback runs at most once per
// newly-observed token.
type AuthBridge struct {
	src      TokenSource
	interval time.Duration

	mu        sync.Mutex
	lastSeen  string
	callbacks []func(token string)
	started   bool
}

// NewAuthBridge creates a bridge over src. A non-positive interval falls
// back to the default 400ms poll.
func NewAuthBridge(src TokenSource) *AuthBridge {
	return &AuthBridge{src: src, interval: defaultPollInterval}
}

// CurrentToken returns the stored token and whether one is present.
func (b *AuthBridge) CurrentToken(ctx context.Context) (string, bool) {
	token, err := b.src.Token(ctx)
	if err != nil {
		slog.Warn("authbridge: reading token", "error", err)
		return "", false
	}
	return token, token != ""
}

// OnTokenAvailable registers fn to run when a new token value is
// observed. fn is invoked at most once per distinct value.
func (b *AuthBridge) OnTokenAvailable(fn func(token string)) {
	b.mu.Lock()
	b.callbacks = append(b.callbacks, fn)
	b.mu.Unlock()
}

// Start launches the watch and poll loops. Both terminate when ctx is
// cancelled; the poll is owned by the engine instance, never a
// free-running timer. Start is a no-op when called twice.
func (b *AuthBridge) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	// Seed last-seen so a token present at startup still fires once.
	if token, ok := b.CurrentToken(ctx); ok {
		b.observe(token)
	}

	go b.run(ctx)
}

func (b *AuthBridge) run(ctx context.Context) {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	watch := b.src.Watch()

	for {
		select {
		case <-ctx.Done():
			return
		case token := <-watch:
			b.observe(token)
		case <-ticker.C:
			if token, ok := b.CurrentToken(ctx); ok {
				b.observe(token)
			}
		}
	}
}

// observe deduplicates and dispatches a token observation.
func (b *AuthBridge) observe(token string) {
	if token == "" {
		return
	}

	b.mu.Lock()
	if token == b.lastSeen {
		b.mu.Unlock()
		return
	}
	b.lastSeen = token
	callbacks := make([]func(string), len(b.callbacks))
	copy(callbacks, b.callbacks)
	b.mu.Unlock()

	slog.Debug("authbridge: new token observed")
	for _, fn := range callbacks {
		fn(token)
	}
}
