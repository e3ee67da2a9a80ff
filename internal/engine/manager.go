package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/veloxchat/pushkit/internal/ipc"
	"github.com/veloxchat/pushkit/internal/push"
	"github.com/veloxchat/pushkit/internal/store"
)

// ErrServerPushUnavailable is returned by Subscribe when no notification
// key could be fetched from the server. Subscription toggling is disabled
// in this condition; local permission flows keep working.
var ErrServerPushUnavailable = errors.New("engine: server push unavailable")

// WorkerBridge is the manager's view of the background worker. The worker
// owns the platform subscription object; the manager only caches it.
type WorkerBridge interface {
	// Subscription returns the worker's existing platform subscription,
	// or nil if none exists.
	Subscription(ctx context.Context) (*push.Subscription, error)
	// Subscribe issues a fresh platform subscription addressed with the
	// given notification key. Any previous subscription is replaced;
	// the platform guarantees one active subscription per installation.
	Subscribe(ctx context.Context, key string) (*push.Subscription, error)
	// Unsubscribe invalidates the platform subscription.
	Unsubscribe(ctx context.Context) error
	// Events delivers worker-originated envelopes (subscription-changed,
	// notification-activated). The channel closes when the connection
	// to the worker is lost.
	Events() <-chan ipc.Envelope
}

// ServerAPI is the manager's view of the application server's push
// endpoints. Satisfied by *push.Client.
type ServerAPI interface {
	PushKey(ctx context.Context) (string, error)
	Subscribe(ctx context.Context, token string, sub *push.Subscription) error
	Unsubscribe(ctx context.Context, token, endpoint string) error
}

// subscribeCall coalesces concurrent Subscribe invocations onto a single
// in-flight attempt.
type subscribeCall struct {
	done chan struct{}
	sub  *push.Subscription
	err  error
}

// Manager orchestrates permission requests, worker registration, key
// retrieval, subscribe/unsubscribe calls and server synchronization. It
// is the only component that mutates the subscription store from the
// foreground side.
type Manager struct {
	perms  Permissions
	auth   *AuthBridge
	subs   store.SubscriptionStore
	worker WorkerBridge
	server ServerAPI

	mu          sync.Mutex
	initialized bool
	key         string
	state       State
	cached      *push.Subscription
	inflight    *subscribeCall
	cancel      context.CancelFunc

	// opMu serializes the actual subscribe/unsubscribe work so two
	// operations can never race into a double platform subscription.
	opMu sync.Mutex

	cbMu          sync.Mutex
	stateFns      []func(State)
	activationFns []func(ipc.ActivationData)
}

// NewManager wires a manager from its collaborators. Call Initialize
// before any other operation.
func NewManager(perms Permissions, auth *AuthBridge, subs store.SubscriptionStore, worker WorkerBridge, server ServerAPI) *Manager {
	return &Manager{
		perms:  perms,
		auth:   auth,
		subs:   subs,
		worker: worker,
		server: server,
	}
}

// OnStateChange registers a presentation callback fired whenever the
// engine's observable state changes.
func (m *Manager) OnStateChange(fn func(State)) {
	m.cbMu.Lock()
	m.stateFns = append(m.stateFns, fn)
	m.cbMu.Unlock()
}

// OnActivation registers a callback fired when the worker reports a
// notification tap. The router subscribes here.
func (m *Manager) OnActivation(fn func(ipc.ActivationData)) {
	m.cbMu.Lock()
	m.activationFns = append(m.activationFns, fn)
	m.cbMu.Unlock()
}

// Initialize brings the engine up: starts the credential bridge, begins
// consuming worker events, fetches the notification key and reconciles
// any existing subscription by re-delivering it to the server. Idempotent
// and safe to call multiple times; re-entrant calls are no-ops.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	m.initialized = true
	m.mu.Unlock()

	perm, err := m.perms.Query(ctx)
	if err != nil {
		return fmt.Errorf("engine: querying permission: %w", err)
	}
	if perm == PermissionUnsupported {
		m.setState(StateUnsupported)
		slog.Info("engine: notifications unsupported, engine disabled")
		return nil
	}

	// Background task lifetime is owned by the engine instance.
	runCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	m.auth.OnTokenAvailable(func(token string) {
		m.flushPending(token)
	})
	m.auth.Start(runCtx)

	go m.watchWorker(runCtx)

	keyOK := true
	key, err := m.server.PushKey(ctx)
	if err != nil {
		keyOK = false
		slog.Warn("engine: notification key unavailable, server push disabled", "error", err)
	} else {
		m.mu.Lock()
		m.key = key
		m.mu.Unlock()
	}

	// Reconcile: an existing platform subscription is reused and
	// re-delivered, never force-replaced.
	existing, err := m.worker.Subscription(ctx)
	if err != nil {
		slog.Warn("engine: fetching existing subscription", "error", err)
	}
	if existing != nil {
		if err := m.subs.SetActive(ctx, existing); err != nil {
			slog.Warn("engine: storing existing subscription", "error", err)
		}
		m.setCached(existing)
		m.deliver(ctx, existing)
	}

	switch {
	case !keyOK:
		m.setState(StateServerPushUnavailable)
	case existing != nil:
		m.setState(StateSubscribed)
	case perm == PermissionDenied:
		m.setState(StateDenied)
	case perm == PermissionGranted:
		m.setState(StateUnsubscribed)
	default:
		m.setState(StateNeedsPermission)
	}

	slog.Info("engine initialized", "state", m.State(), "existing_subscription", existing != nil)
	return nil
}

// Close stops the engine's background tasks.
func (m *Manager) Close() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// State returns the last published engine state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe establishes a subscription and delivers it to the server.
//
// With force false an existing descriptor is reused and re-delivered.
// Permission refusal aborts with a nil descriptor and nil error. Exactly
// one subscribe attempt is in flight at a time: concurrent callers
// coalesce onto the existing attempt and share its result.
func (m *Manager) Subscribe(ctx context.Context, force bool) (*push.Subscription, error) {
	m.mu.Lock()
	if call := m.inflight; call != nil {
		m.mu.Unlock()
		select {
		case <-call.done:
			return call.sub, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &subscribeCall{done: make(chan struct{})}
	m.inflight = call
	m.mu.Unlock()

	call.sub, call.err = m.doSubscribe(ctx, force)

	m.mu.Lock()
	m.inflight = nil
	m.mu.Unlock()
	close(call.done)

	return call.sub, call.err
}

func (m *Manager) doSubscribe(ctx context.Context, force bool) (*push.Subscription, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if !force {
		if existing := m.existingSubscription(ctx); existing != nil {
			m.deliver(ctx, existing)
			m.setState(StateSubscribed)
			return existing, nil
		}
	}

	perm, err := m.perms.Query(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: querying permission: %w", err)
	}
	if perm == PermissionNotRequested {
		perm, err = m.perms.Request(ctx)
		if err != nil {
			return nil, fmt.Errorf("engine: requesting permission: %w", err)
		}
	}
	switch perm {
	case PermissionGranted:
	case PermissionDenied:
		m.setState(StateDenied)
		slog.Info("subscribe: permission denied, aborting")
		return nil, nil
	default:
		m.setState(StateUnsupported)
		slog.Info("subscribe: notifications unsupported, aborting")
		return nil, nil
	}

	key := m.currentKey()
	if key == "" {
		m.setState(StateServerPushUnavailable)
		return nil, ErrServerPushUnavailable
	}

	sub, err := m.worker.Subscribe(ctx, key)
	if err != nil {
		// Failed subscribe leaves state exactly as before the attempt.
		slog.Error("subscribe: platform subscription failed", "error", err)
		return nil, fmt.Errorf("engine: platform subscribe: %w", err)
	}

	if err := m.subs.SetActive(ctx, sub); err != nil {
		slog.Warn("subscribe: storing descriptor", "error", err)
	}
	if err := m.subs.SetEnabled(ctx, true); err != nil {
		slog.Warn("subscribe: persisting enabled flag", "error", err)
	}
	m.setCached(sub)

	m.deliver(ctx, sub)
	m.setState(StateSubscribed)

	slog.Info("subscribed", "endpoint", truncateEndpoint(sub.Endpoint))
	return sub, nil
}

// Unsubscribe tears the subscription down. The server is notified before
// the platform subscription is invalidated: invalidating first would lose
// the endpoint needed for server-side removal. Returns true when no
// subscription existed (no-op success).
func (m *Manager) Unsubscribe(ctx context.Context) bool {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	existing := m.existingSubscription(ctx)
	if existing == nil {
		return true
	}

	if token, ok := m.auth.CurrentToken(ctx); ok {
		if err := m.server.Unsubscribe(ctx, token, existing.Endpoint); err != nil {
			// Best-effort: local invalidation proceeds regardless.
			slog.Warn("unsubscribe: server notification failed", "error", err)
		}
	}

	if err := m.worker.Unsubscribe(ctx); err != nil {
		slog.Error("unsubscribe: platform invalidation failed", "error", err)
		return false
	}

	if err := m.subs.ClearActive(ctx); err != nil {
		slog.Warn("unsubscribe: clearing descriptor", "error", err)
	}
	if err := m.subs.SetEnabled(ctx, false); err != nil {
		slog.Warn("unsubscribe: persisting enabled flag", "error", err)
	}
	if _, err := m.subs.TakePending(ctx); err != nil {
		slog.Warn("unsubscribe: clearing pending slot", "error", err)
	}
	m.setCached(nil)
	m.setState(StateUnsubscribed)

	slog.Info("unsubscribed", "endpoint", truncateEndpoint(existing.Endpoint))
	return true
}

// deliver posts a descriptor to the server if a credential is available,
// otherwise parks it in the pending slot. Queuing is not a failure state;
// a server rejection is logged and the local subscription stays active.
func (m *Manager) deliver(ctx context.Context, sub *push.Subscription) {
	token, ok := m.auth.CurrentToken(ctx)
	if !ok {
		if err := m.subs.SetPending(ctx, sub); err != nil {
			slog.Warn("deliver: queuing pending subscription", "error", err)
			return
		}
		slog.Info("deliver: no credential yet, subscription queued")
		return
	}

	if err := m.server.Subscribe(ctx, token, sub); err != nil {
		var statusErr *push.StatusError
		if errors.As(err, &statusErr) {
			slog.Error("deliver: server rejected descriptor", "status", statusErr.Status)
		} else {
			slog.Warn("deliver: server delivery failed", "error", err)
		}
		return
	}
	slog.Debug("deliver: descriptor posted", "endpoint", truncateEndpoint(sub.Endpoint))
}

// flushPending runs when the auth bridge observes a token. Exactly one
// delivery attempt is made; the slot is already cleared by TakePending,
// so the outcome never re-queues.
func (m *Manager) flushPending(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	sub, err := m.subs.TakePending(ctx)
	if err != nil {
		slog.Warn("flush: taking pending subscription", "error", err)
		return
	}
	if sub == nil {
		return
	}

	if err := m.server.Subscribe(ctx, token, sub); err != nil {
		slog.Warn("flush: delivering pending subscription failed", "error", err)
		return
	}
	slog.Info("flush: pending subscription delivered")
}

// watchWorker consumes worker events for the engine's lifetime.
func (m *Manager) watchWorker(ctx context.Context) {
	events := m.worker.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-events:
			if !ok {
				slog.Warn("engine: worker connection lost")
				return
			}
			m.handleWorkerEvent(ctx, env)
		}
	}
}

func (m *Manager) handleWorkerEvent(ctx context.Context, env ipc.Envelope) {
	switch env.Type {
	case ipc.TypeSubscriptionChanged:
		// Platform-initiated key rotation: forced re-subscribe.
		slog.Info("engine: subscription invalidated by platform, re-subscribing")
		go func() {
			if _, err := m.Subscribe(ctx, true); err != nil {
				slog.Warn("engine: forced re-subscribe failed", "error", err)
			}
		}()
	case ipc.TypeNotificationActivated:
		var data ipc.ActivationData
		if err := env.Decode(&data); err != nil {
			slog.Warn("engine: malformed activation event", "error", err)
			return
		}
		m.cbMu.Lock()
		callbacks := make([]func(ipc.ActivationData), len(m.activationFns))
		copy(callbacks, m.activationFns)
		m.cbMu.Unlock()
		for _, fn := range callbacks {
			fn(data)
		}
	default:
		slog.Debug("engine: ignoring worker event", "type", env.Type)
	}
}

// existingSubscription resolves the current descriptor: cache, then local
// store, then the worker (the platform source of truth).
func (m *Manager) existingSubscription(ctx context.Context) *push.Subscription {
	m.mu.Lock()
	cached := m.cached
	m.mu.Unlock()
	if cached != nil {
		return cached
	}

	if sub, err := m.subs.Active(ctx); err == nil && sub != nil {
		m.setCached(sub)
		return sub
	}

	sub, err := m.worker.Subscription(ctx)
	if err != nil || sub == nil {
		return nil
	}
	m.setCached(sub)
	return sub
}

func (m *Manager) setCached(sub *push.Subscription) {
	m.mu.Lock()
	m.cached = sub
	m.mu.Unlock()
}

func (m *Manager) currentKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.key
}

// setState publishes a state transition to registered callbacks.
func (m *Manager) setState(state State) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	m.mu.Unlock()

	m.cbMu.Lock()
	callbacks := make([]func(State), len(m.stateFns))
	copy(callbacks, m.stateFns)
	m.cbMu.Unlock()
	for _, fn := range callbacks {
		fn(state)
	}
}

// truncateEndpoint shortens an endpoint URI for safe logging.
func truncateEndpoint(endpoint string) string {
	if len(endpoint) <= 48 {
		return endpoint
	}
	return endpoint[:48] + "..."
}
