package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/veloxchat/pushkit/internal/ipc"
	"github.com/veloxchat/pushkit/internal/push"
)

// callLog records cross-collaborator call ordering.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) append(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// mockPerms implements Permissions with fixed answers.
type mockPerms struct {
	mu           sync.Mutex
	state        PermissionState
	requestState PermissionState
	requests     int
}

func (p *mockPerms) Query(ctx context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, nil
}

func (p *mockPerms) Request(ctx context.Context) (PermissionState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests++
	p.state = p.requestState
	return p.requestState, nil
}

// memSubs is an in-memory SubscriptionStore.
type memSubs struct {
	mu      sync.Mutex
	active  *push.Subscription
	pending *push.Subscription
	enabled bool
}

func (s *memSubs) Active(ctx context.Context) (*push.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active, nil
}

func (s *memSubs) SetActive(ctx context.Context, sub *push.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = sub
	return nil
}

func (s *memSubs) ClearActive(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	return nil
}

func (s *memSubs) SetPending(ctx context.Context, sub *push.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = sub
	return nil
}

func (s *memSubs) TakePending(ctx context.Context) (*push.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := s.pending
	s.pending = nil
	return sub, nil
}

func (s *memSubs) Enabled(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled, nil
}

func (s *memSubs) SetEnabled(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = enabled
	return nil
}

func (s *memSubs) pendingSub() *push.Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// memCreds implements TokenSource.
type memCreds struct {
	mu    sync.Mutex
	token string
	watch chan string
}

func newMemCreds(token string) *memCreds {
	return &memCreds{token: token, watch: make(chan string, 8)}
}

func (c *memCreds) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token, nil
}

func (c *memCreds) Watch() <-chan string { return c.watch }

func (c *memCreds) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.watch <- token
}

// mockWorker implements WorkerBridge. Minted endpoints are numbered so
// tests can tell replacements from reuse.
type mockWorker struct {
	mu             sync.Mutex
	existing       *push.Subscription
	subscribeErr   error
	unsubscribeErr error
	subscribeCalls int
	block          chan struct{} // when set, Subscribe parks until closed
	started        chan struct{} // closed when Subscribe is entered
	events         chan ipc.Envelope
	log            *callLog
}

func newMockWorker(log *callLog) *mockWorker {
	return &mockWorker{events: make(chan ipc.Envelope, 8), log: log}
}

func (w *mockWorker) Subscription(ctx context.Context) (*push.Subscription, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.existing, nil
}

func (w *mockWorker) Subscribe(ctx context.Context, key string) (*push.Subscription, error) {
	w.mu.Lock()
	w.subscribeCalls++
	n := w.subscribeCalls
	started := w.started
	w.started = nil
	block := w.block
	err := w.subscribeErr
	w.mu.Unlock()

	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}

	sub := &push.Subscription{
		Endpoint: fmt.Sprintf("https://push.example.com/relay/push/sub-%d", n),
		Keys:     push.Keys{P256dh: "pk", Auth: "ak"},
	}
	w.mu.Lock()
	w.existing = sub
	w.mu.Unlock()
	return sub, nil
}

func (w *mockWorker) Unsubscribe(ctx context.Context) error {
	w.log.append("worker.unsubscribe")
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unsubscribeErr != nil {
		return w.unsubscribeErr
	}
	w.existing = nil
	return nil
}

func (w *mockWorker) Events() <-chan ipc.Envelope { return w.events }

func (w *mockWorker) subscribes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.subscribeCalls
}

// mockServer implements ServerAPI.
type mockServer struct {
	mu           sync.Mutex
	key          string
	keyErr       error
	keyCalls     int
	subscribeErr error
	subscribed   []string // endpoints
	removed      []string
	log          *callLog
}

func (s *mockServer) PushKey(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyCalls++
	if s.keyErr != nil {
		return "", s.keyErr
	}
	return s.key, nil
}

func (s *mockServer) Subscribe(ctx context.Context, token string, sub *push.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.subscribed = append(s.subscribed, sub.Endpoint)
	return nil
}

func (s *mockServer) Unsubscribe(ctx context.Context, token, endpoint string) error {
	s.log.append("server.unsubscribe")
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, endpoint)
	return nil
}

func (s *mockServer) subscribeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribed)
}

type testEnv struct {
	manager *Manager
	perms   *mockPerms
	creds   *memCreds
	subs    *memSubs
	worker  *mockWorker
	server  *mockServer
	log     *callLog
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := &callLog{}
	env := &testEnv{
		perms:  &mockPerms{state: PermissionGranted, requestState: PermissionGranted},
		creds:  newMemCreds("token-abc"),
		subs:   &memSubs{},
		worker: newMockWorker(log),
		server: &mockServer{key: "BServerKey", log: log},
		log:    log,
	}
	env.manager = NewManager(env.perms, NewAuthBridge(env.creds), env.subs, env.worker, env.server)
	t.Cleanup(env.manager.Close)
	return env
}

func (e *testEnv) initialize(t *testing.T) {
	t.Helper()
	if err := e.manager.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitialize_Idempotent(t *testing.T) {
	env := newTestEnv(t)

	env.initialize(t)
	env.initialize(t)

	if env.server.keyCalls != 1 {
		t.Errorf("key fetched %d times, want 1", env.server.keyCalls)
	}
	if got := env.manager.State(); got != StateUnsubscribed {
		t.Errorf("state = %q, want unsubscribed", got)
	}
}

func TestInitialize_ReconcilesExistingSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.worker.existing = &push.Subscription{Endpoint: "https://push.example.com/relay/push/old"}

	env.initialize(t)

	if got := env.manager.State(); got != StateSubscribed {
		t.Errorf("state = %q, want subscribed", got)
	}
	// The existing descriptor is re-delivered, not replaced.
	if env.worker.subscribes() != 0 {
		t.Error("expected no fresh platform subscription during reconcile")
	}
	if env.server.subscribeCount() != 1 {
		t.Errorf("server received %d descriptors, want 1", env.server.subscribeCount())
	}
}

func TestInitialize_UnsupportedDisablesEngine(t *testing.T) {
	env := newTestEnv(t)
	env.perms.state = PermissionUnsupported

	env.initialize(t)

	if got := env.manager.State(); got != StateUnsupported {
		t.Errorf("state = %q, want unsupported", got)
	}
	if env.server.keyCalls != 0 {
		t.Error("expected no key fetch when unsupported")
	}
}

func TestSubscribe_ReusesExisting(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	existing := &push.Subscription{Endpoint: "https://push.example.com/relay/push/kept"}
	env.subs.SetActive(context.Background(), existing)

	sub, err := env.manager.Subscribe(context.Background(), false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Endpoint != existing.Endpoint {
		t.Errorf("endpoint = %q, want the stored one", sub.Endpoint)
	}
	if env.worker.subscribes() != 0 {
		t.Error("expected no platform subscribe when a descriptor exists")
	}
	if got := env.manager.State(); got != StateSubscribed {
		t.Errorf("state = %q, want subscribed", got)
	}
}

func TestSubscribe_Force(t *testing.T) {
	env := newTestEnv(t)
	env.worker.existing = &push.Subscription{Endpoint: "https://push.example.com/relay/push/old"}
	env.initialize(t)

	sub, err := env.manager.Subscribe(context.Background(), true)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Endpoint == "https://push.example.com/relay/push/old" {
		t.Error("forced subscribe should mint a fresh endpoint")
	}
	if env.worker.subscribes() != 1 {
		t.Errorf("platform subscribes = %d, want 1", env.worker.subscribes())
	}
}

func TestSubscribe_PermissionDenied(t *testing.T) {
	env := newTestEnv(t)
	env.perms.state = PermissionNotRequested
	env.perms.requestState = PermissionDenied
	env.initialize(t)

	sub, err := env.manager.Subscribe(context.Background(), false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub != nil {
		t.Error("expected nil descriptor on refusal")
	}
	if env.perms.requests != 1 {
		t.Errorf("permission requested %d times, want 1", env.perms.requests)
	}
	if got := env.manager.State(); got != StateDenied {
		t.Errorf("state = %q, want denied", got)
	}

	// Denied is terminal: a second attempt must not re-prompt.
	if _, err := env.manager.Subscribe(context.Background(), false); err != nil {
		t.Fatalf("second subscribe: %v", err)
	}
	if env.perms.requests != 1 {
		t.Errorf("permission re-requested after denial (%d requests)", env.perms.requests)
	}
}

func TestSubscribe_KeyUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.server.keyErr = errors.New("connection refused")
	env.initialize(t)

	if got := env.manager.State(); got != StateServerPushUnavailable {
		t.Errorf("state = %q, want server-push-unavailable", got)
	}

	_, err := env.manager.Subscribe(context.Background(), false)
	if !errors.Is(err, ErrServerPushUnavailable) {
		t.Fatalf("expected ErrServerPushUnavailable, got %v", err)
	}
	if env.worker.subscribes() != 0 {
		t.Error("expected no platform subscribe without a notification key")
	}
}

func TestSubscribe_PlatformFailureKeepsState(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)
	env.worker.subscribeErr = errors.New("relay unreachable")

	stateBefore := env.manager.State()
	_, err := env.manager.Subscribe(context.Background(), false)
	if err == nil {
		t.Fatal("expected error from failed platform subscribe")
	}
	if got := env.manager.State(); got != stateBefore {
		t.Errorf("state = %q, want unchanged %q", got, stateBefore)
	}
}

func TestSubscribe_QueuesWithoutCredential(t *testing.T) {
	env := newTestEnv(t)
	env.creds = newMemCreds("")
	env.manager = NewManager(env.perms, NewAuthBridge(env.creds), env.subs, env.worker, env.server)
	t.Cleanup(env.manager.Close)
	env.initialize(t)

	sub, err := env.manager.Subscribe(context.Background(), false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub == nil {
		t.Fatal("expected a descriptor")
	}
	if env.server.subscribeCount() != 0 {
		t.Error("expected no server delivery without a credential")
	}
	if env.subs.pendingSub() == nil {
		t.Fatal("expected descriptor parked in the pending slot")
	}

	// Credential arrives: the pending descriptor is delivered exactly once
	// and the slot is cleared.
	env.creds.SetToken("token-late")
	waitFor(t, "pending delivery", func() bool { return env.server.subscribeCount() == 1 })

	if env.subs.pendingSub() != nil {
		t.Error("expected pending slot cleared after delivery")
	}
}

func TestSubscribe_ConcurrentCallsCoalesce(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	env.worker.mu.Lock()
	env.worker.block = make(chan struct{})
	env.worker.started = make(chan struct{})
	started := env.worker.started
	block := env.worker.block
	env.worker.mu.Unlock()

	results := make(chan *push.Subscription, 5)
	errs := make(chan error, 5)
	subscribe := func() {
		sub, err := env.manager.Subscribe(context.Background(), false)
		results <- sub
		errs <- err
	}

	go subscribe()
	<-started
	for i := 0; i < 4; i++ {
		go subscribe()
	}
	time.Sleep(50 * time.Millisecond)
	close(block)

	endpoints := make(map[string]bool)
	for i := 0; i < 5; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
		sub := <-results
		if sub == nil {
			t.Fatalf("subscribe %d: nil descriptor", i)
		}
		endpoints[sub.Endpoint] = true
	}

	if len(endpoints) != 1 {
		t.Errorf("callers saw %d distinct endpoints, want 1", len(endpoints))
	}
	if env.worker.subscribes() != 1 {
		t.Errorf("platform subscribes = %d, want 1", env.worker.subscribes())
	}
}

func TestUnsubscribe_ServerBeforePlatform(t *testing.T) {
	env := newTestEnv(t)
	env.worker.existing = &push.Subscription{Endpoint: "https://push.example.com/relay/push/live"}
	env.initialize(t)

	if !env.manager.Unsubscribe(context.Background()) {
		t.Fatal("unsubscribe reported failure")
	}

	calls := env.log.snapshot()
	if len(calls) != 2 || calls[0] != "server.unsubscribe" || calls[1] != "worker.unsubscribe" {
		t.Errorf("call order = %v, want server before platform", calls)
	}
	if got := env.manager.State(); got != StateUnsubscribed {
		t.Errorf("state = %q, want unsubscribed", got)
	}
	if active, _ := env.subs.Active(context.Background()); active != nil {
		t.Error("expected stored descriptor cleared")
	}
	if enabled, _ := env.subs.Enabled(context.Background()); enabled {
		t.Error("expected enabled flag cleared")
	}
}

func TestUnsubscribe_NoSubscription(t *testing.T) {
	env := newTestEnv(t)
	env.initialize(t)

	if !env.manager.Unsubscribe(context.Background()) {
		t.Error("unsubscribe without a subscription should be a no-op success")
	}
}

func TestUnsubscribe_PlatformFailure(t *testing.T) {
	env := newTestEnv(t)
	env.worker.existing = &push.Subscription{Endpoint: "https://push.example.com/relay/push/stuck"}
	env.initialize(t)
	env.worker.unsubscribeErr = errors.New("worker unreachable")

	if env.manager.Unsubscribe(context.Background()) {
		t.Fatal("expected failure when platform invalidation fails")
	}
	// The descriptor survives: the subscription is still live.
	if active, _ := env.subs.Active(context.Background()); active == nil {
		t.Error("expected stored descriptor retained after failed unsubscribe")
	}
	if got := env.manager.State(); got != StateSubscribed {
		t.Errorf("state = %q, want subscribed", got)
	}
}

func TestWorkerEvent_SubscriptionChangedForcesResubscribe(t *testing.T) {
	env := newTestEnv(t)
	env.worker.existing = &push.Subscription{Endpoint: "https://push.example.com/relay/push/rotated-out"}
	env.initialize(t)

	env.worker.events <- ipc.Envelope{V: ipc.Version, ID: "evt-1", Type: ipc.TypeSubscriptionChanged}

	waitFor(t, "forced re-subscribe", func() bool { return env.worker.subscribes() == 1 })
	waitFor(t, "fresh descriptor delivery", func() bool { return env.server.subscribeCount() >= 2 })
}

func TestWorkerEvent_ActivationDispatch(t *testing.T) {
	env := newTestEnv(t)

	activations := make(chan ipc.ActivationData, 1)
	env.manager.OnActivation(func(data ipc.ActivationData) {
		activations <- data
	})
	env.initialize(t)

	env.worker.events <- mustEnvelope(t, ipc.TypeNotificationActivated, ipc.ActivationData{
		URL:    "/chat/bob",
		Sender: "bob",
	})

	select {
	case data := <-activations:
		if data.URL != "/chat/bob" || data.Sender != "bob" {
			t.Errorf("unexpected activation data: %+v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for activation callback")
	}
}

func TestOnStateChange(t *testing.T) {
	env := newTestEnv(t)

	var mu sync.Mutex
	var seen []State
	env.manager.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	env.initialize(t)

	if _, err := env.manager.Subscribe(context.Background(), false); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 || seen[len(seen)-1] != StateSubscribed {
		t.Errorf("state transitions = %v, want to end subscribed", seen)
	}
}

func mustEnvelope(t *testing.T, msgType string, data any) ipc.Envelope {
	t.Helper()
	env, err := ipc.New(msgType, data)
	if err != nil {
		t.Fatalf("building envelope: %v", err)
	}
	return env
}
