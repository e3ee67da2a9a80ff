package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/veloxchat/pushkit/internal/push"
)

// fakeRelay emulates the relay's subscribe/unsubscribe/events endpoints.
type fakeRelay struct {
	mu           sync.Mutex
	nextChannel  int
	paths        []string
	eventBatches [][]relayEvent
	srv          *httptest.Server
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{nextChannel: 1}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) handle(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	r.paths = append(r.paths, req.URL.Path)
	r.mu.Unlock()

	switch {
	case req.URL.Path == "/relay/subscribe":
		r.mu.Lock()
		id := r.nextChannel
		r.nextChannel++
		r.mu.Unlock()
		reply := subscribeReply{
			ChannelID: "chan-" + string(rune('0'+id)),
			Subscription: &push.Subscription{
				Endpoint: r.srv.URL + "/relay/push/chan-" + string(rune('0'+id)),
				Keys:     push.Keys{P256dh: "pk", Auth: "ak"},
			},
		}
		writeRelay(w, reply)

	case req.URL.Path == "/relay/unsubscribe":
		writeRelay(w, map[string]bool{"removed": true})

	default: // event feed
		r.mu.Lock()
		var batch []relayEvent
		if len(r.eventBatches) > 0 {
			batch = r.eventBatches[0]
			r.eventBatches = r.eventBatches[1:]
		}
		r.mu.Unlock()
		if batch == nil {
			// Empty long-poll cycle; keep it short for tests.
			time.Sleep(20 * time.Millisecond)
		}
		writeRelay(w, eventBatch{Events: batch})
	}
}

func writeRelay(w http.ResponseWriter, data any) {
	raw, _ := json.Marshal(data)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(relayEnvelope{Data: raw})
}

func (r *fakeRelay) requestPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestPlatform_SubscribePersistsState(t *testing.T) {
	relay := newFakeRelay(t)
	dir := t.TempDir()

	p, err := NewPlatform(relay.srv.URL, dir)
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}
	if p.Subscription() != nil {
		t.Fatal("expected no subscription on a fresh platform")
	}

	sub, err := p.Subscribe(context.Background(), "BServerKey")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.Endpoint == "" {
		t.Fatal("expected an endpoint")
	}
	if p.Subscription() == nil {
		t.Fatal("expected subscription cached")
	}

	// A new platform instance over the same data dir restores the
	// subscription, surviving worker restarts.
	restored, err := NewPlatform(relay.srv.URL, dir)
	if err != nil {
		t.Fatalf("restoring platform: %v", err)
	}
	got := restored.Subscription()
	if got == nil || got.Endpoint != sub.Endpoint {
		t.Errorf("restored subscription = %+v, want endpoint %q", got, sub.Endpoint)
	}
}

func TestPlatform_SubscribeReplacesPrevious(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewPlatform(relay.srv.URL, t.TempDir())
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}

	first, err := p.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("first subscribe: %v", err)
	}
	second, err := p.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("second subscribe: %v", err)
	}

	if first.Endpoint == second.Endpoint {
		t.Error("expected a fresh endpoint on re-subscribe")
	}

	// The old channel is invalidated before the new one is issued.
	paths := relay.requestPaths()
	want := []string{"/relay/subscribe", "/relay/unsubscribe", "/relay/subscribe"}
	if len(paths) != len(want) {
		t.Fatalf("paths = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Fatalf("paths = %v, want %v", paths, want)
		}
	}
}

func TestPlatform_UnsubscribeWithoutSubscription(t *testing.T) {
	relay := newFakeRelay(t)
	p, err := NewPlatform(relay.srv.URL, t.TempDir())
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}

	if err := p.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if len(relay.requestPaths()) != 0 {
		t.Error("expected no relay call without a subscription")
	}
}

func TestPlatform_Unsubscribe(t *testing.T) {
	relay := newFakeRelay(t)
	dir := t.TempDir()
	p, err := NewPlatform(relay.srv.URL, dir)
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}

	if _, err := p.Subscribe(context.Background(), "key"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := p.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if p.Subscription() != nil {
		t.Error("expected subscription cleared")
	}

	// The cleared state is persisted too.
	restored, err := NewPlatform(relay.srv.URL, dir)
	if err != nil {
		t.Fatalf("restoring platform: %v", err)
	}
	if restored.Subscription() != nil {
		t.Error("expected no subscription after restart")
	}
}

func TestPlatform_CorruptStateFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "subscription.json"), []byte("{broken"), 0600); err != nil {
		t.Fatal(err)
	}

	p, err := NewPlatform("http://unused", dir)
	if err != nil {
		t.Fatalf("expected corrupt state to be discarded, got %v", err)
	}
	if p.Subscription() != nil {
		t.Error("expected no subscription from corrupt state")
	}
}

func TestPlatform_ListenDispatchesEvents(t *testing.T) {
	relay := newFakeRelay(t)
	relay.mu.Lock()
	relay.eventBatches = [][]relayEvent{
		{
			{Type: "push", Payload: []byte(`{"body":"hi"}`)},
			{Type: "invalidated"},
		},
	}
	relay.mu.Unlock()

	p, err := NewPlatform(relay.srv.URL, t.TempDir())
	if err != nil {
		t.Fatalf("creating platform: %v", err)
	}
	if _, err := p.Subscribe(context.Background(), "key"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pushes := make(chan []byte, 4)
	invalidated := make(chan struct{}, 4)
	go p.Listen(ctx, func(payload []byte) {
		pushes <- payload
	}, func() {
		invalidated <- struct{}{}
	})

	select {
	case payload := <-pushes:
		if string(payload) != `{"body":"hi"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for push event")
	}

	select {
	case <-invalidated:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for invalidated event")
	}
}
