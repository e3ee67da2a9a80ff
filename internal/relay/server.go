// Package relay implements the platform push layer: the service that
// owns delivery channels, accepts raw push payloads addressed to a
// channel, and hands them to the subscribed device over a long-poll
// feed or a mobile transport sink.
package relay

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/veloxchat/pushkit/internal/push"
)

const (
	// maxPayloadSize bounds a single push payload. Push payloads are
	// small by design; anything larger is rejected outright.
	maxPayloadSize = 4 << 10

	// eventQueueSize bounds the per-channel backlog. When the consumer
	// falls behind, the oldest events are dropped first.
	eventQueueSize = 64

	// longPollWait is how long an events request parks when the queue
	// is empty before returning an empty batch.
	longPollWait = 25 * time.Second
)

// channel is one device's delivery endpoint.
type channel struct {
	id       string
	key      string
	platform string
	token    string

	mu      sync.Mutex
	events  []Event
	notify  chan struct{} // closed-and-replaced on enqueue
	invalid bool
}

func newChannel(id, key, platform, token string) *channel {
	return &channel{
		id:       id,
		key:      key,
		platform: platform,
		token:    token,
		notify:   make(chan struct{}),
	}
}

// enqueue appends an event and wakes any parked long-poll request.
// Returns the number of events dropped to make room.
func (c *channel) enqueue(ev Event) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	dropped := 0
	for len(c.events) >= eventQueueSize {
		c.events = c.events[1:]
		dropped++
	}
	c.events = append(c.events, ev)

	close(c.notify)
	c.notify = make(chan struct{})
	return dropped
}

// drain takes and clears the queued events.
func (c *channel) drain() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	evs := c.events
	c.events = nil
	return evs
}

// waiter returns the channel closed on the next enqueue.
func (c *channel) waiter() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notify
}

// invalidate marks the channel dead for pushes and queues the event
// telling its device to re-subscribe.
func (c *channel) invalidate() {
	c.mu.Lock()
	c.invalid = true
	c.mu.Unlock()
	c.enqueue(Event{Type: "invalidated"})
}

func (c *channel) invalidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalid
}

// Server is the relay HTTP handler.
type Server struct {
	router      *chi.Mux
	publicURL   string
	sinks       *SinkMux
	rateLimiter *RateLimiter
	deliveryLog DeliveryLogger

	mu       sync.Mutex
	channels map[string]*channel

	delivered   atomic.Uint64
	forwarded   atomic.Uint64
	dropped     atomic.Uint64
	rateLimited atomic.Uint64
}

// NewServer creates a relay server with all routes mounted. publicURL is
// the externally reachable base URL used to mint channel endpoints.
// sinks, rateLimiter and deliveryLog may each be nil, disabling the
// corresponding feature.
func NewServer(publicURL string, sinks *SinkMux, rateLimiter *RateLimiter, deliveryLog DeliveryLogger) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		publicURL:   publicURL,
		sinks:       sinks,
		rateLimiter: rateLimiter,
		deliveryLog: deliveryLog,
		channels:    make(map[string]*channel),
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
	r.Post("/subscribe", s.handleSubscribe)
	r.Post("/unsubscribe", s.handleUnsubscribe)
	r.Post("/push/{channel}", s.handlePush)
	r.Get("/events/{channel}", s.handleEvents)
	r.Post("/rotate", s.handleRotate)
}

// Stats returns a snapshot of the delivery counters.
func (s *Server) Stats() Stats {
	return Stats{
		Delivered:   s.delivered.Load(),
		Forwarded:   s.forwarded.Load(),
		Dropped:     s.dropped.Load(),
		RateLimited: s.rateLimited.Load(),
	}
}

// ChannelCount returns the number of live channels.
func (s *Server) ChannelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// handleSubscribe handles POST /subscribe. Each call mints a fresh
// channel; re-subscribing does not reuse endpoints.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Key == "" {
		writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	platform := req.Platform
	if platform == "" {
		platform = PlatformLocal
	}
	if platform != PlatformLocal {
		if req.Token == "" {
			writeError(w, http.StatusBadRequest, "token is required for platform "+platform)
			return
		}
		if s.sinks == nil || !s.sinks.Supports(platform) {
			writeError(w, http.StatusBadRequest, "unsupported platform "+platform)
			return
		}
	}

	ch := newChannel(uuid.NewString(), req.Key, platform, req.Token)
	s.mu.Lock()
	s.channels[ch.id] = ch
	total := len(s.channels)
	s.mu.Unlock()

	sub := &push.Subscription{
		Endpoint: s.publicURL + "/relay/push/" + ch.id,
		Keys: push.Keys{
			P256dh: randomKeyMaterial(65),
			Auth:   randomKeyMaterial(16),
		},
	}

	slog.Info("relay: channel created", "channel", ch.id, "platform", platform, "channels", total)

	writeJSON(w, http.StatusOK, SubscribeResponse{
		ChannelID:    ch.id,
		Subscription: sub,
	})
}

// handleUnsubscribe handles POST /unsubscribe. Unknown channels succeed;
// invalidation is idempotent.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	var req UnsubscribeRequest
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channelId is required")
		return
	}

	s.mu.Lock()
	_, existed := s.channels[req.ChannelID]
	delete(s.channels, req.ChannelID)
	s.mu.Unlock()

	if existed {
		slog.Info("relay: channel removed", "channel", req.ChannelID)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": existed})
}

// handlePush handles POST /push/{channel}: the endpoint minted at
// subscribe time. The body is the opaque payload.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channel")

	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok || ch.invalidated() {
		// 410 tells the producer the subscription is gone for good.
		writeError(w, http.StatusGone, "unknown channel")
		return
	}

	if s.rateLimiter != nil && !s.rateLimiter.Allow(id) {
		s.rateLimited.Add(1)
		slog.Warn("relay: rate limit exceeded", "channel", id)
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadSize+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "reading payload")
		return
	}
	if len(payload) > maxPayloadSize {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if ch.platform == PlatformLocal {
		if dropped := ch.enqueue(Event{Type: "push", Payload: payload}); dropped > 0 {
			s.dropped.Add(uint64(dropped))
			slog.Warn("relay: event queue overflow", "channel", id, "dropped", dropped)
		}
		s.delivered.Add(1)
		s.logDelivery(r.Context(), ch, "local", nil)
		writeJSON(w, http.StatusCreated, map[string]bool{"queued": true})
		return
	}

	fwdErr := s.sinks.Forward(r.Context(), ch.platform, ch.token, payload)
	s.logDelivery(r.Context(), ch, ch.platform, fwdErr)
	if fwdErr != nil {
		slog.Error("relay: forward failed", "error", fwdErr, "channel", id, "platform", ch.platform)
		writeError(w, http.StatusBadGateway, "delivery failed")
		return
	}
	s.forwarded.Add(1)
	writeJSON(w, http.StatusCreated, map[string]bool{"forwarded": true})
}

// handleEvents handles GET /events/{channel}: the long-poll feed. The
// request parks until an event arrives or the poll window elapses.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "channel")

	s.mu.Lock()
	ch, ok := s.channels[id]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown channel")
		return
	}

	if evs := ch.drain(); len(evs) > 0 {
		writeJSON(w, http.StatusOK, EventBatch{Events: evs})
		return
	}

	select {
	case <-ch.waiter():
	case <-time.After(longPollWait):
	case <-r.Context().Done():
		return
	}

	evs := ch.drain()
	if evs == nil {
		evs = []Event{}
	}
	writeJSON(w, http.StatusOK, EventBatch{Events: evs})
}

// handleRotate handles POST /rotate: key rotation. Every live channel
// receives an invalidated event telling its device to re-subscribe and
// stops accepting pushes. The channel itself stays readable so a device
// between polls still observes the event; the replacement subscribe
// removes it.
func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	count := 0
	for _, ch := range channels {
		if ch.invalidated() {
			continue
		}
		ch.invalidate()
		count++
	}

	slog.Info("relay: key rotated, channels invalidated", "channels", count)
	writeJSON(w, http.StatusOK, map[string]int{"invalidated": count})
}

func (s *Server) logDelivery(ctx context.Context, ch *channel, sink string, deliveryErr error) {
	if s.deliveryLog == nil {
		return
	}
	entry := DeliveryEntry{
		Endpoint:  s.publicURL + "/relay/push/" + ch.id,
		Sink:      sink,
		Success:   deliveryErr == nil,
		Timestamp: time.Now(),
	}
	if deliveryErr != nil {
		entry.Error = deliveryErr.Error()
	}
	if err := s.deliveryLog.Log(ctx, entry); err != nil {
		slog.Error("relay: writing delivery log", "error", err)
	}
}

// randomKeyMaterial returns n random bytes base64url-encoded, matching
// the key encoding devices expect in a subscription descriptor.
func randomKeyMaterial(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("relay: reading random bytes: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// envelope is the standard response wrapper for the relay API.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("relay: failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("relay: failed to encode json error response", "error", err)
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
