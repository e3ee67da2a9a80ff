// Package worker implements the background worker process: the owner of
// the platform subscription object, receiver of inbound push events, and
// renderer of system notifications. It runs independently of any
// foreground instance and is stateless between invocations except for
// the platform's own persisted subscription object.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/veloxchat/pushkit/internal/ipc"
	"github.com/veloxchat/pushkit/internal/push"
)

// Defaults synthesized for payload fields the producer omitted.
const (
	defaultTitle = "Veloxchat"
	defaultIcon  = "/icons/notification-192.png"
	defaultBadge = "/icons/badge-72.png"
	defaultURL   = "/"
)

// OpenFunc opens a new foreground instance at the given URL. Used when an
// activation finds no connected instance.
type OpenFunc func(url string) error

// PlatformSubscriber is the worker's handle on the platform push layer.
// Implemented by *Platform.
type PlatformSubscriber interface {
	Subscription() *push.Subscription
	Subscribe(ctx context.Context, key string) (*push.Subscription, error)
	Unsubscribe(ctx context.Context) error
	Listen(ctx context.Context, onPush func([]byte), onInvalidated func())
}

// Worker ties the platform feed, the notifier and the foreground IPC
// socket together.
type Worker struct {
	platform PlatformSubscriber
	notifier Notifier
	open     OpenFunc
	ipc      *IPCServer

	mu    sync.Mutex
	shown map[string]ipc.ActivationData
}

// New creates a worker. open may be nil, in which case activations with
// no connected foreground instance are dropped with a log.
func New(platform PlatformSubscriber, notifier Notifier, socketPath string, open OpenFunc) *Worker {
	w := &Worker{
		platform: platform,
		notifier: notifier,
		open:     open,
		shown:    make(map[string]ipc.ActivationData),
	}
	w.ipc = NewIPCServer(socketPath, w)
	return w
}

// Run serves the IPC socket and the platform event feed until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) error {
	go w.platform.Listen(ctx, func(payload []byte) {
		w.HandlePush(ctx, payload)
	}, func() {
		w.handleInvalidated()
	})

	return w.ipc.Serve(ctx)
}

// HandlePush processes one inbound delivery event. Malformed input never
// drops the event: a notification is always rendered, falling back to the
// raw payload as plain text with synthesized defaults. A missed render is
// a worse failure than a malformed one.
func (w *Worker) HandlePush(ctx context.Context, payload []byte) {
	var p push.Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		p = push.Payload{}
		if body := strings.TrimSpace(string(payload)); body != "" {
			slog.Warn("worker: malformed push payload, rendering as text", "error", err)
			p.Body = body
		}
	}

	note := w.buildNotification(p)

	w.mu.Lock()
	w.shown[note.Tag] = note.Data
	w.mu.Unlock()

	if err := w.notifier.Show(ctx, note); err != nil {
		slog.Error("worker: rendering notification failed", "error", err, "tag", note.Tag)
	}
}

// Activate processes a user interaction with a rendered notification.
// The visual notification is closed immediately, independent of routing
// success. Exactly one foreground instance receives the activation; if
// none is connected, a new one is opened at the target URL.
func (w *Worker) Activate(ctx context.Context, tag, action string) {
	if err := w.notifier.Dismiss(ctx, tag); err != nil {
		slog.Debug("worker: dismissing notification", "error", err)
	}

	w.mu.Lock()
	data, ok := w.shown[tag]
	delete(w.shown, tag)
	w.mu.Unlock()
	if !ok {
		data = ipc.ActivationData{URL: defaultURL}
	}
	data.Action = action

	env, err := ipc.New(ipc.TypeNotificationActivated, data)
	if err != nil {
		slog.Warn("worker: building activation envelope", "error", err)
		return
	}

	if w.ipc.SendToOne(env) {
		slog.Debug("worker: activation routed to foreground instance", "url", data.URL)
		return
	}

	if w.open == nil {
		slog.Warn("worker: no foreground instance and no opener configured", "url", data.URL)
		return
	}
	if err := w.open(data.URL); err != nil {
		slog.Error("worker: opening foreground instance failed", "error", err, "url", data.URL)
	}
}

// HandleRequest implements RequestHandler for the foreground socket.
func (w *Worker) HandleRequest(ctx context.Context, env ipc.Envelope) ipc.Result {
	switch env.Type {
	case ipc.TypeCurrentSubscription:
		return ipc.Result{OK: true, Subscription: w.platform.Subscription()}

	case ipc.TypeSubscribe:
		var req ipc.SubscribeRequest
		if err := env.Decode(&req); err != nil {
			return ipc.Result{Error: err.Error()}
		}
		sub, err := w.platform.Subscribe(ctx, req.Key)
		if err != nil {
			return ipc.Result{Error: err.Error()}
		}
		return ipc.Result{OK: true, Subscription: sub}

	case ipc.TypeUnsubscribe:
		if err := w.platform.Unsubscribe(ctx); err != nil {
			return ipc.Result{Error: err.Error()}
		}
		return ipc.Result{OK: true}

	default:
		return ipc.Result{Error: "unknown request type: " + env.Type}
	}
}

// handleInvalidated reacts to a platform-initiated key rotation by
// telling every foreground instance to force a re-subscribe.
func (w *Worker) handleInvalidated() {
	env, err := ipc.New(ipc.TypeSubscriptionChanged, nil)
	if err != nil {
		slog.Warn("worker: building subscription-changed envelope", "error", err)
		return
	}
	w.ipc.Broadcast(env)
	slog.Info("worker: subscription-changed broadcast", "clients", w.ipc.ClientCount())
}

// buildNotification applies the deterministic defaults and guarantees a
// non-empty deep-link URL.
func (w *Worker) buildNotification(p push.Payload) Notification {
	title := p.Title
	if title == "" {
		title = defaultTitle
	}
	icon := p.Icon
	if icon == "" {
		icon = defaultIcon
	}
	badge := p.Badge
	if badge == "" {
		badge = defaultBadge
	}
	tag := p.Tag
	if tag == "" {
		tag = uuid.NewString()
	}

	data := ipc.ActivationData{URL: defaultURL}
	if p.Data != nil {
		data.ChatID = p.Data.ChatID
		data.Sender = p.Data.Sender
		if p.Data.URL != "" {
			data.URL = p.Data.URL
		}
	}
	if data.URL == defaultURL && p.URL != "" {
		data.URL = p.URL
	}

	return Notification{
		Tag:                tag,
		Title:              title,
		Body:               p.Body,
		Icon:               icon,
		Badge:              badge,
		RequireInteraction: p.RequireInteraction,
		Data:               data,
	}
}
