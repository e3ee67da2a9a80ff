// Package ipc defines the versioned message envelopes exchanged between
// the background worker and foreground instances over the local socket.
// Messages are newline-delimited JSON; there is no shared state between
// the two sides, only these typed envelopes.
package ipc

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/veloxchat/pushkit/internal/push"
)

// Version is the current envelope schema version. A peer receiving an
// envelope with a higher version must ignore unknown fields rather than
// reject the message.
const Version = 1

// Envelope types sent by the worker to foreground instances.
const (
	// TypeNotificationActivated is sent to exactly one foreground
	// instance when the user taps a notification.
	TypeNotificationActivated = "notification-activated"

	// TypeSubscriptionChanged is broadcast to all foreground instances
	// when the platform invalidates the subscription (key rotation).
	// Receivers must treat it as a forced re-subscribe trigger.
	TypeSubscriptionChanged = "subscription-changed"
)

// Envelope types sent by foreground instances to the worker.
const (
	// TypeSubscribe asks the worker to issue a fresh platform
	// subscription using the supplied notification key.
	TypeSubscribe = "subscribe"

	// TypeUnsubscribe asks the worker to invalidate the platform
	// subscription.
	TypeUnsubscribe = "unsubscribe"

	// TypeCurrentSubscription asks the worker for the existing platform
	// subscription, if any.
	TypeCurrentSubscription = "current-subscription"
)

// TypeResult is the reply type for request envelopes.
const TypeResult = "result"

// Envelope is the wire frame for every worker<->foreground message.
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ActivationData is the payload of a notification-activated envelope. The
// deep-link fields are carried unmodified from the original push payload;
// URL is always non-empty (the worker defaults it to "/").
type ActivationData struct {
	URL    string `json:"url"`
	Action string `json:"action,omitempty"`
	ChatID string `json:"chatId,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// SubscribeRequest is the payload of a subscribe envelope.
type SubscribeRequest struct {
	Key string `json:"key"`
}

// Result is the payload of a result envelope. Subscription is set for
// subscribe and current-subscription replies.
type Result struct {
	OK           bool               `json:"ok"`
	Error        string             `json:"error,omitempty"`
	Subscription *push.Subscription `json:"subscription,omitempty"`
}

// New creates an envelope of the given type with a fresh message id and
// the supplied payload.
func New(msgType string, data any) (Envelope, error) {
	env := Envelope{
		V:    Version,
		ID:   uuid.NewString(),
		Type: msgType,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, fmt.Errorf("ipc: marshalling %s payload: %w", msgType, err)
		}
		env.Data = raw
	}
	return env, nil
}

// Reply creates a result envelope answering the given request.
func Reply(req Envelope, data any) (Envelope, error) {
	env, err := New(TypeResult, data)
	if err != nil {
		return Envelope{}, err
	}
	env.ReplyTo = req.ID
	return env, nil
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("ipc: %s envelope has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("ipc: decoding %s payload: %w", e.Type, err)
	}
	return nil
}
