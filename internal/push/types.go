package push

import "time"

// Keys holds the per-message encryption key material issued alongside a
// subscription. The engine treats these as opaque; payload encryption is
// handled by the push transport itself.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is the opaque addressing record issued by the push relay
// when a worker subscribes. It is immutable once issued; a fresh subscribe
// always yields a new record with a different endpoint.
type Subscription struct {
	Endpoint       string     `json:"endpoint"`
	ExpirationTime *time.Time `json:"expirationTime,omitempty"`
	Keys           Keys       `json:"keys"`
}

// DeepLink identifies the in-app resource a notification should navigate
// to when activated. Carried unmodified from the push payload through the
// background worker to a foreground instance.
type DeepLink struct {
	URL    string `json:"url,omitempty"`
	ChatID string `json:"chatId,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Action is a notification action button definition.
type Action struct {
	Action string `json:"action"`
	Title  string `json:"title,omitempty"`
	Icon   string `json:"icon,omitempty"`
}

// Payload is the inbound delivery payload produced by the notifying side.
// All fields are optional; the worker synthesizes defaults for title,
// icon, badge and data.url before rendering.
type Payload struct {
	Title              string    `json:"title,omitempty"`
	Body               string    `json:"body,omitempty"`
	Icon               string    `json:"icon,omitempty"`
	Badge              string    `json:"badge,omitempty"`
	Tag                string    `json:"tag,omitempty"`
	Vibrate            []int     `json:"vibrate,omitempty"`
	Renotify           bool      `json:"renotify,omitempty"`
	RequireInteraction bool      `json:"requireInteraction,omitempty"`
	Actions            []Action  `json:"actions,omitempty"`
	Data               *DeepLink `json:"data,omitempty"`
	URL                string    `json:"url,omitempty"`
}

// KeyResponse is the body of GET /api/push/key.
type KeyResponse struct {
	PublicKey string `json:"publicKey"`
}

// SubscribeRequest is the body of POST /api/push/subscribe.
type SubscribeRequest struct {
	Subscription *Subscription `json:"subscription"`
}

// UnsubscribeRequest is the body of POST /api/push/unsubscribe.
type UnsubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}
