package relay

import (
	"context"
	"time"

	"github.com/veloxchat/pushkit/internal/push"
)

// Platform names accepted at subscribe time. Local channels deliver over
// the long-poll event feed; fcm and apns forward to the mobile transport.
const (
	PlatformLocal = "local"
	PlatformFCM   = "fcm"
	PlatformAPNs  = "apns"
)

// SubscribeRequest is the JSON body for POST /relay/subscribe.
type SubscribeRequest struct {
	// Key is the addressing key the subscription is bound to. Rotating
	// the relay key invalidates every subscription bound to an older
	// key.
	Key string `json:"key"`
	// Platform selects the delivery transport; empty means local.
	Platform string `json:"platform,omitempty"`
	// Token is the device token for fcm/apns platforms.
	Token string `json:"token,omitempty"`
}

// SubscribeResponse is the JSON response for POST /relay/subscribe.
type SubscribeResponse struct {
	ChannelID    string             `json:"channelId"`
	Subscription *push.Subscription `json:"subscription"`
}

// Event is one entry in a channel's event feed. Payload carries the raw
// push bytes, which need not be valid JSON.
type Event struct {
	Type    string `json:"type"` // "push" or "invalidated"
	Payload []byte `json:"payload,omitempty"`
}

// EventBatch is the JSON response for GET /relay/events/{channel}.
type EventBatch struct {
	Events []Event `json:"events"`
}

// UnsubscribeRequest is the JSON body for POST /relay/unsubscribe.
type UnsubscribeRequest struct {
	ChannelID string `json:"channelId"`
}

// Stats is a snapshot of the relay's delivery counters, consumed by the
// metrics collector.
type Stats struct {
	Delivered   uint64
	Forwarded   uint64
	Dropped     uint64
	RateLimited uint64
}

// DeliveryEntry is one audit record of a delivery attempt.
type DeliveryEntry struct {
	Endpoint  string
	Sink      string
	Success   bool
	Error     string
	Timestamp time.Time
}

// DeliveryLogger records delivery attempts for the audit trail.
// Implemented by store.DeliveryLog and pgstore.DeliveryLog.
type DeliveryLogger interface {
	Log(ctx context.Context, entry DeliveryEntry) error
}
