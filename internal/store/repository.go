package store

import (
	"context"

	"github.com/veloxchat/pushkit/internal/push"
)

// SubscriptionStore owns the canonical local record of the active
// subscription descriptor and the single pending-delivery queue slot.
type SubscriptionStore interface {
	// Active returns the stored descriptor, or nil if none exists.
	Active(ctx context.Context) (*push.Subscription, error)
	// SetActive replaces the stored descriptor.
	SetActive(ctx context.Context, sub *push.Subscription) error
	// ClearActive removes the stored descriptor. No-op if absent.
	ClearActive(ctx context.Context) error

	// SetPending parks a descriptor awaiting a credential. At most one
	// pending descriptor exists; a newer one replaces the older.
	SetPending(ctx context.Context, sub *push.Subscription) error
	// TakePending returns and clears the pending descriptor, or nil.
	// The slot is cleared regardless of what the caller does next.
	TakePending(ctx context.Context) (*push.Subscription, error)

	// Enabled reports the persisted subscription-enabled flag.
	Enabled(ctx context.Context) (bool, error)
	// SetEnabled persists the subscription-enabled flag.
	SetEnabled(ctx context.Context, enabled bool) error
}

// CredentialStore exposes the persisted bearer credential. Writes from
// this process emit a change event; writes from other processes are only
// visible to pollers. Reads are eventually consistent.
type CredentialStore interface {
	// Token returns the stored bearer token, or "" if absent.
	Token(ctx context.Context) (string, error)
	// SetToken stores the token and notifies same-process watchers.
	SetToken(ctx context.Context, token string) error
	// Watch returns a channel receiving token values written by this
	// process. The channel is never closed; watchers must also poll to
	// observe cross-process writes.
	Watch() <-chan string
}

// PermissionStore persists the platform consent record.
type PermissionStore interface {
	Permission(ctx context.Context) (string, error)
	SetPermission(ctx context.Context, state string) error
}
