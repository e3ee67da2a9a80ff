// Package engine implements the foreground side of the push subscription
// engine: permission handling, credential bridging, and the subscription
// manager that orchestrates the background worker and the server
// endpoints.
package engine

import (
	"context"

	"github.com/veloxchat/pushkit/internal/store"
)

// PermissionState is the platform consent record governing whether
// notifications may be shown at all.
type PermissionState string

const (
	PermissionNotRequested PermissionState = "not-requested"
	PermissionGranted      PermissionState = "granted"
	PermissionDenied       PermissionState = "denied"
	PermissionUnsupported  PermissionState = "unsupported"
)

// Permissions reads and requests the platform notification permission.
//
// Request must only be invoked from a direct user-initiated action: the
// platform may silently auto-deny an unprompted request. This is an
// environmental constraint, not an engine bug. Once denied, the state is
// terminal until the user changes it in platform settings; the engine
// surfaces a help affordance instead of retrying.
type Permissions interface {
	// Query returns the current permission state without side effects.
	Query(ctx context.Context) (PermissionState, error)
	// Request triggers the one-time consent prompt if the state is
	// not-requested. When the state is already granted or denied it
	// returns immediately without prompting.
	Request(ctx context.Context) (PermissionState, error)
}

// PromptFunc presents the platform consent prompt and reports whether the
// user granted permission.
type PromptFunc func(ctx context.Context) (bool, error)

// storedPermissions implements Permissions against the persisted consent
// record, delegating the actual prompt to the platform adapter.
type storedPermissions struct {
	store  store.PermissionStore
	prompt PromptFunc
}

// NewPermissions creates a Permissions implementation persisting consent
// in st. A nil prompt means the platform cannot show a consent dialog;
// Request then reports unsupported.
func NewPermissions(st store.PermissionStore, prompt PromptFunc) Permissions {
	return &storedPermissions{store: st, prompt: prompt}
}

func (p *storedPermissions) Query(ctx context.Context) (PermissionState, error) {
	value, err := p.store.Permission(ctx)
	if err != nil {
		return PermissionNotRequested, err
	}
	switch PermissionState(value) {
	case PermissionGranted, PermissionDenied, PermissionUnsupported:
		return PermissionState(value), nil
	default:
		return PermissionNotRequested, nil
	}
}

func (p *storedPermissions) Request(ctx context.Context) (PermissionState, error) {
	current, err := p.Query(ctx)
	if err != nil {
		return current, err
	}
	if current != PermissionNotRequested {
		return current, nil
	}
	if p.prompt == nil {
		return PermissionUnsupported, nil
	}

	granted, err := p.prompt(ctx)
	if err != nil {
		return PermissionNotRequested, err
	}

	state := PermissionDenied
	if granted {
		state = PermissionGranted
	}
	if err := p.store.SetPermission(ctx, string(state)); err != nil {
		return state, err
	}
	return state, nil
}
