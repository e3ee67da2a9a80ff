// Package router translates notification activation events into deep-link
// navigation targets for a foreground instance.
package router

import (
	"context"
	"log/slog"
	"strings"

	"github.com/veloxchat/pushkit/internal/ipc"
)

// Directory is the known user directory consulted when resolving a
// sender identity.
type Directory interface {
	// HasUser reports whether username exists in the directory.
	HasUser(ctx context.Context, username string) (bool, error)
}

// NavigateFunc points a foreground instance at a target URL.
type NavigateFunc func(url string)

// Router resolves activation payloads to conversation URLs. Resolution is
// best-effort: a miss falls back to the application root and is never
// surfaced as an error, since the activation already focused or opened a
// window.
type Router struct {
	dir      Directory
	selfUser string
	navigate NavigateFunc
}

// New creates a router for the given current user. navigate may be nil
// when only Resolve is needed.
func New(dir Directory, selfUser string, navigate NavigateFunc) *Router {
	return &Router{dir: dir, selfUser: selfUser, navigate: navigate}
}

// HandleActivation resolves the payload and navigates to the result.
// Registered with Manager.OnActivation.
func (r *Router) HandleActivation(data ipc.ActivationData) {
	target := r.Resolve(context.Background(), data)
	slog.Debug("router: activation resolved", "target", target)
	if r.navigate != nil {
		r.navigate(target)
	}
}

// Resolve maps an activation payload to a target URL. Resolution order:
// sender identity matched against the directory, then the counterpart
// derived from a composite chat identifier, then the payload URL, then
// the application root.
func (r *Router) Resolve(ctx context.Context, data ipc.ActivationData) string {
	if data.Sender != "" {
		known, err := r.dir.HasUser(ctx, data.Sender)
		if err != nil {
			slog.Debug("router: directory lookup failed", "error", err)
		}
		if known {
			return chatURL(data.Sender)
		}
	}

	if other := counterpart(data.ChatID, r.selfUser); other != "" {
		return chatURL(other)
	}

	if data.URL != "" {
		return data.URL
	}
	return "/"
}

// counterpart derives the other participant from a composite chat id of
// the form "alice_bob" by removing the current user's own identity.
func counterpart(chatID, self string) string {
	if chatID == "" || self == "" {
		return ""
	}
	parts := strings.Split(chatID, "_")
	if len(parts) != 2 {
		return ""
	}
	switch self {
	case parts[0]:
		return parts[1]
	case parts[1]:
		return parts[0]
	}
	return ""
}

func chatURL(username string) string {
	return "/chat/" + username
}
