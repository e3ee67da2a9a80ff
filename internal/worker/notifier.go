package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/veloxchat/pushkit/internal/ipc"
)

// Notification is a rendered system notification. Tag identifies it for
// later dismissal; Data is the deep-link payload re-attached on
// activation.
type Notification struct {
	Tag                string
	Title              string
	Body               string
	Icon               string
	Badge              string
	RequireInteraction bool
	Data               ipc.ActivationData
}

// Notifier renders system notifications. Implementations must not block
// on user interaction; activation is reported separately through
// Worker.Activate.
type Notifier interface {
	// Show renders a notification. A notification with the same tag
	// replaces the previous one.
	Show(ctx context.Context, n Notification) error
	// Dismiss removes a visible notification by tag. Implementations
	// that cannot dismiss report nil.
	Dismiss(ctx context.Context, tag string) error
}

// ExecNotifier renders notifications by shelling out to notify-send.
type ExecNotifier struct {
	// Command overrides the notify-send binary path. Empty means
	// "notify-send" from PATH.
	Command string
}

// Show implements Notifier.
func (n *ExecNotifier) Show(ctx context.Context, note Notification) error {
	bin := n.Command
	if bin == "" {
		bin = "notify-send"
	}

	args := []string{"--app-name=Veloxchat"}
	if note.Icon != "" {
		args = append(args, "--icon", note.Icon)
	}
	if note.RequireInteraction {
		args = append(args, "--urgency=critical")
	}
	args = append(args, note.Title, note.Body)

	if err := exec.CommandContext(ctx, bin, args...).Run(); err != nil {
		return fmt.Errorf("worker: running %s: %w", bin, err)
	}
	return nil
}

// Dismiss implements Notifier. notify-send offers no dismissal handle, so
// this is a no-op.
func (n *ExecNotifier) Dismiss(ctx context.Context, tag string) error {
	return nil
}

// LogNotifier renders notifications to the log. Used on headless hosts
// where no notification daemon is available.
type LogNotifier struct{}

// Show implements Notifier.
func (LogNotifier) Show(ctx context.Context, n Notification) error {
	slog.Info("notification", "tag", n.Tag, "title", n.Title, "body", n.Body, "url", n.Data.URL)
	return nil
}

// Dismiss implements Notifier.
func (LogNotifier) Dismiss(ctx context.Context, tag string) error {
	return nil
}
