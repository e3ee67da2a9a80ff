package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// FCMSink forwards push payloads via Firebase Cloud Messaging.
type FCMSink struct {
	client *messaging.Client
}

// NewFCMSink initialises a Firebase app from the service-account JSON
// file at credentialsFile and returns a ready-to-use FCMSink.
// If credentialsFile is empty, the SDK falls back to
// GOOGLE_APPLICATION_CREDENTIALS or the default service account.
func NewFCMSink(ctx context.Context, credentialsFile string) (*FCMSink, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	app, err := firebase.NewApp(ctx, nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase app: %w", err)
	}

	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("obtaining messaging client: %w", err)
	}

	slog.Info("relay: fcm sink initialised")
	return &FCMSink{client: client}, nil
}

// Forward delivers the raw payload to the given FCM registration token.
// The payload travels opaque and base64-encoded in a data message; the
// receiving app decodes and renders it the same way the local worker
// does.
func (f *FCMSink) Forward(ctx context.Context, token string, payload []byte) error {
	ttl := 60 * time.Second
	msg := &messaging.Message{
		Token: token,
		Data: map[string]string{
			"payload": base64.StdEncoding.EncodeToString(payload),
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
			TTL:      &ttl,
		},
	}

	id, err := f.client.Send(ctx, msg)
	if err != nil {
		if messaging.IsUnregistered(err) {
			return fmt.Errorf("fcm: token no longer valid: %w", err)
		}
		return fmt.Errorf("fcm: send failed: %w", err)
	}

	slog.Debug("relay: fcm message sent", "message_id", id)
	return nil
}
