package store

import (
	"context"
	"fmt"

	"github.com/veloxchat/pushkit/internal/push"
)

// Registry is the SQLite subscription registry used by the pushd server.
// It satisfies pushapi.SubscriptionRegistry.
type Registry struct {
	db *DB
}

// NewRegistry creates a Registry backed by db.
func NewRegistry(db *DB) *Registry {
	return &Registry{db: db}
}

// Upsert inserts or updates a subscription keyed by endpoint. A device
// that re-subscribes with the same endpoint keeps a single row.
func (r *Registry) Upsert(ctx context.Context, userID string, sub *push.Subscription) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions (user_id, endpoint, p256dh, auth, expiration_time)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET
		   user_id = excluded.user_id,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth,
		   expiration_time = excluded.expiration_time,
		   updated_at = datetime('now')`,
		userID, sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.ExpirationTime,
	)
	if err != nil {
		return fmt.Errorf("upserting push subscription: %w", err)
	}
	return nil
}

func (r *Registry) DeleteByEndpoint(ctx context.Context, endpoint string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("deleting push subscription: %w", err)
	}
	return nil
}

func (r *Registry) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM push_subscriptions`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting push subscriptions: %w", err)
	}
	return count, nil
}
