package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/veloxchat/pushkit/internal/push"
)

// engine_state key for the persisted subscription-enabled flag.
const enabledKey = "push_enabled"

// subscriptionStore implements SubscriptionStore on SQLite.
type subscriptionStore struct {
	db *DB
}

// NewSubscriptionStore creates a SubscriptionStore backed by db.
func NewSubscriptionStore(db *DB) SubscriptionStore {
	return &subscriptionStore{db: db}
}

func (s *subscriptionStore) Active(ctx context.Context) (*push.Subscription, error) {
	var sub push.Subscription
	err := s.db.QueryRowContext(ctx,
		`SELECT endpoint, p256dh, auth, expiration_time FROM subscription WHERE id = 1`,
	).Scan(&sub.Endpoint, &sub.Keys.P256dh, &sub.Keys.Auth, &sub.ExpirationTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying active subscription: %w", err)
	}
	return &sub, nil
}

func (s *subscriptionStore) SetActive(ctx context.Context, sub *push.Subscription) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscription (id, endpoint, p256dh, auth, expiration_time)
		 VALUES (1, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   endpoint = excluded.endpoint,
		   p256dh = excluded.p256dh,
		   auth = excluded.auth,
		   expiration_time = excluded.expiration_time,
		   created_at = datetime('now')`,
		sub.Endpoint, sub.Keys.P256dh, sub.Keys.Auth, sub.ExpirationTime,
	)
	if err != nil {
		return fmt.Errorf("storing active subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStore) ClearActive(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscription WHERE id = 1`); err != nil {
		return fmt.Errorf("clearing active subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStore) SetPending(ctx context.Context, sub *push.Subscription) error {
	payload, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encoding pending subscription: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pending_subscription (id, payload) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET payload = excluded.payload, created_at = datetime('now')`,
		string(payload),
	)
	if err != nil {
		return fmt.Errorf("storing pending subscription: %w", err)
	}
	return nil
}

func (s *subscriptionStore) TakePending(ctx context.Context) (*push.Subscription, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM pending_subscription WHERE id = 1`,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending subscription: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_subscription WHERE id = 1`); err != nil {
		return nil, fmt.Errorf("clearing pending subscription: %w", err)
	}

	var sub push.Subscription
	if err := json.Unmarshal([]byte(payload), &sub); err != nil {
		// Slot is already cleared; a corrupt record is dropped.
		return nil, fmt.Errorf("decoding pending subscription: %w", err)
	}
	return &sub, nil
}

func (s *subscriptionStore) Enabled(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE key = ?`, enabledKey,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying enabled flag: %w", err)
	}
	return value == "true", nil
}

func (s *subscriptionStore) SetEnabled(ctx context.Context, enabled bool) error {
	value := "false"
	if enabled {
		value = "true"
	}
	return setState(ctx, s.db, enabledKey, value)
}

// setState upserts an engine_state row.
func setState(ctx context.Context, db *DB, key, value string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO engine_state (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = datetime('now')`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("storing engine state %s: %w", key, err)
	}
	return nil
}

// getState reads an engine_state row, returning "" when absent.
func getState(ctx context.Context, db *DB, key string) (string, error) {
	var value string
	err := db.QueryRowContext(ctx,
		`SELECT value FROM engine_state WHERE key = ?`, key,
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("querying engine state %s: %w", key, err)
	}
	return value, nil
}
