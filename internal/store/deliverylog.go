package store

import (
	"context"
	"fmt"

	"github.com/veloxchat/pushkit/internal/relay"
)

// DeliveryLog records relay delivery outcomes in SQLite. It satisfies
// relay.DeliveryLogger.
type DeliveryLog struct {
	db *DB
}

// NewDeliveryLog creates a DeliveryLog backed by db.
func NewDeliveryLog(db *DB) *DeliveryLog {
	return &DeliveryLog{db: db}
}

func (l *DeliveryLog) Log(ctx context.Context, entry relay.DeliveryEntry) error {
	success := 0
	if entry.Success {
		success = 1
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO delivery_log (endpoint, sink, success, error) VALUES (?, ?, ?, ?)`,
		entry.Endpoint, entry.Sink, success, entry.Error,
	)
	if err != nil {
		return fmt.Errorf("inserting delivery log: %w", err)
	}
	return nil
}
