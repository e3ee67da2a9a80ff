package store

import "context"

// engine_state key for the platform consent record.
const permissionKey = "permission"

// permissionStore implements PermissionStore on SQLite.
type permissionStore struct {
	db *DB
}

// NewPermissionStore creates a PermissionStore backed by db.
func NewPermissionStore(db *DB) PermissionStore {
	return &permissionStore{db: db}
}

func (s *permissionStore) Permission(ctx context.Context) (string, error) {
	return getState(ctx, s.db, permissionKey)
}

func (s *permissionStore) SetPermission(ctx context.Context, state string) error {
	return setState(ctx, s.db, permissionKey, state)
}
