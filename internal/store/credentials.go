package store

import (
	"context"
	"sync"
)

// engine_state key for the persisted bearer token.
const tokenKey = "auth_token"

// credentialStore implements CredentialStore on SQLite with an in-process
// change broadcast. Writes by other processes land only in the database,
// so watchers poll in addition to listening on Watch.
type credentialStore struct {
	db *DB

	mu       sync.Mutex
	watchers []chan string
}

// NewCredentialStore creates a CredentialStore backed by db.
func NewCredentialStore(db *DB) CredentialStore {
	return &credentialStore{db: db}
}

func (s *credentialStore) Token(ctx context.Context) (string, error) {
	return getState(ctx, s.db, tokenKey)
}

func (s *credentialStore) SetToken(ctx context.Context, token string) error {
	if err := setState(ctx, s.db, tokenKey, token); err != nil {
		return err
	}

	s.mu.Lock()
	watchers := make([]chan string, len(s.watchers))
	copy(watchers, s.watchers)
	s.mu.Unlock()

	// Non-blocking notify: a stalled watcher falls back to polling.
	for _, ch := range watchers {
		select {
		case ch <- token:
		default:
		}
	}
	return nil
}

func (s *credentialStore) Watch() <-chan string {
	ch := make(chan string, 4)
	s.mu.Lock()
	s.watchers = append(s.watchers, ch)
	s.mu.Unlock()
	return ch
}
