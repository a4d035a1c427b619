package memory

import (
	"context"
	"sync"

	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
)

// CredentialStore keeps PINs in memory, keyed by user ID.
type CredentialStore struct {
	mu   sync.Mutex
	pins map[string]string
}

func NewCredentialStore() *CredentialStore {
	return &CredentialStore{pins: make(map[string]string)}
}

func (c *CredentialStore) Get(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pin, ok := c.pins[userID]
	if !ok {
		return "", interfaces.ErrCredentialNotFound
	}
	return pin, nil
}

func (c *CredentialStore) Set(ctx context.Context, userID, pin string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pins[userID] = pin
	return nil
}

var _ interfaces.CredentialStore = (*CredentialStore)(nil)
