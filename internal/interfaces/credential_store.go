package interfaces

import (
	"context"
	"errors"
)

// ErrCredentialNotFound is returned by CredentialStore.Get when the user has no PIN yet.
var ErrCredentialNotFound = errors.New("credential not found")

type CredentialStore interface {
	Get(ctx context.Context, userID string) (string, error)
	Set(ctx context.Context, userID, pin string) error
}
