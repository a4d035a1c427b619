package interfaces

import (
	"context"

	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
)

// RemoteConfirmer acknowledges a batch of locally authorized transactions
// with the backend. A nil error means every transaction in the batch was accepted.
type RemoteConfirmer interface {
	Confirm(ctx context.Context, txs []models.Transaction) error
}
