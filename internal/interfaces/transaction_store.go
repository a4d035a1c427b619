package interfaces

import (
	"context"

	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
)

// TransactionStore is the single source of truth for transaction status.
// Put inserts or merges by ID and returns the stored record.
type TransactionStore interface {
	Put(ctx context.Context, tx models.Transaction) (models.Transaction, error)
	Get(ctx context.Context, id string) (models.Transaction, error)
	GetAll(ctx context.Context) ([]models.Transaction, error)
	QueryByStatus(ctx context.Context, status models.Status) ([]models.Transaction, error)
}
