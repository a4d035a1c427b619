package storage

import (
	"context"
	"log/slog"

	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
)

// Mirror is a best-effort secondary copy of stored transactions.
type Mirror interface {
	Save(tx models.Transaction) error
}

// MirroredStore writes through to a Mirror after every successful primary Put.
// Reads always go to the primary; the mirror is never consulted.
type MirroredStore struct {
	interfaces.TransactionStore
	mirror Mirror
	logger *slog.Logger
}

func NewMirroredStore(primary interfaces.TransactionStore, mirror Mirror, logger *slog.Logger) *MirroredStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MirroredStore{TransactionStore: primary, mirror: mirror, logger: logger}
}

func (m *MirroredStore) Put(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	stored, err := m.TransactionStore.Put(ctx, tx)
	if err != nil {
		return stored, err
	}
	if err := m.mirror.Save(stored); err != nil {
		m.logger.Warn("mirror write failed", "transaction_id", stored.ID, "error", err)
	}
	return stored, nil
}

var _ interfaces.TransactionStore = (*MirroredStore)(nil)
