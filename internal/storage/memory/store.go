package memory

import (
	"context"
	"sync"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage"
)

// TransactionStore is an in-memory implementation of interfaces.TransactionStore.
// It is safe for concurrent use; every Put runs its read-merge-write under one lock.
type TransactionStore struct {
	mu           sync.Mutex
	transactions map[string]models.Transaction
	now          func() time.Time
	failPut      error
}

// NewTransactionStore creates an empty in-memory store.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		transactions: make(map[string]models.Transaction),
		now:          time.Now,
	}
}

// FailPuts makes subsequent Put calls return err. Pass nil to recover.
func (m *TransactionStore) FailPuts(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPut = err
}

func (m *TransactionStore) Put(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failPut != nil {
		return models.Transaction{}, errs.Wrap(errs.ErrStorageUnavailable, m.failPut, "failed to write transaction %s", tx.ID)
	}

	var existing *models.Transaction
	if prev, ok := m.transactions[tx.ID]; ok {
		existing = &prev
	}

	merged, err := storage.Merge(existing, tx, m.now())
	if err != nil {
		return models.Transaction{}, err
	}
	m.transactions[merged.ID] = merged
	return merged.Clone(), nil
}

func (m *TransactionStore) Get(ctx context.Context, id string) (models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.transactions[id]
	if !ok {
		return models.Transaction{}, errs.New(errs.ErrTransactionNotFound, "transaction %s not found", id)
	}
	return tx.Clone(), nil
}

// GetAll returns copies of all records in no particular order.
func (m *TransactionStore) GetAll(ctx context.Context) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]models.Transaction, 0, len(m.transactions))
	for _, tx := range m.transactions {
		result = append(result, tx.Clone())
	}
	return result, nil
}

func (m *TransactionStore) QueryByStatus(ctx context.Context, status models.Status) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []models.Transaction
	for _, tx := range m.transactions {
		if tx.Status == status {
			result = append(result, tx.Clone())
		}
	}
	return result, nil
}

// Compile-time check: ensure TransactionStore implements interfaces.TransactionStore
var _ interfaces.TransactionStore = (*TransactionStore)(nil)
