package payments

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models/events"
	"github.com/shopspring/decimal"
)

// StateSource reports the current connectivity tier.
type StateSource interface {
	State() connectivity.State
}

// SuccessFunc receives the stored transaction once a payment is recorded.
type SuccessFunc func(tx models.Transaction)

type Options struct {
	// ProcessingDelay simulates payment processing before the record is created.
	ProcessingDelay time.Duration
	Topic           string
}

// Manager turns a successful authentication into a stored transaction.
// It holds no transaction state of its own; the store is the source of truth.
type Manager struct {
	store     interfaces.TransactionStore // where transactions are persisted
	conn      StateSource
	publisher interfaces.EventPublisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewManager creates a Manager. publisher may be nil.
func NewManager(store interfaces.TransactionStore, conn StateSource, publisher interfaces.EventPublisher, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Topic == "" {
		opts.Topic = events.TopicTransactionCompleted
	}
	return &Manager{
		store:     store,
		conn:      conn,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		newID:     func() string { return "TXN_" + uuid.NewString() },
	}
}

// CompleteAuthentication records a payment for amount.
//
// Online payments are completed immediately. Offline and degraded payments are
// stored as pending for the sync coordinator to finish later. A storage failure
// records nothing and is returned as a recoverable error.
func (m *Manager) CompleteAuthentication(ctx context.Context, amount decimal.Decimal, onSuccess SuccessFunc) (models.Transaction, error) {
	if !amount.IsPositive() {
		return models.Transaction{}, errs.New(errs.ErrValidation, "amount must be positive")
	}

	if m.opts.ProcessingDelay > 0 {
		select {
		case <-time.After(m.opts.ProcessingDelay):
		case <-ctx.Done():
			return models.Transaction{}, ctx.Err()
		}
	}

	state := m.conn.State()
	now := m.now()
	tx := models.Transaction{
		ID:        m.newID(),
		Amount:    amount,
		Timestamp: now,
		Status:    models.StatusPending,
	}
	tx.AppendTrace(now, "Transaction created while %s", state)
	if state == connectivity.Online {
		tx.MarkSynced(now)
		tx.Complete(now)
	}

	stored, err := m.store.Put(ctx, tx)
	if err != nil {
		m.logger.Error("failed to save transaction", "transaction_id", tx.ID, "error", err)
		return models.Transaction{}, errs.Wrap(errs.ErrStorageUnavailable, err, "failed to save transaction, retry")
	}
	m.logger.Info("transaction recorded", "transaction_id", stored.ID, "status", stored.Status, "amount", stored.Amount.String())

	if stored.Status == models.StatusCompleted {
		m.publishCompleted(ctx, stored, false)
	}
	if onSuccess != nil {
		onSuccess(stored)
	}
	return stored, nil
}

func (m *Manager) publishCompleted(ctx context.Context, tx models.Transaction, deferred bool) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, m.opts.Topic, events.Completed(tx, deferred)); err != nil {
		m.logger.Warn("failed to publish completion event", "transaction_id", tx.ID, "error", err)
	}
}

// History lists transactions with the given status, newest first.
// An empty status lists everything.
func (m *Manager) History(ctx context.Context, status models.Status) ([]models.Transaction, error) {
	var (
		txs []models.Transaction
		err error
	)
	if status == "" {
		txs, err = m.store.GetAll(ctx)
	} else {
		txs, err = m.store.QueryByStatus(ctx, status)
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].Timestamp.After(txs[j].Timestamp)
	})
	return txs, nil
}
