package events

import (
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/shopspring/decimal"
)

// TopicTransactionCompleted is the default topic for completion events.
const TopicTransactionCompleted = "transaction_completed"

// TransactionCompleted is emitted once a transaction reaches the completed status.
type TransactionCompleted struct {
	TransactionID string          `json:"transaction_id"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"created_at"`
	OccurredAt    time.Time       `json:"occurred_at"`
	// Deferred is true when the payment was authorized offline and completed by a later sync.
	Deferred bool `json:"deferred"`
}

// Completed builds the event for a completed transaction.
func Completed(tx models.Transaction, deferred bool) TransactionCompleted {
	evt := TransactionCompleted{
		TransactionID: tx.ID,
		Amount:        tx.Amount,
		CreatedAt:     tx.Timestamp,
		Deferred:      deferred,
	}
	if tx.CompletedAt != nil {
		evt.OccurredAt = *tx.CompletedAt
	}
	return evt
}

// Key partitions events by transaction.
func (e TransactionCompleted) Key() string { return e.TransactionID }
