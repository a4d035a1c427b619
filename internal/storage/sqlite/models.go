package sqlite

import (
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/shopspring/decimal"
)

// transactionRecord is the persisted form of models.Transaction.
type transactionRecord struct {
	ID          string          `gorm:"primaryKey"`
	Amount      decimal.Decimal `gorm:"type:text;not null"`
	Timestamp   time.Time       `gorm:"index;not null"`
	Status      string          `gorm:"index;not null"`
	SyncedAt    *time.Time
	CompletedAt *time.Time
	Trace       []string `gorm:"serializer:json"`
	UpdatedAt   time.Time
}

func (transactionRecord) TableName() string { return "transactions" }

// credentialRecord stores the PIN for a user.
type credentialRecord struct {
	UserID    string `gorm:"primaryKey"`
	Pin       string `gorm:"not null"`
	UpdatedAt time.Time
}

func (credentialRecord) TableName() string { return "credentials" }

func toRecord(tx models.Transaction) transactionRecord {
	return transactionRecord{
		ID:          tx.ID,
		Amount:      tx.Amount,
		Timestamp:   tx.Timestamp,
		Status:      string(tx.Status),
		SyncedAt:    tx.SyncedAt,
		CompletedAt: tx.CompletedAt,
		Trace:       tx.Trace,
	}
}

func (r transactionRecord) toModel() models.Transaction {
	return models.Transaction{
		ID:          r.ID,
		Amount:      r.Amount,
		Timestamp:   r.Timestamp,
		Status:      models.Status(r.Status),
		SyncedAt:    r.SyncedAt,
		CompletedAt: r.CompletedAt,
		Trace:       r.Trace,
	}
}
