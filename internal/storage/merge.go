package storage

import (
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
)

// Merge applies incoming on top of existing (nil when the ID is new) and
// returns the record to store.
//
// Non-empty incoming fields overwrite, absent ones keep the prior value, trace
// lines are appended and never dropped, and status may not move backwards.
// CompletedAt is kept in step with the completed status.
func Merge(existing *models.Transaction, incoming models.Transaction, now time.Time) (models.Transaction, error) {
	if incoming.ID == "" {
		return models.Transaction{}, errs.New(errs.ErrValidation, "transaction id is required")
	}
	if incoming.Status != "" && !incoming.Status.Valid() {
		return models.Transaction{}, errs.New(errs.ErrValidation, "unknown transaction status %q", incoming.Status)
	}
	if incoming.Amount.IsNegative() {
		return models.Transaction{}, errs.New(errs.ErrValidation, "amount must be positive")
	}

	if existing == nil {
		return mergeNew(incoming.Clone(), now)
	}

	merged := existing.Clone()
	if !incoming.Amount.IsZero() {
		merged.Amount = incoming.Amount
	}
	if !incoming.Timestamp.IsZero() {
		merged.Timestamp = incoming.Timestamp
	}
	if incoming.Status != "" {
		if incoming.Status.Rank() < existing.Status.Rank() {
			return models.Transaction{}, errs.New(errs.ErrValidation,
				"transaction %s cannot move from %s back to %s", existing.ID, existing.Status, incoming.Status)
		}
		merged.Status = incoming.Status
	}
	if incoming.SyncedAt != nil {
		v := *incoming.SyncedAt
		merged.SyncedAt = &v
	}
	if incoming.CompletedAt != nil {
		v := *incoming.CompletedAt
		merged.CompletedAt = &v
	}
	merged.Trace = appendTrace(merged.Trace, incoming.Trace)
	merged.AppendTrace(now, "Updated")

	enforceCompletion(&merged, now)
	return merged, nil
}

func mergeNew(tx models.Transaction, now time.Time) (models.Transaction, error) {
	if !tx.Amount.IsPositive() {
		return models.Transaction{}, errs.New(errs.ErrValidation, "amount must be positive")
	}
	if tx.Status == "" {
		tx.Status = models.StatusPending
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = now
	}
	tx.AppendTrace(now, "Transaction saved")
	enforceCompletion(&tx, now)
	return tx, nil
}

// completedAt is set if and only if the status is completed.
func enforceCompletion(tx *models.Transaction, now time.Time) {
	if tx.Status == models.StatusCompleted {
		if tx.CompletedAt == nil {
			at := now
			tx.CompletedAt = &at
		}
		return
	}
	tx.CompletedAt = nil
}

func appendTrace(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, line := range existing {
		seen[line] = struct{}{}
	}
	out := existing
	for _, line := range incoming {
		if _, ok := seen[line]; ok {
			continue
		}
		seen[line] = struct{}{}
		out = append(out, line)
	}
	return out
}
