package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle position of a transaction.
// Statuses only move forward: pending -> synced -> completed, or pending -> completed.
type Status string

const (
	StatusPending   Status = "pending"   // authenticated locally, not yet confirmed remotely
	StatusSynced    Status = "synced"    // acknowledged remotely, not finalized
	StatusCompleted Status = "completed" // terminal
)

// Rank orders statuses for the monotonic check. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSynced:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.Rank() >= 0
}

// ParseStatus converts a user supplied filter value into a Status.
func ParseStatus(v string) (Status, error) {
	s := Status(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown transaction status %q", v)
	}
	return s, nil
}

// Transaction is a payment authorized by the local authentication flow
type Transaction struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Timestamp   time.Time       `json:"timestamp"`
	Status      Status          `json:"status"`
	SyncedAt    *time.Time      `json:"synced_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Trace       []string        `json:"trace,omitempty"` // append-only audit log, informational only
}

// AppendTrace adds a timestamped audit line.
func (t *Transaction) AppendTrace(now time.Time, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	t.Trace = append(t.Trace, fmt.Sprintf("%s at %s", line, now.UTC().Format(time.RFC3339)))
}

// Complete moves the transaction to the terminal status.
func (t *Transaction) Complete(now time.Time) {
	at := now
	t.Status = StatusCompleted
	t.CompletedAt = &at
}

// MarkSynced records remote acknowledgement without finalizing.
func (t *Transaction) MarkSynced(now time.Time) {
	at := now
	t.SyncedAt = &at
	if t.Status.Rank() < StatusSynced.Rank() {
		t.Status = StatusSynced
	}
}

// Clone returns a deep copy so callers can't mutate stored state.
func (t Transaction) Clone() Transaction {
	c := t
	if t.SyncedAt != nil {
		v := *t.SyncedAt
		c.SyncedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.Trace != nil {
		c.Trace = append([]string(nil), t.Trace...)
	}
	return c
}
