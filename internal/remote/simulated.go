// Package remote holds the stand-in backend used when no remote ledger is configured.
package remote

import (
	"context"
	"sync"
	"time"

	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
)

// Simulated accepts every batch after Delay and remembers what it confirmed.
type Simulated struct {
	Delay time.Duration

	mu        sync.Mutex
	confirmed map[string]time.Time
	batches   int
}

func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{Delay: delay, confirmed: make(map[string]time.Time)}
}

func (s *Simulated) Confirm(ctx context.Context, txs []models.Transaction) error {
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for _, tx := range txs {
		if _, ok := s.confirmed[tx.ID]; !ok {
			s.confirmed[tx.ID] = now
		}
	}
	s.batches++
	return nil
}

// Confirmed reports how many distinct transactions were confirmed and in how many batches.
func (s *Simulated) Confirmed() (transactions, batches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.confirmed), s.batches
}

var _ interfaces.RemoteConfirmer = (*Simulated)(nil)
