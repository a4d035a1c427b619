package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models/events"
	"github.com/sheikh-saqib/offline-payments-auth/internal/remote"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/memory"
	"github.com/shopspring/decimal"
)

type switchableState struct {
	mu    sync.Mutex
	state connectivity.State
}

func (s *switchableState) State() connectivity.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *switchableState) Set(state connectivity.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.TransactionCompleted
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event.(events.TransactionCompleted))
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedPending(t *testing.T, store interfaces.TransactionStore, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := store.Put(context.Background(), models.Transaction{ID: id, Amount: decimal.NewFromInt(25), Status: models.StatusPending}); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSyncPendingNoopWhenNotOnline(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1")
	remoteLedger := remote.NewSimulated(0)

	for _, state := range []connectivity.State{connectivity.Offline, connectivity.Degraded} {
		c := NewCoordinator(store, &switchableState{state: state}, remoteLedger, nil, Options{}, discardLogger())
		res, err := c.SyncPending(context.Background())
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", state, err)
		}
		if res.Completed != 0 {
			t.Fatalf("%s: expected nothing synced, got %+v", state, res)
		}
	}
	if txs, _ := remoteLedger.Confirmed(); txs != 0 {
		t.Fatal("remote must not be called while not online")
	}
}

func TestSyncPendingCompletesBatch(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1", "TXN-2")
	pub := &recordingPublisher{}
	c := NewCoordinator(store, &switchableState{state: connectivity.Online}, remote.NewSimulated(0), pub, Options{}, discardLogger())

	res, err := c.SyncPending(context.Background())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Pending != 2 || res.Completed != 2 {
		t.Fatalf("unexpected result %+v", res)
	}

	for _, id := range []string{"TXN-1", "TXN-2"} {
		tx, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if tx.Status != models.StatusCompleted {
			t.Errorf("%s: expected completed, got %s", id, tx.Status)
		}
		if tx.SyncedAt == nil || tx.CompletedAt == nil {
			t.Errorf("%s: expected syncedAt and completedAt", id)
		}
		if len(tx.Trace) < 2 {
			t.Errorf("%s: expected sync trace entry, got %v", id, tx.Trace)
		}
	}

	if len(pub.events) != 2 || !pub.events[0].Deferred {
		t.Fatalf("expected two deferred completion events, got %+v", pub.events)
	}

	// idempotent: nothing left to do
	res, err = c.SyncPending(context.Background())
	if err != nil || res.Pending != 0 {
		t.Fatalf("expected empty second run, got %+v %v", res, err)
	}
}

type blockingRemote struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingRemote) Confirm(ctx context.Context, txs []models.Transaction) error {
	b.calls.Add(1)
	b.entered <- struct{}{}
	<-b.release
	return nil
}

func TestSyncPendingRejectsOverlappingRuns(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1")
	rem := &blockingRemote{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCoordinator(store, &switchableState{state: connectivity.Online}, rem, nil, Options{}, discardLogger())

	done := make(chan Result)
	go func() {
		res, _ := c.SyncPending(context.Background())
		done <- res
	}()
	<-rem.entered

	// recorded while the first batch is with the remote
	seedPending(t, store, "TXN-2")
	res, err := c.SyncPending(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Skipped {
		t.Fatal("expected overlapping run to be skipped")
	}

	close(rem.release)
	first := <-done
	if first.Completed != 2 {
		t.Fatalf("expected the running call to pick up the skipped work, got %+v", first)
	}
	if rem.calls.Load() != 2 {
		t.Fatalf("expected two confirmed batches, got %d", rem.calls.Load())
	}
	if pending, _ := store.QueryByStatus(context.Background(), models.StatusPending); len(pending) != 0 {
		t.Fatalf("expected nothing left pending, got %+v", pending)
	}
}

func TestTransitionDuringSyncIsNotLost(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-A")
	state := &switchableState{state: connectivity.Online}
	rem := &blockingRemote{entered: make(chan struct{}, 1), release: make(chan struct{})}
	c := NewCoordinator(store, state, rem, nil, Options{}, discardLogger())
	defer c.Stop()

	c.Start()
	<-rem.entered

	state.Set(connectivity.Degraded)
	seedPending(t, store, "TXN-B")
	state.Set(connectivity.Online)
	c.HandleTransition(connectivity.Degraded, connectivity.Online)

	close(rem.release)
	c.Wait()

	for _, id := range []string{"TXN-A", "TXN-B"} {
		tx, err := store.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if tx.Status != models.StatusCompleted {
			t.Errorf("%s: expected completed after coming back online, got %s", id, tx.Status)
		}
	}
	if rem.calls.Load() != 2 {
		t.Fatalf("expected two confirmed batches, got %d", rem.calls.Load())
	}
}

// failingStore fails Put for one ID.
type failingStore struct {
	*memory.TransactionStore
	failID string
}

func (f *failingStore) Put(ctx context.Context, tx models.Transaction) (models.Transaction, error) {
	if tx.ID == f.failID && tx.Status == models.StatusCompleted {
		return models.Transaction{}, errs.New(errs.ErrStorageUnavailable, "write failed")
	}
	return f.TransactionStore.Put(ctx, tx)
}

func TestSyncPendingPartialFailureLeavesRemainderPending(t *testing.T) {
	store := &failingStore{TransactionStore: memory.NewTransactionStore(), failID: "TXN-2"}
	seedPending(t, store, "TXN-1", "TXN-2", "TXN-3")
	c := NewCoordinator(store, &switchableState{state: connectivity.Online}, remote.NewSimulated(0), nil, Options{}, discardLogger())

	res, err := c.SyncPending(context.Background())
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if res.Completed != 2 {
		t.Fatalf("expected 2 completed, got %+v", res)
	}

	pending, _ := store.QueryByStatus(context.Background(), models.StatusPending)
	if len(pending) != 1 || pending[0].ID != "TXN-2" {
		t.Fatalf("expected only TXN-2 left pending, got %+v", pending)
	}

	store.failID = ""
	res, err = c.SyncPending(context.Background())
	if err != nil || res.Completed != 1 {
		t.Fatalf("expected retry to finish the remainder, got %+v %v", res, err)
	}
}

type failingRemote struct{}

func (failingRemote) Confirm(context.Context, []models.Transaction) error {
	return errors.New("connection reset")
}

func TestSyncPendingRemoteFailureKeepsPending(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1")
	c := NewCoordinator(store, &switchableState{state: connectivity.Online}, failingRemote{}, nil, Options{}, discardLogger())

	_, err := c.SyncPending(context.Background())
	if !errors.Is(err, errs.ErrNetworkUnavailable) {
		t.Fatalf("expected network unavailable, got %v", err)
	}
	tx, _ := store.Get(context.Background(), "TXN-1")
	if tx.Status != models.StatusPending {
		t.Fatalf("expected still pending, got %s", tx.Status)
	}
}

func TestHandleTransitionSyncsOnlyWhenComingOnline(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1")
	state := &switchableState{state: connectivity.Online}
	rem := remote.NewSimulated(0)
	c := NewCoordinator(store, state, rem, nil, Options{}, discardLogger())
	defer c.Stop()

	c.HandleTransition(connectivity.Online, connectivity.Degraded)
	c.HandleTransition(connectivity.Online, connectivity.Online)
	c.Wait()
	if _, batches := rem.Confirmed(); batches != 0 {
		t.Fatalf("expected no sync, got %d batches", batches)
	}

	c.HandleTransition(connectivity.Degraded, connectivity.Online)
	c.Wait()

	tx, _ := store.Get(context.Background(), "TXN-1")
	if tx.Status != models.StatusCompleted {
		t.Fatalf("expected completed after coming online, got %s", tx.Status)
	}
}

func TestStopCancelsBackgroundSync(t *testing.T) {
	store := memory.NewTransactionStore()
	seedPending(t, store, "TXN-1")
	c := NewCoordinator(store, &switchableState{state: connectivity.Online}, remote.NewSimulated(time.Hour), nil, Options{Timeout: time.Hour}, discardLogger())

	c.Start()
	stopped := make(chan struct{})
	go func() {
		c.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not cancel the background sync")
	}

	tx, _ := store.Get(context.Background(), "TXN-1")
	if tx.Status != models.StatusPending {
		t.Fatalf("expected pending after cancelled sync, got %s", tx.Status)
	}

	// once stopped, transitions do nothing
	c.HandleTransition(connectivity.Offline, connectivity.Online)
	c.Wait()
}
