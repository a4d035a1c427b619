// Package reconcile pushes pending transactions to the remote backend once the
// device is online and finalizes them in the local store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models/events"
)

type StateSource interface {
	State() connectivity.State
}

type Options struct {
	// Timeout bounds one remote confirmation call.
	Timeout time.Duration
	Topic   string
}

// Result describes one SyncPending run.
type Result struct {
	Pending   int  `json:"pending"`   // pending records found
	Completed int  `json:"completed"` // records written back as completed
	Skipped   bool `json:"skipped"`   // another run was already in flight
}

type Coordinator struct {
	store     interfaces.TransactionStore
	conn      StateSource
	remote    interfaces.RemoteConfirmer
	publisher interfaces.EventPublisher
	opts      Options
	logger    *slog.Logger
	now       func() time.Time

	running   atomic.Bool // single flight guard for SyncPending
	requested atomic.Bool // a pass is owed to the latest caller

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(store interfaces.TransactionStore, conn StateSource, remote interfaces.RemoteConfirmer, publisher interfaces.EventPublisher, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Topic == "" {
		opts.Topic = events.TopicTransactionCompleted
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:     store,
		conn:      conn,
		remote:    remote,
		publisher: publisher,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SyncPending confirms every pending transaction with the remote and marks them completed.
//
// It is a no-op unless online, and a call made while another is running returns
// immediately with Skipped set. The running call then makes another pass before
// it returns, so records that went pending meanwhile are not left behind. Records
// are written back one at a time; a failure partway leaves the rest pending for
// the next run.
func (c *Coordinator) SyncPending(ctx context.Context) (Result, error) {
	// requested is set before the guard so a running call always sees it
	c.requested.Store(true)
	if !c.running.CompareAndSwap(false, true) {
		c.logger.Debug("sync already in progress, queued another pass")
		return Result{Skipped: true}, nil
	}

	var res Result
	var errList []error
	for {
		for ctx.Err() == nil && c.requested.Swap(false) {
			pass, err := c.syncOnce(ctx)
			res.Pending += pass.Pending
			res.Completed += pass.Completed
			if err != nil {
				errList = append(errList, err)
			}
		}
		c.running.Store(false)
		if !c.requested.Load() || ctx.Err() != nil || !c.running.CompareAndSwap(false, true) {
			break
		}
	}
	return res, errors.Join(errList...)
}

func (c *Coordinator) syncOnce(ctx context.Context) (Result, error) {
	if c.conn.State() != connectivity.Online {
		return Result{}, nil
	}

	pending, err := c.store.QueryByStatus(ctx, models.StatusPending)
	if err != nil {
		return Result{}, err
	}
	res := Result{Pending: len(pending)}
	if len(pending) == 0 {
		return res, nil
	}

	c.logger.Info("syncing pending transactions", "count", len(pending))

	remoteCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	err = c.remote.Confirm(remoteCtx, pending)
	cancel()
	if err != nil {
		c.logger.Warn("remote confirmation failed", "count", len(pending), "error", err)
		return res, errs.Wrap(errs.ErrNetworkUnavailable, err, "remote confirmation failed")
	}

	var failures []error
	for _, tx := range pending {
		now := c.now()
		at := now
		tx.SyncedAt = &at
		tx.Complete(now)
		tx.AppendTrace(now, "Synced")

		stored, err := c.store.Put(ctx, tx)
		if err != nil {
			c.logger.Error("failed to finalize synced transaction", "transaction_id", tx.ID, "error", err)
			failures = append(failures, err)
			continue
		}
		res.Completed++
		c.publish(ctx, stored)
	}

	c.logger.Info("sync finished", "completed", res.Completed, "failed", len(failures))
	return res, errors.Join(failures...)
}

func (c *Coordinator) publish(ctx context.Context, tx models.Transaction) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, c.opts.Topic, events.Completed(tx, true)); err != nil {
		c.logger.Warn("failed to publish completion event", "transaction_id", tx.ID, "error", err)
	}
}

// HandleTransition is a connectivity listener: every move to online starts a
// background sync.
func (c *Coordinator) HandleTransition(prev, next connectivity.State) {
	if next != connectivity.Online || prev == connectivity.Online {
		return
	}
	c.background()
}

// Start syncs any records left pending by a previous run.
func (c *Coordinator) Start() {
	c.background()
}

func (c *Coordinator) background() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx.Err() != nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if _, err := c.SyncPending(c.ctx); err != nil {
			c.logger.Warn("background sync failed", "error", err)
		}
	}()
}

// Wait blocks until background syncs started so far have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Stop cancels background syncs and waits for them.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	c.cancel()
	c.mu.Unlock()
	c.wg.Wait()
}
