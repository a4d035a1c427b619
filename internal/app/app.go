// Package app builds the process wide context: stores, connectivity monitor,
// sync coordinator and the authentication session. It is constructed once at
// start up and closed on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/auth"
	"github.com/sheikh-saqib/offline-payments-auth/internal/config"
	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/sheikh-saqib/offline-payments-auth/internal/events"
	"github.com/sheikh-saqib/offline-payments-auth/internal/events/kafka"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/payments"
	"github.com/sheikh-saqib/offline-payments-auth/internal/reconcile"
	"github.com/sheikh-saqib/offline-payments-auth/internal/remote"
	"github.com/sheikh-saqib/offline-payments-auth/internal/secondary"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/memory"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/mirror"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/postgres"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/sqlite"
	"github.com/shopspring/decimal"
)

// Deps are the collaborators of an App. Open fills them from configuration;
// tests build them directly.
type Deps struct {
	Store       interfaces.TransactionStore
	Credentials interfaces.CredentialStore
	Monitor     *connectivity.Monitor
	Remote      interfaces.RemoteConfirmer
	Publisher   interfaces.EventPublisher
	Verifier    secondary.Verifier
	Enrollments *secondary.Enrollments
	Auth        auth.Config
	Payments    payments.Options
	Sync        reconcile.Options
	// StorageErr is set when the primary store could not be opened. Payments
	// are disabled for the life of the App.
	StorageErr error
	Closers    []io.Closer
	Logger     *slog.Logger
}

type App struct {
	logger      *slog.Logger
	store       interfaces.TransactionStore
	monitor     *connectivity.Monitor
	manager     *payments.Manager
	coordinator *reconcile.Coordinator
	session     *auth.Session
	enrollments *secondary.Enrollments
	authCfg     auth.Config
	now         func() time.Time
	storageErr  error
	closers     []io.Closer

	mu          sync.Mutex
	unsubscribe func()
	closed      bool
}

func New(d Deps) *App {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}

	manager := payments.NewManager(d.Store, d.Monitor, d.Publisher, d.Payments, logger.With("component", "payments"))
	coordinator := reconcile.NewCoordinator(d.Store, d.Monitor, d.Remote, d.Publisher, d.Sync, logger.With("component", "sync"))
	session := auth.NewSession(d.Auth, d.Credentials, d.Verifier, manager, logger.With("component", "auth"))
	enrollments := d.Enrollments
	if enrollments == nil {
		enrollments = secondary.NewEnrollments()
	}

	return &App{
		logger:      logger,
		store:       d.Store,
		monitor:     d.Monitor,
		manager:     manager,
		coordinator: coordinator,
		session:     session,
		enrollments: enrollments,
		authCfg:     d.Auth,
		now:         time.Now,
		storageErr:  d.StorageErr,
		closers:     d.Closers,
	}
}

// Open wires an App from cfg. A primary store that cannot be opened does not
// fail Open; the App starts in degraded mode with payments disabled.
func Open(cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := Deps{
		Logger: logger,
		Auth: auth.Config{
			UserID:             cfg.Auth.UserID,
			DefaultPin:         cfg.Auth.DefaultPin,
			MaxRetries:         cfg.Auth.MaxRetries,
			LockoutDuration:    cfg.Auth.LockoutDuration,
			RequireSecondary:   cfg.Auth.RequireSecondary,
			SecondaryThreshold: cfg.Auth.SecondaryThreshold,
		},
		Payments:    payments.Options{ProcessingDelay: cfg.Auth.ProcessingDelay, Topic: cfg.Events.Topic},
		Sync:        reconcile.Options{Timeout: cfg.Sync.Timeout, Topic: cfg.Events.Topic},
		Enrollments: secondary.NewEnrollments(),
	}
	// no capture hardware on this host: samples arrive from the UI, and local
	// capture reports not enrolled or not supported
	d.Verifier = secondary.EnrolledVerifier{
		Verifier:    secondary.Unsupported{},
		Enrollments: d.Enrollments,
		UserID:      cfg.Auth.UserID,
	}

	db, err := sqlite.Open(cfg.Store.Path)
	if err != nil {
		logger.Error("local storage unavailable, payments disabled", "path", cfg.Store.Path, "error", err)
		d.StorageErr = err
		d.Store = memory.NewTransactionStore()
		d.Credentials = memory.NewCredentialStore()
	} else {
		d.Closers = append(d.Closers, db)
		d.Store = db
		d.Credentials = db.Credentials()
		if cfg.Store.MirrorPath != "" {
			d.Store = storage.NewMirroredStore(db, mirror.NewFile(cfg.Store.MirrorPath), logger.With("component", "mirror"))
		}
	}

	d.Monitor = connectivity.NewMonitor(
		connectivity.InterfaceReachability{},
		connectivity.NewHTTPProber(cfg.Connectivity.ProbeURL),
		connectivity.Options{
			Interval:        cfg.Connectivity.Interval,
			ProbeTimeout:    cfg.Connectivity.ProbeTimeout,
			DegradedLatency: cfg.Connectivity.DegradedLatency,
		},
		logger.With("component", "connectivity"),
	)

	if cfg.Sync.RemoteDatabaseURL != "" {
		ledger, err := postgres.Connect(cfg.Sync.RemoteDatabaseURL)
		if err != nil {
			closeAll(d.Closers)
			return nil, fmt.Errorf("invalid REMOTE_DATABASE_URL: %w", err)
		}
		d.Closers = append(d.Closers, ledger)
		d.Remote = ledger
	} else {
		d.Remote = remote.NewSimulated(cfg.Sync.Delay)
	}

	if len(cfg.Events.KafkaBrokers) > 0 {
		pub := kafka.NewPublisher(cfg.Events.KafkaBrokers)
		d.Closers = append(d.Closers, pub)
		d.Publisher = pub
	} else {
		d.Publisher = events.NewLogPublisher(logger.With("component", "events"))
	}

	return New(d), nil
}

// Start begins connectivity polling and syncs whenever the device comes online,
// including records left pending by a previous run.
func (a *App) Start(ctx context.Context) {
	a.watch()
	a.monitor.Start(ctx)
	a.coordinator.Start()
}

func (a *App) watch() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.unsubscribe == nil && !a.closed {
		a.unsubscribe = a.monitor.Subscribe(a.coordinator.HandleTransition)
	}
}

// Refresh classifies connectivity once without starting the poll loop.
func (a *App) Refresh(ctx context.Context) connectivity.State {
	return a.monitor.Refresh(ctx)
}

// StorageErr reports why payments are disabled, or nil.
func (a *App) StorageErr() error {
	return a.storageErr
}

func (a *App) storageUnavailable() error {
	if a.storageErr == nil {
		return nil
	}
	return errs.Wrap(errs.ErrStorageUnavailable, a.storageErr, "payments are unavailable: local storage could not be opened")
}

func (a *App) StartPayment(amount decimal.Decimal, onSuccess payments.SuccessFunc) (auth.Snapshot, error) {
	if err := a.storageUnavailable(); err != nil {
		return a.session.State(), err
	}
	return a.session.StartPayment(amount, onSuccess)
}

func (a *App) SubmitPin(ctx context.Context, digits string) (auth.Snapshot, error) {
	return a.session.SubmitPin(ctx, digits)
}

func (a *App) EnterDigit(ctx context.Context, d rune) (auth.Snapshot, error) {
	return a.session.EnterDigit(ctx, d)
}

func (a *App) Backspace() auth.Snapshot {
	return a.session.Backspace()
}

func (a *App) SubmitSecondaryFactor(ctx context.Context, sample secondary.Sample) (auth.Snapshot, error) {
	return a.session.SubmitSecondaryFactor(ctx, sample)
}

func (a *App) CaptureSecondaryFactor(ctx context.Context) (auth.Snapshot, error) {
	return a.session.CaptureSecondaryFactor(ctx)
}

// Enroll records the user's secondary factor from a set of capture samples.
func (a *App) Enroll(samples []secondary.Sample) (secondary.Enrollment, error) {
	threshold := a.authCfg.SecondaryThreshold
	if threshold <= 0 {
		threshold = secondary.DefaultThreshold
	}
	en, err := secondary.Enroll(a.authCfg.UserID, samples, threshold, a.now())
	if err != nil {
		return secondary.Enrollment{}, errs.Wrap(errs.ErrValidation, err, "enrollment rejected")
	}
	a.enrollments.Save(en)
	a.logger.Info("secondary factor enrolled", "samples", en.SampleCount)
	return en, nil
}

func (a *App) Cancel() auth.Snapshot {
	return a.session.Cancel()
}

func (a *App) Session() auth.Snapshot {
	return a.session.State()
}

func (a *App) ChangePin(ctx context.Context, current, newPin, confirm string) error {
	return a.session.ChangePin(ctx, current, newPin, confirm)
}

// ListTransactions returns records newest first. An empty status lists all.
func (a *App) ListTransactions(ctx context.Context, status models.Status) ([]models.Transaction, error) {
	if err := a.storageUnavailable(); err != nil {
		return nil, err
	}
	return a.manager.History(ctx, status)
}

func (a *App) Connectivity() connectivity.State {
	return a.monitor.State()
}

func (a *App) SyncPending(ctx context.Context) (reconcile.Result, error) {
	if err := a.storageUnavailable(); err != nil {
		return reconcile.Result{}, err
	}
	return a.coordinator.SyncPending(ctx)
}

// Close stops background work and releases every resource. It is safe to call twice.
func (a *App) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	unsubscribe := a.unsubscribe
	a.unsubscribe = nil
	a.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	a.monitor.Stop()
	a.coordinator.Stop()
	a.session.Cancel()
	return closeAll(a.closers)
}

func closeAll(closers []io.Closer) error {
	var errList []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			errList = append(errList, err)
		}
	}
	return errors.Join(errList...)
}
