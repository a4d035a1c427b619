package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/connectivity"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/payments"
	"github.com/sheikh-saqib/offline-payments-auth/internal/secondary"
	"github.com/sheikh-saqib/offline-payments-auth/internal/storage/memory"
	"github.com/shopspring/decimal"
)

type staticState connectivity.State

func (s staticState) State() connectivity.State { return connectivity.State(s) }

// countingCreds records how often the stored PIN is read.
type countingCreds struct {
	*memory.CredentialStore
	mu    sync.Mutex
	reads int
}

func (c *countingCreds) Get(ctx context.Context, userID string) (string, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.CredentialStore.Get(ctx, userID)
}

type harness struct {
	session *Session
	store   *memory.TransactionStore
	creds   *countingCreds
	clock   time.Time
}

func newHarness(t *testing.T, cfg Config, state connectivity.State, verifier secondary.Verifier) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.NewTransactionStore()
	creds := &countingCreds{CredentialStore: memory.NewCredentialStore()}
	manager := payments.NewManager(store, staticState(state), nil, payments.Options{}, logger)

	if cfg.UserID == "" {
		cfg.UserID = "USER_test"
	}
	h := &harness{store: store, creds: creds, clock: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	h.session = NewSession(cfg, creds, verifier, manager, logger)
	h.session.now = func() time.Time { return h.clock }
	return h
}

func (h *harness) advance(d time.Duration) { h.clock = h.clock.Add(d) }

func TestOnlinePaymentWithDefaultPin(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	ctx := context.Background()

	var got models.Transaction
	if _, err := h.session.StartPayment(decimal.NewFromInt(25), func(tx models.Transaction) { got = tx }); err != nil {
		t.Fatalf("expected payment to start, got %v", err)
	}
	snap, err := h.session.SubmitPin(ctx, "123456")
	if err != nil {
		t.Fatalf("expected PIN to verify, got %v", err)
	}

	if snap.Step != StepComplete {
		t.Fatalf("expected complete, got %s", snap.Step)
	}
	if got.ID == "" || got.Status != models.StatusCompleted || !got.Amount.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("unexpected transaction %+v", got)
	}
	if got.CompletedAt == nil {
		t.Fatal("expected completedAt on online payment")
	}
	if snap.Transaction == nil || snap.Transaction.ID != got.ID {
		t.Fatalf("expected snapshot to carry the transaction")
	}

	pin, err := h.creds.CredentialStore.Get(ctx, "USER_test")
	if err != nil || pin != DefaultPin {
		t.Fatalf("expected default PIN to be seeded, got %q %v", pin, err)
	}
}

func TestOfflinePaymentIsPending(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Offline, nil)

	if _, err := h.session.StartPayment(decimal.NewFromInt(25), nil); err != nil {
		t.Fatal(err)
	}
	snap, err := h.session.SubmitPin(context.Background(), "123456")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Transaction == nil || snap.Transaction.Status != models.StatusPending {
		t.Fatalf("expected pending transaction, got %+v", snap.Transaction)
	}
}

func TestDigitEntryAutoSubmits(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	ctx := context.Background()
	if _, err := h.session.StartPayment(decimal.NewFromInt(5), nil); err != nil {
		t.Fatal(err)
	}

	if _, err := h.session.EnterDigit(ctx, 'x'); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("expected non-digit rejected, got %v", err)
	}

	for _, d := range "12345" {
		snap, err := h.session.EnterDigit(ctx, d)
		if err != nil {
			t.Fatal(err)
		}
		if snap.Step != StepPinEntry {
			t.Fatalf("expected to stay in PIN entry, got %s", snap.Step)
		}
	}
	if snap := h.session.Backspace(); snap.Digits != 4 {
		t.Fatalf("expected 4 digits after backspace, got %d", snap.Digits)
	}
	h.session.EnterDigit(ctx, '5')

	snap, err := h.session.EnterDigit(ctx, '6')
	if err != nil {
		t.Fatalf("expected auto submit to succeed, got %v", err)
	}
	if snap.Step != StepComplete {
		t.Fatalf("expected complete after sixth digit, got %s", snap.Step)
	}
}

func TestFormatErrorsDoNotReachComparison(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	h.session.StartPayment(decimal.NewFromInt(5), nil)

	for _, bad := range []string{"12345", "1234567", "12a456", "１２３４５６", ""} {
		if _, err := h.session.SubmitPin(context.Background(), bad); !errors.Is(err, errs.ErrValidation) {
			t.Errorf("%q: expected validation error, got %v", bad, err)
		}
	}
	if h.creds.reads != 0 {
		t.Fatalf("expected no PIN comparison, got %d reads", h.creds.reads)
	}
	if snap := h.session.State(); snap.RetryCount != 0 || snap.Step != StepPinEntry {
		t.Fatalf("format errors must not change state, got %+v", snap)
	}
}

func TestLeadingZerosAreSignificant(t *testing.T) {
	h := newHarness(t, Config{DefaultPin: "001234"}, connectivity.Online, nil)
	h.session.StartPayment(decimal.NewFromInt(5), nil)

	if _, err := h.session.SubmitPin(context.Background(), "000000"); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := h.session.SubmitPin(context.Background(), "001234"); err != nil {
		t.Fatalf("expected exact match, got %v", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)

	for i := 1; i <= 4; i++ {
		snap, err := h.session.SubmitPin(ctx, "000000")
		if !errors.Is(err, errs.ErrAuthentication) {
			t.Fatalf("attempt %d: expected authentication failure, got %v", i, err)
		}
		if snap.AttemptsRemaining != 5-i {
			t.Fatalf("attempt %d: expected %d remaining, got %d", i, 5-i, snap.AttemptsRemaining)
		}
	}

	snap, err := h.session.SubmitPin(ctx, "000000")
	if !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("expected lockout on fifth failure, got %v", err)
	}
	if snap.Step != StepLocked || snap.LockoutSeconds != 20 {
		t.Fatalf("expected locked with 20s countdown, got %+v", snap)
	}

	reads := h.creds.reads
	if _, err := h.session.SubmitPin(ctx, "123456"); !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("expected sixth submission rejected, got %v", err)
	}
	if h.creds.reads != reads {
		t.Fatal("locked submissions must not compare against the stored PIN")
	}
	if _, err := h.session.StartPayment(decimal.NewFromInt(1), nil); !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("expected payment start refused while locked, got %v", err)
	}

	h.advance(12 * time.Second)
	if got := h.session.State().LockoutSeconds; got != 8 {
		t.Fatalf("expected 8s remaining, got %d", got)
	}

	h.advance(8 * time.Second)
	snap = h.session.State()
	if snap.Step != StepPinEntry || snap.RetryCount != 0 {
		t.Fatalf("expected PIN entry with reset retries after lockout, got %+v", snap)
	}
	if _, err := h.session.SubmitPin(ctx, "123456"); err != nil {
		t.Fatalf("expected PIN accepted after lockout, got %v", err)
	}
}

func TestCancelKeepsActiveLockout(t *testing.T) {
	h := newHarness(t, Config{MaxRetries: 2}, connectivity.Online, nil)
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(ctx, "000000")
	h.session.SubmitPin(ctx, "000000")

	snap := h.session.Cancel()
	if snap.Step != StepCancelled || snap.LockoutSeconds == 0 {
		t.Fatalf("expected cancelled with lockout kept, got %+v", snap)
	}
	if _, err := h.session.StartPayment(decimal.NewFromInt(25), nil); !errors.Is(err, errs.ErrLocked) {
		t.Fatalf("expected lockout to survive cancel, got %v", err)
	}

	h.advance(DefaultLockout)
	if _, err := h.session.StartPayment(decimal.NewFromInt(25), nil); err != nil {
		t.Fatalf("expected start after lockout expiry, got %v", err)
	}
}

func TestCancelResetsRetriesWhenNotLocked(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(context.Background(), "000000")

	snap := h.session.Cancel()
	if snap.RetryCount != 0 || snap.Amount.IsPositive() || snap.Step != StepCancelled {
		t.Fatalf("expected cleared session, got %+v", snap)
	}
	if _, err := h.session.SubmitPin(context.Background(), "123456"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected PIN refused after cancel, got %v", err)
	}
}

func TestSecondaryFactorFlow(t *testing.T) {
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, nil)
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)

	snap, err := h.session.SubmitPin(ctx, "123456")
	if err != nil {
		t.Fatal(err)
	}
	if snap.Step != StepSecondaryFactor || !snap.PrimaryVerified {
		t.Fatalf("expected secondary factor step, got %+v", snap)
	}

	if _, err := h.session.SubmitSecondaryFactor(ctx, secondary.Sample{Confidence: 0.59}); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected low confidence rejected, got %v", err)
	}
	all, _ := h.store.GetAll(ctx)
	if len(all) != 0 {
		t.Fatal("no transaction may be created before the secondary factor passes")
	}

	snap, err = h.session.SubmitSecondaryFactor(ctx, secondary.Sample{Confidence: 0.6, SampleID: "s1"})
	if err != nil {
		t.Fatalf("expected secondary factor accepted, got %v", err)
	}
	if snap.Step != StepComplete || !snap.SecondaryVerified || snap.Transaction == nil {
		t.Fatalf("expected completed payment, got %+v", snap)
	}
}

func TestSecondaryFactorBeforePinIsOrderingViolation(t *testing.T) {
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, nil)
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)

	snap, err := h.session.SubmitSecondaryFactor(ctx, secondary.Sample{Confidence: 1})
	if !errors.Is(err, errs.ErrSecurityOrdering) {
		t.Fatalf("expected security ordering violation, got %v", err)
	}
	if snap.Step != StepIdle || snap.SecondaryVerified {
		t.Fatalf("expected session reset, got %+v", snap)
	}
	all, _ := h.store.GetAll(ctx)
	if len(all) != 0 {
		t.Fatal("violation must not create a transaction")
	}
}

type fakeDevice struct {
	sample  secondary.Sample
	err     error
	block   bool
	entered chan struct{}
	closed  chan struct{}
}

func (d *fakeDevice) Capture(ctx context.Context) (secondary.Sample, error) {
	if d.block {
		close(d.entered)
		<-ctx.Done()
		return secondary.Sample{}, ctx.Err()
	}
	return d.sample, d.err
}

func (d *fakeDevice) Close() error {
	close(d.closed)
	return nil
}

type fakeVerifier struct{ dev *fakeDevice }

func (v fakeVerifier) Open(context.Context) (secondary.Device, error) { return v.dev, nil }

func TestCaptureSecondaryFactorReleasesDevice(t *testing.T) {
	dev := &fakeDevice{sample: secondary.Sample{Confidence: 0.9, SampleID: "cam-1"}, closed: make(chan struct{})}
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, fakeVerifier{dev: dev})
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(ctx, "123456")

	snap, err := h.session.CaptureSecondaryFactor(ctx)
	if err != nil {
		t.Fatalf("expected capture to succeed, got %v", err)
	}
	if snap.Step != StepComplete {
		t.Fatalf("expected complete, got %s", snap.Step)
	}
	select {
	case <-dev.closed:
	default:
		t.Fatal("device was not released")
	}
}

func TestCaptureErrorsAreRecoverable(t *testing.T) {
	dev := &fakeDevice{err: secondary.ErrMultipleSignalsDetected, closed: make(chan struct{})}
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, fakeVerifier{dev: dev})
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(ctx, "123456")

	snap, err := h.session.CaptureSecondaryFactor(ctx)
	if !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected authentication failure, got %v", err)
	}
	if snap.Step != StepSecondaryFactor {
		t.Fatalf("expected to stay on the secondary factor step, got %s", snap.Step)
	}
	<-dev.closed
}

func TestCaptureUnsupported(t *testing.T) {
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, nil)
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(ctx, "123456")

	if _, err := h.session.CaptureSecondaryFactor(ctx); !errors.Is(err, errs.ErrCaptureDevice) {
		t.Fatalf("expected capture device error, got %v", err)
	}
}

func TestCancelReleasesCaptureDevice(t *testing.T) {
	dev := &fakeDevice{block: true, entered: make(chan struct{}), closed: make(chan struct{})}
	h := newHarness(t, Config{RequireSecondary: true}, connectivity.Online, fakeVerifier{dev: dev})
	ctx := context.Background()
	h.session.StartPayment(decimal.NewFromInt(25), nil)
	h.session.SubmitPin(ctx, "123456")

	errCh := make(chan error, 1)
	go func() {
		_, err := h.session.CaptureSecondaryFactor(ctx)
		errCh <- err
	}()
	<-dev.entered
	h.session.Cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, errs.ErrCaptureDevice) {
			t.Fatalf("expected capture device error after cancel, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not stop on cancel")
	}
	<-dev.closed
	if h.session.State().Step != StepCancelled {
		t.Fatal("expected cancelled session")
	}
}

func TestStorageFailureResetsSession(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	h.store.FailPuts(errors.New("quota exceeded"))
	h.session.StartPayment(decimal.NewFromInt(25), nil)

	snap, err := h.session.SubmitPin(context.Background(), "123456")
	if !errors.Is(err, errs.ErrStorageUnavailable) {
		t.Fatalf("expected storage unavailable, got %v", err)
	}
	if snap.Step != StepIdle || snap.PrimaryVerified || snap.Transaction != nil {
		t.Fatalf("expected reset session, got %+v", snap)
	}
	if snap.Message != "failed to save transaction, retry" {
		t.Fatalf("unexpected message %q", snap.Message)
	}
}

func TestChangePin(t *testing.T) {
	h := newHarness(t, Config{}, connectivity.Online, nil)
	ctx := context.Background()

	cases := []struct {
		name                  string
		current, next, repeat string
		kind                  error
	}{
		{"short new", "123456", "1234", "1234", errs.ErrValidation},
		{"non digit", "123456", "abcdef", "abcdef", errs.ErrValidation},
		{"mismatch confirm", "123456", "111111", "222222", errs.ErrValidation},
		{"wrong current", "999999", "111111", "111111", errs.ErrAuthentication},
	}
	for _, c := range cases {
		if err := h.session.ChangePin(ctx, c.current, c.next, c.repeat); !errors.Is(err, c.kind) {
			t.Errorf("%s: expected %v, got %v", c.name, c.kind, err)
		}
		pin, _ := h.creds.CredentialStore.Get(ctx, "USER_test")
		if pin != DefaultPin {
			t.Fatalf("%s: stored PIN changed to %q", c.name, pin)
		}
	}

	if err := h.session.ChangePin(ctx, "123456", "654321", "654321"); err != nil {
		t.Fatalf("expected PIN change, got %v", err)
	}

	h.session.StartPayment(decimal.NewFromInt(25), nil)
	if _, err := h.session.SubmitPin(ctx, "123456"); !errors.Is(err, errs.ErrAuthentication) {
		t.Fatalf("expected old PIN rejected, got %v", err)
	}
	if _, err := h.session.SubmitPin(ctx, "654321"); err != nil {
		t.Fatalf("expected new PIN accepted, got %v", err)
	}
}

// gatedCompleter holds CompleteAuthentication until release is closed.
type gatedCompleter struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedCompleter) CompleteAuthentication(ctx context.Context, amount decimal.Decimal, onSuccess payments.SuccessFunc) (models.Transaction, error) {
	close(g.entered)
	<-g.release
	tx := models.Transaction{ID: "TXN-1", Amount: amount, Status: models.StatusPending}
	if onSuccess != nil {
		onSuccess(tx)
	}
	return tx, nil
}

func TestSessionResponsiveWhilePaymentRecords(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gate := &gatedCompleter{entered: make(chan struct{}), release: make(chan struct{})}
	s := NewSession(Config{UserID: "USER_test"}, memory.NewCredentialStore(), nil, gate, logger)
	ctx := context.Background()

	var got models.Transaction
	if _, err := s.StartPayment(decimal.NewFromInt(25), func(tx models.Transaction) { got = tx }); err != nil {
		t.Fatal(err)
	}
	done := make(chan Snapshot, 1)
	go func() {
		snap, _ := s.SubmitPin(ctx, "123456")
		done <- snap
	}()
	<-gate.entered

	state := make(chan Snapshot, 1)
	go func() { state <- s.State() }()
	select {
	case snap := <-state:
		if snap.Step != StepProcessing {
			t.Fatalf("expected processing, got %s", snap.Step)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("State blocked while the payment was recorded")
	}

	if _, err := s.SubmitPin(ctx, "123456"); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected PIN input refused while processing, got %v", err)
	}
	if _, err := s.StartPayment(decimal.NewFromInt(5), nil); !errors.Is(err, errs.ErrInvalidState) {
		t.Fatalf("expected new payment refused while processing, got %v", err)
	}
	if snap := s.Cancel(); snap.Step != StepCancelled {
		t.Fatalf("expected cancelled, got %s", snap.Step)
	}

	close(gate.release)
	snap := <-done
	if snap.Step != StepCancelled || snap.Transaction != nil {
		t.Fatalf("expected cancel to stand, got %+v", snap)
	}
	if got.ID != "TXN-1" {
		t.Fatalf("expected callback to report the recorded payment, got %+v", got)
	}
}
