// Package auth runs the payment authentication state machine: PIN entry,
// an optional secondary factor, lockout after repeated failures, and hand off
// to the payment lifecycle on success.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	interfaces "github.com/sheikh-saqib/offline-payments-auth/internal/interfaces"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/payments"
	"github.com/sheikh-saqib/offline-payments-auth/internal/secondary"
	"github.com/shopspring/decimal"
)

type Step string

const (
	StepIdle            Step = "idle"
	StepPinEntry        Step = "awaiting_pin"
	StepSecondaryFactor Step = "awaiting_secondary_factor"
	StepProcessing      Step = "processing"
	StepComplete        Step = "complete"
	StepLocked          Step = "locked"
	StepCancelled       Step = "cancelled"
)

const (
	DefaultMaxRetries = 5
	DefaultLockout    = 20 * time.Second
)

type Config struct {
	UserID             string
	DefaultPin         string
	MaxRetries         int
	LockoutDuration    time.Duration
	RequireSecondary   bool
	SecondaryThreshold float64
}

func (c Config) withDefaults() Config {
	if c.DefaultPin == "" {
		c.DefaultPin = DefaultPin
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = DefaultLockout
	}
	if c.SecondaryThreshold <= 0 {
		c.SecondaryThreshold = secondary.DefaultThreshold
	}
	return c
}

// Completer records the payment once authentication has succeeded.
type Completer interface {
	CompleteAuthentication(ctx context.Context, amount decimal.Decimal, onSuccess payments.SuccessFunc) (models.Transaction, error)
}

// Snapshot is what the host UI renders.
type Snapshot struct {
	Step              Step                `json:"step"`
	Digits            int                 `json:"digits"`
	RetryCount        int                 `json:"retry_count"`
	AttemptsRemaining int                 `json:"attempts_remaining"`
	LockoutSeconds    int                 `json:"lockout_seconds,omitempty"`
	PrimaryVerified   bool                `json:"primary_verified"`
	SecondaryVerified bool                `json:"secondary_verified"`
	Amount            decimal.Decimal     `json:"amount"`
	Message           string              `json:"message,omitempty"`
	Transaction       *models.Transaction `json:"transaction,omitempty"`
}

// Session is the in-memory authentication session for one user.
// All methods are safe for concurrent use; commands are applied one at a time.
type Session struct {
	cfg       Config
	creds     interfaces.CredentialStore
	verifier  secondary.Verifier
	completer Completer
	logger    *slog.Logger
	now       func() time.Time

	mu                sync.Mutex
	step              Step
	pin               []byte
	retryCount        int
	lockedUntil       *time.Time
	primaryVerified   bool
	secondaryVerified bool
	amount            decimal.Decimal
	onSuccess         payments.SuccessFunc
	message           string
	lastTx            *models.Transaction
	captureCancel     context.CancelFunc
	completions       uint64
}

// completion is a payment hand off started under the lock and finished
// without it.
type completion struct {
	id        uint64
	amount    decimal.Decimal
	onSuccess payments.SuccessFunc
}

// NewSession builds an idle session. verifier may be nil when no secondary factor is required.
func NewSession(cfg Config, creds interfaces.CredentialStore, verifier secondary.Verifier, completer Completer, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if verifier == nil {
		verifier = secondary.Unsupported{}
	}
	return &Session{
		cfg:       cfg.withDefaults(),
		creds:     creds,
		verifier:  verifier,
		completer: completer,
		logger:    logger.With("user_id", cfg.UserID),
		now:       time.Now,
		step:      StepIdle,
	}
}

// State returns the current snapshot, applying an expired lockout first.
func (s *Session) State() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLockout()
	return s.snapshot()
}

// StartPayment opens PIN entry for amount. It is refused while locked out.
func (s *Session) StartPayment(amount decimal.Decimal, onSuccess payments.SuccessFunc) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLockout()
	if err := s.lockoutError(); err != nil {
		return s.snapshot(), err
	}
	if s.step == StepProcessing {
		return s.snapshot(), errs.New(errs.ErrInvalidState, "a payment is being recorded")
	}
	if !amount.IsPositive() {
		return s.snapshot(), errs.New(errs.ErrValidation, "amount must be positive")
	}

	s.clearProgress()
	s.step = StepPinEntry
	s.amount = amount
	s.onSuccess = onSuccess
	s.message = ""
	s.logger.Info("payment started", "amount", amount.String())
	return s.snapshot(), nil
}

// EnterDigit appends one digit and submits automatically once six are present.
func (s *Session) EnterDigit(ctx context.Context, d rune) (Snapshot, error) {
	s.mu.Lock()
	snap, next, err := s.enterDigit(ctx, d)
	s.mu.Unlock()
	return s.finish(ctx, snap, next, err)
}

func (s *Session) enterDigit(ctx context.Context, d rune) (Snapshot, *completion, error) {
	s.expireLockout()
	if err := s.lockoutError(); err != nil {
		return s.snapshot(), nil, err
	}
	if s.step != StepPinEntry {
		return s.snapshot(), nil, errs.New(errs.ErrInvalidState, "not accepting PIN input")
	}
	if d < '0' || d > '9' {
		return s.snapshot(), nil, errs.New(errs.ErrValidation, "PIN must contain digits only")
	}
	if len(s.pin) >= PinLength {
		return s.snapshot(), nil, errs.New(errs.ErrValidation, "PIN must be %d digits", PinLength)
	}

	s.pin = append(s.pin, byte(d))
	if len(s.pin) < PinLength {
		return s.snapshot(), nil, nil
	}
	entered := string(s.pin)
	return s.submitPin(ctx, entered)
}

// Backspace removes the last entered digit.
func (s *Session) Backspace() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.step == StepPinEntry && len(s.pin) > 0 {
		s.pin = s.pin[:len(s.pin)-1]
	}
	return s.snapshot()
}

// SubmitPin checks a full PIN. Format errors are rejected before any comparison
// and do not count as failed attempts.
func (s *Session) SubmitPin(ctx context.Context, digits string) (Snapshot, error) {
	s.mu.Lock()
	snap, next, err := s.submitPinChecked(ctx, digits)
	s.mu.Unlock()
	return s.finish(ctx, snap, next, err)
}

func (s *Session) submitPinChecked(ctx context.Context, digits string) (Snapshot, *completion, error) {
	s.expireLockout()
	if err := s.lockoutError(); err != nil {
		return s.snapshot(), nil, err
	}
	if s.step != StepPinEntry {
		return s.snapshot(), nil, errs.New(errs.ErrInvalidState, "not accepting PIN input")
	}
	if err := ValidatePin(digits); err != nil {
		return s.snapshot(), nil, err
	}
	return s.submitPin(ctx, digits)
}

func (s *Session) submitPin(ctx context.Context, entered string) (Snapshot, *completion, error) {
	s.pin = s.pin[:0]

	stored, err := storedPin(ctx, s.creds, s.cfg.UserID, s.cfg.DefaultPin)
	if err != nil {
		s.logger.Error("PIN lookup failed", "error", err)
		return s.snapshot(), nil, err
	}

	if !pinsEqual(entered, stored) {
		return s.snapshot(), nil, s.recordFailure()
	}

	s.logger.Info("PIN verified")
	s.retryCount = 0
	s.primaryVerified = true
	s.message = ""
	if s.cfg.RequireSecondary {
		s.step = StepSecondaryFactor
		return s.snapshot(), nil, nil
	}
	return s.complete()
}

// recordFailure counts a PIN mismatch and locks the session at the limit.
func (s *Session) recordFailure() error {
	s.retryCount++
	if s.retryCount >= s.cfg.MaxRetries {
		until := s.now().Add(s.cfg.LockoutDuration)
		s.lockedUntil = &until
		if s.step == StepPinEntry {
			s.step = StepLocked
		}
		s.message = fmt.Sprintf("Too many failed attempts. Please wait %d seconds before trying again.", s.lockoutSeconds())
		s.logger.Warn("session locked", "retries", s.retryCount, "until", until)
		return errs.New(errs.ErrLocked, "%s", s.message)
	}

	s.message = fmt.Sprintf("Invalid PIN. %d attempts remaining.", s.cfg.MaxRetries-s.retryCount)
	s.logger.Info("PIN mismatch", "retries", s.retryCount)
	return errs.New(errs.ErrAuthentication, "%s", s.message)
}

// SubmitSecondaryFactor applies a captured sample. A sample arriving before the
// PIN was verified is a security ordering violation and resets the session.
func (s *Session) SubmitSecondaryFactor(ctx context.Context, sample secondary.Sample) (Snapshot, error) {
	s.mu.Lock()
	snap, next, err := s.submitSecondary(ctx, sample)
	s.mu.Unlock()
	return s.finish(ctx, snap, next, err)
}

func (s *Session) submitSecondary(ctx context.Context, sample secondary.Sample) (Snapshot, *completion, error) {
	s.expireLockout()
	if !s.primaryVerified {
		s.logger.Warn("secondary factor received before PIN verification", "sample_id", sample.SampleID)
		s.reset()
		s.step = StepIdle
		s.message = "Security check failed. Please start again."
		return s.snapshot(), nil, errs.New(errs.ErrSecurityOrdering, "secondary factor submitted before PIN verification")
	}
	if s.step != StepSecondaryFactor {
		return s.snapshot(), nil, errs.New(errs.ErrInvalidState, "not awaiting a secondary factor")
	}
	if err := sample.Validate(); err != nil {
		return s.snapshot(), nil, errs.Wrap(errs.ErrValidation, err, "invalid secondary factor sample")
	}
	if sample.Confidence < s.cfg.SecondaryThreshold {
		s.message = "Verification confidence too low. Please try again."
		s.logger.Info("secondary factor rejected", "confidence", sample.Confidence)
		return s.snapshot(), nil, errs.New(errs.ErrAuthentication, "%s", s.message)
	}

	s.secondaryVerified = true
	s.logger.Info("secondary factor verified", "sample_id", sample.SampleID)
	return s.complete()
}

// CaptureSecondaryFactor acquires the verifier's device, captures one sample and
// submits it. The device is released on every path, including Cancel.
func (s *Session) CaptureSecondaryFactor(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()
	if !s.primaryVerified {
		snap, next, err := s.submitSecondary(ctx, secondary.Sample{})
		s.mu.Unlock()
		return s.finish(ctx, snap, next, err)
	}
	if s.step != StepSecondaryFactor || s.captureCancel != nil {
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, errs.New(errs.ErrInvalidState, "not awaiting a secondary factor")
	}
	captureCtx, cancel := context.WithCancel(ctx)
	s.captureCancel = cancel
	s.mu.Unlock()

	sample, err := secondary.Capture(captureCtx, s.verifier)

	s.mu.Lock()
	s.captureCancel = nil
	cancel()
	if err != nil {
		err = captureError(err)
		s.message = errs.Message(err)
		s.logger.Warn("secondary factor capture failed", "error", err)
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, err
	}
	s.mu.Unlock()

	return s.SubmitSecondaryFactor(ctx, sample)
}

func captureError(err error) error {
	switch {
	case errors.Is(err, secondary.ErrNoSignalDetected):
		return errs.Wrap(errs.ErrAuthentication, err, "No face detected. Please try again.")
	case errors.Is(err, secondary.ErrMultipleSignalsDetected):
		return errs.Wrap(errs.ErrAuthentication, err, "Multiple faces detected. Please ensure only one person is in frame.")
	case errors.Is(err, secondary.ErrNotSupported):
		return errs.Wrap(errs.ErrCaptureDevice, err, "Secondary verification is not supported on this device.")
	case errors.Is(err, secondary.ErrNotEnrolled):
		return errs.Wrap(errs.ErrCaptureDevice, err, "Secondary verification is not enrolled.")
	case errors.Is(err, context.Canceled):
		return errs.Wrap(errs.ErrCaptureDevice, err, "Capture cancelled.")
	default:
		return errs.Wrap(errs.ErrCaptureDevice, err, "Capture device unavailable. Retry or cancel.")
	}
}

// complete moves the session to processing. The lifecycle call itself runs in
// finish, after the lock is released, so Cancel and State stay responsive.
func (s *Session) complete() (Snapshot, *completion, error) {
	s.completions++
	c := &completion{id: s.completions, amount: s.amount, onSuccess: s.onSuccess}
	s.onSuccess = nil
	s.step = StepProcessing
	s.message = "Processing payment..."
	return s.snapshot(), c, nil
}

// finish records the payment for a completion returned under the lock. A
// session cancelled or restarted meanwhile keeps its new state; the payment is
// still recorded and reported to the caller's callback.
func (s *Session) finish(ctx context.Context, snap Snapshot, c *completion, err error) (Snapshot, error) {
	if c == nil || err != nil {
		return snap, err
	}

	var recorded models.Transaction
	tx, err := s.completer.CompleteAuthentication(ctx, c.amount, func(tx models.Transaction) { recorded = tx })

	s.mu.Lock()
	current := s.step == StepProcessing && s.completions == c.id
	if err != nil {
		s.logger.Error("payment not recorded", "error", err)
		if current {
			s.reset()
			s.step = StepIdle
			s.message = errs.Message(err)
		}
		snap := s.snapshot()
		s.mu.Unlock()
		return snap, err
	}
	if recorded.ID == "" {
		recorded = tx
	}
	if current {
		s.step = StepComplete
		s.lastTx = &recorded
		if recorded.Status == models.StatusCompleted {
			s.message = "Payment completed."
		} else {
			s.message = "Payment saved offline. It will complete once you are back online."
		}
	} else {
		s.logger.Info("payment recorded after session changed", "transaction_id", recorded.ID)
	}
	snap = s.snapshot()
	s.mu.Unlock()

	if c.onSuccess != nil {
		c.onSuccess(recorded)
	}
	return snap, nil
}

// Cancel abandons the session from any state. An active lockout survives.
func (s *Session) Cancel() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}
	s.expireLockout()
	s.reset()
	s.step = StepCancelled
	s.message = ""
	if s.lockedUntil != nil {
		s.message = fmt.Sprintf("Too many failed attempts. Please wait %d seconds before trying again.", s.lockoutSeconds())
	}
	s.logger.Info("session cancelled")
	return s.snapshot()
}

// ChangePin replaces the stored PIN after checking the current one.
// The stored PIN is untouched unless every check passes.
func (s *Session) ChangePin(ctx context.Context, current, newPin, confirm string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.expireLockout()
	if err := s.lockoutError(); err != nil {
		return err
	}
	for _, p := range []string{current, newPin, confirm} {
		if err := ValidatePin(p); err != nil {
			return err
		}
	}
	if newPin != confirm {
		return errs.New(errs.ErrValidation, "PINs do not match")
	}

	stored, err := storedPin(ctx, s.creds, s.cfg.UserID, s.cfg.DefaultPin)
	if err != nil {
		return err
	}
	if !pinsEqual(current, stored) {
		if err := s.recordFailure(); errors.Is(err, errs.ErrLocked) {
			return err
		}
		s.message = "Current PIN is incorrect"
		return errs.New(errs.ErrAuthentication, "Current PIN is incorrect")
	}

	if err := s.creds.Set(ctx, s.cfg.UserID, newPin); err != nil {
		return errs.Wrap(errs.ErrStorageUnavailable, err, "failed to save PIN")
	}
	s.retryCount = 0
	s.message = "PIN changed."
	s.logger.Info("PIN changed")
	return nil
}

// expireLockout clears a lockout whose countdown has reached zero.
func (s *Session) expireLockout() {
	if s.lockedUntil == nil || s.now().Before(*s.lockedUntil) {
		return
	}
	s.lockedUntil = nil
	s.retryCount = 0
	s.message = ""
	if s.step == StepLocked {
		s.step = StepPinEntry
	}
	s.logger.Info("lockout expired")
}

func (s *Session) lockoutError() error {
	if s.lockedUntil == nil {
		return nil
	}
	s.message = fmt.Sprintf("Too many failed attempts. Please wait %d seconds before trying again.", s.lockoutSeconds())
	return errs.New(errs.ErrLocked, "%s", s.message)
}

func (s *Session) lockoutSeconds() int {
	if s.lockedUntil == nil {
		return 0
	}
	remaining := s.lockedUntil.Sub(s.now())
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Seconds()))
}

// reset clears everything except the lockout and its retry count.
func (s *Session) reset() {
	s.clearProgress()
	s.amount = decimal.Zero
	s.onSuccess = nil
	if s.lockedUntil == nil {
		s.retryCount = 0
	}
}

func (s *Session) clearProgress() {
	s.pin = s.pin[:0]
	s.primaryVerified = false
	s.secondaryVerified = false
	s.lastTx = nil
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		Step:              s.step,
		Digits:            len(s.pin),
		RetryCount:        s.retryCount,
		AttemptsRemaining: s.cfg.MaxRetries - s.retryCount,
		LockoutSeconds:    s.lockoutSeconds(),
		PrimaryVerified:   s.primaryVerified,
		SecondaryVerified: s.secondaryVerified,
		Amount:            s.amount,
		Message:           s.message,
	}
	if snap.AttemptsRemaining < 0 {
		snap.AttemptsRemaining = 0
	}
	if s.lastTx != nil {
		tx := s.lastTx.Clone()
		snap.Transaction = &tx
	}
	return snap
}
