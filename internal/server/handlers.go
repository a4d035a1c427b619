package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/sheikh-saqib/offline-payments-auth/internal/app"
	"github.com/sheikh-saqib/offline-payments-auth/internal/auth"
	"github.com/sheikh-saqib/offline-payments-auth/internal/errs"
	"github.com/sheikh-saqib/offline-payments-auth/internal/models"
	"github.com/sheikh-saqib/offline-payments-auth/internal/secondary"
	"github.com/shopspring/decimal"
)

// Handlers exposes the payment session over HTTP.
type Handlers struct {
	logger *slog.Logger
	app    *app.App
}

func NewHandlers(logger *slog.Logger, a *app.App) *Handlers {
	return &Handlers{logger: logger, app: a}
}

type errorResponse struct {
	Error   string         `json:"error"`
	Code    errs.Code      `json:"code"`
	Session *auth.Snapshot `json:"session,omitempty"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	payload := map[string]any{
		"status":       "ok",
		"connectivity": h.app.Connectivity(),
	}
	status := http.StatusOK
	if err := h.app.StorageErr(); err != nil {
		status = http.StatusServiceUnavailable
		payload["status"] = "degraded"
		payload["error"] = errs.Message(err)
	}
	respondJSON(w, status, payload)
}

func (h *Handlers) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	respondJSON(w, http.StatusOK, h.app.Session())
}

func (h *Handlers) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if !decode(w, r, &req) {
		return
	}

	snap, err := h.app.StartPayment(req.Amount, func(tx models.Transaction) {
		h.logger.Info("payment recorded", "transaction_id", tx.ID, "status", tx.Status)
	})
	h.respondSession(w, snap, err)
}

func (h *Handlers) handleSubmitPin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Pin string `json:"pin"`
	}
	if !decode(w, r, &req) {
		return
	}

	snap, err := h.app.SubmitPin(r.Context(), req.Pin)
	h.respondSession(w, snap, err)
}

func (h *Handlers) handleEnterDigit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Digit string `json:"digit"`
	}
	if !decode(w, r, &req) {
		return
	}
	if utf8.RuneCountInString(req.Digit) != 1 {
		writeError(w, errs.New(errs.ErrValidation, "digit must be a single character"), nil)
		return
	}

	d, _ := utf8.DecodeRuneInString(req.Digit)
	snap, err := h.app.EnterDigit(r.Context(), d)
	h.respondSession(w, snap, err)
}

func (h *Handlers) handleBackspace(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	respondJSON(w, http.StatusOK, h.app.Backspace())
}

func (h *Handlers) handleSecondaryFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var sample secondary.Sample
	if !decode(w, r, &sample) {
		return
	}

	snap, err := h.app.SubmitSecondaryFactor(r.Context(), sample)
	h.respondSession(w, snap, err)
}

func (h *Handlers) handleCaptureSecondaryFactor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	snap, err := h.app.CaptureSecondaryFactor(r.Context())
	h.respondSession(w, snap, err)
}

func (h *Handlers) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Samples []secondary.Sample `json:"samples"`
	}
	if !decode(w, r, &req) {
		return
	}

	en, err := h.app.Enroll(req.Samples)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user_id":      en.UserID,
		"confidence":   en.Confidence,
		"sample_count": en.SampleCount,
	})
}

func (h *Handlers) handleCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	respondJSON(w, http.StatusOK, h.app.Cancel())
}

func (h *Handlers) handleChangePin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req struct {
		Current string `json:"current"`
		New     string `json:"new"`
		Confirm string `json:"confirm"`
	}
	if !decode(w, r, &req) {
		return
	}

	if err := h.app.ChangePin(r.Context(), req.Current, req.New, req.Confirm); err != nil {
		writeError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "PIN changed"})
}

func (h *Handlers) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	var status models.Status
	if v := strings.TrimSpace(r.URL.Query().Get("status")); v != "" {
		parsed, err := models.ParseStatus(v)
		if err != nil {
			writeError(w, errs.Wrap(errs.ErrValidation, err, "status must be pending, synced or completed"), nil)
			return
		}
		status = parsed
	}

	txs, err := h.app.ListTransactions(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list transactions", "error", err)
		writeError(w, err, nil)
		return
	}
	if txs == nil {
		txs = []models.Transaction{}
	}
	respondJSON(w, http.StatusOK, txs)
}

func (h *Handlers) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"state": h.app.Connectivity()})
}

func (h *Handlers) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	res, err := h.app.SyncPending(r.Context())
	if err != nil {
		h.logger.Warn("sync failed", "error", err)
		writeError(w, err, nil)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// respondSession writes the snapshot, or the error with the snapshot attached
// so the UI can render the message and countdown.
func (h *Handlers) respondSession(w http.ResponseWriter, snap auth.Snapshot, err error) {
	if err != nil {
		writeError(w, err, &snap)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, errs.Wrap(errs.ErrValidation, err, "invalid request body"), nil)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error, snap *auth.Snapshot) {
	respondJSON(w, statusFor(err), errorResponse{
		Error:   errs.Message(err),
		Code:    errs.CodeOf(err),
		Session: snap,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrLocked):
		return http.StatusLocked
	case errors.Is(err, errs.ErrStorageUnavailable), errors.Is(err, errs.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errs.ErrSecurityOrdering), errors.Is(err, errs.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, errs.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrValidation), errors.Is(err, errs.ErrCaptureDevice):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	respondJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed", Code: errs.CodeValidation})
}
