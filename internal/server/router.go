package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// NewRouter wires the routes the host UI talks to.
func NewRouter(logger *slog.Logger, h *Handlers) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/session", h.handleSession)
	mux.HandleFunc("/payments", h.handleStartPayment)
	mux.HandleFunc("/payments/pin", h.handleSubmitPin)
	mux.HandleFunc("/payments/digit", h.handleEnterDigit)
	mux.HandleFunc("/payments/backspace", h.handleBackspace)
	mux.HandleFunc("/payments/secondary", h.handleSecondaryFactor)
	mux.HandleFunc("/payments/secondary/capture", h.handleCaptureSecondaryFactor)
	mux.HandleFunc("/secondary/enroll", h.handleEnroll)
	mux.HandleFunc("/payments/cancel", h.handleCancel)
	mux.HandleFunc("/pin", h.handleChangePin)
	mux.HandleFunc("/transactions", h.handleTransactions)
	mux.HandleFunc("/connectivity", h.handleConnectivity)
	mux.HandleFunc("/sync", h.handleSync)

	return loggingMiddleware(logger, mux)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(data)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
