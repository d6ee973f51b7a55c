package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ineyio/quotaledger"
)

type errorResponse struct {
	Error      string              `json:"error"`
	Message    string              `json:"message"`
	Retryable  bool                `json:"retryable"`
	Settlement *settlementResponse `json:"settlement,omitempty"`
}

// classify maps a ledger error to an HTTP status and a machine-readable code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, quotaledger.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, quotaledger.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, quotaledger.ErrModelNotFound):
		return http.StatusBadRequest, "model_not_priced"
	case errors.Is(err, quotaledger.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, quotaledger.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, quotaledger.ErrInsufficientQuota):
		return http.StatusPaymentRequired, "insufficient_quota"
	case errors.Is(err, quotaledger.ErrExpired):
		return http.StatusGone, "expired"
	case errors.Is(err, quotaledger.ErrDuplicateRequest):
		return http.StatusConflict, "duplicate_request"
	case errors.Is(err, quotaledger.ErrNotActive):
		return http.StatusConflict, "not_active"
	}
	return http.StatusInternalServerError, "internal"
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeErrorWith(w http.ResponseWriter, err error, settlement *settlementResponse) {
	status, code := classify(err)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{
		Error:      code,
		Message:    msg,
		Retryable:  quotaledger.IsRetryable(err),
		Settlement: settlement,
	})
}
