package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"lendingcore/services/lending/engine"
)

type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"requestId,omitempty"`
}

var statusTable = []struct {
	err    error
	status int
	code   string
}{
	{engine.ErrNotFound, http.StatusNotFound, "not_found"},
	{engine.ErrConflict, http.StatusConflict, "conflict"},
	{engine.ErrInvalidArgument, http.StatusBadRequest, "invalid_argument"},
	{engine.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{engine.ErrInsufficientCollateral, http.StatusUnprocessableEntity, "insufficient_collateral"},
	{engine.ErrInsufficientFunds, http.StatusUnprocessableEntity, "insufficient_funds"},
	{engine.ErrRepayExceedsDebt, http.StatusUnprocessableEntity, "repay_exceeds_debt"},
	{engine.ErrInsufficientLiquidity, http.StatusUnprocessableEntity, "insufficient_liquidity"},
	{engine.ErrTransferFailed, http.StatusFailedDependency, "transfer_failed"},
	{engine.ErrPaused, http.StatusServiceUnavailable, "paused"},
	{engine.ErrUnavailable, http.StatusServiceUnavailable, "unavailable"},
	{engine.ErrUnauthorized, http.StatusForbidden, "forbidden"},
}

// statusFor maps an engine error onto the HTTP status and stable error code.
// Unknown errors become 500 without exposing their text.
func statusFor(err error) (int, string, bool) {
	for _, entry := range statusTable {
		if errors.Is(err, entry.err) {
			return entry.status, entry.code, true
		}
	}
	return http.StatusInternalServerError, "internal", false
}

func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, known := statusFor(err)
	body := errorBody{Error: code, RequestID: middleware.GetReqID(r.Context())}
	if known {
		body.Message = err.Error()
	}
	writeJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, errorBody{
		Error:     codeForStatus(status),
		Message:   message,
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_argument"
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
