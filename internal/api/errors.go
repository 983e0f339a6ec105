package api

import (
	"encoding/json"
	"net/http"
)

// Error kinds. These are the stable machine strings surfaced on the wire;
// handlers map each kind to exactly one HTTP status.
const (
	KindBadRequest          = "bad_request"
	KindNotFound            = "not_found"
	KindInvalidToken        = "invalid_token"
	KindExpired             = "expired"
	KindUnknownAgent        = "unknown_agent"
	KindDisabled            = "disabled"
	KindPolicyDenied        = "policy_denied"
	KindRateLimited         = "rate_limited"
	KindIdempotencyConflict = "idempotency_conflict"
	KindValidationError     = "validation_error"
	KindBreakerOpen         = "breaker_open"
	KindUpstreamTimeout     = "upstream_timeout"
	KindUpstreamError       = "upstream_error"
	KindSecretUnavailable   = "secret_unavailable"
	KindInternal            = "internal"
)

var kindStatus = map[string]int{
	KindBadRequest:          http.StatusBadRequest,
	KindNotFound:            http.StatusNotFound,
	KindInvalidToken:        http.StatusUnauthorized,
	KindExpired:             http.StatusUnauthorized,
	KindUnknownAgent:        http.StatusForbidden,
	KindDisabled:            http.StatusForbidden,
	KindPolicyDenied:        http.StatusForbidden,
	KindRateLimited:         http.StatusTooManyRequests,
	KindIdempotencyConflict: http.StatusConflict,
	KindValidationError:     http.StatusUnprocessableEntity,
	KindBreakerOpen:         http.StatusServiceUnavailable,
	KindUpstreamTimeout:     http.StatusGatewayTimeout,
	KindUpstreamError:       http.StatusBadGateway,
	KindSecretUnavailable:   http.StatusInternalServerError,
	KindInternal:            http.StatusInternalServerError,
}

// StatusForKind returns the HTTP status for an error kind, 500 for
// anything unrecognized.
func StatusForKind(kind string) int {
	if status, ok := kindStatus[kind]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// ErrorBody is the structured JSON error on every non-2xx response.
// Details is only populated for validation_error and internal; all other
// kinds surface a stable reason with no diagnostics.
type ErrorBody struct {
	Error         string                 `json:"error"`
	Reason        string                 `json:"reason,omitempty"`
	CorrelationID string                 `json:"correlation_id"`
	Details       map[string]interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, kind, reason, correlationID string, details map[string]interface{}) {
	if kind != KindValidationError && kind != KindInternal && kind != KindIdempotencyConflict {
		details = nil
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusForKind(kind))
	json.NewEncoder(w).Encode(ErrorBody{
		Error:         kind,
		Reason:        reason,
		CorrelationID: correlationID,
		Details:       details,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
