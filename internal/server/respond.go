package server

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pysugar/finlink/internal/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	Code          string `json:"code,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusFor maps an error kind to the gateway's response status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindConfig:
		return http.StatusBadRequest
	case apperr.KindNotAuthenticated, apperr.KindReauthRequired, apperr.KindAuthRequired:
		return http.StatusUnauthorized
	case apperr.KindStateMismatch:
		return http.StatusBadRequest
	case apperr.KindAuthorization:
		return http.StatusForbidden
	case apperr.KindDeviceExpired:
		return http.StatusGone
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindTransport, apperr.KindServer, apperr.KindHTTP, apperr.KindSchemaMismatch:
		return http.StatusBadGateway
	case apperr.KindNotReady:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Error: kind.String(), Message: err.Error()}
	if ae, ok := apperr.As(err); ok {
		body.Code = ae.Code
		body.CorrelationID = ae.CorrelationID
		if ae.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(ae.RetryAfter.Seconds())))
		}
	}
	writeJSON(w, statusFor(kind), body)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
