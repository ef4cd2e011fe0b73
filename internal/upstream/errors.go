package upstream

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/util"
)

const maxHintLen = 256

// OAuthError is the RFC 6749 section 5.2 error body. Device-flow polling
// states (authorization_pending, slow_down, expired_token) arrive the same way.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

// ParseOAuthError returns the error code and description of an OAuth error
// body, or empty strings when body is not one.
func ParseOAuthError(body []byte) (code, description string) {
	var e OAuthError
	if err := json.Unmarshal(body, &e); err != nil {
		return "", ""
	}
	return strings.TrimSpace(e.Code), strings.TrimSpace(e.Description)
}

// classifyStatus maps a non-2xx status onto an error kind.
func classifyStatus(status int, notReadyOn404 bool) apperr.Kind {
	switch {
	case status == http.StatusUnauthorized:
		return apperr.KindAuthRequired
	case status == http.StatusForbidden:
		return apperr.KindAuthorization
	case status == http.StatusNotFound && notReadyOn404:
		return apperr.KindNotReady
	case status == http.StatusTooManyRequests:
		return apperr.KindRateLimited
	case status >= 500:
		return apperr.KindServer
	default:
		return apperr.KindHTTP
	}
}

func statusError(op string, status int, body []byte, notReadyOn404 bool) *apperr.Error {
	e := &apperr.Error{
		Kind:   classifyStatus(status, notReadyOn404),
		Op:     op,
		Status: status,
	}
	e.Code, e.Hint = ParseOAuthError(body)
	if e.Code == "" && e.Hint == "" {
		e.Hint = util.TruncateLog(strings.TrimSpace(string(body)), maxHintLen)
	}
	return e
}
