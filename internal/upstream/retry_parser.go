package upstream

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// retryHintBody covers the JSON retry hints seen on 429 bodies: a flat
// "retry_after" in seconds, or Google-style error.details[].retryDelay.
type retryHintBody struct {
	RetryAfter json.Number `json:"retry_after"`
	Error      struct {
		Details []struct {
			RetryDelay string            `json:"retryDelay"` // e.g. "3.5s"
			Metadata   map[string]string `json:"metadata"`
		} `json:"details"`
	} `json:"error"`
}

// ParseRetryDelay extracts a retry duration from a 429 response.
// The Retry-After header (seconds or HTTP date, relative to now) wins over
// the body. Returns 0 if no retry information is found.
// The body is read and restored.
func ParseRetryDelay(resp *http.Response, now time.Time) time.Duration {
	if resp == nil {
		return 0
	}

	if retryAfter := strings.TrimSpace(resp.Header.Get("Retry-After")); retryAfter != "" {
		if seconds, err := strconv.Atoi(retryAfter); err == nil {
			if seconds < 0 {
				return 0
			}
			return time.Duration(seconds) * time.Second
		}
		if t, err := http.ParseTime(retryAfter); err == nil {
			if d := t.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}

	if resp.Body == nil {
		return 0
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0
	}
	resp.Body = io.NopCloser(strings.NewReader(string(bodyBytes)))
	return parseRetryHintBody(bodyBytes)
}

func parseRetryHintBody(body []byte) time.Duration {
	var hint retryHintBody
	if err := json.Unmarshal(body, &hint); err != nil {
		return 0
	}
	if hint.RetryAfter != "" {
		if f, err := hint.RetryAfter.Float64(); err == nil && f > 0 {
			return time.Duration(f * float64(time.Second))
		}
	}
	for _, detail := range hint.Error.Details {
		if detail.RetryDelay != "" {
			if d, err := time.ParseDuration(detail.RetryDelay); err == nil {
				return d
			}
		}
		if delay, ok := detail.Metadata["retryDelay"]; ok {
			if d, err := time.ParseDuration(delay); err == nil {
				return d
			}
		}
	}
	return 0
}
