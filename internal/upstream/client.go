// Package upstream is the resilient fetch client used for every call to an
// OAuth server or financial API: per-attempt timeouts, bounded retries with
// jittered backoff, Retry-After handling and response schema validation.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/logging"
	"github.com/pysugar/finlink/internal/version"
)

const (
	// DefaultTimeout bounds a single attempt.
	DefaultTimeout = 15 * time.Second

	// CorrelationHeader carries a fresh id per attempt.
	CorrelationHeader = "X-Correlation-ID"
	// RequestIDHeader carries the caller's request id, when the context has one.
	RequestIDHeader = "X-Request-ID"

	// DefaultMaxBodyBytes caps a response body. Larger bodies fail instead
	// of being cut short.
	DefaultMaxBodyBytes = 16 << 20
)

// UserAgent is sent on every request.
var UserAgent = "finlink/" + version.Version

// Request describes one logical fetch. Exactly one of URL and Path is used:
// Path is resolved against the client's base URL.
type Request struct {
	// Op names the operation in errors and attempt records, e.g. "token.refresh".
	Op     string
	Method string
	URL    string
	Path   string
	Query  url.Values
	// Form is sent as application/x-www-form-urlencoded.
	Form url.Values
	// JSON is marshalled as the request body when Form is nil.
	JSON   any
	Header http.Header
	// Token is sent as a bearer token.
	Token string
	// Retry opts a non-GET request into the retry loop.
	Retry bool
	// NotReadyOn404 turns 404 into apperr.KindNotReady.
	NotReadyOn404 bool
}

// Client is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	provider   string
	timeout    time.Duration
	policy     RetryPolicy
	clock      clock.Clock
	logger     *zap.Logger
	observer   Observer
	validate   *validator.Validate
	rnd        func() float64
	maxBody    int64
}

// Option configures a Client.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.httpClient = hc } }

// WithBaseURL sets the prefix used for Request.Path.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithProvider labels attempts and log lines.
func WithProvider(id string) Option { return func(c *Client) { c.provider = id } }

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithRetryPolicy(p RetryPolicy) Option { return func(c *Client) { c.policy = p.normalized() } }
func WithClock(clk clock.Clock) Option { return func(c *Client) { c.clock = clk } }
func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }
func WithObserver(o Observer) Option { return func(c *Client) { c.observer = o } }

func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithJitterSource replaces the random source used for backoff jitter.
func WithJitterSource(rnd func() float64) Option { return func(c *Client) { c.rnd = rnd } }

// NewClient creates a fetch client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		policy:     DefaultRetryPolicy(),
		clock:      clock.Real(),
		logger:     zap.NewNop(),
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		rnd:        rand.Float64,
		maxBody:    DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	return c
}

// Fetch performs req and decodes the JSON response into T. The decoded value
// must satisfy T's `validate` struct tags and, when T (or *T) has a
// Validate() error method, that method too. Any violation is
// apperr.KindSchemaMismatch and is never retried.
func Fetch[T any](ctx context.Context, c *Client, req Request) (T, error) {
	var out T
	if req.Header == nil {
		req.Header = http.Header{}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	body, err := c.do(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, schemaError(req.Op, fmt.Errorf("decode response: %w", err))
	}
	if err := c.validateValue(&out); err != nil {
		return out, schemaError(req.Op, err)
	}
	return out, nil
}

// FetchRaw performs req and returns the response body verbatim.
func (c *Client) FetchRaw(ctx context.Context, req Request) ([]byte, error) {
	return c.do(ctx, req)
}

type selfValidator interface {
	Validate() error
}

func (c *Client) validateValue(ptr any) error {
	v := reflect.ValueOf(ptr).Elem()
	target := v
	for target.Kind() == reflect.Pointer {
		if target.IsNil() {
			return errors.New("response body is null")
		}
		target = target.Elem()
	}
	if target.Kind() == reflect.Struct {
		if err := c.validate.Struct(target.Interface()); err != nil {
			return err
		}
	}
	if sv, ok := v.Interface().(selfValidator); ok {
		return sv.Validate()
	}
	if sv, ok := ptr.(selfValidator); ok {
		return sv.Validate()
	}
	return nil
}

func schemaError(op string, err error) *apperr.Error {
	e := apperr.Wrap(err, apperr.KindSchemaMismatch, op)
	e.Hint = "response does not match the expected schema"
	return e
}

func (c *Client) do(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	if req.Op == "" {
		req.Op = "fetch"
	}
	target, err := c.resolve(req)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindConfig, req.Op)
	}
	retryable := req.Retry || req.Method == http.MethodGet || req.Method == http.MethodHead

	for attempt := 1; ; attempt++ {
		body, err := c.attempt(ctx, req, target, attempt)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}

		ae, _ := apperr.As(err)
		if !retryable || ae == nil || !ae.Kind.Retryable() || attempt >= c.policy.MaxAttempts {
			return nil, err
		}
		delay := c.policy.Backoff(attempt, c.rnd)
		if ae.Kind == apperr.KindRateLimited && ae.RetryAfter > 0 {
			if ae.RetryAfter > c.policy.MaxRetryAfter {
				c.logger.Warn("retry-after exceeds limit, giving up",
					zap.String("provider", c.provider),
					zap.String("op", req.Op),
					zap.Duration("retry_after", ae.RetryAfter),
					zap.Duration("limit", c.policy.MaxRetryAfter))
				return nil, err
			}
			delay = ae.RetryAfter
		}

		c.logger.Debug("retrying upstream request",
			zap.String("provider", c.provider),
			zap.String("op", req.Op),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.String("kind", ae.Kind.String()))
		if err := c.clock.Sleep(ctx, delay); err != nil {
			return nil, contextError(req.Op, err)
		}
	}
}

func (c *Client) resolve(req Request) (*url.URL, error) {
	raw := req.URL
	if raw == "" {
		if c.baseURL == "" {
			return nil, errors.New("no URL and no base URL configured")
		}
		raw = c.baseURL + "/" + strings.TrimLeft(req.Path, "/")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("URL %q is not absolute", raw)
	}
	if len(req.Query) > 0 {
		q := u.Query()
		for k, vs := range req.Query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u, nil
}

func (c *Client) attempt(ctx context.Context, req Request, target *url.URL, n int) ([]byte, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	correlationID := uuid.NewString()
	requestID := logging.GetRequestID(ctx)
	record := Attempt{
		Provider:      c.provider,
		Op:            req.Op,
		Method:        req.Method,
		URL:           redactURL(target),
		Number:        n,
		CorrelationID: correlationID,
		RequestID:     requestID,
	}
	start := time.Now()
	finish := func(status int, err error) {
		record.Status = status
		record.Duration = time.Since(start)
		if err != nil {
			record.Kind = apperr.KindOf(err).String()
		}
		if c.observer != nil {
			c.observer.ObserveAttempt(record)
		}
		fields := []zap.Field{
			zap.String("provider", c.provider),
			zap.String("op", req.Op),
			zap.String("method", req.Method),
			zap.String("url", record.URL),
			zap.Int("attempt", n),
			zap.Int("status", status),
			zap.Duration("duration", record.Duration),
			zap.String("correlation_id", correlationID),
		}
		if requestID != "" {
			fields = append(fields, zap.String("request_id", requestID))
		}
		if err != nil {
			c.logger.Debug("upstream attempt failed", append(fields, zap.Error(err))...)
			return
		}
		c.logger.Debug("upstream attempt", fields...)
	}

	hreq, err := c.newHTTPRequest(actx, req, target)
	if err != nil {
		e := apperr.Wrap(err, apperr.KindConfig, req.Op)
		finish(0, e)
		return nil, e
	}
	hreq.Header.Set(CorrelationHeader, correlationID)
	if requestID != "" {
		hreq.Header.Set(RequestIDHeader, requestID)
	}

	resp, err := c.httpClient.Do(hreq)
	if err != nil {
		e := transportError(ctx, actx, req.Op, err)
		e.CorrelationID = correlationID
		finish(0, e)
		return nil, e
	}
	defer resp.Body.Close()

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter = ParseRetryDelay(resp, c.clock.Now())
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		e := transportError(ctx, actx, req.Op, err)
		e.Status = resp.StatusCode
		e.CorrelationID = correlationID
		finish(resp.StatusCode, e)
		return nil, e
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if int64(len(body)) > c.maxBody {
			e := &apperr.Error{
				Kind:          apperr.KindSchemaMismatch,
				Op:            req.Op,
				Status:        resp.StatusCode,
				Hint:          fmt.Sprintf("response exceeds %d bytes", c.maxBody),
				CorrelationID: correlationID,
			}
			finish(resp.StatusCode, e)
			return nil, e
		}
		finish(resp.StatusCode, nil)
		return body, nil
	}

	e := statusError(req.Op, resp.StatusCode, body, req.NotReadyOn404)
	e.RetryAfter = retryAfter
	e.CorrelationID = correlationID
	finish(resp.StatusCode, e)
	return nil, e
}

func (c *Client) newHTTPRequest(ctx context.Context, req Request, target *url.URL) (*http.Request, error) {
	var (
		body        io.Reader
		contentType string
	)
	switch {
	case req.Form != nil:
		body = strings.NewReader(req.Form.Encode())
		contentType = "application/x-www-form-urlencoded"
	case req.JSON != nil:
		b, err := json.Marshal(req.JSON)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		body = bytes.NewReader(b)
		contentType = "application/json"
	}

	hreq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if contentType != "" {
		hreq.Header.Set("Content-Type", contentType)
	}
	if hreq.Header.Get("User-Agent") == "" {
		hreq.Header.Set("User-Agent", UserAgent)
	}
	if req.Token != "" {
		hreq.Header.Set("Authorization", "Bearer "+req.Token)
	}
	return hreq, nil
}

// transportError distinguishes our per-attempt deadline from a caller
// cancellation and from connection failures.
func transportError(parent, attemptCtx context.Context, op string, err error) *apperr.Error {
	switch {
	case parent.Err() != nil:
		return contextError(op, parent.Err())
	case errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		e := apperr.Wrap(err, apperr.KindTimeout, op)
		e.Hint = "request timed out"
		return e
	default:
		return apperr.Wrap(err, apperr.KindTransport, op)
	}
}

func contextError(op string, err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(err, apperr.KindTimeout, op)
	}
	return apperr.Wrap(err, apperr.KindUnknown, op)
}

func redactURL(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	c.User = nil
	c.Fragment = ""
	return c.String()
}
