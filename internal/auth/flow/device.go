package flow

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/pkce"
	"github.com/pysugar/finlink/internal/auth/token"
	"github.com/pysugar/finlink/internal/upstream"
)

// DeviceSession is an issued device authorization (RFC 8628 section 3.2).
type DeviceSession struct {
	DeviceCode      string
	UserCode        string
	VerificationURL string
	// VerificationURLComplete embeds the user code, when the provider sends one.
	VerificationURLComplete string
	ExpiresAt               time.Time
	PollInterval            time.Duration
}

type deviceCodeResponse struct {
	DeviceCode              string  `json:"device_code" validate:"required"`
	UserCode                string  `json:"user_code" validate:"required"`
	VerificationURI         string  `json:"verification_uri"`
	VerificationURL         string  `json:"verification_url"`
	VerificationURIComplete string  `json:"verification_uri_complete"`
	ExpiresIn               seconds `json:"expires_in" validate:"gt=0"`
	Interval                seconds `json:"interval" validate:"gte=0"`
}

func (r *deviceCodeResponse) Validate() error {
	if r.VerificationURI == "" && r.VerificationURL == "" {
		return fmt.Errorf("device authorization response has no verification_uri")
	}
	return nil
}

// RequestDeviceCode starts a device authorization bound to a fresh PKCE pair.
// The verifier must be passed to PollOnce.
func (e *Engine) RequestDeviceCode(ctx context.Context) (DeviceSession, pkce.Pair, error) {
	const op = "device.authorize"
	if err := e.requireClient(op, "device_auth_url", "token_url"); err != nil {
		return DeviceSession{}, pkce.Pair{}, err
	}

	pair := pkce.Generate()
	form := e.clientForm(url.Values{
		"code_challenge":        {pair.Challenge},
		"code_challenge_method": {pkce.Method},
	})
	if len(e.cfg.Scopes) > 0 {
		form.Set("scope", strings.Join(e.cfg.Scopes, " "))
	}

	resp, err := upstream.Fetch[deviceCodeResponse](ctx, e.fetch, upstream.Request{
		Op:     op,
		Method: "POST",
		URL:    e.cfg.DeviceAuthURL,
		Form:   form,
	})
	if err != nil {
		return DeviceSession{}, pkce.Pair{}, asAuthorizationError(err)
	}

	verification := resp.VerificationURI
	if verification == "" {
		verification = resp.VerificationURL
	}
	interval := resp.Interval.duration()
	if interval <= 0 {
		interval = e.cfg.PollInterval
	}
	session := DeviceSession{
		DeviceCode:              resp.DeviceCode,
		UserCode:                resp.UserCode,
		VerificationURL:         verification,
		VerificationURLComplete: resp.VerificationURIComplete,
		ExpiresAt:               e.clock.Now().Add(resp.ExpiresIn.duration()),
		PollInterval:            interval,
	}
	e.logger.Debug("device code issued",
		zap.String("verification_url", session.VerificationURL),
		zap.Time("expires_at", session.ExpiresAt),
		zap.Duration("interval", interval))
	return session, pair, nil
}

// PollStatus discriminates PollResult.
type PollStatus int

const (
	PollPending PollStatus = iota
	PollSlowDown
	PollSuccess
	PollError
	PollExpired
)

func (s PollStatus) String() string {
	switch s {
	case PollPending:
		return "pending"
	case PollSlowDown:
		return "slow_down"
	case PollSuccess:
		return "success"
	case PollError:
		return "error"
	case PollExpired:
		return "expired"
	default:
		return fmt.Sprintf("poll_status(%d)", int(s))
	}
}

// PollResult is the outcome of one token-endpoint poll. Record is set for
// PollSuccess, Err for PollError.
type PollResult struct {
	Status PollStatus
	Record token.Record
	Err    error
}

// PollOnce asks the token endpoint once whether the user has approved session.
func (e *Engine) PollOnce(ctx context.Context, session DeviceSession, verifier string) PollResult {
	const op = "device.poll"
	if !e.clock.Now().Before(session.ExpiresAt) {
		return PollResult{Status: PollExpired}
	}

	form := e.clientForm(url.Values{
		"grant_type":    {e.cfg.DeviceGrantType},
		"device_code":   {session.DeviceCode},
		"code_verifier": {verifier},
	})
	tr, err := upstream.Fetch[tokenResponse](ctx, e.fetch, upstream.Request{
		Op:     op,
		Method: "POST",
		URL:    e.cfg.TokenURL,
		Form:   form,
	})
	if err == nil {
		return PollResult{Status: PollSuccess, Record: e.recordFrom(tr)}
	}

	if ae, ok := apperr.As(err); ok {
		switch ae.Code {
		case "authorization_pending":
			return PollResult{Status: PollPending}
		case "slow_down":
			return PollResult{Status: PollSlowDown}
		case "expired_token":
			return PollResult{Status: PollExpired}
		}
	}
	return PollResult{Status: PollError, Err: asAuthorizationError(err)}
}

// DeviceLogin runs the whole device flow: request a code, show it to the
// user, then poll until approval, denial or expiry.
func (e *Engine) DeviceLogin(ctx context.Context) (token.Record, error) {
	const op = "device.login"
	session, pair, err := e.RequestDeviceCode(ctx)
	if err != nil {
		return token.Record{}, err
	}

	e.note(ctx, fmt.Sprintf("To authorize %s, open %s and enter the code %s", e.cfg.Provider, session.VerificationURL, session.UserCode))
	target := session.VerificationURLComplete
	if target == "" {
		target = session.VerificationURL
	}
	e.open(ctx, target)

	interval := session.PollInterval
	for attempt := 1; ; attempt++ {
		if attempt > e.cfg.MaxPollAttempts {
			return token.Record{}, apperr.New(apperr.KindDeviceExpired, op,
				fmt.Sprintf("no approval after %d polls", e.cfg.MaxPollAttempts))
		}
		remaining := session.ExpiresAt.Sub(e.clock.Now())
		if remaining <= 0 {
			return token.Record{}, apperr.New(apperr.KindDeviceExpired, op, "device code expired before approval")
		}
		if err := e.clock.Sleep(ctx, min(interval, remaining)); err != nil {
			return token.Record{}, apperr.Wrap(err, apperr.KindTimeout, op)
		}

		res := e.PollOnce(ctx, session, pair.Verifier)
		switch res.Status {
		case PollSuccess:
			e.logger.Info("device login approved", zap.Int("polls", attempt))
			return res.Record, nil
		case PollPending:
		case PollSlowDown:
			interval = min(time.Duration(float64(interval)*slowDownFactor), e.cfg.MaxPollInterval)
			e.logger.Debug("slowing down device polling", zap.Duration("interval", interval))
		case PollExpired:
			return token.Record{}, apperr.New(apperr.KindDeviceExpired, op, "device code expired before approval")
		default:
			if apperr.KindOf(res.Err).Retryable() {
				// The device code is still good; keep polling until it expires.
				e.logger.Warn("device poll failed, will poll again", zap.Int("attempt", attempt), zap.Error(res.Err))
				continue
			}
			return token.Record{}, res.Err
		}
	}
}
