// Package flow implements the OAuth login flows (device code and
// authorization code with PKCE) and refresh-token exchange on top of the
// upstream fetch client.
package flow

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/token"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/upstream"
)

// DeviceGrantType is the RFC 8628 grant type.
const DeviceGrantType = "urn:ietf:params:oauth:grant-type:device_code"

const (
	defaultPollInterval    = 5 * time.Second
	defaultMaxPollInterval = 60 * time.Second
	defaultMaxPollAttempts = 180
	defaultTokenTTL        = time.Hour
	slowDownFactor         = 1.5
)

// Config describes one provider's OAuth client.
type Config struct {
	Provider      string
	ClientID      string
	ClientSecret  string
	AuthURL       string
	TokenURL      string
	DeviceAuthURL string
	RedirectURL   string
	Scopes        []string
	// AuthParams are extra query parameters for the authorization URL.
	AuthParams map[string]string

	// DeviceGrantType overrides DeviceGrantType for providers that predate the RFC.
	DeviceGrantType string
	// DefaultTokenTTL applies when a token response has no expires_in.
	DefaultTokenTTL time.Duration
	PollInterval    time.Duration
	MaxPollInterval time.Duration
	MaxPollAttempts int
}

func (c *Config) applyDefaults() {
	if c.DeviceGrantType == "" {
		c.DeviceGrantType = DeviceGrantType
	}
	if c.DefaultTokenTTL <= 0 {
		c.DefaultTokenTTL = defaultTokenTTL
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MaxPollInterval <= 0 {
		c.MaxPollInterval = defaultMaxPollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = defaultMaxPollAttempts
	}
}

// Prompter is the interactive side of a login: showing the user where to
// go, trying to open a browser, and reading pasted input.
type Prompter interface {
	// OpenURL may fail on headless hosts; flows carry on regardless.
	OpenURL(ctx context.Context, rawURL string) error
	Note(ctx context.Context, message string) error
	PromptText(ctx context.Context, label string) (string, error)
}

// Engine runs the OAuth flows of one provider.
type Engine struct {
	cfg      Config
	fetch    *upstream.Client
	clock    clock.Clock
	logger   *zap.Logger
	prompter Prompter
}

// Option configures an Engine.
type Option func(*Engine)

func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.logger = l } }
func WithPrompter(p Prompter) Option { return func(e *Engine) { e.prompter = p } }

// NewEngine creates an engine. Configuration problems are reported by each
// operation before it touches the network.
func NewEngine(cfg Config, fetch *upstream.Client, opts ...Option) *Engine {
	cfg.applyDefaults()
	e := &Engine{
		cfg:    cfg,
		fetch:  fetch,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(zap.String("provider", cfg.Provider))
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) requireClient(op string, endpoints ...string) error {
	if strings.TrimSpace(e.cfg.ClientID) == "" {
		return apperr.New(apperr.KindConfig, op, "client id for "+e.cfg.Provider+" is not configured")
	}
	for _, name := range endpoints {
		var v string
		switch name {
		case "auth_url":
			v = e.cfg.AuthURL
		case "token_url":
			v = e.cfg.TokenURL
		case "device_auth_url":
			v = e.cfg.DeviceAuthURL
		case "redirect_url":
			v = e.cfg.RedirectURL
		}
		if v == "" {
			return apperr.New(apperr.KindConfig, op, name+" for "+e.cfg.Provider+" is not configured")
		}
	}
	return nil
}

func (e *Engine) clientForm(form url.Values) url.Values {
	form.Set("client_id", e.cfg.ClientID)
	if e.cfg.ClientSecret != "" {
		form.Set("client_secret", e.cfg.ClientSecret)
	}
	return form
}

// tokenResponse is the RFC 6749 section 5.1 success body.
type tokenResponse struct {
	AccessToken  string  `json:"access_token" validate:"required"`
	TokenType    string  `json:"token_type"`
	RefreshToken string  `json:"refresh_token"`
	ExpiresIn    seconds `json:"expires_in" validate:"gte=0"`
	IDToken      string  `json:"id_token"`
	Scope        string  `json:"scope"`
}

func (r *tokenResponse) Validate() error {
	if r.TokenType != "" && !strings.EqualFold(r.TokenType, "bearer") {
		return fmt.Errorf("unsupported token_type %q", r.TokenType)
	}
	return nil
}

// seconds accepts both 3600 and "3600".
type seconds int64

func (s *seconds) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*s = 0
		return nil
	}
	raw := strings.Trim(string(b), `"`)
	if raw == "" {
		*s = 0
		return nil
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fmt.Errorf("invalid duration in seconds %s: %w", b, err)
	}
	*s = seconds(n)
	return nil
}

func (s seconds) duration() time.Duration { return time.Duration(s) * time.Second }

func (e *Engine) recordFrom(tr tokenResponse) token.Record {
	ttl := tr.ExpiresIn.duration()
	if ttl <= 0 {
		ttl = e.cfg.DefaultTokenTTL
	}
	rec := token.Record{
		Access:  tr.AccessToken,
		Refresh: tr.RefreshToken,
		Expires: e.clock.Now().Add(ttl),
	}
	if tr.IDToken != "" {
		sub, err := SubjectFromIDToken(tr.IDToken)
		if err != nil {
			e.logger.Debug("ignoring unparsable id_token", zap.Error(err))
		}
		rec.SubjectID = sub
	}
	return rec
}

// exchange posts a grant to the token endpoint. retry must stay false for
// single-use grants such as authorization codes.
func (e *Engine) exchange(ctx context.Context, op string, form url.Values, retry bool) (token.Record, error) {
	tr, err := upstream.Fetch[tokenResponse](ctx, e.fetch, upstream.Request{
		Op:     op,
		Method: "POST",
		URL:    e.cfg.TokenURL,
		Form:   e.clientForm(form),
		Retry:  retry,
	})
	if err != nil {
		return token.Record{}, asAuthorizationError(err)
	}
	return e.recordFrom(tr), nil
}

// asAuthorizationError turns an OAuth error body on a terminal status into
// KindAuthorization, keeping the code for callers.
func asAuthorizationError(err error) error {
	ae, ok := apperr.As(err)
	if !ok || ae.Code == "" {
		return err
	}
	if ae.Kind == apperr.KindHTTP || ae.Kind == apperr.KindAuthRequired {
		out := *ae
		out.Kind = apperr.KindAuthorization
		return &out
	}
	return err
}

// Refresh exchanges a refresh token. It implements token.Refresher.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (token.Record, error) {
	const op = "token.refresh"
	if err := e.requireClient(op, "token_url"); err != nil {
		return token.Record{}, err
	}
	if refreshToken == "" {
		return token.Record{}, apperr.New(apperr.KindReauthRequired, op, "no refresh token")
	}
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	return e.exchange(ctx, op, form, true)
}

var _ token.Refresher = (*Engine)(nil)

func (e *Engine) note(ctx context.Context, msg string) {
	if e.prompter == nil {
		e.logger.Info(msg)
		return
	}
	if err := e.prompter.Note(ctx, msg); err != nil {
		e.logger.Warn("prompter note failed", zap.Error(err))
	}
}

func (e *Engine) open(ctx context.Context, target string) {
	if e.prompter == nil {
		return
	}
	if err := e.prompter.OpenURL(ctx, target); err != nil {
		e.logger.Info("could not open browser, continue manually", zap.Error(err))
	}
}

var errNoPrompter = errors.New("no prompter configured")
