package flow

import (
	"context"
	"crypto/subtle"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/pkce"
	"github.com/pysugar/finlink/internal/auth/token"
)

// AuthCodeState belongs to one authorization-code login attempt and must be
// consumed exactly once.
type AuthCodeState struct {
	State         string `json:"state"`
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
	RedirectURL   string `json:"redirect_url,omitempty"`
}

func (e *Engine) oauthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     e.cfg.ClientID,
		ClientSecret: e.cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Scopes:       e.cfg.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  e.cfg.AuthURL,
			TokenURL: e.cfg.TokenURL,
		},
	}
}

// BeginAuthCode creates fresh state and PKCE values and the authorization
// URL to send the user to. redirectURL overrides the configured one when set.
func (e *Engine) BeginAuthCode(redirectURL string) (AuthCodeState, string, error) {
	if redirectURL == "" {
		redirectURL = e.cfg.RedirectURL
	}
	if err := e.requireClient("authcode.begin", "auth_url", "token_url"); err != nil {
		return AuthCodeState{}, "", err
	}
	if redirectURL == "" {
		return AuthCodeState{}, "", apperr.New(apperr.KindConfig, "authcode.begin", "redirect_url for "+e.cfg.Provider+" is not configured")
	}

	pair := pkce.Generate()
	st := AuthCodeState{
		State:         pkce.State(),
		CodeVerifier:  pair.Verifier,
		CodeChallenge: pair.Challenge,
		RedirectURL:   redirectURL,
	}
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(pair.Verifier)}
	for k, v := range e.cfg.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return st, e.oauthConfig(redirectURL).AuthCodeURL(st.State, opts...), nil
}

// CompleteAuthCode validates the redirect the user landed on and exchanges
// its code. The state check happens first and a mismatch never reaches the
// token endpoint.
func (e *Engine) CompleteAuthCode(ctx context.Context, st AuthCodeState, redirect string) (token.Record, error) {
	const op = "authcode.complete"
	if err := e.requireClient(op, "token_url"); err != nil {
		return token.Record{}, err
	}

	q, err := redirectQuery(redirect)
	if err != nil {
		return token.Record{}, &apperr.Error{Kind: apperr.KindAuthorization, Op: op, Hint: "redirect URL could not be parsed", Err: err}
	}

	got := q.Get("state")
	if st.State == "" || subtle.ConstantTimeCompare([]byte(got), []byte(st.State)) != 1 {
		e.logger.Warn("oauth state mismatch, aborting login")
		return token.Record{}, apperr.New(apperr.KindStateMismatch, op, "state parameter does not match this login attempt")
	}
	if code := q.Get("error"); code != "" {
		return token.Record{}, &apperr.Error{Kind: apperr.KindAuthorization, Op: op, Code: code, Hint: q.Get("error_description")}
	}
	code := q.Get("code")
	if code == "" {
		return token.Record{}, apperr.New(apperr.KindAuthorization, op, "redirect URL has no code parameter")
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {st.CodeVerifier},
	}
	redirectURL := st.RedirectURL
	if redirectURL == "" {
		redirectURL = e.cfg.RedirectURL
	}
	if redirectURL != "" {
		form.Set("redirect_uri", redirectURL)
	}
	rec, err := e.exchange(ctx, "authcode.exchange", form, false)
	if err != nil {
		return token.Record{}, err
	}
	e.logger.Info("authorization code exchanged", zap.Bool("has_refresh", rec.Refresh != ""))
	return rec, nil
}

// redirectQuery accepts a full redirect URL, or just its query string.
func redirectQuery(redirect string) (url.Values, error) {
	redirect = strings.TrimSpace(redirect)
	if !strings.Contains(redirect, "://") {
		return url.ParseQuery(strings.TrimPrefix(redirect, "?"))
	}
	u, err := url.Parse(redirect)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}

// AuthCodeLogin runs the authorization-code flow interactively: the user
// opens the URL, approves, and pastes back the URL they were redirected to.
func (e *Engine) AuthCodeLogin(ctx context.Context) (token.Record, error) {
	const op = "authcode.login"
	if e.prompter == nil {
		return token.Record{}, apperr.Wrap(errNoPrompter, apperr.KindConfig, op)
	}
	st, authURL, err := e.BeginAuthCode("")
	if err != nil {
		return token.Record{}, err
	}

	e.note(ctx, "To authorize "+e.cfg.Provider+", open this URL and approve access:\n"+authURL)
	e.open(ctx, authURL)

	redirect, err := e.prompter.PromptText(ctx, "Paste the full URL you were redirected to")
	if err != nil {
		return token.Record{}, apperr.Wrap(err, apperr.KindAuthorization, op)
	}
	return e.CompleteAuthCode(ctx, st, redirect)
}
