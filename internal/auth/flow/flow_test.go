package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/upstream"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type fakePrompter struct {
	mu       sync.Mutex
	notes    []string
	opened   []string
	openErr  error
	answer   func(notes []string) string
	promptCt int
}

func (p *fakePrompter) OpenURL(_ context.Context, u string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = append(p.opened, u)
	return p.openErr
}

func (p *fakePrompter) Note(_ context.Context, msg string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, msg)
	return nil
}

func (p *fakePrompter) PromptText(context.Context, string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.promptCt++
	if p.answer == nil {
		return "", errors.New("no answer")
	}
	return p.answer(p.notes), nil
}

// oauthServer fakes device, token and authorize endpoints. tokenReplies are
// served in order; the last one repeats.
type oauthServer struct {
	srv          *httptest.Server
	deviceHits   atomic.Int32
	tokenHits    atomic.Int32
	mu           sync.Mutex
	deviceForms  []url.Values
	tokenForms   []url.Values
	deviceReply  string
	tokenReplies []reply
}

type reply struct {
	status int
	body   string
}

func pending() reply { return reply{http.StatusBadRequest, `{"error":"authorization_pending"}`} }

func success(extra string) reply {
	return reply{http.StatusOK, `{"access_token":"at-1","token_type":"Bearer","refresh_token":"rt-1","expires_in":3600` + extra + `}`}
}

func newOAuthServer(t *testing.T, tokenReplies ...reply) *oauthServer {
	t.Helper()
	s := &oauthServer{
		deviceReply:  `{"device_code":"dc-1","user_code":"WDJB-MJHT","verification_uri":"https://bank.example/activate","expires_in":600,"interval":5}`,
		tokenReplies: tokenReplies,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/device", func(w http.ResponseWriter, r *http.Request) {
		s.deviceHits.Add(1)
		assert.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.deviceForms = append(s.deviceForms, r.PostForm)
		body := s.deviceReply
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := int(s.tokenHits.Add(1))
		assert.NoError(t, r.ParseForm())
		s.mu.Lock()
		s.tokenForms = append(s.tokenForms, r.PostForm)
		s.mu.Unlock()
		rep := s.tokenReplies[min(n, len(s.tokenReplies))-1]
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(rep.status)
		_, _ = w.Write([]byte(rep.body))
	})
	s.srv = httptest.NewServer(mux)
	t.Cleanup(s.srv.Close)
	return s
}

func (s *oauthServer) config() Config {
	return Config{
		Provider:      "bank",
		ClientID:      "client-1",
		ClientSecret:  "secret-1",
		AuthURL:       s.srv.URL + "/authorize",
		TokenURL:      s.srv.URL + "/token",
		DeviceAuthURL: s.srv.URL + "/device",
		RedirectURL:   "https://app.example/callback",
		Scopes:        []string{"accounts", "offline_access"},
	}
}

func newTestEngine(cfg Config, p Prompter) (*Engine, *clock.Fake) {
	clk := clock.NewFake(epoch)
	fetch := upstream.NewClient(upstream.WithClock(clk), upstream.WithProvider(cfg.Provider))
	opts := []Option{WithClock(clk)}
	if p != nil {
		opts = append(opts, WithPrompter(p))
	}
	return NewEngine(cfg, fetch, opts...), clk
}

func TestDeviceLogin_PendingThenSuccess(t *testing.T) {
	s := newOAuthServer(t, pending(), pending(), pending(), success(""))
	p := &fakePrompter{}
	e, clk := newTestEngine(s.config(), p)

	rec, err := e.DeviceLogin(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "at-1", rec.Access)
	assert.Equal(t, "rt-1", rec.Refresh)
	assert.Equal(t, clk.Now().Add(time.Hour), rec.Expires)
	assert.EqualValues(t, 4, s.tokenHits.Load())
	assert.LessOrEqual(t, int(s.tokenHits.Load()), e.Config().MaxPollAttempts)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 5 * time.Second, 5 * time.Second}, clk.Sleeps())

	require.Len(t, p.notes, 1)
	assert.Contains(t, p.notes[0], "WDJB-MJHT")
	assert.Equal(t, []string{"https://bank.example/activate"}, p.opened)

	dev := s.deviceForms[0]
	assert.Equal(t, "client-1", dev.Get("client_id"))
	assert.Equal(t, "S256", dev.Get("code_challenge_method"))
	assert.Equal(t, "accounts offline_access", dev.Get("scope"))

	poll := s.tokenForms[0]
	assert.Equal(t, DeviceGrantType, poll.Get("grant_type"))
	assert.Equal(t, "dc-1", poll.Get("device_code"))
	assert.Equal(t, dev.Get("code_challenge"), oauth2.S256ChallengeFromVerifier(poll.Get("code_verifier")))
}

func TestDeviceLogin_OpenURLFailureIsTolerated(t *testing.T) {
	s := newOAuthServer(t, success(""))
	p := &fakePrompter{openErr: errors.New("no display")}
	e, _ := newTestEngine(s.config(), p)

	rec, err := e.DeviceLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.Access)
	assert.Len(t, p.opened, 1)
}

func TestDeviceLogin_SlowDownBacksOffWithCap(t *testing.T) {
	slow := reply{http.StatusBadRequest, `{"error":"slow_down"}`}
	s := newOAuthServer(t, slow, slow, slow, success(""))
	cfg := s.config()
	cfg.MaxPollInterval = 10 * time.Second
	e, clk := newTestEngine(cfg, nil)

	_, err := e.DeviceLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		10 * time.Second,
		10 * time.Second,
	}, clk.Sleeps())
}

func TestDeviceLogin_ExpiresAtDeviceDeadline(t *testing.T) {
	s := newOAuthServer(t, pending())
	s.deviceReply = `{"device_code":"dc-1","user_code":"U","verification_url":"https://bank.example/activate","expires_in":"12","interval":5}`
	e, clk := newTestEngine(s.config(), nil)

	_, err := e.DeviceLogin(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindDeviceExpired), "got %v", err)
	assert.EqualValues(t, 2, s.tokenHits.Load())
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, 2 * time.Second}, clk.Sleeps())
}

func TestDeviceLogin_AttemptCap(t *testing.T) {
	s := newOAuthServer(t, pending())
	cfg := s.config()
	cfg.MaxPollAttempts = 3
	e, _ := newTestEngine(cfg, nil)

	_, err := e.DeviceLogin(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindDeviceExpired))
	assert.EqualValues(t, 3, s.tokenHits.Load())
}

func TestDeviceLogin_ExpiredTokenResponse(t *testing.T) {
	s := newOAuthServer(t, pending(), reply{http.StatusBadRequest, `{"error":"expired_token"}`})
	e, _ := newTestEngine(s.config(), nil)

	_, err := e.DeviceLogin(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindDeviceExpired))
}

func TestDeviceLogin_AccessDeniedTerminates(t *testing.T) {
	s := newOAuthServer(t, pending(), reply{http.StatusBadRequest, `{"error":"access_denied","error_description":"user declined"}`}, success(""))
	e, _ := newTestEngine(s.config(), nil)

	_, err := e.DeviceLogin(context.Background())
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAuthorization, ae.Kind)
	assert.Equal(t, "access_denied", ae.Code)
	assert.Equal(t, "user declined", ae.Hint)
	assert.EqualValues(t, 2, s.tokenHits.Load())
}

func TestDeviceLogin_TransientPollFailureKeepsPolling(t *testing.T) {
	s := newOAuthServer(t, pending(), reply{http.StatusServiceUnavailable, `busy`}, success(""))
	e, _ := newTestEngine(s.config(), nil)

	rec, err := e.DeviceLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.Access)
	assert.EqualValues(t, 3, s.tokenHits.Load())
}

func TestDeviceLogin_MissingClientIDFailsBeforeNetwork(t *testing.T) {
	s := newOAuthServer(t, success(""))
	cfg := s.config()
	cfg.ClientID = ""
	e, _ := newTestEngine(cfg, nil)

	_, err := e.DeviceLogin(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindConfig))
	assert.Zero(t, s.deviceHits.Load())
	assert.Zero(t, s.tokenHits.Load())
}

func TestPollOnce_Tags(t *testing.T) {
	s := newOAuthServer(t,
		pending(),
		reply{http.StatusBadRequest, `{"error":"slow_down"}`},
		reply{http.StatusBadRequest, `{"error":"expired_token"}`},
		reply{http.StatusInternalServerError, `oops`},
		success(""),
	)
	e, _ := newTestEngine(s.config(), nil)
	session := DeviceSession{DeviceCode: "dc-1", ExpiresAt: epoch.Add(time.Minute), PollInterval: time.Second}

	want := []PollStatus{PollPending, PollSlowDown, PollExpired, PollError, PollSuccess}
	for i, status := range want {
		res := e.PollOnce(context.Background(), session, "verifier")
		assert.Equal(t, status, res.Status, "poll %d", i+1)
	}

	expired := DeviceSession{DeviceCode: "dc-1", ExpiresAt: epoch}
	assert.Equal(t, PollExpired, e.PollOnce(context.Background(), expired, "v").Status)
	assert.EqualValues(t, 5, s.tokenHits.Load(), "an expired session is not polled")
}

func TestBeginAuthCode_BuildsPKCEAuthorizationURL(t *testing.T) {
	s := newOAuthServer(t)
	e, _ := newTestEngine(s.config(), nil)

	st, authURL, err := e.BeginAuthCode("")
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "client-1", q.Get("client_id"))
	assert.Equal(t, st.State, q.Get("state"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, st.CodeChallenge, q.Get("code_challenge"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(st.CodeVerifier), st.CodeChallenge)
	assert.Equal(t, "https://app.example/callback", q.Get("redirect_uri"))

	st2, _, err := e.BeginAuthCode("")
	require.NoError(t, err)
	assert.NotEqual(t, st.State, st2.State)
	assert.NotEqual(t, st.CodeVerifier, st2.CodeVerifier)
}

func TestCompleteAuthCode_StateMismatchNeverCallsTokenEndpoint(t *testing.T) {
	s := newOAuthServer(t, success(""))
	e, _ := newTestEngine(s.config(), nil)
	st, _, err := e.BeginAuthCode("")
	require.NoError(t, err)

	for _, redirect := range []string{
		"https://app.example/callback?code=abc&state=forged",
		"https://app.example/callback?code=abc",
		"https://app.example/callback?error=access_denied&state=forged",
	} {
		_, err := e.CompleteAuthCode(context.Background(), st, redirect)
		assert.True(t, apperr.Is(err, apperr.KindStateMismatch), "redirect %s: %v", redirect, err)
	}

	_, err = e.CompleteAuthCode(context.Background(), AuthCodeState{}, "https://app.example/callback?code=abc&state=")
	assert.True(t, apperr.Is(err, apperr.KindStateMismatch), "an empty issued state never matches")
	assert.Zero(t, s.tokenHits.Load())
}

func TestCompleteAuthCode_MissingCodeAndProviderError(t *testing.T) {
	s := newOAuthServer(t, success(""))
	e, _ := newTestEngine(s.config(), nil)
	st, _, err := e.BeginAuthCode("")
	require.NoError(t, err)

	_, err = e.CompleteAuthCode(context.Background(), st, "https://app.example/callback?state="+st.State)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	_, err = e.CompleteAuthCode(context.Background(), st, "https://app.example/callback?error=access_denied&error_description=nope&state="+st.State)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAuthorization, ae.Kind)
	assert.Equal(t, "access_denied", ae.Code)
	assert.Zero(t, s.tokenHits.Load())
}

func TestCompleteAuthCode_ExchangesCodeWithVerifier(t *testing.T) {
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "user-123"}).SignedString([]byte("k"))
	require.NoError(t, err)
	s := newOAuthServer(t, success(`,"id_token":"`+idToken+`"`))
	e, clk := newTestEngine(s.config(), nil)
	st, _, err := e.BeginAuthCode("")
	require.NoError(t, err)

	rec, err := e.CompleteAuthCode(context.Background(), st, "https://app.example/callback?code=the-code&state="+url.QueryEscape(st.State))
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.Access)
	assert.Equal(t, "user-123", rec.SubjectID)
	assert.Equal(t, clk.Now().Add(time.Hour), rec.Expires)

	form := s.tokenForms[0]
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, st.CodeVerifier, form.Get("code_verifier"))
	assert.Equal(t, "https://app.example/callback", form.Get("redirect_uri"))
	assert.Equal(t, "secret-1", form.Get("client_secret"))
}

func TestCompleteAuthCode_ExchangeIsNotRetried(t *testing.T) {
	s := newOAuthServer(t, reply{http.StatusBadGateway, `down`}, success(""))
	e, clk := newTestEngine(s.config(), nil)
	st, _, err := e.BeginAuthCode("")
	require.NoError(t, err)

	_, err = e.CompleteAuthCode(context.Background(), st, "code=c-1&state="+url.QueryEscape(st.State))
	assert.True(t, apperr.Is(err, apperr.KindServer))
	assert.EqualValues(t, 1, s.tokenHits.Load())
	assert.Empty(t, clk.Sleeps())
}

func TestRefresh_RetriesServerErrors(t *testing.T) {
	s := newOAuthServer(t, reply{http.StatusBadGateway, `down`}, success(""))
	e, _ := newTestEngine(s.config(), nil)

	rec, err := e.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.Access)
	assert.EqualValues(t, 2, s.tokenHits.Load())
}

func TestAuthCodeLogin_UsesPastedRedirect(t *testing.T) {
	s := newOAuthServer(t, success(""))
	p := &fakePrompter{openErr: errors.New("headless")}
	p.answer = func(notes []string) string {
		last := notes[len(notes)-1]
		authURL := last[strings.Index(last, "http"):]
		u, _ := url.Parse(strings.TrimSpace(authURL))
		return "https://app.example/callback?code=pasted&state=" + url.QueryEscape(u.Query().Get("state"))
	}
	e, _ := newTestEngine(s.config(), p)

	rec, err := e.AuthCodeLogin(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "at-1", rec.Access)
	assert.Equal(t, 1, p.promptCt)
	assert.Equal(t, "pasted", s.tokenForms[0].Get("code"))
}

func TestRefresh(t *testing.T) {
	s := newOAuthServer(t,
		reply{http.StatusOK, `{"access_token":"at-2","token_type":"bearer"}`},
		reply{http.StatusBadRequest, `{"error":"invalid_grant"}`},
	)
	cfg := s.config()
	cfg.DefaultTokenTTL = 30 * time.Minute
	e, clk := newTestEngine(cfg, nil)

	rec, err := e.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-2", rec.Access)
	assert.Empty(t, rec.Refresh, "the manager decides whether to keep the old refresh token")
	assert.Equal(t, clk.Now().Add(30*time.Minute), rec.Expires)
	assert.Equal(t, "refresh_token", s.tokenForms[0].Get("grant_type"))
	assert.Equal(t, "rt-1", s.tokenForms[0].Get("refresh_token"))

	_, err = e.Refresh(context.Background(), "rt-1")
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindAuthorization, ae.Kind)
	assert.Equal(t, "invalid_grant", ae.Code)
}

func TestRefresh_RejectsMalformedTokenResponse(t *testing.T) {
	s := newOAuthServer(t, reply{http.StatusOK, `{"token_type":"bearer"}`})
	e, _ := newTestEngine(s.config(), nil)

	_, err := e.Refresh(context.Background(), "rt-1")
	assert.True(t, apperr.Is(err, apperr.KindSchemaMismatch))
}

func TestSubjectFromIDToken(t *testing.T) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "abc"}).SignedString([]byte("x"))
	require.NoError(t, err)
	sub, err := SubjectFromIDToken(signed)
	require.NoError(t, err)
	assert.Equal(t, "abc", sub)

	_, err = SubjectFromIDToken("not-a-jwt")
	assert.Error(t, err)
}

func TestSecondsAcceptsStringsAndNumbers(t *testing.T) {
	var v struct {
		A seconds `json:"a"`
		B seconds `json:"b"`
		C seconds `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":60,"b":"90","c":null}`), &v))
	assert.Equal(t, time.Minute, v.A.duration())
	assert.Equal(t, 90*time.Second, v.B.duration())
	assert.Zero(t, v.C.duration())
}
