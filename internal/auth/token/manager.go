// Package token owns the OAuth token lifecycle of one provider: caching,
// refresh ahead of expiry with at most one refresh in flight, and
// invalidation when credentials stop working.
package token

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
)

// DefaultRefreshBuffer is subtracted from a token's expiry to decide when
// to refresh.
const DefaultRefreshBuffer = 5 * time.Minute

// Manager handles the token lifecycle of one provider. Safe for concurrent use.
type Manager struct {
	provider  string
	refresher Refresher
	store     Store
	clock     clock.Clock
	buffer    time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	current *Record
	// writeMu orders record changes with their store writes, so a store
	// never ends up holding a record that memory has already dropped.
	writeMu sync.Mutex

	refreshes singleflight.Group
}

// Option configures a Manager.
type Option func(*Manager)

// WithStore persists every established or refreshed record and deletes it
// when the record is cleared.
func WithStore(s Store) Option { return func(m *Manager) { m.store = s } }

func WithClock(c clock.Clock) Option { return func(m *Manager) { m.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithRefreshBuffer overrides DefaultRefreshBuffer. Non-positive values are ignored.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.buffer = d
		}
	}
}

// NewManager creates a manager with no established token.
func NewManager(provider string, refresher Refresher, opts ...Option) *Manager {
	m := &Manager{
		provider:  provider,
		refresher: refresher,
		clock:     clock.Real(),
		buffer:    DefaultRefreshBuffer,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("provider", provider))
	return m
}

// Provider returns the provider id this manager serves.
func (m *Manager) Provider() string { return m.provider }

// Establish installs rec after a successful login and persists it.
func (m *Manager) Establish(ctx context.Context, rec Record) error {
	if rec.IsZero() {
		return apperr.New(apperr.KindConfig, "token.establish", "record has no access token")
	}
	if !rec.Expires.After(m.clock.Now()) {
		return apperr.New(apperr.KindConfig, "token.establish", "record is already expired")
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.set(&rec)
	m.logger.Info("token established",
		zap.Time("expires", rec.Expires),
		zap.Bool("has_refresh", rec.Refresh != ""))

	if m.store != nil {
		if err := m.store.Save(ctx, m.provider, rec); err != nil {
			return apperr.Wrap(err, apperr.KindUnknown, "token.establish")
		}
	}
	return nil
}

// Restore loads a previously persisted record from the store. It reports
// whether one was found. An expired record is still installed when it can
// be refreshed.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	if m.store == nil {
		return false, nil
	}
	rec, ok, err := m.store.Load(ctx, m.provider)
	if err != nil {
		return false, apperr.Wrap(err, apperr.KindUnknown, "token.restore")
	}
	if !ok || rec.IsZero() {
		return false, nil
	}
	if !rec.Expires.After(m.clock.Now()) && rec.Refresh == "" {
		m.logger.Info("stored token expired and cannot be refreshed, discarding")
		_ = m.store.Delete(ctx, m.provider)
		return false, nil
	}
	m.writeMu.Lock()
	m.set(&rec)
	m.writeMu.Unlock()
	m.logger.Debug("token restored", zap.Time("expires", rec.Expires))
	return true, nil
}

// GetAccessToken returns a valid access token, refreshing it when it is
// within the refresh buffer of expiry. Concurrent callers share one refresh.
func (m *Manager) GetAccessToken(ctx context.Context) (string, error) {
	rec, err := m.validRecord(ctx)
	if err != nil {
		return "", err
	}
	return rec.Access, nil
}

func (m *Manager) validRecord(ctx context.Context) (Record, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	if cur == nil {
		return Record{}, apperr.New(apperr.KindNotAuthenticated, "token.get", "no token established for "+m.provider)
	}
	if m.fresh(cur) {
		return *cur, nil
	}
	return m.refresh(ctx)
}

func (m *Manager) fresh(rec *Record) bool {
	return m.clock.Now().Before(rec.Expires.Add(-m.buffer))
}

// refresh joins the in-flight refresh or starts one. The refresh itself runs
// detached from ctx so one caller giving up does not fail the others.
func (m *Manager) refresh(ctx context.Context) (Record, error) {
	ch := m.refreshes.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Record{}, res.Err
		}
		return res.Val.(Record), nil
	case <-ctx.Done():
		return Record{}, apperr.Wrap(ctx.Err(), apperr.KindTimeout, "token.refresh")
	}
}

func (m *Manager) doRefresh(ctx context.Context) (Record, error) {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	switch {
	case cur == nil:
		return Record{}, apperr.New(apperr.KindNotAuthenticated, "token.refresh", "token was cleared")
	case m.fresh(cur):
		// A refresh completed between the caller's check and this one.
		return *cur, nil
	case cur.Refresh == "" || m.refresher == nil:
		m.clearIf(ctx, cur)
		return Record{}, apperr.New(apperr.KindReauthRequired, "token.refresh", "token expired and no refresh token is available")
	}

	m.logger.Info("refreshing token", zap.Time("expires", cur.Expires))
	next, err := m.refresher.Refresh(ctx, cur.Refresh)
	if err == nil && next.IsZero() {
		err = apperr.New(apperr.KindSchemaMismatch, "token.refresh", "refresh returned no access token")
	}
	if err != nil {
		m.logger.Warn("token refresh failed, clearing credentials", zap.Error(err))
		m.clearIf(ctx, cur)
		return Record{}, apperr.Wrap(err, apperr.KindReauthRequired, "token.refresh")
	}

	if next.Refresh == "" {
		next.Refresh = cur.Refresh
	}
	if next.SubjectID == "" {
		next.SubjectID = cur.SubjectID
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.swap(cur, &next) {
		// Logout or a new login happened while the refresh was in flight.
		m.logger.Info("discarding refresh result, token changed meanwhile")
		if now := m.snapshot(); now != nil && m.fresh(now) {
			return *now, nil
		}
		return Record{}, apperr.New(apperr.KindNotAuthenticated, "token.refresh", "token was cleared during refresh")
	}
	m.logger.Info("token refreshed",
		zap.Time("expires", next.Expires),
		zap.Bool("refresh_rotated", next.Refresh != cur.Refresh))

	if m.store != nil {
		if err := m.store.Save(ctx, m.provider, next); err != nil {
			m.logger.Warn("failed to persist refreshed token", zap.Error(err))
		}
	}
	return next, nil
}

// Invalidate drops the current record, e.g. after a downstream 401.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.logger.Info("token invalidated")
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.clear(ctx)
}

// clearIf drops the record only if it is still old.
func (m *Manager) clearIf(ctx context.Context, old *Record) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.swap(old, nil) {
		return
	}
	if m.store != nil {
		if err := m.store.Delete(ctx, m.provider); err != nil {
			m.logger.Warn("failed to delete stored token", zap.Error(err))
		}
	}
}

// clear must be called with writeMu held.
func (m *Manager) clear(ctx context.Context) error {
	m.set(nil)
	if m.store == nil {
		return nil
	}
	if err := m.store.Delete(ctx, m.provider); err != nil {
		m.logger.Warn("failed to delete stored token", zap.Error(err))
		return apperr.Wrap(err, apperr.KindUnknown, "token.clear")
	}
	return nil
}

func (m *Manager) set(rec *Record) {
	m.mu.Lock()
	m.current = rec
	m.mu.Unlock()
}

func (m *Manager) swap(old, next *Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != old {
		return false
	}
	m.current = next
	return true
}

func (m *Manager) snapshot() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Credentials returns a copy of the current record for the host to persist.
func (m *Manager) Credentials() (Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return Record{}, false
	}
	return *m.current, true
}

// Status is the non-secret view of the manager's state.
type Status struct {
	Provider      string    `json:"provider"`
	Authenticated bool      `json:"authenticated"`
	ExpiresAt     time.Time `json:"expires_at,omitzero"`
	NeedsRefresh  bool      `json:"needs_refresh"`
	HasRefresh    bool      `json:"has_refresh"`
	SubjectID     string    `json:"subject_id,omitempty"`
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	cur := m.current
	m.mu.RUnlock()

	st := Status{Provider: m.provider}
	if cur == nil {
		return st
	}
	st.Authenticated = true
	st.ExpiresAt = cur.Expires
	st.NeedsRefresh = !m.fresh(cur)
	st.HasRefresh = cur.Refresh != ""
	st.SubjectID = cur.SubjectID
	return st
}

// TokenSource exposes the manager as an oauth2.TokenSource. Every Token
// call goes through GetAccessToken, so refreshes stay deduplicated.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &managedSource{ctx: ctx, m: m}
}

type managedSource struct {
	ctx context.Context
	m   *Manager
}

func (s *managedSource) Token() (*oauth2.Token, error) {
	rec, err := s.m.validRecord(s.ctx)
	if err != nil {
		return nil, err
	}
	return &oauth2.Token{
		AccessToken: rec.Access,
		TokenType:   "Bearer",
		Expiry:      rec.Expires,
	}, nil
}
