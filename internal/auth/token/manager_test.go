package token

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
)

var epoch = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	deletes int
}

func newMemStore() *memStore { return &memStore{records: map[string]Record{}} }

func (s *memStore) Load(_ context.Context, provider string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[provider]
	return rec, ok, nil
}

func (s *memStore) Save(_ context.Context, provider string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[provider] = rec
	return nil
}

func (s *memStore) Delete(_ context.Context, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, provider)
	s.deletes++
	return nil
}

type countingRefresher struct {
	calls atomic.Int32
	fn    func(n int32, refresh string) (Record, error)
}

func (r *countingRefresher) Refresh(_ context.Context, refresh string) (Record, error) {
	n := r.calls.Add(1)
	return r.fn(n, refresh)
}

func newTestManager(t *testing.T, r Refresher, opts ...Option) (*Manager, *clock.Fake, *memStore) {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := newMemStore()
	base := []Option{WithClock(clk), WithStore(store)}
	return NewManager("bank", r, append(base, opts...)...), clk, store
}

func TestGetAccessToken_NotAuthenticated(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	_, err := m.GetAccessToken(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
}

func TestGetAccessToken_FreshTokenMakesNoNetworkCall(t *testing.T) {
	r := &countingRefresher{fn: func(int32, string) (Record, error) {
		t.Error("refresh must not be called")
		return Record{}, nil
	}}
	m, _, _ := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Refresh: "r1", Expires: epoch.Add(time.Hour)}))

	for i := 0; i < 5; i++ {
		tok, err := m.GetAccessToken(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "a1", tok)
	}
	assert.Zero(t, r.calls.Load())
}

func TestGetAccessToken_RefreshesInsideBuffer(t *testing.T) {
	r := &countingRefresher{fn: func(_ int32, refresh string) (Record, error) {
		assert.Equal(t, "r1", refresh)
		return Record{Access: "a2", Refresh: "r2", Expires: epoch.Add(2 * time.Hour)}, nil
	}}
	m, clk, store := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Refresh: "r1", Expires: epoch.Add(time.Hour)}))

	clk.Advance(56 * time.Minute)
	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "a2", tok)
	assert.EqualValues(t, 1, r.calls.Load())

	saved, ok, _ := store.Load(context.Background(), "bank")
	require.True(t, ok)
	assert.Equal(t, "r2", saved.Refresh, "a rotated refresh token supersedes the old one")
}

func TestRefresh_KeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	r := &countingRefresher{fn: func(int32, string) (Record, error) {
		return Record{Access: "a2", Expires: epoch.Add(3 * time.Hour)}, nil
	}}
	m, clk, _ := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Refresh: "r1", Expires: epoch.Add(time.Hour), SubjectID: "user-7"}))

	clk.Advance(time.Hour)
	_, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)

	rec, ok := m.Credentials()
	require.True(t, ok)
	assert.Equal(t, "a2", rec.Access)
	assert.Equal(t, "r1", rec.Refresh)
	assert.Equal(t, "user-7", rec.SubjectID)
}

func TestGetAccessToken_ConcurrentCallersShareOneRefresh(t *testing.T) {
	release := make(chan struct{})
	r := &countingRefresher{fn: func(int32, string) (Record, error) {
		<-release
		return Record{Access: "shared", Refresh: "r2", Expires: epoch.Add(2 * time.Hour)}, nil
	}}
	m, clk, _ := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "old", Refresh: "r1", Expires: epoch.Add(time.Minute)}))
	clk.Advance(2 * time.Minute)

	const callers = 16
	var wg sync.WaitGroup
	results := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.GetAccessToken(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return r.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, r.calls.Load())
	for i := range results {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestRefreshFailure_ClearsRecordAndStore(t *testing.T) {
	r := &countingRefresher{fn: func(int32, string) (Record, error) {
		return Record{}, &apperr.Error{Kind: apperr.KindAuthorization, Code: "invalid_grant"}
	}}
	m, clk, store := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Refresh: "r1", Expires: epoch.Add(time.Minute)}))

	clk.Advance(time.Hour)
	_, err := m.GetAccessToken(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindReauthRequired))
	var cause *apperr.Error
	require.True(t, errors.As(errors.Unwrap(err), &cause))
	assert.Equal(t, "invalid_grant", cause.Code)

	_, ok := m.Credentials()
	assert.False(t, ok)
	_, stored, _ := store.Load(context.Background(), "bank")
	assert.False(t, stored)

	_, err = m.GetAccessToken(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	assert.EqualValues(t, 1, r.calls.Load())
}

func TestExpiredWithoutRefreshToken_RequiresReauth(t *testing.T) {
	r := &countingRefresher{fn: func(int32, string) (Record, error) {
		t.Error("refresh must not be called without a refresh token")
		return Record{}, nil
	}}
	m, clk, _ := newTestManager(t, r)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Expires: epoch.Add(time.Hour)}))

	clk.Advance(time.Hour)
	_, err := m.GetAccessToken(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindReauthRequired))
}

func TestInvalidate(t *testing.T) {
	m, _, store := newTestManager(t, nil)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Refresh: "r1", Expires: epoch.Add(time.Hour)}))

	require.NoError(t, m.Invalidate(context.Background()))
	_, err := m.GetAccessToken(context.Background())
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	assert.Equal(t, 1, store.deletes)
	assert.False(t, m.Status().Authenticated)
}

func TestEstablish_RejectsUnusableRecords(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	assert.True(t, apperr.Is(m.Establish(context.Background(), Record{Expires: epoch.Add(time.Hour)}), apperr.KindConfig))
	assert.True(t, apperr.Is(m.Establish(context.Background(), Record{Access: "a", Expires: epoch}), apperr.KindConfig))
}

func TestRestore(t *testing.T) {
	m, _, store := newTestManager(t, nil)
	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(context.Background(), "bank", Record{Access: "persisted", Refresh: "r", Expires: epoch.Add(time.Hour)}))
	ok, err = m.Restore(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	tok, err := m.GetAccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "persisted", tok)
}

func TestRestore_DiscardsDeadRecords(t *testing.T) {
	m, _, store := newTestManager(t, nil)
	require.NoError(t, store.Save(context.Background(), "bank", Record{Access: "stale", Expires: epoch.Add(-time.Hour)}))

	ok, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
	_, stored, _ := store.Load(context.Background(), "bank")
	assert.False(t, stored)
}

func TestStatus(t *testing.T) {
	m, clk, _ := newTestManager(t, nil, WithRefreshBuffer(10*time.Minute))
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a", Refresh: "r", Expires: epoch.Add(time.Hour), SubjectID: "sub-1"}))

	st := m.Status()
	assert.Equal(t, Status{
		Provider:      "bank",
		Authenticated: true,
		ExpiresAt:     epoch.Add(time.Hour),
		HasRefresh:    true,
		SubjectID:     "sub-1",
	}, st)

	clk.Advance(55 * time.Minute)
	assert.True(t, m.Status().NeedsRefresh)
}

func TestTokenSource(t *testing.T) {
	m, _, _ := newTestManager(t, nil)
	require.NoError(t, m.Establish(context.Background(), Record{Access: "a1", Expires: epoch.Add(time.Hour)}))

	tok, err := m.TokenSource(context.Background()).Token()
	require.NoError(t, err)
	assert.Equal(t, "a1", tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, epoch.Add(time.Hour), tok.Expiry)
}

// blockingRefresher parks every refresh until release is closed.
type blockingRefresher struct {
	started chan struct{}
	release chan struct{}
	next    Record
	err     error
}

func newBlockingRefresher(next Record, err error) *blockingRefresher {
	return &blockingRefresher{started: make(chan struct{}, 1), release: make(chan struct{}), next: next, err: err}
}

func (r *blockingRefresher) Refresh(context.Context, string) (Record, error) {
	r.started <- struct{}{}
	<-r.release
	return r.next, r.err
}

func startStaleRefresh(t *testing.T, m *Manager, r *blockingRefresher) <-chan error {
	t.Helper()
	require.NoError(t, m.Establish(context.Background(), Record{Access: "old", Refresh: "r-old", Expires: epoch.Add(time.Minute)}))
	done := make(chan error, 1)
	go func() {
		_, err := m.GetAccessToken(context.Background())
		done <- err
	}()
	<-r.started
	return done
}

func TestRefresh_InvalidateDuringRefreshWins(t *testing.T) {
	r := newBlockingRefresher(Record{Access: "refreshed", Refresh: "r-new", Expires: epoch.Add(2 * time.Hour)}, nil)
	m, _, store := newTestManager(t, r)
	done := startStaleRefresh(t, m, r)

	require.NoError(t, m.Invalidate(context.Background()))
	close(r.release)

	err := <-done
	assert.True(t, apperr.Is(err, apperr.KindNotAuthenticated))
	_, ok := m.Credentials()
	assert.False(t, ok)
	_, stored, _ := store.Load(context.Background(), "bank")
	assert.False(t, stored)
}

func TestRefresh_NewLoginDuringRefreshIsKept(t *testing.T) {
	r := newBlockingRefresher(Record{Access: "refreshed", Refresh: "r-new", Expires: epoch.Add(2 * time.Hour)}, nil)
	m, _, store := newTestManager(t, r)
	done := startStaleRefresh(t, m, r)

	login := Record{Access: "login", Refresh: "r-login", Expires: epoch.Add(time.Hour)}
	require.NoError(t, m.Establish(context.Background(), login))
	close(r.release)

	require.NoError(t, <-done)
	got, ok := m.Credentials()
	require.True(t, ok)
	assert.Equal(t, "login", got.Access)
	saved, _, _ := store.Load(context.Background(), "bank")
	assert.Equal(t, "login", saved.Access)
}

func TestRefreshFailure_DoesNotClearNewLogin(t *testing.T) {
	r := newBlockingRefresher(Record{}, errors.New("invalid_grant"))
	m, _, store := newTestManager(t, r)
	done := startStaleRefresh(t, m, r)

	require.NoError(t, m.Establish(context.Background(), Record{Access: "login", Refresh: "r-login", Expires: epoch.Add(time.Hour)}))
	close(r.release)

	assert.True(t, apperr.Is(<-done, apperr.KindReauthRequired))
	got, ok := m.Credentials()
	require.True(t, ok)
	assert.Equal(t, "login", got.Access)
	_, stored, _ := store.Load(context.Background(), "bank")
	assert.True(t, stored)
}
