package report

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/upstream"
)

type staticTokens struct {
	invalidated atomic.Int32
}

func (s *staticTokens) GetAccessToken(context.Context) (string, error) { return "tok", nil }

func (s *staticTokens) Invalidate(context.Context) error {
	s.invalidated.Add(1)
	return nil
}

var period = Period{
	Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC),
}

func newTestService(t *testing.T, h http.Handler, opts ...upstream.Option) (*Service, *clock.Fake, *staticTokens) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	clk := clock.NewFake(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))
	fetch := upstream.NewClient(append([]upstream.Option{upstream.WithBaseURL(srv.URL), upstream.WithClock(clk)}, opts...)...)
	tokens := &staticTokens{}
	svc := NewService(Config{
		Provider:     "bank",
		GeneratePath: "/reports",
		DownloadPath: "/reports/{id}/download",
		ReportType:   "cashflow",
		Columns:      cols,
	}, fetch, tokens, WithClock(clk))
	return svc, clk, tokens
}

func TestPollPolicy_Delays(t *testing.T) {
	got := DefaultPollPolicy().Delays()
	require.Len(t, got, 12)
	assert.Equal(t, []time.Duration{
		5 * time.Second,
		7500 * time.Millisecond,
		11250 * time.Millisecond,
		16875 * time.Millisecond,
		25312500 * time.Microsecond,
		30 * time.Second,
	}, got[:6])
	for _, d := range got[5:] {
		assert.Equal(t, 30*time.Second, d)
	}
}

func TestCashflow_GeneratePollAggregate(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reports", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "2026-01-01", req["start_date"])
		assert.Equal(t, "2026-01-31", req["end_date"])
		assert.Equal(t, "cashflow", req["report_type"])
		_, _ = w.Write([]byte(`{"report_id":"rep-9"}`))
	})
	mux.HandleFunc("GET /reports/rep-9/download", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("date,credit,debit\n2026-01-03,100.00,\n2026-01-04,,-40.10\n"))
	})
	svc, clk, _ := newTestService(t, mux)

	res, err := svc.Cashflow(context.Background(), period)
	require.NoError(t, err)
	require.Equal(t, StatusReady, res.Status)
	require.NotNil(t, res.Summary)
	assert.Equal(t, "rep-9", res.ReportID)
	assert.Equal(t, "100", res.Summary.TotalInflow.String())
	assert.Equal(t, "40.1", res.Summary.TotalOutflow.String())
	assert.Equal(t, "59.9", res.Summary.Net().String())
	assert.Equal(t, 2, res.Summary.TransactionCount)
	assert.Equal(t, period.Start, res.Summary.PeriodStart)
	assert.Equal(t, []time.Duration{5 * time.Second, 7500 * time.Millisecond, 11250 * time.Millisecond}, clk.Sleeps())
}

func TestAwait_TimesOutWithReportID(t *testing.T) {
	var polls atomic.Int32
	svc, clk, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		http.NotFound(w, r)
	}))

	res, err := svc.ResumeCashflow(context.Background(), "rep-1", period)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, res.Status)
	assert.Equal(t, "rep-1", res.ReportID)
	assert.Nil(t, res.Summary)
	assert.EqualValues(t, 12, polls.Load())
	assert.Equal(t, DefaultPollPolicy().Delays(), clk.Sleeps())
}

func TestAwait_OtherErrorsAbortImmediately(t *testing.T) {
	var polls atomic.Int32
	svc, _, tokens := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) == 1 {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}))

	_, err := svc.Await(context.Background(), "rep-1")
	assert.True(t, apperr.Is(err, apperr.KindAuthRequired))
	assert.EqualValues(t, 2, polls.Load())
	assert.EqualValues(t, 1, tokens.invalidated.Load(), "a rejected token is dropped")
}

func TestAwait_ForbiddenKeepsCredentials(t *testing.T) {
	svc, _, tokens := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error":"insufficient_scope"}`))
	}))

	_, err := svc.Await(context.Background(), "rep-1")
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))
	assert.Zero(t, tokens.invalidated.Load())
}

func TestCashflow_OversizedReportFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /reports", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"report_id":"rep-big"}`))
	})
	mux.HandleFunc("GET /reports/rep-big/download", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("date,credit,debit\n"))
		for range 100 {
			_, _ = w.Write([]byte("2026-01-03,1,-1\n"))
		}
	})
	svc, _, _ := newTestService(t, mux, upstream.WithMaxBodyBytes(512))

	res, err := svc.Cashflow(context.Background(), period)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindSchemaMismatch))
	assert.Nil(t, res.Summary)
}

func TestGenerate_RequiresReportID(t *testing.T) {
	svc, _, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"queued"}`))
	}))

	_, err := svc.Generate(context.Background(), period)
	assert.True(t, apperr.Is(err, apperr.KindSchemaMismatch))
}

func TestGenerate_AcceptsIDField(t *testing.T) {
	svc, _, _ := newTestService(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"r-2"}`))
	}))

	id, err := svc.Generate(context.Background(), period)
	require.NoError(t, err)
	assert.Equal(t, "r-2", id)
}

func TestGenerate_RejectsInvertedPeriod(t *testing.T) {
	svc, _, _ := newTestService(t, http.NotFoundHandler())
	_, err := svc.Generate(context.Background(), Period{Start: period.End, End: period.Start})
	assert.True(t, apperr.Is(err, apperr.KindConfig))
}
