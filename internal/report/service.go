package report

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/csvstream"
	"github.com/pysugar/finlink/internal/upstream"
)

// DateLayout is the period format sent to providers.
const DateLayout = "2006-01-02"

// Status is the outcome of waiting for a report.
type Status string

const (
	StatusReady    Status = "ready"
	StatusTimedOut Status = "timed_out"
)

// Period is an inclusive date range.
type Period struct {
	Start time.Time
	End   time.Time
}

func (p Period) validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return errors.New("period start and end are required")
	}
	if p.End.Before(p.Start) {
		return errors.New("period end is before its start")
	}
	return nil
}

// CashflowSummary is derived per request and never persisted.
type CashflowSummary struct {
	PeriodStart      time.Time       `json:"period_start"`
	PeriodEnd        time.Time       `json:"period_end"`
	TotalInflow      decimal.Decimal `json:"total_inflow"`
	TotalOutflow     decimal.Decimal `json:"total_outflow"`
	TransactionCount int             `json:"transaction_count"`
}

// Net is inflow minus outflow.
func (s CashflowSummary) Net() decimal.Decimal { return s.TotalInflow.Sub(s.TotalOutflow) }

// Result is the outcome of Await. Body is set when Status is StatusReady.
type Result struct {
	Status   Status
	ReportID string
	Body     []byte
}

// CashflowResult carries a summary, or the report id to resume with after
// a timeout.
type CashflowResult struct {
	Status   Status           `json:"status"`
	ReportID string           `json:"report_id"`
	Summary  *CashflowSummary `json:"summary,omitempty"`
}

// TokenSource yields bearer tokens for report calls.
type TokenSource interface {
	GetAccessToken(ctx context.Context) (string, error)
}

type invalidator interface {
	Invalidate(ctx context.Context) error
}

// Config locates a provider's report endpoints. DownloadPath contains
// "{id}", replaced with the escaped report id.
type Config struct {
	Provider     string
	GeneratePath string
	DownloadPath string
	ReportType   string
	Columns      Columns
	Delimiter    rune
	Poll         PollPolicy
}

// Service runs generate-then-poll report retrieval for one provider.
type Service struct {
	cfg    Config
	fetch  *upstream.Client
	tokens TokenSource
	clock  clock.Clock
	logger *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clock.Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// NewService creates a report service.
func NewService(cfg Config, fetch *upstream.Client, tokens TokenSource, opts ...Option) *Service {
	cfg.Poll = cfg.Poll.normalized()
	if cfg.Delimiter == 0 {
		cfg.Delimiter = ','
	}
	s := &Service{
		cfg:    cfg,
		fetch:  fetch,
		tokens: tokens,
		clock:  clock.Real(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(zap.String("provider", cfg.Provider))
	return s
}

type generateRequest struct {
	ReportType string `json:"report_type,omitempty"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
}

type generateResponse struct {
	ReportID string `json:"report_id"`
	ID       string `json:"id"`
}

func (r *generateResponse) Validate() error {
	if r.ReportID == "" && r.ID == "" {
		return errors.New("report generation response has no report id")
	}
	return nil
}

func (r *generateResponse) id() string {
	if r.ReportID != "" {
		return r.ReportID
	}
	return r.ID
}

// Generate asks the provider to build a report for period and returns its id.
func (s *Service) Generate(ctx context.Context, period Period) (string, error) {
	const op = "report.generate"
	if s.cfg.GeneratePath == "" {
		return "", apperr.New(apperr.KindConfig, op, "report generation is not configured for "+s.cfg.Provider)
	}
	if err := period.validate(); err != nil {
		return "", apperr.Wrap(err, apperr.KindConfig, op)
	}
	tok, err := s.tokens.GetAccessToken(ctx)
	if err != nil {
		return "", err
	}

	resp, err := upstream.Fetch[generateResponse](ctx, s.fetch, upstream.Request{
		Op:     op,
		Method: http.MethodPost,
		Path:   s.cfg.GeneratePath,
		Token:  tok,
		JSON: generateRequest{
			ReportType: s.cfg.ReportType,
			StartDate:  period.Start.Format(DateLayout),
			EndDate:    period.End.Format(DateLayout),
		},
	})
	if err != nil {
		return "", s.afterError(ctx, err)
	}
	id := resp.id()
	s.logger.Info("report generation requested", zap.String("report_id", id))
	return id, nil
}

// Await polls for reportID until it is ready, an error other than "not
// ready" occurs, or the poll policy is exhausted. Exhaustion is not an
// error: the result carries StatusTimedOut and the id to resume with.
func (s *Service) Await(ctx context.Context, reportID string) (Result, error) {
	const op = "report.await"
	if s.cfg.DownloadPath == "" {
		return Result{}, apperr.New(apperr.KindConfig, op, "report download is not configured for "+s.cfg.Provider)
	}
	if reportID == "" {
		return Result{}, apperr.New(apperr.KindConfig, op, "report id is required")
	}
	path := strings.ReplaceAll(s.cfg.DownloadPath, "{id}", url.PathEscape(reportID))

	for attempt, delay := range s.cfg.Poll.Delays() {
		if err := s.clock.Sleep(ctx, delay); err != nil {
			return Result{}, apperr.Wrap(err, apperr.KindTimeout, op)
		}
		tok, err := s.tokens.GetAccessToken(ctx)
		if err != nil {
			return Result{}, err
		}
		body, err := s.fetch.FetchRaw(ctx, upstream.Request{
			Op:            op,
			Path:          path,
			Token:         tok,
			Header:        http.Header{"Accept": {"text/csv, text/plain;q=0.9, */*;q=0.1"}},
			NotReadyOn404: true,
		})
		if err == nil {
			s.logger.Info("report ready", zap.String("report_id", reportID), zap.Int("attempt", attempt+1))
			return Result{Status: StatusReady, ReportID: reportID, Body: body}, nil
		}
		if !apperr.Is(err, apperr.KindNotReady) {
			return Result{}, s.afterError(ctx, err)
		}
		s.logger.Debug("report not ready", zap.String("report_id", reportID), zap.Int("attempt", attempt+1))
	}

	s.logger.Warn("report still not ready, giving up for now",
		zap.String("report_id", reportID),
		zap.Int("attempts", s.cfg.Poll.MaxAttempts))
	return Result{Status: StatusTimedOut, ReportID: reportID}, nil
}

// Cashflow generates a report for period, waits for it and summarizes it.
func (s *Service) Cashflow(ctx context.Context, period Period) (CashflowResult, error) {
	if err := s.cfg.Columns.validate(); err != nil {
		return CashflowResult{}, err
	}
	id, err := s.Generate(ctx, period)
	if err != nil {
		return CashflowResult{}, err
	}
	return s.ResumeCashflow(ctx, id, period)
}

// ResumeCashflow waits for an already generated report.
func (s *Service) ResumeCashflow(ctx context.Context, reportID string, period Period) (CashflowResult, error) {
	if err := s.cfg.Columns.validate(); err != nil {
		return CashflowResult{}, err
	}
	res, err := s.Await(ctx, reportID)
	if err != nil {
		return CashflowResult{}, err
	}
	if res.Status == StatusTimedOut {
		return CashflowResult{Status: StatusTimedOut, ReportID: reportID}, nil
	}

	totals, err := Aggregate(csvstream.Parse(string(res.Body), csvstream.WithDelimiter(s.cfg.Delimiter)), s.cfg.Columns)
	if err != nil {
		return CashflowResult{}, err
	}
	return CashflowResult{
		Status:   StatusReady,
		ReportID: reportID,
		Summary: &CashflowSummary{
			PeriodStart:      period.Start,
			PeriodEnd:        period.End,
			TotalInflow:      totals.TotalInflow,
			TotalOutflow:     totals.TotalOutflow,
			TransactionCount: totals.TransactionCount,
		},
	}, nil
}

// afterError drops the token when the provider rejected it.
func (s *Service) afterError(ctx context.Context, err error) error {
	if !apperr.Is(err, apperr.KindAuthRequired) {
		return err
	}
	if inv, ok := s.tokens.(invalidator); ok {
		if ierr := inv.Invalidate(ctx); ierr != nil {
			s.logger.Warn("failed to invalidate rejected token", zap.Error(ierr))
		}
	}
	return err
}
