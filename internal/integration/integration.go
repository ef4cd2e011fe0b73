// Package integration builds the per-provider object graph (fetch client,
// flow engine, token manager, report service) from the provider catalog.
package integration

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/flow"
	"github.com/pysugar/finlink/internal/auth/token"
	"github.com/pysugar/finlink/internal/clock"
	"github.com/pysugar/finlink/internal/metrics"
	"github.com/pysugar/finlink/internal/providers/catalog"
	"github.com/pysugar/finlink/internal/report"
	"github.com/pysugar/finlink/internal/upstream"
)

// Options are shared by every provider in a Registry. Zero values are usable.
type Options struct {
	Store      token.Store
	Observer   upstream.Observer
	Metrics    *metrics.Metrics
	Prompter   flow.Prompter
	Clock      clock.Clock
	Logger     *zap.Logger
	HTTPClient *http.Client
	Retry      *upstream.RetryPolicy
}

// Provider is one wired provider.
type Provider struct {
	Info   catalog.Provider
	Fetch  *upstream.Client
	Engine *flow.Engine
	Tokens *token.Manager
	// Reports is nil when the provider has no report API configured.
	Reports *report.Service

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewProvider wires p. It never touches the network.
func NewProvider(p catalog.Provider, opts Options) *Provider {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named(p.ID)

	var observer upstream.Observer
	switch {
	case opts.Observer != nil && opts.Metrics != nil:
		observer = upstream.Observers{opts.Observer, opts.Metrics}
	case opts.Observer != nil:
		observer = opts.Observer
	case opts.Metrics != nil:
		observer = opts.Metrics
	}

	clientOpts := []upstream.Option{
		upstream.WithProvider(p.ID),
		upstream.WithBaseURL(p.BaseURL),
		upstream.WithTimeout(p.Timeout),
		upstream.WithClock(opts.Clock),
		upstream.WithLogger(logger),
	}
	if observer != nil {
		clientOpts = append(clientOpts, upstream.WithObserver(observer))
	}
	if opts.HTTPClient != nil {
		clientOpts = append(clientOpts, upstream.WithHTTPClient(opts.HTTPClient))
	}
	if opts.Retry != nil {
		clientOpts = append(clientOpts, upstream.WithRetryPolicy(*opts.Retry))
	}
	fetch := upstream.NewClient(clientOpts...)

	engineOpts := []flow.Option{flow.WithClock(opts.Clock), flow.WithLogger(logger)}
	if opts.Prompter != nil {
		engineOpts = append(engineOpts, flow.WithPrompter(opts.Prompter))
	}
	engine := flow.NewEngine(flow.Config{
		Provider:        p.ID,
		ClientID:        p.ClientID,
		ClientSecret:    p.ClientSecret,
		AuthURL:         p.AuthURL,
		TokenURL:        p.TokenURL,
		DeviceAuthURL:   p.DeviceAuthURL,
		RedirectURL:     p.RedirectURL,
		Scopes:          p.Scopes,
		AuthParams:      p.AuthParams,
		DeviceGrantType: p.DeviceGrantType,
		DefaultTokenTTL: p.DefaultTokenTTL,
		MaxPollAttempts: p.MaxPollAttempts,
	}, fetch, engineOpts...)

	tokenOpts := []token.Option{
		token.WithClock(opts.Clock),
		token.WithLogger(logger),
		token.WithRefreshBuffer(p.RefreshBuffer),
	}
	if opts.Store != nil {
		tokenOpts = append(tokenOpts, token.WithStore(opts.Store))
	}
	tokens := token.NewManager(p.ID, engine, tokenOpts...)

	var reports *report.Service
	if p.Report.Enabled {
		reports = report.NewService(report.Config{
			Provider:     p.ID,
			GeneratePath: p.Report.GeneratePath,
			DownloadPath: p.Report.DownloadPath,
			ReportType:   p.Report.ReportType,
			Columns:      report.Columns{Credit: p.Report.CreditColumn, Debit: p.Report.DebitColumn},
			Delimiter:    p.Report.Delimiter,
			Poll: report.PollPolicy{
				InitialDelay: p.Report.InitialDelay,
				Multiplier:   p.Report.Multiplier,
				MaxDelay:     p.Report.MaxDelay,
				MaxAttempts:  p.Report.MaxAttempts,
			},
		}, fetch, tokens, report.WithClock(opts.Clock), report.WithLogger(logger))
	}

	return &Provider{
		Info:    p,
		Fetch:   fetch,
		Engine:  engine,
		Tokens:  tokens,
		Reports: reports,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Login runs the interactive login for flowName ("" uses the configured
// flow) and establishes the resulting token.
func (p *Provider) Login(ctx context.Context, flowName string) (token.Status, error) {
	if !p.Info.Enabled {
		return token.Status{}, apperr.New(apperr.KindConfig, "login", "provider "+p.Info.ID+" is disabled")
	}
	if flowName == "" {
		flowName = p.Info.Flow
	}

	var (
		rec token.Record
		err error
	)
	switch strings.ToLower(flowName) {
	case catalog.FlowDevice:
		rec, err = p.Engine.DeviceLogin(ctx)
	case catalog.FlowCode:
		rec, err = p.Engine.AuthCodeLogin(ctx)
	default:
		return token.Status{}, apperr.New(apperr.KindConfig, "login", "unknown flow "+flowName)
	}
	if err != nil {
		return token.Status{}, err
	}
	if err := p.Tokens.Establish(ctx, rec); err != nil {
		return token.Status{}, err
	}
	p.logger.Info("login complete", zap.String("flow", flowName))
	return p.Tokens.Status(), nil
}

// Cashflow runs a report, or resumes reportID when it is not empty.
func (p *Provider) Cashflow(ctx context.Context, period report.Period, reportID string) (report.CashflowResult, error) {
	if p.Reports == nil {
		return report.CashflowResult{}, apperr.New(apperr.KindConfig, "cashflow", "provider "+p.Info.ID+" has no report API configured")
	}
	var (
		res report.CashflowResult
		err error
	)
	if reportID != "" {
		res, err = p.Reports.ResumeCashflow(ctx, reportID, period)
	} else {
		res, err = p.Reports.Cashflow(ctx, period)
	}
	status := string(res.Status)
	if err != nil {
		status = apperr.KindOf(err).String()
	}
	p.metrics.ObserveReport(p.Info.ID, status)
	return res, err
}

// Registry holds the wired providers by id.
type Registry struct {
	providers map[string]*Provider
	logger    *zap.Logger
}

// Build wires every catalog provider.
func Build(providers []catalog.Provider, opts Options) *Registry {
	r := &Registry{providers: make(map[string]*Provider, len(providers)), logger: opts.Logger}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	for _, p := range providers {
		r.providers[p.ID] = NewProvider(p, opts)
	}
	return r
}

// Get returns the provider with id, or a KindConfig error.
func (r *Registry) Get(id string) (*Provider, error) {
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, apperr.New(apperr.KindConfig, "provider", "unknown provider "+id)
	}
	return p, nil
}

// List returns providers sorted by id.
func (r *Registry) List() []*Provider {
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// Restore loads stored credentials into every enabled provider.
func (r *Registry) Restore(ctx context.Context) error {
	var errs []error
	for _, p := range r.List() {
		if !p.Info.Enabled {
			continue
		}
		ok, err := p.Tokens.Restore(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			r.logger.Info("credentials restored", zap.String("provider", p.Info.ID))
		}
	}
	return errors.Join(errs...)
}
