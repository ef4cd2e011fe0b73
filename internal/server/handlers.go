package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/token"
	"github.com/pysugar/finlink/internal/integration"
	"github.com/pysugar/finlink/internal/monitor"
	"github.com/pysugar/finlink/internal/report"
	"github.com/pysugar/finlink/internal/util"
	"github.com/pysugar/finlink/internal/version"
)

func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version.Version,
		})
	}
}

type providerView struct {
	ID             string       `json:"id"`
	Name           string       `json:"name"`
	Flow           string       `json:"flow"`
	Enabled        bool         `json:"enabled"`
	RuntimeEnabled bool         `json:"runtime_enabled"`
	Reports        bool         `json:"reports"`
	BaseURL        string       `json:"base_url"`
	ClientID       string       `json:"client_id,omitempty"`
	ClientIDEnv    string       `json:"client_id_env"`
	Token          token.Status `json:"token"`
}

func viewOf(p *integration.Provider) providerView {
	return providerView{
		ID:             p.Info.ID,
		Name:           p.Info.Name,
		Flow:           p.Info.Flow,
		Enabled:        p.Info.Enabled,
		RuntimeEnabled: p.Info.RuntimeEnabled,
		Reports:        p.Reports != nil,
		BaseURL:        p.Info.BaseURL,
		ClientID:       util.MaskSecret(p.Info.ClientID),
		ClientIDEnv:    p.Info.ClientIDEnv,
		Token:          p.Tokens.Status(),
	}
}

// ProvidersHandler lists configured providers with their token status.
func ProvidersHandler(reg *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list := reg.List()
		views := make([]providerView, 0, len(list))
		for _, p := range list {
			views = append(views, viewOf(p))
		}
		writeJSON(w, http.StatusOK, map[string]any{"providers": views})
	}
}

func ProviderStatusHandler(reg *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupProvider(w, r, reg)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, viewOf(p))
	}
}

// LogoutHandler drops the provider's token and its stored copy.
func LogoutHandler(reg *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupProvider(w, r, reg)
		if !ok {
			return
		}
		if err := p.Tokens.Invalidate(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// CashflowHandler runs a cashflow report for ?from=&to=. With a reportID
// URL parameter it resumes a previously generated report. A report that is
// still processing when polling gives up is answered with 202 and its id.
func CashflowHandler(reg *integration.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupProvider(w, r, reg)
		if !ok {
			return
		}
		period, err := parsePeriod(r)
		if err != nil {
			writeError(w, err)
			return
		}

		res, err := p.Cashflow(r.Context(), period, chi.URLParam(r, "reportID"))
		if err != nil {
			writeError(w, err)
			return
		}
		status := http.StatusOK
		if res.Status == report.StatusTimedOut {
			status = http.StatusAccepted
		}
		writeJSON(w, status, res)
	}
}

func parsePeriod(r *http.Request) (report.Period, error) {
	const op = "cashflow.period"
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		return report.Period{}, apperr.New(apperr.KindConfig, op, "from and to are required (YYYY-MM-DD)")
	}
	start, err := time.Parse(report.DateLayout, from)
	if err != nil {
		return report.Period{}, &apperr.Error{Kind: apperr.KindConfig, Op: op, Hint: "invalid from date", Err: err}
	}
	end, err := time.Parse(report.DateLayout, to)
	if err != nil {
		return report.Period{}, &apperr.Error{Kind: apperr.KindConfig, Op: op, Hint: "invalid to date", Err: err}
	}
	return report.Period{Start: start, End: end}, nil
}

func lookupProvider(w http.ResponseWriter, r *http.Request, reg *integration.Registry) (*integration.Provider, bool) {
	p, err := reg.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found", Message: err.Error()})
		return nil, false
	}
	return p, true
}

// AttemptLogsHandler returns recent upstream attempts.
func AttemptLogsHandler(am *monitor.AttemptMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := monitor.Query{
			Provider: r.URL.Query().Get("provider"),
			ErrOnly:  r.URL.Query().Get("errors") == "1",
		}
		if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
			if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
				q.Limit = l
			}
		}
		if sinceStr := r.URL.Query().Get("since_minutes"); sinceStr != "" {
			if m, err := strconv.Atoi(sinceStr); err == nil && m > 0 {
				q.Since = time.Duration(m) * time.Minute
			}
		}

		logs := am.GetLogs(q)
		writeJSON(w, http.StatusOK, map[string]any{
			"logs":  logs,
			"count": len(logs),
		})
	}
}

func AttemptStatsHandler(am *monitor.AttemptMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, am.GetStats())
	}
}

// ToggleMonitorHandler enables or disables attempt logging
func ToggleMonitorHandler(am *monitor.AttemptMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("enabled") {
		case "true", "1":
			am.SetEnabled(true)
		case "false", "0":
			am.SetEnabled(false)
		default:
			http.Error(w, "enabled must be true or false", http.StatusBadRequest)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": am.IsEnabled()})
	}
}

func ClearAttemptLogsHandler(am *monitor.AttemptMonitor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := am.Clear(); err != nil {
			http.Error(w, "Failed to clear logs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
