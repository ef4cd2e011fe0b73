// finlink links financial providers over OAuth and summarizes their
// cashflow reports. It runs either as a one-shot CLI or as an HTTP gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/statestore"
	"github.com/pysugar/finlink/internal/db"
	"github.com/pysugar/finlink/internal/db/models"
	"github.com/pysugar/finlink/internal/integration"
	"github.com/pysugar/finlink/internal/logging"
	"github.com/pysugar/finlink/internal/metrics"
	"github.com/pysugar/finlink/internal/monitor"
	"github.com/pysugar/finlink/internal/prompt"
	"github.com/pysugar/finlink/internal/providers/catalog"
	"github.com/pysugar/finlink/internal/report"
	"github.com/pysugar/finlink/internal/server"
	"github.com/pysugar/finlink/internal/util"
	"github.com/pysugar/finlink/internal/version"
)

const usage = `finlink links financial providers over OAuth and summarizes cashflow reports.

Usage:
  finlink login <provider> [--flow device|code] [--no-browser]
  finlink status [provider]
  finlink logout <provider>
  finlink cashflow <provider> --from YYYY-MM-DD --to YYYY-MM-DD [--report-id ID]
  finlink serve [--listen addr]
  finlink version

Every command accepts --config to point at a providers file.
`

// exitError carries a process exit code other than 1.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		if coder, ok := err.(interface{ ExitCode() int }); ok {
			if msg := err.Error(); msg != "" {
				fmt.Fprintf(os.Stderr, "error: %s\n", msg)
			}
			os.Exit(coder.ExitCode())
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stdout, usage)
		return nil
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "version", "--version":
		fmt.Fprintf(stdout, "finlink %s (commit %s, built %s)\n", version.Version, version.Commit, version.BuildTime)
		return nil
	case "login":
		return loginCommand(ctx, rest, stdin, stdout, stderr)
	case "status":
		return statusCommand(ctx, rest, stdout, stderr)
	case "logout":
		return logoutCommand(ctx, rest, stdout, stderr)
	case "cashflow":
		return cashflowCommand(ctx, rest, stdout, stderr)
	case "serve":
		return serveCommand(ctx, rest, stderr)
	default:
		fmt.Fprint(stderr, usage)
		return &exitError{code: 2, msg: "unknown command " + cmd}
	}
}

// env is the wiring shared by every command.
type env struct {
	app      catalog.AppConfig
	logger   *zap.Logger
	database *gorm.DB
	store    *db.CredentialStore
	monitor  *monitor.AttemptMonitor
	metrics  *metrics.Metrics
	registry *integration.Registry
}

func (e *env) close() {
	if e.monitor != nil {
		e.monitor.Wait()
	}
	if e.database != nil {
		if sqlDB, err := e.database.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	_ = e.logger.Sync()
}

type commonFlags struct {
	config string
}

func newFlagSet(name string, stderr io.Writer, cf *commonFlags) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cf.config, "config", "", "providers file (overrides FINLINK_PROVIDERS_FILE)")
	return fs
}

func setup(ctx context.Context, cf commonFlags, prompter *prompt.Terminal) (*env, error) {
	catalogErr := catalog.LoadFrom(cf.config)
	app := catalog.App()

	logger, err := logging.New(app.Log)
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	if catalogErr != nil {
		logger.Warn("provider catalog loaded with errors", zap.Error(catalogErr))
	}

	database, err := db.InitDB(app.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("database %s: %w", app.DBPath, err)
	}

	e := &env{
		app:      app,
		logger:   logger,
		database: database,
		store:    db.NewCredentialStore(database),
		monitor:  monitor.New(database, logger),
		metrics:  metrics.New(),
	}
	opts := integration.Options{
		Store:    e.store,
		Observer: e.monitor,
		Metrics:  e.metrics,
		Logger:   logger,
	}
	if prompter != nil {
		opts.Prompter = prompter
	}
	e.registry = integration.Build(catalog.GetProviders(), opts)
	if err := e.registry.Restore(ctx); err != nil {
		logger.Warn("failed to restore some credentials", zap.Error(err))
	}
	return e, nil
}

func providerArg(fs *pflag.FlagSet, cmd string) (string, error) {
	if fs.NArg() != 1 {
		return "", &exitError{code: 2, msg: "usage: finlink " + cmd + " <provider>"}
	}
	return fs.Arg(0), nil
}

func parseFlags(fs *pflag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return &exitError{code: 0}
		}
		return &exitError{code: 2, msg: err.Error()}
	}
	return nil
}

func loginCommand(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var cf commonFlags
	var flowName string
	var noBrowser bool
	fs := newFlagSet("login", stderr, &cf)
	fs.StringVar(&flowName, "flow", "", "login flow: device or code (default: provider setting)")
	fs.BoolVar(&noBrowser, "no-browser", false, "do not try to open a browser")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := providerArg(fs, "login")
	if err != nil {
		return err
	}

	var popts []prompt.Option
	if noBrowser {
		popts = append(popts, prompt.WithoutBrowser())
	}
	e, err := setup(ctx, cf, prompt.NewTerminal(stdin, stderr, popts...))
	if err != nil {
		return err
	}
	defer e.close()

	p, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	st, err := p.Login(ctx, flowName)
	if err != nil {
		return describe(err)
	}
	return printJSON(stdout, st)
}

func statusCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	fs := newFlagSet("status", stderr, &cf)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	e, err := setup(ctx, cf, nil)
	if err != nil {
		return err
	}
	defer e.close()

	creds, err := e.store.List(ctx)
	if err != nil {
		return fmt.Errorf("list stored credentials: %w", err)
	}
	stored := make(map[string]bool, len(creds))
	for _, c := range creds {
		stored[c.Provider] = true
	}

	type row struct {
		ID             string `json:"id"`
		Configured     bool   `json:"configured"`
		Flow           string `json:"flow,omitempty"`
		Enabled        bool   `json:"enabled"`
		RuntimeEnabled bool   `json:"runtime_enabled"`
		Reports        bool   `json:"reports"`
		ClientID       string `json:"client_id,omitempty"`
		Stored         bool   `json:"stored"`
		Token          any    `json:"token,omitempty"`
	}
	wanted := func(id string) bool { return fs.NArg() == 0 || strings.EqualFold(fs.Arg(0), id) }
	var rows []row
	for _, p := range e.registry.List() {
		delete(stored, p.Info.ID)
		if !wanted(p.Info.ID) {
			continue
		}
		rows = append(rows, row{
			ID:             p.Info.ID,
			Configured:     true,
			Flow:           p.Info.Flow,
			Enabled:        p.Info.Enabled,
			RuntimeEnabled: p.Info.RuntimeEnabled,
			Reports:        p.Reports != nil,
			ClientID:       util.MaskSecret(p.Info.ClientID),
			Stored:         storedFor(creds, p.Info.ID),
			Token:          p.Tokens.Status(),
		})
	}
	// Credentials left behind by providers no longer in the catalog.
	for _, c := range creds {
		if stored[c.Provider] && wanted(c.Provider) {
			rows = append(rows, row{ID: c.Provider, Stored: true})
		}
	}
	if fs.NArg() > 0 && len(rows) == 0 {
		return apperr.New(apperr.KindConfig, "status", "unknown provider "+fs.Arg(0))
	}
	return printJSON(stdout, rows)
}

func storedFor(creds []models.Credential, provider string) bool {
	for _, c := range creds {
		if c.Provider == provider {
			return true
		}
	}
	return false
}

func logoutCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	fs := newFlagSet("logout", stderr, &cf)
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := providerArg(fs, "logout")
	if err != nil {
		return err
	}
	e, err := setup(ctx, cf, nil)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if err := p.Tokens.Invalidate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "logged out of %s\n", p.Info.ID)
	return nil
}

func cashflowCommand(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	var cf commonFlags
	var from, to, reportID string
	fs := newFlagSet("cashflow", stderr, &cf)
	fs.StringVar(&from, "from", "", "period start, YYYY-MM-DD")
	fs.StringVar(&to, "to", "", "period end, YYYY-MM-DD")
	fs.StringVar(&reportID, "report-id", "", "resume waiting for an already generated report")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	id, err := providerArg(fs, "cashflow")
	if err != nil {
		return err
	}
	start, err := time.Parse(report.DateLayout, from)
	if err != nil {
		return &exitError{code: 2, msg: "--from must be YYYY-MM-DD"}
	}
	end, err := time.Parse(report.DateLayout, to)
	if err != nil {
		return &exitError{code: 2, msg: "--to must be YYYY-MM-DD"}
	}

	e, err := setup(ctx, cf, nil)
	if err != nil {
		return err
	}
	defer e.close()

	p, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	ctx, _ = logging.EnsureRequestID(ctx)
	res, err := p.Cashflow(ctx, report.Period{Start: start, End: end}, reportID)
	if err != nil {
		return describe(err)
	}
	if err := printJSON(stdout, res); err != nil {
		return err
	}
	if res.Status == report.StatusTimedOut {
		return &exitError{code: 3, msg: fmt.Sprintf("report %s is still processing; rerun with --report-id %s", res.ReportID, res.ReportID)}
	}
	return nil
}

func serveCommand(ctx context.Context, args []string, stderr io.Writer) error {
	var cf commonFlags
	var listen string
	fs := newFlagSet("serve", stderr, &cf)
	fs.StringVar(&listen, "listen", "", "listen address (default: app.listen)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}
	e, err := setup(ctx, cf, nil)
	if err != nil {
		return err
	}
	defer e.close()

	if listen == "" {
		listen = e.app.Listen
	}

	var states statestore.Store
	switch e.app.StateStore.Driver {
	case catalog.StateStoreRedis:
		rs, err := statestore.DialRedis(ctx, e.app.StateStore.Addr, e.app.StateStore.Password, e.app.StateStore.DB)
		if err != nil {
			return fmt.Errorf("state store: %w", err)
		}
		defer rs.Close()
		states = rs
	default:
		states = statestore.NewMemory(nil)
	}

	adminPassword := os.Getenv("FINLINK_ADMIN_PASSWORD")
	if adminPassword == "" {
		e.logger.Warn("FINLINK_ADMIN_PASSWORD is not set, admin routes are unauthenticated")
	}

	srv := &http.Server{
		Addr: listen,
		Handler: server.NewRouter(server.Deps{
			Registry:      e.registry,
			States:        states,
			Monitor:       e.monitor,
			Metrics:       e.metrics,
			Logger:        e.logger,
			AdminPassword: adminPassword,
			PublicURL:     e.app.PublicURL,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.logger.Info("finlink gateway starting",
			zap.String("addr", listen),
			zap.String("version", version.Version),
			zap.String("state_store", e.app.StateStore.Driver))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	e.logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}

// describe adds a next step to errors a user can act on.
func describe(err error) error {
	switch apperr.KindOf(err) {
	case apperr.KindNotAuthenticated, apperr.KindReauthRequired, apperr.KindAuthRequired:
		return fmt.Errorf("%w (run: finlink login <provider>)", err)
	case apperr.KindConfig:
		return fmt.Errorf("%w (check the providers file and FINLINK_<ID>_CLIENT_ID)", err)
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
