package server

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/pysugar/finlink/internal/apperr"
	"github.com/pysugar/finlink/internal/auth/statestore"
	"github.com/pysugar/finlink/internal/logging"
)

// callbackURL is where the provider sends the user back to. It is derived
// from the request unless a public URL is configured.
func callbackURL(r *http.Request, publicURL, providerID string) string {
	base := strings.TrimRight(publicURL, "/")
	if base == "" {
		scheme := "http"
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return fmt.Sprintf("%s/oauth/%s/callback", base, providerID)
}

// OAuthLoginHandler starts an authorization-code login and redirects the
// browser to the provider.
func OAuthLoginHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := lookupProvider(w, r, d.Registry)
		if !ok {
			return
		}
		if !p.Info.Enabled {
			writeError(w, apperr.New(apperr.KindConfig, "oauth.login", "provider "+p.Info.ID+" is disabled"))
			return
		}

		st, authURL, err := p.Engine.BeginAuthCode(callbackURL(r, d.PublicURL, p.Info.ID))
		if err != nil {
			writeError(w, err)
			return
		}
		if err := d.States.Save(r.Context(), st.State, statestore.Entry{Provider: p.Info.ID, Flow: st}, statestore.DefaultTTL); err != nil {
			writeError(w, apperr.Wrap(err, apperr.KindUnknown, "oauth.login"))
			return
		}
		http.Redirect(w, r, authURL, http.StatusFound)
	}
}

// OAuthCallbackHandler finishes a login started by OAuthLoginHandler. The
// pending entry is consumed before anything else, so a state value works
// at most once.
func OAuthCallbackHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		const op = "oauth.callback"
		log := logging.FromContext(r.Context(), d.Logger)

		p, ok := lookupProvider(w, r, d.Registry)
		if !ok {
			return
		}
		state := r.URL.Query().Get("state")
		if state == "" {
			writeError(w, apperr.New(apperr.KindStateMismatch, op, "callback has no state parameter"))
			return
		}
		entry, found, err := d.States.Consume(r.Context(), state)
		if err != nil {
			writeError(w, apperr.Wrap(err, apperr.KindUnknown, op))
			return
		}
		if !found || entry.Provider != p.Info.ID {
			log.Warn("oauth callback with unknown state", zap.String("provider", p.Info.ID))
			writeError(w, apperr.New(apperr.KindStateMismatch, op, "unknown or expired login attempt"))
			return
		}

		rec, err := p.Engine.CompleteAuthCode(r.Context(), entry.Flow, r.URL.RawQuery)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := p.Tokens.Establish(r.Context(), rec); err != nil {
			writeError(w, err)
			return
		}
		log.Info("oauth login complete", zap.String("provider", p.Info.ID))
		writeJSON(w, http.StatusOK, map[string]any{
			"status": "authenticated",
			"token":  p.Tokens.Status(),
		})
	}
}
