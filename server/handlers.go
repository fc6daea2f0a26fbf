package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"oidcrp/rp"
)

// Access-denied reasons shown to the browser. Detail stays in the logs.
const (
	reasonAccessDenied           = "access_denied"
	reasonProviderError          = "provider_error"
	reasonSignInFailed           = "sign_in_failed"
	reasonTemporarilyUnavailable = "temporarily_unavailable"

	accessDeniedPath = "/account/access-denied"
)

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Store    Store
	Sessions *SessionManager
	Scheme   rp.Scheme
	Metrics  *Metrics

	party *rp.RelyingParty
}

// NewApp wires together the application state from configuration. Extra
// options are passed to the relying party.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger, opts ...rp.Option) (*App, error) {
	store, err := NewStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	metrics := NewMetrics()

	rpOpts := append([]rp.Option{rp.WithLogger(logger), rp.WithObserver(metrics)}, opts...)
	party, err := rp.New(cfg.RelyingPartyConfig(), store, rpOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	sessions, err := NewSessionManager(cfg, store, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		Config:   cfg,
		Logger:   logger,
		Store:    store,
		Sessions: sessions,
		Scheme:   party,
		Metrics:  metrics,
		party:    party,
	}, nil
}

// Warm fetches provider metadata so the first sign-in does not wait on discovery.
func (a *App) Warm(ctx context.Context) error {
	_, err := a.party.Metadata(ctx)
	return err
}

// Close releases the store.
func (a *App) Close() error {
	return a.Store.Close()
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnURL := a.Config.ReturnURL(r.URL.Query().Get("returnUrl"))
	if _, ok := PrincipalFromContext(r.Context()); ok && a.Config.Sessions.SkipChallengeWhenAuthenticated {
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}
	a.challenge(w, r, returnURL)
}

func (a *App) challenge(w http.ResponseWriter, r *http.Request, returnURL string) {
	target, err := a.Scheme.Challenge(r.Context(), returnURL)
	if err != nil {
		reason := failureReason(err)
		a.Logger.Error("sign-in challenge failed", "error", err, "reason", reason)
		a.redirectDenied(w, r, reason, http.StatusFound)
		return
	}
	a.Metrics.challenge()
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.Logger.Warn("callback parse form", "error", err)
		a.Metrics.callback(reasonSignInFailed)
		a.redirectDenied(w, r, reasonSignInFailed, http.StatusSeeOther)
		return
	}
	res, err := a.Scheme.HandleCallback(r.Context(), rp.CallbackParamsFromValues(r.Form))
	if err != nil {
		reason := failureReason(err)
		attrs := []any{"error", err, "reason", reason}
		var tve *rp.TokenValidationError
		if errors.As(err, &tve) {
			attrs = append(attrs, "check", tve.Check)
		}
		a.Logger.Warn("sign-in callback rejected", attrs...)
		a.Metrics.callback(reason)
		a.redirectDenied(w, r, reason, http.StatusSeeOther)
		return
	}

	if err := a.Sessions.Set(w, r, res.Principal); err != nil {
		a.Logger.Error("session create", "error", err)
		a.Metrics.callback(reasonSignInFailed)
		a.redirectDenied(w, r, reasonSignInFailed, http.StatusSeeOther)
		return
	}
	setSubject(r.Context(), res.Principal.Subject)
	a.Metrics.callback("success")
	http.Redirect(w, r, a.Config.ReturnURL(res.ReturnURL), http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if crossSite(r, a.Config.Server.PublicURL) {
		http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
		return
	}
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	if err := a.Sessions.Clear(w, r); err != nil {
		a.Logger.Error("session clear", "error", err)
	}
	target, err := a.Scheme.SignOut(r.Context(), p, r.FormValue("returnUrl"))
	if err != nil {
		a.Logger.Error("provider sign-out", "error", err)
		target = rp.SafeReturnURL(a.Config.OIDC.SignedOutRedirectURI, "/")
	}
	a.Metrics.logout("local")
	http.Redirect(w, r, target, http.StatusFound)
}

// crossSite reports whether the browser marked r as coming from another
// site, either through Sec-Fetch-Site or an Origin other than publicURL's.
func crossSite(r *http.Request, publicURL string) bool {
	if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return false
	}
	u, err := url.Parse(publicURL)
	if err != nil || u.Host == "" {
		return false
	}
	return !strings.EqualFold(origin, u.Scheme+"://"+u.Host)
}

func (a *App) handleSignedOut(w http.ResponseWriter, r *http.Request) {
	target := a.Scheme.HandleSignOutCallback(r.Context(), r.URL.Query().Get("state"))
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleRemoteSignOut(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if p, ok := PrincipalFromContext(r.Context()); ok {
		if a.Scheme.ValidateRemoteSignOut(r.Context(), p, r.Form.Get("iss"), r.Form.Get("sid")) {
			if err := a.Sessions.Clear(w, r); err != nil {
				a.Logger.Error("session clear", "error", err)
			}
			a.Metrics.logout("remote")
			a.Logger.Info("remote sign-out", "sub", p.Subject)
		} else {
			a.Logger.Warn("remote sign-out ignored", "reason", "iss or sid mismatch")
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (a *App) handleAccessDenied(w http.ResponseWriter, r *http.Request) {
	reason := r.URL.Query().Get("reason")
	msg, ok := reasonMessages[reason]
	if !ok {
		msg = reasonMessages[reasonSignInFailed]
	}
	w.WriteHeader(http.StatusForbidden)
	a.render(w, "denied", map[string]any{"Message": msg})
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	a.render(w, "home", map[string]any{"Principal": p})
}

func (a *App) handleSecure(w http.ResponseWriter, r *http.Request) {
	p, ok := PrincipalFromContext(r.Context())
	if !ok {
		a.challenge(w, r, a.Config.ReturnURL(r.URL.RequestURI()))
		return
	}
	keys := make([]string, 0, len(p.Claims))
	for k := range p.Claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	claims := make([][2]string, 0, len(keys))
	for _, k := range keys {
		claims = append(claims, [2]string{k, fmt.Sprint(p.Claims[k])})
	}
	a.render(w, "secure", map[string]any{"Principal": p, "Claims": claims})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) redirectDenied(w http.ResponseWriter, r *http.Request, reason string, status int) {
	http.Redirect(w, r, accessDeniedPath+"?reason="+url.QueryEscape(reason), status)
}

func (a *App) render(w http.ResponseWriter, name string, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := pages.ExecuteTemplate(w, name, data); err != nil {
		a.Logger.Error("render page", "page", name, "error", err)
	}
}

// failureReason maps a sign-in error onto the reason shown to the user.
func failureReason(err error) string {
	var pe *rp.ProviderError
	switch {
	case errors.As(err, &pe):
		if pe.Code == "access_denied" {
			return reasonAccessDenied
		}
		return reasonProviderError
	case errors.Is(err, rp.ErrDiscovery), errors.Is(err, rp.ErrTokenExchange):
		return reasonTemporarilyUnavailable
	default:
		return reasonSignInFailed
	}
}

var reasonMessages = map[string]string{
	reasonAccessDenied:           "You declined to sign in.",
	reasonProviderError:          "The identity provider could not complete the sign-in.",
	reasonSignInFailed:           "The sign-in could not be verified. Please try again.",
	reasonTemporarilyUnavailable: "The identity provider is temporarily unavailable. Please try again later.",
}

var pages = template.Must(template.New("pages").Parse(`
{{define "home"}}<!doctype html>
<html><head><title>Home</title></head><body>
{{if .Principal}}<p>Signed in as {{.Principal.DisplayName}}.</p>
<form method="post" action="/account/logout"><button type="submit">Sign out</button></form>
{{else}}<p><a href="/account/login">Sign in</a></p>{{end}}
<p><a href="/home/secure">Secure page</a></p>
</body></html>{{end}}

{{define "secure"}}<!doctype html>
<html><head><title>Secure</title></head><body>
<h1>{{.Principal.DisplayName}}</h1>
<p>Authenticated by {{.Principal.Issuer}}.</p>
<table>{{range .Claims}}<tr><th>{{index . 0}}</th><td>{{index . 1}}</td></tr>{{end}}</table>
<form method="post" action="/account/logout"><button type="submit">Sign out</button></form>
</body></html>{{end}}

{{define "denied"}}<!doctype html>
<html><head><title>Access denied</title></head><body>
<h1>Access denied</h1>
<p>{{.Message}}</p>
<p><a href="/">Home</a></p>
</body></html>{{end}}
`))

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
