package server

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
)

//go:embed templates/*.html
var templateFS embed.FS

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Audit    *AuditLogger
	Sessions *SessionManager
	Provider IdentityProvider
	pages    *template.Template
}

// NewApp discovers the configured provider and wires the application.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	provider, err := NewOIDCProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(cfg, logger, provider)
}

// New wires the application around an already constructed provider.
func New(cfg Config, logger *slog.Logger, provider IdentityProvider) (*App, error) {
	if provider == nil {
		return nil, errors.New("identity provider required")
	}
	pages, err := template.ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &App{
		Config:   cfg,
		Logger:   logger,
		Audit:    NewAuditLogger(logger, nil),
		Sessions: NewSessionManager(cfg, logger),
		Provider: provider,
		pages:    pages,
	}, nil
}

type pageData struct {
	Identity *UserIdentity
	Pretty   string
}

func newPageData(id UserIdentity) pageData {
	return pageData{Identity: &id, Pretty: id.Pretty()}
}

func (a *App) handleHome(w http.ResponseWriter, r *http.Request) {
	a.Audit.HomeAccessed(r.Context())

	data := pageData{}
	if id, ok := a.Sessions.Identity(r); ok {
		data = newPageData(id)
	}
	a.render(w, "home.html", data)
}

func (a *App) handleLogin(w http.ResponseWriter, r *http.Request) {
	a.Audit.LoginPageAccessed(r.Context())

	target, err := a.Provider.AuthorizationRedirect(w, r, a.absoluteURL(r, "/callback"))
	if err != nil {
		a.Logger.Error("start login", "error", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := a.authenticate(ctx, w, r)
	if err != nil {
		// Failed logins land on the home page; the session keeps its prior state.
		a.Audit.LoginFailed(ctx, err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	if err := a.Sessions.SetIdentity(w, r, id); err != nil {
		a.Logger.Error("session save", "error", err)
		http.Redirect(w, r, "/", http.StatusFound)
		return
	}

	a.Audit.LoginSucceeded(ctx, id)
	http.Redirect(w, r, "/", http.StatusFound)
}

// authenticate runs the code exchange and user-info fetch. Every failure is
// reported as a *ProviderError.
func (a *App) authenticate(ctx context.Context, w http.ResponseWriter, r *http.Request) (UserIdentity, error) {
	tok, err := a.Provider.ExchangeCode(ctx, w, r)
	if err != nil {
		return UserIdentity{}, asProviderError(OpExchange, err)
	}
	id, err := a.Provider.FetchUserInfo(ctx, tok)
	if err != nil {
		return UserIdentity{}, asProviderError(OpUserInfo, err)
	}
	return id, nil
}

func asProviderError(op string, err error) error {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return err
	}
	return providerError(op, err)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if id, ok := a.Sessions.Identity(r); ok {
		a.Audit.LoggedOut(r.Context(), id)
	}
	if err := a.Sessions.Clear(w, r); err != nil {
		a.Logger.Error("session clear", "error", err)
	}
	http.Redirect(w, r, a.Provider.LogoutURL(a.absoluteURL(r, "/")), http.StatusFound)
}

func (a *App) handleProtected(w http.ResponseWriter, r *http.Request) {
	id, ok := a.Sessions.Identity(r)
	if !ok {
		a.Audit.UnauthorizedAccess(r.Context(), r.URL.Path)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}

	a.Audit.ProtectedAccessed(r.Context(), id)
	a.render(w, "protected.html", newPageData(id))
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) render(w http.ResponseWriter, name string, data pageData) {
	var buf bytes.Buffer
	if err := a.pages.ExecuteTemplate(&buf, name, data); err != nil {
		a.Logger.Error("template error", "template", name, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = buf.WriteTo(w)
}

// absoluteURL resolves path against the public URL, or against the request's
// own scheme and host when no public URL is configured.
func (a *App) absoluteURL(r *http.Request, path string) string {
	if a.Config.Server.PublicURL != "" {
		return strings.TrimSuffix(a.Config.Server.PublicURL, "/") + path
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	host := r.Host
	if a.Config.Server.TrustProxyHeaders {
		if v := firstHeaderValue(r.Header.Get("X-Forwarded-Proto")); v != "" {
			scheme = v
		}
		if v := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); v != "" {
			host = v
		}
	}
	return scheme + "://" + host + path
}

func firstHeaderValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
