// Package idptest runs an in-process OpenID Connect provider that mimics the
// parts of an Auth0 tenant the gateway talks to: discovery, /authorize,
// /oauth/token, /userinfo, the JWKS and /v2/logout. Authorization requests
// are approved immediately for the configured user.
package idptest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

// User is the identity the provider hands out. Nil optional claims are left
// out of the ID token and the userinfo response.
type User struct {
	Subject string
	Email   *string
	Name    *string
}

func (u User) claims() map[string]any {
	out := map[string]any{"sub": u.Subject}
	if u.Email != nil {
		out["email"] = *u.Email
	}
	if u.Name != nil {
		out["name"] = *u.Name
	}
	return out
}

type issuedCode struct {
	user        User
	redirectURI string
	nonce       string
	challenge   string
	expiresAt   time.Time
}

// Provider is a running test identity provider.
type Provider struct {
	ClientID     string
	ClientSecret string

	server *httptest.Server
	keys   *signingKey

	mu            sync.Mutex
	user          User
	codes         map[string]issuedCode
	accessTokens  map[string]User
	exchangeError string
	userInfoError bool
	denyReason    string
	logouts       []url.Values
}

// New starts a provider that accepts the given client credentials.
func New(clientID, clientSecret string) (*Provider, error) {
	keys, err := newSigningKey()
	if err != nil {
		return nil, err
	}
	p := &Provider{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		keys:         keys,
		user:         User{Subject: "auth0|test-user"},
		codes:        make(map[string]issuedCode),
		accessTokens: make(map[string]User),
	}
	p.server = httptest.NewServer(p.routes())
	return p, nil
}

func (p *Provider) routes() http.Handler {
	r := chi.NewRouter()
	r.Get("/.well-known/openid-configuration", p.handleDiscovery)
	r.Get("/.well-known/jwks.json", p.handleJWKS)
	r.Get("/authorize", p.handleAuthorize)
	r.Post("/oauth/token", p.handleToken)
	r.Get("/userinfo", p.handleUserInfo)
	r.Get("/v2/logout", p.handleLogout)
	return r
}

// Close shuts the provider down.
func (p *Provider) Close() {
	p.server.Close()
}

// URL is the provider's base URL without a trailing slash.
func (p *Provider) URL() string {
	return p.server.URL
}

// Issuer is the issuer identifier, with the trailing slash Auth0 uses.
func (p *Provider) Issuer() string {
	return p.server.URL + "/"
}

// SetUser changes the identity handed out by subsequent logins.
func (p *Provider) SetUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.user = u
}

// FailExchange makes the token endpoint reject codes with invalid_grant and
// the given description. An empty description restores normal behaviour.
func (p *Provider) FailExchange(description string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.exchangeError = description
}

// FailUserInfo makes the userinfo endpoint answer 401.
func (p *Provider) FailUserInfo(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userInfoError = fail
}

// DenyAuthorization makes /authorize redirect back with access_denied.
func (p *Provider) DenyAuthorization(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.denyReason = reason
}

// Logouts returns the query strings received by /v2/logout.
func (p *Provider) Logouts() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.logouts...)
}

func (p *Provider) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := p.URL()
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"authorization_endpoint":                base + "/authorize",
		"token_endpoint":                        base + "/oauth/token",
		"userinfo_endpoint":                     base + "/userinfo",
		"jwks_uri":                              base + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"response_modes_supported":              []string{"query", "form_post"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post"},
	})
}

func (p *Provider) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, p.keys.PublicJWKS())
}

func (p *Provider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("client_id") != p.ClientID {
		http.Error(w, "unknown client", http.StatusBadRequest)
		return
	}
	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if redirectURI == "" || err != nil {
		http.Error(w, "invalid redirect_uri", http.StatusBadRequest)
		return
	}
	if q.Get("response_type") != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		http.Error(w, "pkce required", http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	deny := p.denyReason
	values := target.Query()
	if deny != "" {
		values.Set("error", "access_denied")
		values.Set("error_description", deny)
	} else {
		code := randomHex(16)
		p.codes[code] = issuedCode{
			user:        p.user,
			redirectURI: redirectURI,
			nonce:       q.Get("nonce"),
			challenge:   q.Get("code_challenge"),
			expiresAt:   time.Now().Add(time.Minute),
		}
		values.Set("code", code)
	}
	p.mu.Unlock()

	if state := q.Get("state"); state != "" {
		values.Set("state", state)
	}
	target.RawQuery = values.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}

func (p *Provider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "invalid form")
		return
	}
	if !p.authenticateClient(r) {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if r.PostFormValue("grant_type") != "authorization_code" {
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.exchangeError != "" {
		tokenError(w, http.StatusForbidden, "invalid_grant", p.exchangeError)
		return
	}

	code := r.PostFormValue("code")
	issued, ok := p.codes[code]
	delete(p.codes, code)
	if !ok || time.Now().After(issued.expiresAt) {
		tokenError(w, http.StatusForbidden, "invalid_grant", "Invalid authorization code")
		return
	}
	if r.PostFormValue("redirect_uri") != issued.redirectURI {
		tokenError(w, http.StatusForbidden, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if s256(r.PostFormValue("code_verifier")) != issued.challenge {
		tokenError(w, http.StatusForbidden, "invalid_grant", "Failed to verify code verifier")
		return
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iss": p.Issuer(),
		"aud": p.ClientID,
		"iat": now.Unix(),
		"exp": now.Add(time.Hour).Unix(),
	}
	for k, v := range issued.user.claims() {
		claims[k] = v
	}
	if issued.nonce != "" {
		claims["nonce"] = issued.nonce
	}
	idToken, err := p.keys.Sign(claims)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	accessToken := randomHex(24)
	p.accessTokens[accessToken] = issued.user

	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": accessToken,
		"id_token":     idToken,
		"token_type":   "Bearer",
		"expires_in":   3600,
		"scope":        "openid profile email",
	})
}

func (p *Provider) authenticateClient(r *http.Request) bool {
	id, secret, ok := r.BasicAuth()
	if ok {
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
	} else {
		id = r.PostFormValue("client_id")
		secret = r.PostFormValue("client_secret")
	}
	return id == p.ClientID && secret == p.ClientSecret
}

func (p *Provider) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))

	p.mu.Lock()
	user, ok := p.accessTokens[token]
	fail := p.userInfoError
	p.mu.Unlock()

	if fail || !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	writeJSON(w, http.StatusOK, user.claims())
}

func (p *Provider) handleLogout(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	p.mu.Lock()
	p.logouts = append(p.logouts, q)
	p.mu.Unlock()

	returnTo := q.Get("returnTo")
	if q.Get("client_id") != p.ClientID || returnTo == "" {
		w.WriteHeader(http.StatusOK)
		return
	}
	http.Redirect(w, r, returnTo, http.StatusFound)
}

func s256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	body := map[string]string{"error": code}
	if desc != "" {
		body["error_description"] = desc
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
