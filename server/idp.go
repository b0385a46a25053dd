package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/sessions"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-uuid"
	"golang.org/x/oauth2"
)

// The login transaction lives in its own short-lived cookie so the user
// session only ever carries the identity.
const (
	txCookieName  = "auth_tx"
	txTTL         = 10 * time.Minute
	txStateKey    = "state"
	txNonceKey    = "nonce"
	txVerifierKey = "code_verifier"
	txRedirectKey = "redirect_uri"
)

// IdentityProvider represents the behaviour required from the upstream IdP.
type IdentityProvider interface {
	// AuthorizationRedirect records a login transaction on w and returns the
	// provider URL the browser must be sent to.
	AuthorizationRedirect(w http.ResponseWriter, r *http.Request, callbackURL string) (string, error)
	// ExchangeCode completes the transaction carried by the callback request.
	ExchangeCode(ctx context.Context, w http.ResponseWriter, r *http.Request) (Token, error)
	FetchUserInfo(ctx context.Context, tok Token) (UserIdentity, error)
	LogoutURL(returnTo string) string
}

// OIDCProvider talks to an Auth0 tenant through discovery metadata.
type OIDCProvider struct {
	provider    *oidc.Provider
	oauthConfig *oauth2.Config
	verifier    *oidc.IDTokenVerifier
	httpClient  *http.Client
	timeout     time.Duration
	txStore     *sessions.CookieStore
	clientID    string
	baseURL     string
	audience    string
	logger      *slog.Logger
}

// NewOIDCProvider initializes the provider via discovery.
func NewOIDCProvider(ctx context.Context, cfg Config, logger *slog.Logger) (*OIDCProvider, error) {
	httpClient := newProviderHTTPClient(cfg.Provider.Timeout)

	discoverCtx, cancel := context.WithTimeout(oidc.ClientContext(ctx, httpClient), cfg.Provider.Timeout)
	defer cancel()

	issuer := cfg.IssuerURL()
	op, err := oidc.NewProvider(discoverCtx, issuer)
	if err != nil {
		return nil, fmt.Errorf("discover provider %s: %w", issuer, err)
	}

	endpoint := op.Endpoint()
	if cfg.Auth0.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	scopes := cfg.Auth0.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	txStore := newCookieStore(cfg, txTTL)
	if cfg.SecureCookies() {
		// Lets form_post callbacks from the provider's origin carry the cookie.
		txStore.Options.SameSite = http.SameSiteNoneMode
	}

	logger.Debug("provider discovered", "issuer", issuer, "authorization_endpoint", endpoint.AuthURL)

	return &OIDCProvider{
		provider: op,
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.Auth0.ClientID,
			ClientSecret: cfg.Auth0.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		verifier:   op.Verifier(&oidc.Config{ClientID: cfg.Auth0.ClientID}),
		httpClient: httpClient,
		timeout:    cfg.Provider.Timeout,
		txStore:    txStore,
		clientID:   cfg.Auth0.ClientID,
		baseURL:    cfg.ProviderBaseURL(),
		audience:   cfg.Auth0.Audience,
		logger:     logger,
	}, nil
}

func newProviderHTTPClient(timeout time.Duration) *http.Client {
	client := cleanhttp.DefaultPooledClient()
	client.Timeout = timeout
	return client
}

// AuthorizationRedirect constructs the authorization request for upstream.
func (p *OIDCProvider) AuthorizationRedirect(w http.ResponseWriter, r *http.Request, callbackURL string) (string, error) {
	state, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	nonce, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	verifier := oauth2.GenerateVerifier()

	tx, _ := p.txStore.Get(r, txCookieName)
	tx.Values[txStateKey] = state
	tx.Values[txNonceKey] = nonce
	tx.Values[txVerifierKey] = verifier
	tx.Values[txRedirectKey] = callbackURL
	if err := tx.Save(r, w); err != nil {
		return "", fmt.Errorf("save login transaction: %w", err)
	}

	opts := []oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("redirect_uri", callbackURL),
		oauth2.S256ChallengeOption(verifier),
		oidc.Nonce(nonce),
	}
	if p.audience != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", p.audience))
	}
	return p.oauthConfig.AuthCodeURL(state, opts...), nil
}

// ExchangeCode validates the callback against the pending login transaction,
// redeems the authorization code and verifies the returned ID token.
func (p *OIDCProvider) ExchangeCode(ctx context.Context, w http.ResponseWriter, r *http.Request) (Token, error) {
	if err := r.ParseForm(); err != nil {
		return Token{}, providerError(OpAuthorize, fmt.Errorf("parse callback: %w", err))
	}

	tx, err := p.txStore.Get(r, txCookieName)
	if err != nil {
		p.endTransaction(w, r, tx)
		return Token{}, providerError(OpState, fmt.Errorf("login transaction unreadable: %w", err))
	}
	state, _ := tx.Values[txStateKey].(string)
	nonce, _ := tx.Values[txNonceKey].(string)
	verifier, _ := tx.Values[txVerifierKey].(string)
	redirectURI, _ := tx.Values[txRedirectKey].(string)
	p.endTransaction(w, r, tx)

	if state == "" {
		return Token{}, providerError(OpState, errors.New("no login in progress"))
	}
	if r.FormValue("state") != state {
		return Token{}, providerError(OpState, errors.New("state mismatch"))
	}
	if code := r.FormValue("error"); code != "" {
		if desc := r.FormValue("error_description"); desc != "" {
			return Token{}, providerError(OpAuthorize, fmt.Errorf("%s: %s", code, desc))
		}
		return Token{}, providerError(OpAuthorize, errors.New(code))
	}
	code := r.FormValue("code")
	if code == "" {
		return Token{}, providerError(OpAuthorize, errors.New("authorization code missing"))
	}

	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.httpClient), p.timeout)
	defer cancel()

	tok, err := p.oauthConfig.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("redirect_uri", redirectURI),
	)
	if err != nil {
		return Token{}, providerError(OpExchange, err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return Token{}, providerError(OpIDToken, errors.New("id_token missing in response"))
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return Token{}, providerError(OpIDToken, err)
	}
	if idToken.Nonce != nonce {
		return Token{}, providerError(OpIDToken, errors.New("nonce mismatch"))
	}

	return Token{OAuth2: tok, IDToken: idToken}, nil
}

// FetchUserInfo retrieves the user's claims from the userinfo endpoint.
func (p *OIDCProvider) FetchUserInfo(ctx context.Context, tok Token) (UserIdentity, error) {
	if tok.OAuth2 == nil {
		return UserIdentity{}, providerError(OpUserInfo, errors.New("no access token"))
	}

	ctx, cancel := context.WithTimeout(oidc.ClientContext(ctx, p.httpClient), p.timeout)
	defer cancel()

	info, err := p.provider.UserInfo(ctx, oauth2.StaticTokenSource(tok.OAuth2))
	if err != nil {
		return UserIdentity{}, providerError(OpUserInfo, err)
	}

	var claims map[string]any
	if err := info.Claims(&claims); err != nil {
		return UserIdentity{}, providerError(OpUserInfo, fmt.Errorf("parse claims: %w", err))
	}
	id, ok := identityFromClaims(claims)
	if !ok {
		return UserIdentity{}, providerError(OpUserInfo, errors.New("sub missing in response"))
	}
	if tok.IDToken != nil && tok.IDToken.Subject != id.Subject {
		return UserIdentity{}, providerError(OpUserInfo, errors.New("sub does not match id_token"))
	}
	return id, nil
}

// LogoutURL is the provider's logout endpoint, returning the browser to returnTo.
func (p *OIDCProvider) LogoutURL(returnTo string) string {
	return BuildLogoutURL(p.baseURL, p.clientID, returnTo)
}

// BuildLogoutURL encodes the Auth0 /v2/logout request. Spaces become '+'.
func BuildLogoutURL(baseURL, clientID, returnTo string) string {
	q := url.Values{}
	q.Set("returnTo", returnTo)
	q.Set("client_id", clientID)
	return baseURL + "/v2/logout?" + q.Encode()
}

func (p *OIDCProvider) endTransaction(w http.ResponseWriter, r *http.Request, tx *sessions.Session) {
	for k := range tx.Values {
		delete(tx.Values, k)
	}
	tx.Options.MaxAge = -1
	if err := tx.Save(r, w); err != nil {
		p.logger.Warn("clear login transaction", "error", err)
	}
}
