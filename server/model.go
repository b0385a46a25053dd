package server

import (
	"encoding/json"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// UserIdentity is the authenticated principal kept in the session. Optional
// claims the provider did not send stay nil.
type UserIdentity struct {
	Subject string  `json:"sub"`
	Email   *string `json:"email,omitempty"`
	Name    *string `json:"name,omitempty"`
}

// EmailOr returns the email claim or def when the provider omitted it.
func (u UserIdentity) EmailOr(def string) string {
	if u.Email == nil {
		return def
	}
	return *u.Email
}

// NameOr returns the display name claim or def when the provider omitted it.
func (u UserIdentity) NameOr(def string) string {
	if u.Name == nil {
		return def
	}
	return *u.Name
}

// Pretty renders the identity as indented JSON for the templates.
func (u UserIdentity) Pretty() string {
	b, err := json.MarshalIndent(u, "", "    ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// identityFromClaims builds an identity from a raw claim set, keeping absent
// optional claims absent.
func identityFromClaims(claims map[string]any) (UserIdentity, bool) {
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return UserIdentity{}, false
	}
	id := UserIdentity{Subject: sub}
	if email, ok := claims["email"].(string); ok {
		id.Email = &email
	}
	if name, ok := claims["name"].(string); ok {
		id.Name = &name
	}
	return id, true
}

// Token is the result of a successful authorization-code exchange.
type Token struct {
	OAuth2  *oauth2.Token
	IDToken *oidc.IDToken
}

// StringPtr is a small helper for building identities in code and tests.
func StringPtr(v string) *string {
	return &v
}
