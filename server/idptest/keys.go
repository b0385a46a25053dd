package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// signingKey is the provider's single RSA key published through the JWKS.
type signingKey struct {
	private *rsa.PrivateKey
	jwk     jose.JSONWebKey
	kid     string
}

func newSigningKey() (*signingKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kid := randomHex(6)
	return &signingKey{
		private: key,
		jwk:     jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
		kid:     kid,
	}, nil
}

// Sign signs claims with RS256 and stamps the key id.
func (k *signingKey) Sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = k.kid
	return token.SignedString(k.private)
}

// PublicJWKS exposes the public half for the JWKS endpoint.
func (k *signingKey) PublicJWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.jwk.Public()}}
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "0000"
	}
	return hex.EncodeToString(buf)
}
