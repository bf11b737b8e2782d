package idptest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"sync"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// signingKeys holds the RSA key tokens are signed with.
type signingKeys struct {
	mu  sync.RWMutex
	key *rsa.PrivateKey
	jwk jose.JSONWebKey
	kid string
}

func newSigningKeys() (*signingKeys, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}
	kid := randomID(6)
	return &signingKeys{
		key: key,
		kid: kid,
		jwk: jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"},
	}, nil
}

// Sign signs claims with RS256 and the current kid.
func (k *signingKeys) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.kid
	return token.SignedString(k.key)
}

// Keyfunc resolves the verification key during JWT parsing.
func (k *signingKeys) Keyfunc(*jwt.Token) (any, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return &k.key.PublicKey, nil
}

// PublicJWKS exposes the public half for the JWKS endpoint.
func (k *signingKeys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return jose.JSONWebKeySet{Keys: []jose.JSONWebKey{k.jwk.Public()}}
}

func randomID(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte("fallbackid"))
	}
	return hex.EncodeToString(buf)
}
