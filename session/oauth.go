package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// oauth2Config maps the client registration and discovered endpoints onto
// x/oauth2. Public clients send client_id in the form body.
func oauth2Config(cfg OAuthConfig, meta Metadata) *oauth2.Config {
	style := oauth2.AuthStyleInParams
	if cfg.ClientSecret != "" {
		style = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   meta.AuthorizationEndpoint,
			TokenURL:  meta.TokenEndpoint,
			AuthStyle: style,
		},
		RedirectURL: cfg.RedirectURI(),
		Scopes:      cfg.Scopes,
	}
}

func withHTTPClient(ctx context.Context, client *http.Client) context.Context {
	if client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}

// tokenSetFrom converts a token endpoint response, applying the defaults for
// omitted fields. previousRefresh is kept when the response carries none.
func tokenSetFrom(tok *oauth2.Token, previousRefresh string) TokenSet {
	ts := TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    expiresIn(tok),
		TokenType:    tok.TokenType,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = previousRefresh
	}
	if ts.TokenType == "" {
		ts.TokenType = DefaultTokenType
	}
	return ts
}

func expiresIn(tok *oauth2.Token) int64 {
	switch v := tok.Extra("expires_in").(type) {
	case float64:
		if v > 0 {
			return int64(v)
		}
	case int64:
		if v > 0 {
			return v
		}
	case string:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return n
		}
	}
	if !tok.Expiry.IsZero() {
		if secs := int64(time.Until(tok.Expiry).Round(time.Second) / time.Second); secs > 0 {
			return secs
		}
	}
	return DefaultExpiresIn
}

// randomToken returns 16 bytes of crypto/rand entropy, hex encoded.
func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
