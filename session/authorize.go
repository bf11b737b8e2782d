package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// reservedAuthParams cannot be overridden by caller-supplied extra params.
var reservedAuthParams = map[string]bool{
	"state":                 true,
	"nonce":                 true,
	"code_challenge":        true,
	"code_challenge_method": true,
	"response_type":         true,
	"client_id":             true,
	"redirect_uri":          true,
}

// Authorizer drives the interactive authorization code flow with PKCE and
// the exchange of the returned code for tokens.
type Authorizer struct {
	cfg              OAuthConfig
	resolver         *Resolver
	store            *TokenStore
	prompter         Prompter
	client           *http.Client
	authorizeTimeout time.Duration
	tokenTimeout     time.Duration
	logger           *slog.Logger

	verifierMu sync.Mutex
	verifier   *oidc.IDTokenVerifier
}

// NewAuthorizer wires an Authorizer. prompter may be nil if Authorize is never called.
func NewAuthorizer(cfg Config, resolver *Resolver, store *TokenStore, prompter Prompter, client *http.Client, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{
		cfg:              cfg.OAuth,
		resolver:         resolver,
		store:            store,
		prompter:         prompter,
		client:           client,
		authorizeTimeout: durationOr(cfg.Timeouts.Authorize, DefaultAuthorizeTimeout),
		tokenTimeout:     durationOr(cfg.Timeouts.Token, DefaultTokenTimeout),
		logger:           logger,
	}
}

// Authorize runs one interactive authorization attempt. Cancellation and
// server-reported errors come back as a result; the returned error is
// reserved for failures that prevent the attempt from starting or from
// recording its outcome (discovery, storage).
func (a *Authorizer) Authorize(ctx context.Context, extraParams map[string]string) (AuthorizationResult, error) {
	if a.prompter == nil {
		return AuthorizationResult{}, errors.New("no prompter configured")
	}

	meta, err := a.resolver.Load(ctx)
	if err != nil {
		return AuthorizationResult{}, err
	}
	if meta.AuthorizationEndpoint == "" {
		return AuthorizationResult{}, &MissingEndpointError{Endpoint: "Authorization"}
	}

	state, err := randomToken()
	if err != nil {
		return AuthorizationResult{}, fmt.Errorf("generate state: %w", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return AuthorizationResult{}, fmt.Errorf("generate nonce: %w", err)
	}
	if err := a.store.beginAuthorization(ctx, state, nonce); err != nil {
		return AuthorizationResult{}, fmt.Errorf("persist authorization state: %w", err)
	}

	verifier := oauth2.GenerateVerifier()
	opts := []oauth2.AuthCodeOption{oauth2.S256ChallengeOption(verifier)}
	for k, v := range a.cfg.ExtraParams {
		if !reservedAuthParams[k] {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}
	for k, v := range extraParams {
		if !reservedAuthParams[k] {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
	}
	opts = append(opts, oauth2.SetAuthURLParam("nonce", nonce))
	authURL := oauth2Config(a.cfg, meta).AuthCodeURL(state, opts...)

	promptCtx, cancel := context.WithTimeout(ctx, a.authorizeTimeout)
	defer cancel()

	a.logger.Info("authorization started", "endpoint", meta.AuthorizationEndpoint)
	params, err := a.prompter.Prompt(promptCtx, authURL, a.cfg.RedirectURI())
	if err != nil {
		a.abandon(ctx, state)
		if errors.Is(err, ErrPromptCancelled) {
			a.logger.Info("authorization cancelled", "reason", err)
			return AuthorizationResult{Outcome: AuthorizationCancelled}, nil
		}
		a.logger.Warn("authorization prompt failed", "error", err)
		return AuthorizationResult{Outcome: AuthorizationFailed, Error: err.Error(), Err: err}, nil
	}

	if code := params.Get("error"); code != "" {
		a.abandon(ctx, state)
		msg := params.Get("error_description")
		if msg == "" {
			msg = code
		}
		a.logger.Warn("authorization server returned error", "error", code, "description", params.Get("error_description"))
		return AuthorizationResult{Outcome: AuthorizationFailed, Error: msg, Err: fmt.Errorf("authorization error: %s", code)}, nil
	}

	if err := a.store.completeAuthorization(ctx, state, params.Get("state"), verifier); err != nil {
		a.abandon(ctx, state)
		if errors.Is(err, ErrStateMismatch) {
			a.logger.Warn("authorization state mismatch")
			return AuthorizationResult{Outcome: AuthorizationFailed, Error: "Invalid state returned", Err: err}, nil
		}
		return AuthorizationResult{}, fmt.Errorf("persist code verifier: %w", err)
	}

	code := params.Get("code")
	if code == "" {
		a.abandon(ctx, state)
		return AuthorizationResult{Outcome: AuthorizationFailed, Error: "Authorization failed", Err: errors.New("authorization response has no code")}, nil
	}
	return AuthorizationResult{Outcome: AuthorizationSucceeded, Code: code}, nil
}

func (a *Authorizer) abandon(ctx context.Context, state string) {
	if err := a.store.abandonAuthorization(context.WithoutCancel(ctx), state); err != nil {
		a.logger.Error("clear pending authorization", "error", err)
	}
}

// ExchangeCodeForTokens trades an authorization code plus the stored PKCE
// verifier for tokens and persists them.
func (a *Authorizer) ExchangeCodeForTokens(ctx context.Context, code string) (TokenSet, error) {
	meta, err := a.resolver.Load(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	if meta.TokenEndpoint == "" {
		return TokenSet{}, &MissingEndpointError{Endpoint: "Token"}
	}

	verifier, nonce, err := a.store.pendingExchange(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	if verifier == "" {
		return TokenSet{}, ErrMissingVerifier
	}

	exchangeCtx, cancel := context.WithTimeout(ctx, a.tokenTimeout)
	defer cancel()

	tok, err := oauth2Config(a.cfg, meta).Exchange(withHTTPClient(exchangeCtx, a.client), code, oauth2.VerifierOption(verifier))
	if err != nil {
		a.logger.Error("token exchange failed", "error", err)
		return TokenSet{}, &ExchangeFailedError{Err: err}
	}

	if raw, ok := tok.Extra("id_token").(string); ok && raw != "" {
		if err := a.verifyIDToken(exchangeCtx, meta, raw, nonce); err != nil {
			a.logger.Warn("id token rejected", "error", err)
			return TokenSet{}, &ExchangeFailedError{Err: err}
		}
	}

	tokens := tokenSetFrom(tok, "")
	if err := a.store.finishExchange(ctx, tokens); err != nil {
		return TokenSet{}, fmt.Errorf("persist tokens: %w", err)
	}
	a.logger.Info("token exchange complete", "expires_in", tokens.ExpiresIn, "token_type", tokens.TokenType)
	return tokens, nil
}

func (a *Authorizer) verifyIDToken(ctx context.Context, meta Metadata, raw, nonce string) error {
	v, err := a.idTokenVerifier(meta)
	if err != nil {
		return err
	}
	idToken, err := v.Verify(ctx, raw)
	if err != nil {
		return fmt.Errorf("verify id token: %w", err)
	}
	if nonce == "" || idToken.Nonce != nonce {
		return errors.New("id token nonce mismatch")
	}
	return nil
}

func (a *Authorizer) idTokenVerifier(meta Metadata) (*oidc.IDTokenVerifier, error) {
	a.verifierMu.Lock()
	defer a.verifierMu.Unlock()
	if a.verifier != nil {
		return a.verifier, nil
	}
	if meta.JWKSURI == "" {
		return nil, &MissingEndpointError{Endpoint: "JWKS"}
	}
	keyCtx := context.Background()
	if a.client != nil {
		keyCtx = oidc.ClientContext(keyCtx, a.client)
	}
	keys := oidc.NewRemoteKeySet(keyCtx, meta.JWKSURI)
	a.verifier = oidc.NewVerifier(meta.Issuer, keys, &oidc.Config{ClientID: a.cfg.ClientID})
	return a.verifier, nil
}
