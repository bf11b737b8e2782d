package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"authsession/securestore"
)

// Manager is the composition root of the session subsystem. Construct one
// per process and share it; the HTTP layer reaches it through HTTPClient.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	client    *http.Client
	apiClient *http.Client
	prompter  Prompter
	apiBase   http.RoundTripper

	store      *TokenStore
	resolver   *Resolver
	authorizer *Authorizer
	refresher  *RefreshCoordinator
	gate       *Transport
	session    *Session
}

// Option customises a Manager.
type Option func(*Manager)

// WithHTTPClient sets the client used for calls to the authorization server.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithPrompter sets how the interactive authorization step is presented.
func WithPrompter(p Prompter) Option {
	return func(m *Manager) { m.prompter = p }
}

// WithAPITransport sets the transport the request gate sends through.
func WithAPITransport(rt http.RoundTripper) Option {
	return func(m *Manager) { m.apiBase = rt }
}

// NewManager wires the token store, discovery, authorization, refresh and
// request gate over store.
func NewManager(cfg Config, store securestore.Store, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{cfg: cfg, logger: logger, session: NewSession()}
	for _, opt := range opts {
		opt(m)
	}
	if m.client == nil {
		m.client = &http.Client{Timeout: durationOr(cfg.Timeouts.Token, DefaultTokenTimeout)}
	}
	if m.prompter == nil {
		m.prompter = &LoopbackPrompter{Logger: logger}
	}

	m.store = NewTokenStore(store, logger.With("component", "tokenstore"))
	m.resolver = NewResolver(cfg, m.client, logger.With("component", "discovery"))
	m.authorizer = NewAuthorizer(cfg, m.resolver, m.store, m.prompter, m.client, logger.With("component", "authorize"))
	m.refresher = NewRefreshCoordinator(cfg, m.resolver, m.store, m.client, logger.With("component", "refresh"))
	m.refresher.OnRefreshed = m.session.SetTokens
	m.refresher.OnFailed = func(error) { m.session.Clear() }
	m.gate = NewTransport(m.apiBase, m.store, m.refresher, logger.With("component", "gate"))
	m.gate.OnSessionCleared = m.session.Clear
	m.apiClient = &http.Client{
		Transport: m.gate,
		Timeout:   durationOr(cfg.API.Timeout, DefaultAPITimeout),
	}
	return m
}

// Session returns the derived session state.
func (m *Manager) Session() *Session { return m.session }

// HTTPClient returns a client whose requests pass through the request gate.
func (m *Manager) HTTPClient() *http.Client { return m.apiClient }

// Store returns the token store.
func (m *Manager) Store() *TokenStore { return m.store }

// Discovery returns the issuer metadata, fetching it on first use.
func (m *Manager) Discovery(ctx context.Context) (Metadata, error) {
	return m.resolver.Load(ctx)
}

// Authorize runs the interactive authorization step only.
func (m *Manager) Authorize(ctx context.Context, extraParams map[string]string) (AuthorizationResult, error) {
	return m.authorizer.Authorize(ctx, extraParams)
}

// ExchangeCodeForTokens completes an authorization started with Authorize.
func (m *Manager) ExchangeCodeForTokens(ctx context.Context, code string) (TokenSet, error) {
	return m.authorizer.ExchangeCodeForTokens(ctx, code)
}

// Refresh renews the access token through the single-flight coordinator.
func (m *Manager) Refresh(ctx context.Context) (TokenSet, error) {
	return m.refresher.Refresh(ctx)
}

// Tokens returns the stored token set.
func (m *Manager) Tokens(ctx context.Context) (TokenSet, bool) {
	return m.store.Tokens(ctx)
}

// ClearTokens removes every stored auth entry without contacting the server.
func (m *Manager) ClearTokens(ctx context.Context) error {
	return m.store.Clear(ctx)
}

// Restore seeds the session from storage at startup. It reports whether a
// complete token set was found.
func (m *Manager) Restore(ctx context.Context) bool {
	tokens, ok := m.store.Tokens(ctx)
	if !ok {
		m.session.Clear()
		return false
	}
	m.session.SetTokens(tokens)
	return true
}

// LoginStatus discriminates the outcome of Login.
type LoginStatus int

const (
	LoginSucceeded LoginStatus = iota
	LoginCancelled
	LoginFailed
)

func (s LoginStatus) String() string {
	switch s {
	case LoginSucceeded:
		return "succeeded"
	case LoginCancelled:
		return "cancelled"
	default:
		return "failed"
	}
}

// LoginResult is what the UI sees from Login. Message is human readable.
type LoginResult struct {
	Status  LoginStatus
	User    User
	Tokens  TokenSet
	Message string
	Err     error
}

// Login authorizes, exchanges the code, fetches the user and records the
// credentials in the session.
func (m *Manager) Login(ctx context.Context, extraParams map[string]string) LoginResult {
	m.session.SetLoading(true)
	m.session.ClearError()

	res := m.login(ctx, extraParams)
	switch res.Status {
	case LoginSucceeded:
		m.session.SetCredentials(res.User, res.Tokens)
		m.logger.Info("login succeeded", "sub", res.User.Subject)
	case LoginCancelled:
		m.session.SetLoading(false)
	default:
		m.session.SetError(res.Message)
		m.logger.Warn("login failed", "error", res.Err)
	}
	return res
}

func (m *Manager) login(ctx context.Context, extraParams map[string]string) LoginResult {
	auth, err := m.authorizer.Authorize(ctx, extraParams)
	if err != nil {
		return loginFailure(err)
	}
	switch auth.Outcome {
	case AuthorizationCancelled:
		return LoginResult{Status: LoginCancelled, Message: "Authorization cancelled"}
	case AuthorizationFailed:
		msg := auth.Error
		if msg == "" {
			msg = "Authorization failed"
		}
		return LoginResult{Status: LoginFailed, Message: msg, Err: auth.Err}
	}

	tokens, err := m.authorizer.ExchangeCodeForTokens(ctx, auth.Code)
	if err != nil {
		return loginFailure(err)
	}
	if err := validateTokens(tokens); err != nil {
		return loginFailure(err)
	}
	user, err := m.UserInfo(ctx)
	if err != nil {
		return loginFailure(err)
	}
	return LoginResult{Status: LoginSucceeded, User: user, Tokens: tokens}
}

func loginFailure(err error) LoginResult {
	return LoginResult{Status: LoginFailed, Message: err.Error(), Err: err}
}

// Logout revokes the refresh token (or the access token when there is none)
// and clears the session. A failed revocation is logged and ignored.
func (m *Manager) Logout(ctx context.Context) error {
	m.session.SetLoading(true)
	m.session.ClearError()

	m.revoke(ctx)

	err := m.store.Clear(ctx)
	m.session.Clear()
	if err != nil {
		m.session.SetError("Logout failed")
		return fmt.Errorf("clear tokens: %w", err)
	}
	m.logger.Info("logged out")
	return nil
}

func (m *Manager) revoke(ctx context.Context) {
	meta, err := m.resolver.Load(ctx)
	if err != nil {
		m.logger.Warn("Token revocation failed", "error", err)
		return
	}
	if meta.RevocationEndpoint == "" {
		return
	}
	tokens, ok := m.store.Tokens(ctx)
	if !ok {
		return
	}

	token, hint := tokens.RefreshToken, "refresh_token"
	if token == "" {
		token, hint = tokens.AccessToken, "access_token"
	}
	form := url.Values{
		"token":           {token},
		"token_type_hint": {hint},
		"client_id":       {m.cfg.OAuth.ClientID},
	}

	reqCtx, cancel := context.WithTimeout(ctx, durationOr(m.cfg.Timeouts.Token, DefaultTokenTimeout))
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, meta.RevocationEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		m.logger.Warn("Token revocation failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if m.cfg.OAuth.ClientSecret != "" {
		req.SetBasicAuth(url.QueryEscape(m.cfg.OAuth.ClientID), url.QueryEscape(m.cfg.OAuth.ClientSecret))
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.logger.Warn("Token revocation failed", "error", err)
		return
	}
	defer drain(resp)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		m.logger.Warn("Token revocation failed", "status", resp.StatusCode)
		return
	}
	m.logger.Debug("token revoked", "hint", hint)
}
