// Package idptest runs an in-process OpenID Connect provider, laid out like
// a Keycloak realm, together with one protected API endpoint. Tests use it
// to drive logins, refreshes, revocation and bearer-authenticated calls
// against real HTTP.
package idptest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// DefaultClientID is the public client registered when Options.ClientID is empty.
const DefaultClientID = "mobile-app"

// User is the profile returned by the user-info endpoint.
type User struct {
	Subject           string `json:"sub"`
	PreferredUsername string `json:"preferred_username"`
	Email             string `json:"email"`
	GivenName         string `json:"given_name"`
	FamilyName        string `json:"family_name"`
}

// Tokens is a token set minted directly, bypassing the browser step.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	TokenType    string
}

// Options configures a Server.
type Options struct {
	ClientID  string
	Realm     string
	AccessTTL time.Duration
	User      User

	// RotateRefreshTokens issues a new refresh token on every refresh and
	// revokes the old one.
	RotateRefreshTokens bool
	// OmitRefreshToken leaves refresh_token out of refresh responses.
	OmitRefreshToken bool
	// IssueIDToken adds a signed id_token carrying the request nonce to
	// authorization code responses.
	IssueIDToken bool
	// NoRevocation hides the revocation endpoint from discovery.
	NoRevocation bool

	Logger *slog.Logger
}

// Server is a running fake provider.
type Server struct {
	srv    *httptest.Server
	base   string
	issuer string
	opts   Options
	keys   *signingKeys
	store  *memoryStore
	logger *slog.Logger

	mu           sync.Mutex
	failRefresh  bool
	refreshHold  chan struct{}
	revokeStatus int
	denial       string
	tokenForms   []url.Values
	revokeForms  []url.Values
	apiAuth      []string

	refreshCalls  atomic.Int64
	exchangeCalls atomic.Int64
	apiCalls      atomic.Int64
}

// New starts a Server and registers its shutdown with tb.
func New(tb testing.TB, opts Options) *Server {
	tb.Helper()
	if opts.ClientID == "" {
		opts.ClientID = DefaultClientID
	}
	if opts.Realm == "" {
		opts.Realm = "app"
	}
	if opts.AccessTTL <= 0 {
		opts.AccessTTL = 5 * time.Minute
	}
	if opts.User.Subject == "" {
		opts.User = User{
			Subject:           "5f0c2d3e-1111-4c1e-9a53-2b7f7d0c9e01",
			PreferredUsername: "jdoe",
			Email:             "jdoe@example.com",
			GivenName:         "Jane",
			FamilyName:        "Doe",
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	keys, err := newSigningKeys()
	if err != nil {
		tb.Fatalf("generate signing key: %v", err)
	}

	s := &Server{
		opts:   opts,
		keys:   keys,
		store:  newMemoryStore(),
		logger: logger,
	}
	s.srv = httptest.NewUnstartedServer(s.routes())
	s.base = "http://" + s.srv.Listener.Addr().String()
	s.issuer = s.base + "/realms/" + opts.Realm
	s.srv.Start()
	tb.Cleanup(s.Close)
	return s
}

// Close shuts the server down, releasing any held refresh first.
func (s *Server) Close() {
	s.ReleaseRefresh()
	s.srv.Close()
}

// Issuer is the realm issuer URL to configure clients with.
func (s *Server) Issuer() string { return s.issuer }

// URL is the server's base URL.
func (s *Server) URL() string { return s.base }

// APIURL is the protected resource that requires a valid access token.
func (s *Server) APIURL() string { return s.base + "/api/me" }

// ClientID is the registered public client.
func (s *Server) ClientID() string { return s.opts.ClientID }

// User is the profile the server authenticates every login as.
func (s *Server) User() User { return s.opts.User }

func (s *Server) endpoint(name string) string {
	return s.issuer + "/protocol/openid-connect/" + name
}

// IssueTokens mints an access and refresh token pair as if a login had
// just completed.
func (s *Server) IssueTokens() (Tokens, error) {
	resp, err := s.mint("openid email", "", false)
	if err != nil {
		return Tokens{}, err
	}
	rt := refreshToken{ID: randomID(16), Scope: "openid email"}
	s.store.saveRefreshToken(rt)
	return Tokens{
		AccessToken:  resp.AccessToken,
		RefreshToken: rt.ID,
		ExpiresIn:    resp.ExpiresIn,
		TokenType:    resp.TokenType,
	}, nil
}

// ExpireAccessTokens makes every access token issued so far fail with 401.
func (s *Server) ExpireAccessTokens() { s.store.expireAllAccess() }

// FailRefresh makes refresh grants answer invalid_grant while set.
func (s *Server) FailRefresh(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failRefresh = fail
}

// HoldRefresh blocks refresh grants until ReleaseRefresh is called. Calls
// are counted on arrival.
func (s *Server) HoldRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshHold == nil {
		s.refreshHold = make(chan struct{})
	}
}

// ReleaseRefresh lets held refresh grants proceed.
func (s *Server) ReleaseRefresh() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refreshHold != nil {
		close(s.refreshHold)
		s.refreshHold = nil
	}
}

// SetRevocationStatus forces the revocation endpoint to answer with status.
// Zero restores normal behaviour.
func (s *Server) SetRevocationStatus(status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokeStatus = status
}

// DenyAuthorization makes the authorization endpoint redirect back with
// access_denied and the given description. Empty restores approval.
func (s *Server) DenyAuthorization(description string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.denial = description
}

// RefreshCalls counts refresh_token grants received.
func (s *Server) RefreshCalls() int { return int(s.refreshCalls.Load()) }

// ExchangeCalls counts authorization_code grants received.
func (s *Server) ExchangeCalls() int { return int(s.exchangeCalls.Load()) }

// APICalls counts requests to the protected API.
func (s *Server) APICalls() int { return int(s.apiCalls.Load()) }

// TokenForms returns every form posted to the token endpoint.
func (s *Server) TokenForms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.tokenForms...)
}

// RevocationForms returns every form posted to the revocation endpoint.
func (s *Server) RevocationForms() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.revokeForms...)
}

// APIAuthorizations returns the Authorization header of every API request.
func (s *Server) APIAuthorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.apiAuth...)
}

// Prompt plays the user's browser: it follows authURL to the authorization
// endpoint and returns the query delivered to redirectURI.
func (s *Server) Prompt(ctx context.Context, authURL, redirectURI string) (url.Values, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, err
	}
	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusFound {
		return nil, fmt.Errorf("authorization endpoint answered %d", resp.StatusCode)
	}
	loc := resp.Header.Get("Location")
	if !strings.HasPrefix(loc, redirectURI) {
		return nil, errors.New("redirected to unexpected uri " + loc)
	}
	u, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	return u.Query(), nil
}

func (s *Server) refreshGate() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshHold
}

func (s *Server) refreshFailing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failRefresh
}
