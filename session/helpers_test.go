package session

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"authsession/idptest"
	"authsession/securestore"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(issuer string) Config {
	cfg := DefaultConfig()
	cfg.OAuth.Issuer = issuer
	cfg.OAuth.AppScheme = "com.example.app"
	cfg.OAuth.RedirectPath = "oauthredirect"
	return cfg
}

type fixture struct {
	idp *idptest.Server
	mem *securestore.MemoryStore
	mgr *Manager
}

func newFixture(t *testing.T, opts idptest.Options, mopts ...Option) *fixture {
	t.Helper()
	idp := idptest.New(t, opts)
	mem := securestore.NewMemoryStore()
	mopts = append([]Option{WithPrompter(idp)}, mopts...)
	mgr := NewManager(testConfig(idp.Issuer()), mem, testLogger(), mopts...)
	return &fixture{idp: idp, mem: mem, mgr: mgr}
}

// seed stores a freshly minted token pair as if a login had completed.
func (f *fixture) seed(t *testing.T) TokenSet {
	t.Helper()
	minted, err := f.idp.IssueTokens()
	if err != nil {
		t.Fatalf("IssueTokens returned error: %v", err)
	}
	tokens := TokenSet{
		AccessToken:  minted.AccessToken,
		RefreshToken: minted.RefreshToken,
		ExpiresIn:    minted.ExpiresIn,
		TokenType:    minted.TokenType,
	}
	if err := f.mgr.Store().Put(context.Background(), tokens); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	return tokens
}

// handlerTransport serves requests from an in-process handler regardless of
// host, so tests can use real-looking issuer URLs.
type handlerTransport struct {
	h http.Handler
}

func (t handlerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rec := httptest.NewRecorder()
	t.h.ServeHTTP(rec, req)
	resp := rec.Result()
	resp.Request = req
	return resp, nil
}

// promptFunc adapts a function to Prompter.
type promptFunc func(ctx context.Context, authURL, redirectURI string) (url.Values, error)

func (f promptFunc) Prompt(ctx context.Context, authURL, redirectURI string) (url.Values, error) {
	return f(ctx, authURL, redirectURI)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
