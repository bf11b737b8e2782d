package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"authsession/idptest"
	"authsession/securestore"
	"authsession/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCLI(t *testing.T) (*cli, *idptest.Server, *bytes.Buffer) {
	t.Helper()
	idp := idptest.New(t, idptest.Options{IssueIDToken: true})

	cfg := session.DefaultConfig()
	cfg.OAuth.Issuer = idp.Issuer()
	cfg.OAuth.AppScheme = "com.example.app"
	cfg.OAuth.RedirectPath = "oauthredirect"
	cfg.API.BaseURL = idp.URL()

	store, err := securestore.Open(cfg.Storage)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	out := &bytes.Buffer{}
	mgr := session.NewManager(cfg, store, testLogger(), session.WithPrompter(idp))
	return &cli{cfg: cfg, mgr: mgr, out: out, logger: testLogger()}, idp, out
}

func TestCLISessionLifecycle(t *testing.T) {
	ctx := context.Background()
	c, idp, out := newTestCLI(t)

	if err := c.run(ctx, "login", []string{"ui_locales=en"}); err != nil {
		t.Fatalf("login returned error: %v", err)
	}
	if got := out.String(); got != "logged in as jdoe <jdoe@example.com>\n" {
		t.Fatalf("unexpected login output %q", got)
	}

	out.Reset()
	if err := c.run(ctx, "status", nil); err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	var report statusReport
	if err := json.Unmarshal(out.Bytes(), &report); err != nil {
		t.Fatalf("status output is not JSON: %v", err)
	}
	if !report.Authenticated || !report.Refreshable || report.TokenType != "Bearer" {
		t.Fatalf("unexpected status: %+v", report)
	}
	if strings.Contains(out.String(), "access_token") {
		t.Fatalf("status must not print tokens: %s", out.String())
	}

	out.Reset()
	idp.ExpireAccessTokens()
	if err := c.run(ctx, "call", []string{"post", "/api/me", `{"hello":"world"}`}); err != nil {
		t.Fatalf("call returned error: %v", err)
	}
	if !strings.HasPrefix(out.String(), "200 OK\n") || !strings.Contains(out.String(), idp.User().Subject) {
		t.Fatalf("unexpected call output %q", out.String())
	}
	if calls := idp.RefreshCalls(); calls != 1 {
		t.Fatalf("expected the expired token to be refreshed once, got %d", calls)
	}

	out.Reset()
	if err := c.run(ctx, "logout", nil); err != nil {
		t.Fatalf("logout returned error: %v", err)
	}
	if len(idp.RevocationForms()) != 1 {
		t.Fatalf("expected logout to revoke the refresh token")
	}
	out.Reset()
	if err := c.run(ctx, "status", nil); err != nil {
		t.Fatalf("status returned error: %v", err)
	}
	if err := json.Unmarshal(out.Bytes(), &report); err != nil || report.Authenticated {
		t.Fatalf("expected no session after logout: %s", out.String())
	}
}

func TestCLILoginDenied(t *testing.T) {
	c, idp, _ := newTestCLI(t)
	idp.DenyAuthorization("User declined consent")

	err := c.run(context.Background(), "login", nil)
	if err == nil || !strings.Contains(err.Error(), "User declined consent") {
		t.Fatalf("expected denial to surface, got %v", err)
	}
}

func TestCLIUnknownCommand(t *testing.T) {
	c, _, _ := newTestCLI(t)
	if err := c.run(context.Background(), "frobnicate", nil); err == nil {
		t.Fatalf("expected error for unknown command")
	}
	if err := c.run(context.Background(), "call", []string{"GET"}); err == nil {
		t.Fatalf("expected usage error for call without path")
	}
}

func TestResolveAPIURL(t *testing.T) {
	tests := []struct {
		base, path, want string
	}{
		{"http://localhost:8080", "/api/me", "http://localhost:8080/api/me"},
		{"http://localhost:8080/v1/", "items?limit=2", "http://localhost:8080/v1/items?limit=2"},
		{"http://localhost:8080/v1", "/items", "http://localhost:8080/v1/items"},
		{"", "https://other.example/ping", "https://other.example/ping"},
	}
	for _, tc := range tests {
		got, err := resolveAPIURL(tc.base, tc.path)
		if err != nil {
			t.Fatalf("resolveAPIURL(%q, %q) returned error: %v", tc.base, tc.path, err)
		}
		if got != tc.want {
			t.Fatalf("resolveAPIURL(%q, %q) = %q, want %q", tc.base, tc.path, got, tc.want)
		}
	}
	if _, err := resolveAPIURL("", "/relative"); err == nil {
		t.Fatalf("expected error without a base url")
	}
}

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{"prompt=login", "kc_idp_hint="})
	if err != nil {
		t.Fatalf("parseParams returned error: %v", err)
	}
	if params["prompt"] != "login" || params["kc_idp_hint"] != "" {
		t.Fatalf("unexpected params: %v", params)
	}
	if _, err := parseParams([]string{"novalue"}); err == nil {
		t.Fatalf("expected error for a bare argument")
	}
}

func TestRunSetupWritesLoadableConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	answers := strings.Join([]string{
		"https://sso.example.com/realms/app/",
		"",
		"com.example.app",
		"oauthredirect",
		"openid, profile",
		"n",
		"",
		"y",
		"",
		"correct horse",
	}, "\n") + "\n"

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, testLogger()); err != nil {
		t.Fatalf("runConfigInit returned error: %v", err)
	}
	cfg, err := session.LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if cfg.OAuth.Issuer != "https://sso.example.com/realms/app" {
		t.Fatalf("issuer not trimmed: %q", cfg.OAuth.Issuer)
	}
	if cfg.OAuth.RedirectURI() != "com.example.app://oauthredirect" {
		t.Fatalf("unexpected redirect uri %q", cfg.OAuth.RedirectURI())
	}
	if len(cfg.OAuth.Scopes) != 2 || cfg.OAuth.Scopes[1] != "profile" {
		t.Fatalf("unexpected scopes %v", cfg.OAuth.Scopes)
	}
	if cfg.Storage.Backend != "file" || cfg.Storage.EncryptionKey != "correct horse" {
		t.Fatalf("unexpected storage config: %+v", cfg.Storage)
	}
	if cfg.Storage.Path != filepath.Join(filepath.Dir(path), "session.db") {
		t.Fatalf("unexpected storage path %q", cfg.Storage.Path)
	}
	if cfg.Timeouts.Token != session.DefaultTokenTimeout {
		t.Fatalf("timeouts did not survive the round trip: %+v", cfg.Timeouts)
	}

	if err := runConfigInit(path, strings.NewReader(answers), io.Discard, testLogger()); err == nil {
		t.Fatalf("expected init to refuse overwriting an existing file")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), testLogger())
	if err == nil || !strings.Contains(err.Error(), "-config-cmd=init") {
		t.Fatalf("expected a hint to run init, got %v", err)
	}
}

func TestSetupQuestions(t *testing.T) {
	q := setup{
		in:  bufio.NewReader(strings.NewReader("\nmaybe\nyes\n\nvalue\nsso.example.com\nhttps://sso.example.com/realms/x\nprofile, email\n")),
		out: io.Discard,
	}
	if got := q.text("Client ID", "mobile-app"); got != "mobile-app" {
		t.Fatalf("text default mismatch: %q", got)
	}
	if !q.confirm("Continue?", false) {
		t.Fatalf("expected yes after an invalid answer")
	}
	if got := q.secret("Passphrase"); got != "value" {
		t.Fatalf("secret mismatch: %q", got)
	}
	if got := q.url("Issuer URL", "http://localhost:8180"); got != "https://sso.example.com/realms/x" {
		t.Fatalf("expected the relative answer to be asked again, got %q", got)
	}
	scopes := q.scopes([]string{"openid"})
	if strings.Join(scopes, " ") != "openid profile email" {
		t.Fatalf("expected openid to be added, got %v", scopes)
	}

	// Exhausted input falls back to defaults.
	if got := q.url("API base URL", "http://localhost:8080"); got != "http://localhost:8080" {
		t.Fatalf("url default at EOF mismatch: %q", got)
	}
	if !q.confirm("Persist?", true) {
		t.Fatalf("confirm default at EOF mismatch")
	}
	if got := q.secret("Passphrase"); got != "" {
		t.Fatalf("secret at EOF should be empty, got %q", got)
	}
}

func TestWriteConfigFileRefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := writeConfigFile(path, session.DefaultConfig()); err != nil {
		t.Fatalf("writeConfigFile returned error: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected owner-only config, got %v", perm)
	}
	if _, err := session.LoadConfig(path); err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if err := writeConfigFile(path, session.DefaultConfig()); err == nil {
		t.Fatalf("expected an existing config to be kept")
	}
}

// signalWriter reports each write so a test knows the prompt is waiting.
type signalWriter struct{ ch chan struct{} }

func (w signalWriter) Write(p []byte) (int, error) {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	return len(p), nil
}

func TestNewPrompterDeepLinkFromInput(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pr, pw := io.Pipe()
	defer pw.Close()
	opened := signalWriter{ch: make(chan struct{}, 1)}

	p := newPrompter(ctx, "com.example.app://oauthredirect", pr, opened, testLogger())
	if _, ok := p.(*session.DeepLinkPrompter); !ok {
		t.Fatalf("expected a deep link prompter for a custom scheme, got %T", p)
	}

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		q, err := p.Prompt(ctx, "https://sso.example.com/auth", "com.example.app://oauthredirect")
		done <- result{q.Get("code"), err}
	}()

	select {
	case <-opened.ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("prompt never opened")
	}
	if _, err := io.WriteString(pw, "com.example.app://elsewhere?code=wrong\ncom.example.app://oauthredirect?code=abc\n"); err != nil {
		t.Fatalf("write link: %v", err)
	}

	select {
	case r := <-done:
		if r.err != nil || r.code != "abc" {
			t.Fatalf("unexpected prompt result: code=%q err=%v", r.code, r.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("prompt did not receive the pasted link")
	}
}

func TestNewPrompterLoopbackForHTTP(t *testing.T) {
	p := newPrompter(context.Background(), "http://127.0.0.1:8765/oauthredirect", strings.NewReader(""), io.Discard, testLogger())
	if _, ok := p.(*session.LoopbackPrompter); !ok {
		t.Fatalf("expected a loopback prompter for an http redirect, got %T", p)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"INFO":    slog.LevelInfo,
		"debug":   slog.LevelDebug,
		"Warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"ERR":     slog.LevelError,
	}

	for input, want := range tests {
		got, err := parseLogLevel(input)
		if err != nil {
			t.Fatalf("parseLogLevel(%q) returned error: %v", input, err)
		}
		if got != want {
			t.Fatalf("parseLogLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestParseLogLevelInvalid(t *testing.T) {
	if _, err := parseLogLevel("trace"); err == nil {
		t.Fatalf("expected error for unsupported level")
	}
}
