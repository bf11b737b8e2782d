package idptest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

func TestDiscoveryDocument(t *testing.T) {
	s := New(t, Options{})
	resp, err := http.Get(s.Issuer() + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("get discovery: %v", err)
	}
	defer resp.Body.Close()

	var doc map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if doc["issuer"] != s.Issuer() {
		t.Fatalf("issuer mismatch: %v", doc["issuer"])
	}
	if doc["revocation_endpoint"] != s.Issuer()+"/protocol/openid-connect/revoke" {
		t.Fatalf("unexpected revocation endpoint: %v", doc["revocation_endpoint"])
	}

	hidden := New(t, Options{NoRevocation: true})
	resp2, err := http.Get(hidden.Issuer() + "/.well-known/openid-configuration")
	if err != nil {
		t.Fatalf("get discovery: %v", err)
	}
	defer resp2.Body.Close()
	doc = nil
	if err := json.NewDecoder(resp2.Body).Decode(&doc); err != nil {
		t.Fatalf("decode discovery: %v", err)
	}
	if _, ok := doc["revocation_endpoint"]; ok {
		t.Fatalf("revocation endpoint should be hidden")
	}
}

func TestAuthorizeRequiresPKCE(t *testing.T) {
	s := New(t, Options{})
	q := url.Values{
		"client_id":     {DefaultClientID},
		"redirect_uri":  {"com.example.app://oauthredirect"},
		"response_type": {"code"},
		"state":         {"s1"},
	}
	got, err := s.Prompt(context.Background(), s.Issuer()+"/protocol/openid-connect/auth?"+q.Encode(), "com.example.app://oauthredirect")
	if err != nil {
		t.Fatalf("Prompt returned error: %v", err)
	}
	if got.Get("error") != "invalid_request" || got.Get("state") != "s1" {
		t.Fatalf("expected invalid_request redirect, got %v", got)
	}
}

func TestTokenEndpointRejectsWrongVerifier(t *testing.T) {
	s := New(t, Options{})
	s.store.saveCode(authorizationCode{
		Code:          "c1",
		RedirectURI:   "com.example.app://oauthredirect",
		CodeChallenge: "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM",
	})
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {DefaultClientID},
		"code":          {"c1"},
		"redirect_uri":  {"com.example.app://oauthredirect"},
		"code_verifier": {"not-the-verifier"},
	}
	resp, err := http.Post(s.Issuer()+"/protocol/openid-connect/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	if err != nil {
		t.Fatalf("post token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if s.ExchangeCalls() != 1 {
		t.Fatalf("expected the exchange to be counted")
	}
}

func TestAPIRequiresActiveToken(t *testing.T) {
	s := New(t, Options{})
	tokens, err := s.IssueTokens()
	if err != nil {
		t.Fatalf("IssueTokens returned error: %v", err)
	}

	call := func() int {
		req, _ := http.NewRequest(http.MethodGet, s.APIURL(), nil)
		req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("call api: %v", err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if status := call(); status != http.StatusOK {
		t.Fatalf("expected 200 for a fresh token, got %d", status)
	}
	s.ExpireAccessTokens()
	if status := call(); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 after expiry, got %d", status)
	}
	if s.APICalls() != 2 {
		t.Fatalf("expected two api calls, got %d", s.APICalls())
	}
}
