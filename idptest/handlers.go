package idptest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

type accessClaims struct {
	Scope    string `json:"scope"`
	ClientID string `json:"azp"`
	jwt.RegisteredClaims
}

type idTokenClaims struct {
	Nonce             string `json:"nonce,omitempty"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
	jwt.RegisteredClaims
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.logRequests)

	r.Route("/realms/"+s.opts.Realm, func(r chi.Router) {
		r.Get("/.well-known/openid-configuration", s.handleDiscovery)
		r.Route("/protocol/openid-connect", func(r chi.Router) {
			r.Get("/auth", s.handleAuthorize)
			r.Post("/token", s.handleToken)
			r.Get("/userinfo", s.handleUserInfo)
			r.Post("/revoke", s.handleRevoke)
			r.Get("/certs", s.handleJWKS)
		})
	})
	r.HandleFunc("/api/me", s.handleAPI)
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info("http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"issuer":                                s.issuer,
		"authorization_endpoint":                s.endpoint("auth"),
		"token_endpoint":                        s.endpoint("token"),
		"userinfo_endpoint":                     s.endpoint("userinfo"),
		"jwks_uri":                              s.endpoint("certs"),
		"end_session_endpoint":                  s.endpoint("logout"),
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"scopes_supported":                      []string{"openid", "profile", "email"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_basic", "client_secret_post"},
	}
	if !s.opts.NoRevocation {
		doc["revocation_endpoint"] = s.endpoint("revoke")
	}
	writeJSON(w, doc)
}

func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.keys.PublicJWKS())
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	redirectURI := q.Get("redirect_uri")
	state := q.Get("state")

	if q.Get("client_id") != s.opts.ClientID {
		oauthError(w, "", "", "invalid_client", "unknown client")
		return
	}
	if redirectURI == "" {
		oauthError(w, "", "", "invalid_request", "redirect_uri required")
		return
	}
	if q.Get("response_type") != "code" {
		oauthError(w, redirectURI, state, "unsupported_response_type", "only code is supported")
		return
	}
	if q.Get("code_challenge") == "" || q.Get("code_challenge_method") != "S256" {
		oauthError(w, redirectURI, state, "invalid_request", "PKCE with S256 is required")
		return
	}

	s.mu.Lock()
	denial := s.denial
	s.mu.Unlock()
	if denial != "" {
		oauthError(w, redirectURI, state, "access_denied", denial)
		return
	}

	code := authorizationCode{
		Code:          randomID(16),
		RedirectURI:   redirectURI,
		Scope:         q.Get("scope"),
		Nonce:         q.Get("nonce"),
		CodeChallenge: q.Get("code_challenge"),
		ExpiresAt:     time.Now().Add(time.Minute),
	}
	s.store.saveCode(code)

	uri, err := url.Parse(redirectURI)
	if err != nil {
		oauthError(w, "", "", "invalid_request", "malformed redirect_uri")
		return
	}
	values := uri.Query()
	values.Set("code", code.Code)
	if state != "" {
		values.Set("state", state)
	}
	uri.RawQuery = values.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	form := cloneValues(r.PostForm)
	s.mu.Lock()
	s.tokenForms = append(s.tokenForms, form)
	s.mu.Unlock()

	clientID := form.Get("client_id")
	if user, _, ok := r.BasicAuth(); ok {
		if unescaped, err := url.QueryUnescape(user); err == nil {
			clientID = unescaped
		}
	}
	if clientID != s.opts.ClientID {
		tokenError(w, http.StatusUnauthorized, "invalid_client", "unknown client")
		return
	}

	switch form.Get("grant_type") {
	case "authorization_code":
		s.handleTokenAuthorizationCode(w, form)
	case "refresh_token":
		s.handleTokenRefresh(w, r, form)
	default:
		tokenError(w, http.StatusBadRequest, "unsupported_grant_type", "unsupported grant_type")
	}
}

func (s *Server) handleTokenAuthorizationCode(w http.ResponseWriter, form url.Values) {
	s.exchangeCalls.Add(1)

	code, ok := s.store.consumeCode(form.Get("code"))
	if !ok {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "code not found or expired")
		return
	}
	if code.RedirectURI != form.Get("redirect_uri") {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri mismatch")
		return
	}
	if err := verifyPKCE(code.CodeChallenge, form.Get("code_verifier")); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_grant", err.Error())
		return
	}

	resp, err := s.mint(code.Scope, code.Nonce, s.opts.IssueIDToken)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	rt := refreshToken{ID: randomID(16), Scope: code.Scope}
	s.store.saveRefreshToken(rt)
	resp.RefreshToken = rt.ID
	writeNoStoreJSON(w, resp)
}

func (s *Server) handleTokenRefresh(w http.ResponseWriter, r *http.Request, form url.Values) {
	s.refreshCalls.Add(1)

	if hold := s.refreshGate(); hold != nil {
		select {
		case <-hold:
		case <-r.Context().Done():
			return
		}
	}
	if s.refreshFailing() {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "Token is not active")
		return
	}

	rt, ok := s.store.refreshToken(form.Get("refresh_token"))
	if !ok || rt.Revoked {
		tokenError(w, http.StatusBadRequest, "invalid_grant", "refresh token invalid")
		return
	}

	resp, err := s.mint(rt.Scope, "", false)
	if err != nil {
		tokenError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}
	switch {
	case s.opts.OmitRefreshToken:
	case s.opts.RotateRefreshTokens:
		s.store.revokeRefreshToken(rt.ID)
		next := refreshToken{ID: randomID(16), Scope: rt.Scope}
		s.store.saveRefreshToken(next)
		resp.RefreshToken = next.ID
	default:
		resp.RefreshToken = rt.ID
	}
	writeNoStoreJSON(w, resp)
}

func (s *Server) handleUserInfo(w http.ResponseWriter, r *http.Request) {
	if _, err := s.validateAccess(extractBearerToken(r.Header.Get("Authorization"))); err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		tokenError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	writeJSON(w, s.opts.User)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		tokenError(w, http.StatusBadRequest, "invalid_request", "malformed form")
		return
	}
	s.mu.Lock()
	s.revokeForms = append(s.revokeForms, cloneValues(r.PostForm))
	status := s.revokeStatus
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}

	token := r.PostForm.Get("token")
	if !s.store.revokeRefreshToken(token) {
		if claims, err := s.validateAccess(token); err == nil {
			s.store.revokeAccess(claims.ID)
		}
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	s.apiCalls.Add(1)
	header := r.Header.Get("Authorization")
	s.mu.Lock()
	s.apiAuth = append(s.apiAuth, header)
	s.mu.Unlock()

	claims, err := s.validateAccess(extractBearerToken(header))
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		tokenError(w, http.StatusUnauthorized, "invalid_token", err.Error())
		return
	}
	body, _ := io.ReadAll(r.Body)
	writeJSON(w, map[string]string{
		"sub":          claims.Subject,
		"method":       r.Method,
		"body":         string(body),
		"content_type": r.Header.Get("Content-Type"),
		"request_id":   r.Header.Get("X-Request-ID"),
	})
}

func (s *Server) mint(scope, nonce string, withIDToken bool) (tokenResponse, error) {
	now := time.Now()
	jti := randomID(16)
	access, err := s.keys.Sign(accessClaims{
		Scope:    scope,
		ClientID: s.opts.ClientID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   s.opts.User.Subject,
			Audience:  jwt.ClaimStrings{"account"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			ID:        jti,
		},
	})
	if err != nil {
		return tokenResponse{}, fmt.Errorf("sign access token: %w", err)
	}
	s.store.rememberAccess(jti)

	resp := tokenResponse{
		AccessToken: access,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.opts.AccessTTL.Seconds()),
		Scope:       scope,
	}
	if withIDToken {
		idToken, err := s.keys.Sign(idTokenClaims{
			Nonce:             nonce,
			Email:             s.opts.User.Email,
			PreferredUsername: s.opts.User.PreferredUsername,
			RegisteredClaims: jwt.RegisteredClaims{
				Issuer:    s.issuer,
				Subject:   s.opts.User.Subject,
				Audience:  jwt.ClaimStrings{s.opts.ClientID},
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(s.opts.AccessTTL)),
			},
		})
		if err != nil {
			return tokenResponse{}, fmt.Errorf("sign id token: %w", err)
		}
		resp.IDToken = idToken
	}
	return resp, nil
}

func (s *Server) validateAccess(token string) (*accessClaims, error) {
	if token == "" {
		return nil, errors.New("missing bearer token")
	}
	tok, err := jwt.ParseWithClaims(token, &accessClaims{}, s.keys.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
	)
	if err != nil {
		return nil, err
	}
	claims, ok := tok.Claims.(*accessClaims)
	if !ok || !tok.Valid {
		return nil, errors.New("invalid token")
	}
	if !s.store.accessValid(claims.ID) {
		return nil, errors.New("token is not active")
	}
	return claims, nil
}

func verifyPKCE(challenge, verifier string) error {
	if verifier == "" {
		return errors.New("code_verifier required")
	}
	sum := sha256.Sum256([]byte(verifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge {
		return errors.New("pkce verification failed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeNoStoreJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, v)
}

func tokenError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}

// oauthError reports an authorization error by redirect when a redirect URI
// is known, and as JSON otherwise.
func oauthError(w http.ResponseWriter, redirectURI, state, code, desc string) {
	if redirectURI == "" {
		tokenError(w, http.StatusBadRequest, code, desc)
		return
	}
	uri, err := url.Parse(redirectURI)
	if err != nil {
		tokenError(w, http.StatusBadRequest, code, desc)
		return
	}
	q := uri.Query()
	q.Set("error", code)
	if desc != "" {
		q.Set("error_description", desc)
	}
	if state != "" {
		q.Set("state", state)
	}
	uri.RawQuery = q.Encode()
	w.Header().Set("Location", uri.String())
	w.WriteHeader(http.StatusFound)
}

func extractBearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func cloneValues(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vals := range v {
		out[k] = append([]string(nil), vals...)
	}
	return out
}
