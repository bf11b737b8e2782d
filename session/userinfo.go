package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// UserInfo fetches the signed-in user's claims through the request gate, so
// an expired access token is refreshed once before the call fails.
func (m *Manager) UserInfo(ctx context.Context) (User, error) {
	meta, err := m.resolver.Load(ctx)
	if err != nil {
		return User{}, err
	}
	if meta.UserInfoEndpoint == "" {
		return User{}, &MissingEndpointError{Endpoint: "UserInfo"}
	}
	if _, ok := m.store.Tokens(ctx); !ok {
		return User{}, ErrNoSession
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.UserInfoEndpoint, nil)
	if err != nil {
		return User{}, fmt.Errorf("build user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.apiClient.Do(req)
	if err != nil {
		return User{}, fmt.Errorf("fetch user info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return User{}, fmt.Errorf("fetch user info: status %d", resp.StatusCode)
	}

	var user User
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return User{}, fmt.Errorf("decode user info: %w", err)
	}
	if err := validateUser(user); err != nil {
		return User{}, err
	}
	m.session.SetUser(user)
	return user, nil
}
