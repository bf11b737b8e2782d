package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"authsession/securestore"
)

// Secure storage keys. Access and refresh tokens live in separate entries
// so that neither exceeds the per-item ceiling of the secure store.
const (
	accessTokenKey   = "oauth2_access_token"
	refreshTokenKey  = "oauth2_refresh_token"
	tokenMetadataKey = "oauth2_token_metadata"
	stateKey         = "oauth2_state"
	nonceKey         = "oauth2_nonce"
	codeVerifierKey  = "oauth2_code_verifier"
)

var tokenKeys = []string{accessTokenKey, refreshTokenKey, tokenMetadataKey}

var allKeys = []string{accessTokenKey, refreshTokenKey, tokenMetadataKey, codeVerifierKey, stateKey, nonceKey}

// TokenStore is the session's view of the secure store. Its lock makes the
// three token entries replace together as observed by readers.
type TokenStore struct {
	mu     sync.RWMutex
	store  securestore.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewTokenStore wraps a secure store.
func NewTokenStore(store securestore.Store, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenStore{store: store, logger: logger, now: time.Now}
}

// Put replaces the stored token set. On a partial write the token entries
// are removed so no mixed generation can be read back.
func (s *TokenStore) Put(ctx context.Context, tokens TokenSet) error {
	meta, err := json.Marshal(tokenMetadata{
		ExpiresIn: tokens.ExpiresIn,
		TokenType: tokens.TokenType,
		Timestamp: s.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("marshal token metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := []struct{ key, value string }{
		{accessTokenKey, tokens.AccessToken},
		{refreshTokenKey, tokens.RefreshToken},
		{tokenMetadataKey, string(meta)},
	}
	for _, e := range entries {
		if err := s.store.Set(ctx, e.key, e.value); err != nil {
			if rmErr := s.removeLocked(ctx, tokenKeys...); rmErr != nil {
				s.logger.Error("rollback token entries", "error", rmErr)
			}
			return fmt.Errorf("store %s: %w", e.key, err)
		}
	}
	return nil
}

// Tokens returns the stored token set. Any missing, empty or unparsable
// entry yields false: a partial store is treated as no session.
func (s *TokenStore) Tokens(ctx context.Context) (TokenSet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var access, refresh, metaRaw string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		access, err = s.store.Get(gctx, accessTokenKey)
		return err
	})
	g.Go(func() (err error) {
		refresh, err = s.store.Get(gctx, refreshTokenKey)
		return err
	})
	g.Go(func() (err error) {
		metaRaw, err = s.store.Get(gctx, tokenMetadataKey)
		return err
	})
	if err := g.Wait(); err != nil {
		if !errors.Is(err, securestore.ErrNotFound) {
			s.logger.Error("Error retrieving tokens", "error", err)
		}
		return TokenSet{}, false
	}
	if access == "" || refresh == "" || metaRaw == "" {
		return TokenSet{}, false
	}

	var meta tokenMetadata
	if err := json.Unmarshal([]byte(metaRaw), &meta); err != nil {
		s.logger.Error("Error parsing token metadata", "error", err)
		return TokenSet{}, false
	}

	return TokenSet{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    meta.ExpiresIn,
		TokenType:    meta.TokenType,
	}, true
}

// AccessToken returns the stored access token, empty when there is no session.
func (s *TokenStore) AccessToken(ctx context.Context) string {
	tokens, ok := s.Tokens(ctx)
	if !ok {
		return ""
	}
	return tokens.AccessToken
}

// Clear removes every auth-related entry: tokens, metadata and any pending
// authorization artifacts.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, allKeys...)
}

// clearTokens removes the token entries only. A login awaiting its redirect
// keeps its state, nonce and verifier.
func (s *TokenStore) clearTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, tokenKeys...)
}

// beginAuthorization persists a fresh state and nonce and drops any verifier
// left from an earlier attempt.
func (s *TokenStore) beginAuthorization(ctx context.Context, state, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.removeLocked(ctx, codeVerifierKey); err != nil {
		return err
	}
	if err := s.store.Set(ctx, stateKey, state); err != nil {
		return fmt.Errorf("store state: %w", err)
	}
	if err := s.store.Set(ctx, nonceKey, nonce); err != nil {
		return fmt.Errorf("store nonce: %w", err)
	}
	return nil
}

// completeAuthorization checks the returned state against the stored value
// and this attempt's own state, then persists the verifier.
func (s *TokenStore) completeAuthorization(ctx context.Context, attemptState, returnedState, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.getLocked(ctx, stateKey)
	if err != nil {
		return err
	}
	if stored == "" || returnedState != stored || returnedState != attemptState {
		return ErrStateMismatch
	}
	if err := s.store.Set(ctx, codeVerifierKey, verifier); err != nil {
		return fmt.Errorf("store code verifier: %w", err)
	}
	return nil
}

// abandonAuthorization removes the pending artifacts if they still belong to
// the attempt identified by state; a newer attempt's artifacts are kept.
func (s *TokenStore) abandonAuthorization(ctx context.Context, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, err := s.getLocked(ctx, stateKey)
	if err != nil {
		return err
	}
	if stored != state {
		return nil
	}
	return s.removeLocked(ctx, stateKey, nonceKey, codeVerifierKey)
}

// pendingExchange returns the verifier and nonce needed by the code exchange.
func (s *TokenStore) pendingExchange(ctx context.Context) (verifier, nonce string, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if verifier, err = s.getLocked(ctx, codeVerifierKey); err != nil {
		return "", "", err
	}
	if nonce, err = s.getLocked(ctx, nonceKey); err != nil {
		return "", "", err
	}
	return verifier, nonce, nil
}

// finishExchange stores the new tokens and consumes the pending artifacts
// under one lock.
func (s *TokenStore) finishExchange(ctx context.Context, tokens TokenSet) error {
	if err := s.Put(ctx, tokens); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, stateKey, nonceKey, codeVerifierKey)
}

func (s *TokenStore) getLocked(ctx context.Context, key string) (string, error) {
	v, err := s.store.Get(ctx, key)
	if errors.Is(err, securestore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return v, nil
}

func (s *TokenStore) removeLocked(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := s.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}
