package session

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// RefreshCoordinator serializes access token refreshes: at most one refresh
// request is in flight and every caller that arrives meanwhile shares its
// outcome.
type RefreshCoordinator struct {
	cfg      OAuthConfig
	resolver *Resolver
	store    *TokenStore
	client   *http.Client
	timeout  time.Duration
	logger   *slog.Logger

	// OnRefreshed and OnFailed run inside the in-flight refresh, before
	// waiters are released.
	OnRefreshed func(TokenSet)
	OnFailed    func(error)

	mu       sync.Mutex
	inflight *refreshCall
}

type refreshCall struct {
	done   chan struct{}
	tokens TokenSet
	err    error
	joined int
}

// NewRefreshCoordinator wires a coordinator over the token store.
func NewRefreshCoordinator(cfg Config, resolver *Resolver, store *TokenStore, client *http.Client, logger *slog.Logger) *RefreshCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshCoordinator{
		cfg:      cfg.OAuth,
		resolver: resolver,
		store:    store,
		client:   client,
		timeout:  durationOr(cfg.Timeouts.Token, DefaultTokenTimeout),
		logger:   logger,
	}
}

// Refresh exchanges the stored refresh token for a new token set, or joins
// the refresh already underway. The refresh itself is detached from ctx so
// that one caller giving up does not fail the others; ctx only bounds how
// long this caller waits.
//
// A RefreshFailedError means the server or network rejected the refresh and
// the stored session has been cleared.
func (c *RefreshCoordinator) Refresh(ctx context.Context) (TokenSet, error) {
	c.mu.Lock()
	call := c.inflight
	if call != nil {
		call.joined++
		c.mu.Unlock()
		c.logger.Debug("refresh.join")
		return call.wait(ctx)
	}
	call = &refreshCall{done: make(chan struct{})}
	c.inflight = call
	c.mu.Unlock()

	go c.run(context.WithoutCancel(ctx), call)
	return call.wait(ctx)
}

// Wait blocks until any in-flight refresh settles.
func (c *RefreshCoordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	call := c.inflight
	c.mu.Unlock()
	if call == nil {
		return nil
	}
	select {
	case <-call.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight reports whether a refresh is underway.
func (c *RefreshCoordinator) InFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

// joined returns how many callers have attached to the current refresh.
func (c *RefreshCoordinator) joined() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inflight == nil {
		return 0
	}
	return c.inflight.joined
}

func (call *refreshCall) wait(ctx context.Context) (TokenSet, error) {
	select {
	case <-call.done:
		return call.tokens, call.err
	case <-ctx.Done():
		return TokenSet{}, ctx.Err()
	}
}

func (c *RefreshCoordinator) run(ctx context.Context, call *refreshCall) {
	defer func() {
		c.mu.Lock()
		c.inflight = nil
		c.mu.Unlock()
		close(call.done)
	}()
	call.tokens, call.err = c.refresh(ctx)
}

func (c *RefreshCoordinator) refresh(ctx context.Context) (TokenSet, error) {
	c.logger.Debug("refresh.start")

	meta, err := c.resolver.Load(ctx)
	if err != nil {
		return TokenSet{}, err
	}
	if meta.TokenEndpoint == "" {
		return TokenSet{}, &MissingEndpointError{Endpoint: "Token"}
	}

	stored, ok := c.store.Tokens(ctx)
	if !ok || stored.RefreshToken == "" {
		return TokenSet{}, ErrMissingRefreshToken
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	src := oauth2Config(c.cfg, meta).TokenSource(withHTTPClient(reqCtx, c.client), &oauth2.Token{RefreshToken: stored.RefreshToken})
	tok, err := src.Token()
	var next TokenSet
	if err == nil {
		next = tokenSetFrom(tok, stored.RefreshToken)
		err = validateTokens(next)
	}
	if err != nil {
		return TokenSet{}, c.fail(ctx, err)
	}

	// A rejected write leaves no token entries behind, so the session is gone.
	if err := c.store.Put(ctx, next); err != nil {
		return TokenSet{}, c.fail(ctx, fmt.Errorf("persist refreshed tokens: %w", err))
	}
	if c.OnRefreshed != nil {
		c.OnRefreshed(next)
	}
	c.logger.Info("refresh.done", "rotated", next.RefreshToken != stored.RefreshToken, "expires_in", next.ExpiresIn)
	return next, nil
}

// fail clears the stored session and reports the failure to OnFailed.
func (c *RefreshCoordinator) fail(ctx context.Context, err error) error {
	failure := &RefreshFailedError{Err: err}
	c.logger.Error("Token refresh failed", "error", err)
	if clearErr := c.store.Clear(ctx); clearErr != nil {
		c.logger.Error("clear session after failed refresh", "error", clearErr)
	}
	if c.OnFailed != nil {
		c.OnFailed(failure)
	}
	return failure
}
