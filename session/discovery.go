package session

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/sync/singleflight"
)

// emulatorRewrite is applied in dev mode when no explicit rewrite is configured:
// the Android emulator reaches the host loopback through 10.0.2.2.
var emulatorRewrite = HostRewrite{From: "localhost", To: "10.0.2.2"}

// Resolver fetches the issuer's discovery document once and caches it for
// the lifetime of the process.
type Resolver struct {
	issuer  string
	rewrite HostRewrite
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	meta  *Metadata
	fetch singleflight.Group
}

// NewResolver returns a resolver for cfg.OAuth.Issuer.
func NewResolver(cfg Config, client *http.Client, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = http.DefaultClient
	}
	rewrite := cfg.Discovery.HostRewrite
	if rewrite.From == "" && cfg.Discovery.DevMode {
		rewrite = emulatorRewrite
	}
	return &Resolver{
		issuer:  cfg.OAuth.Issuer,
		rewrite: rewrite,
		client:  client,
		timeout: durationOr(cfg.Timeouts.Discovery, DefaultDiscoveryTimeout),
		logger:  logger,
	}
}

// Load returns the cached metadata, fetching it on first use. Concurrent
// first calls share one fetch; a failed fetch is not cached. ctx bounds how
// long this caller waits, not the shared fetch.
func (r *Resolver) Load(ctx context.Context) (Metadata, error) {
	if meta, ok := r.cached(); ok {
		return meta, nil
	}
	ch := r.fetch.DoChan(r.issuer, func() (any, error) {
		return r.load(context.WithoutCancel(ctx))
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return Metadata{}, res.Err
		}
		return res.Val.(Metadata), nil
	case <-ctx.Done():
		return Metadata{}, ctx.Err()
	}
}

func (r *Resolver) cached() (Metadata, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.meta == nil {
		return Metadata{}, false
	}
	return *r.meta, true
}

func (r *Resolver) load(ctx context.Context) (Metadata, error) {
	if meta, ok := r.cached(); ok {
		return meta, nil
	}

	fetchCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	provider, err := oidc.NewProvider(oidc.ClientContext(fetchCtx, r.client), r.issuer)
	if err != nil {
		r.logger.Error("Failed to load OAuth2 discovery", "issuer", r.issuer, "error", err)
		return Metadata{}, &DiscoveryError{Issuer: r.issuer, Err: err}
	}
	var meta Metadata
	if err := provider.Claims(&meta); err != nil {
		return Metadata{}, &DiscoveryError{Issuer: r.issuer, Err: fmt.Errorf("decode metadata: %w", err)}
	}

	if r.rewrite.From != "" {
		meta = r.rewrite.apply(meta)
		r.logger.Debug("discovery endpoints rewritten", "from", r.rewrite.From, "to", r.rewrite.To)
	}

	r.mu.Lock()
	r.meta = &meta
	r.mu.Unlock()
	r.logger.Info("discovery loaded",
		"issuer", meta.Issuer,
		"token_endpoint", meta.TokenEndpoint,
		"revocation", meta.RevocationEndpoint != "",
	)
	return meta, nil
}

func (h HostRewrite) apply(m Metadata) Metadata {
	m.AuthorizationEndpoint = h.rewriteURL(m.AuthorizationEndpoint)
	m.TokenEndpoint = h.rewriteURL(m.TokenEndpoint)
	m.UserInfoEndpoint = h.rewriteURL(m.UserInfoEndpoint)
	m.RevocationEndpoint = h.rewriteURL(m.RevocationEndpoint)
	m.EndSessionEndpoint = h.rewriteURL(m.EndSessionEndpoint)
	m.JWKSURI = h.rewriteURL(m.JWKSURI)
	return m
}

// rewriteURL swaps the host when it matches From, keeping any port.
func (h HostRewrite) rewriteURL(raw string) string {
	if raw == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() != h.From {
		return raw
	}
	if port := u.Port(); port != "" {
		u.Host = net.JoinHostPort(h.To, port)
	} else {
		u.Host = h.To
	}
	return u.String()
}
