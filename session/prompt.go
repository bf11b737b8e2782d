package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
)

// Prompter runs the interactive part of the authorization flow: it shows
// authURL to the user and returns the query parameters delivered to
// redirectURI. It returns an error wrapping ErrPromptCancelled when the user
// abandons the flow or ctx ends first.
type Prompter interface {
	Prompt(ctx context.Context, authURL, redirectURI string) (url.Values, error)
}

// LoopbackPrompter receives the redirect on a short-lived local HTTP
// listener bound to the redirect URI's host and path.
type LoopbackPrompter struct {
	// Open launches the browser. When nil the URL is only logged.
	Open   func(authURL string) error
	Logger *slog.Logger
}

func (p *LoopbackPrompter) Prompt(ctx context.Context, authURL, redirectURI string) (url.Values, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	if u.Scheme != "http" {
		return nil, fmt.Errorf("loopback redirect must use http, got %q", u.Scheme)
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", u.Host, err)
	}

	results := make(chan url.Values, 1)
	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		select {
		case results <- q:
		default:
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		if q.Get("error") != "" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte("Authorization failed. You can close this window.\n"))
			return
		}
		_, _ = w.Write([]byte("Authorization complete. You can close this window.\n"))
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("redirect listener stopped", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("waiting for authorization redirect", "redirect_uri", redirectURI)
	if p.Open != nil {
		if err := p.Open(authURL); err != nil {
			return nil, fmt.Errorf("open browser: %w", err)
		}
	} else {
		logger.Info("open this URL to continue", "url", authURL)
	}

	select {
	case q := <-results:
		return q, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPromptCancelled, ctx.Err())
	}
}

// DeepLinkPrompter waits for the platform to hand back a custom-scheme
// redirect through Deliver. Only the most recent prompt can receive a link;
// starting a new prompt cancels the one before it.
type DeepLinkPrompter struct {
	Open func(authURL string) error

	mu      sync.Mutex
	pending *deepLinkWait
}

type deepLinkWait struct {
	redirect   *url.URL
	results    chan url.Values
	superseded chan struct{}
}

func (p *DeepLinkPrompter) Prompt(ctx context.Context, authURL, redirectURI string) (url.Values, error) {
	redirect, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("parse redirect uri: %w", err)
	}
	wait := &deepLinkWait{
		redirect:   redirect,
		results:    make(chan url.Values, 1),
		superseded: make(chan struct{}),
	}

	p.mu.Lock()
	if p.pending != nil {
		close(p.pending.superseded)
	}
	p.pending = wait
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		if p.pending == wait {
			p.pending = nil
		}
		p.mu.Unlock()
	}()

	if p.Open != nil {
		if err := p.Open(authURL); err != nil {
			return nil, fmt.Errorf("open browser: %w", err)
		}
	}

	select {
	case q := <-wait.results:
		return q, nil
	case <-wait.superseded:
		return nil, fmt.Errorf("%w: superseded by a newer authorization", ErrPromptCancelled)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrPromptCancelled, ctx.Err())
	}
}

// Deliver routes an incoming deep link to the waiting prompt. It reports
// whether the link matched the pending redirect URI and was consumed.
func (p *DeepLinkPrompter) Deliver(rawURL string) bool {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	wait := p.pending
	if wait == nil || !sameEndpoint(wait.redirect, u) {
		return false
	}
	p.pending = nil
	wait.results <- u.Query()
	return true
}

func sameEndpoint(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Host, b.Host) &&
		strings.TrimSuffix(a.Path, "/") == strings.TrimSuffix(b.Path, "/")
}
