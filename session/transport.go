package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// Transport is the authenticated request gate. It attaches the stored access
// token to every request and, on a 401, refreshes through the coordinator
// and retries the request once.
type Transport struct {
	Base      http.RoundTripper
	store     *TokenStore
	refresher *RefreshCoordinator
	logger    *slog.Logger

	// OnSessionCleared runs after the gate drops a session it can no longer renew.
	OnSessionCleared func()
}

// NewTransport returns a gate in front of base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, store *TokenStore, refresher *RefreshCoordinator, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{Base: base, store: store, refresher: refresher, logger: logger}
}

func (t *Transport) base() http.RoundTripper {
	if t.Base != nil {
		return t.Base
	}
	return http.DefaultTransport
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	getBody, err := replayableBody(req)
	if err != nil {
		return nil, err
	}

	// A request issued while a refresh is underway goes out with the new token.
	if err := t.refresher.Wait(ctx); err != nil {
		return nil, err
	}

	requestID := req.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}

	sent, hasSession := t.store.Tokens(ctx)
	first, err := prepare(req, getBody, sent.AccessToken, requestID)
	if err != nil {
		return nil, err
	}
	resp, err := t.base().RoundTrip(first)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	if !hasSession || sent.RefreshToken == "" {
		t.logger.Info("unauthorized without refresh token", "request_id", requestID, "url", req.URL.Redacted())
		t.clearSession(ctx)
		return resp, nil
	}

	// Another request already renewed the token this one carried.
	if current, ok := t.store.Tokens(ctx); ok && current.AccessToken != sent.AccessToken {
		return t.retry(req, resp, getBody, current.AccessToken, requestID)
	}

	next, err := t.refresher.Refresh(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			drain(resp)
			return nil, ctxErr
		}
		var failed *RefreshFailedError
		if !errors.As(err, &failed) {
			t.logger.Warn("refresh after 401 failed", "request_id", requestID, "error", err)
		}
		t.clearSession(ctx)
		return resp, nil
	}
	return t.retry(req, resp, getBody, next.AccessToken, requestID)
}

func (t *Transport) retry(req *http.Request, original *http.Response, getBody func() (io.ReadCloser, error), accessToken, requestID string) (*http.Response, error) {
	drain(original)
	again, err := prepare(req, getBody, accessToken, requestID)
	if err != nil {
		return nil, err
	}
	t.logger.Debug("retrying request with refreshed token", "request_id", requestID)
	return t.base().RoundTrip(again)
}

// clearSession drops the tokens the gate could not renew. Pending
// authorization artifacts belong to an interactive login and are kept.
func (t *Transport) clearSession(ctx context.Context) {
	if err := t.store.clearTokens(context.WithoutCancel(ctx)); err != nil {
		t.logger.Error("clear session", "error", err)
	}
	if t.OnSessionCleared != nil {
		t.OnSessionCleared()
	}
}

// prepare clones req for one attempt with a fresh body and the given token.
func prepare(req *http.Request, getBody func() (io.ReadCloser, error), accessToken, requestID string) (*http.Request, error) {
	r := req.Clone(req.Context())
	if getBody != nil {
		body, err := getBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		r.Body = body
		r.GetBody = getBody
		if r.Header.Get("Content-Type") == "" {
			r.Header.Set("Content-Type", "application/json")
		}
	}
	r.Header.Set(requestIDHeader, requestID)
	if accessToken != "" {
		r.Header.Set("Authorization", "Bearer "+accessToken)
	} else {
		r.Header.Del("Authorization")
	}
	return r, nil
}

// replayableBody returns a body factory for req, buffering the body when
// the request cannot rewind it itself. It returns nil for bodiless requests.
func replayableBody(req *http.Request) (func() (io.ReadCloser, error), error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()
	if req.GetBody != nil {
		return req.GetBody, nil
	}
	b, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("buffer request body: %w", err)
	}
	return func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(b)), nil
	}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
