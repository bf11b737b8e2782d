package session

import (
	"errors"
	"fmt"
)

var (
	// ErrStateMismatch flags a returned state that differs from the stored
	// one; the response is treated as forged.
	ErrStateMismatch = errors.New("invalid state returned")
	// ErrMissingVerifier means the authorize step was skipped or its storage was cleared.
	ErrMissingVerifier = errors.New("missing code_verifier in secure storage")
	// ErrMissingRefreshToken means no refresh token is stored.
	ErrMissingRefreshToken = errors.New("no refresh token available")
	// ErrPromptCancelled is returned by a Prompter when the user abandons the flow.
	ErrPromptCancelled = errors.New("authorization cancelled by user")
	// ErrNoSession means no complete token set is stored.
	ErrNoSession = errors.New("no active session")
)

// DiscoveryError reports that the issuer metadata could not be fetched or parsed.
type DiscoveryError struct {
	Issuer string
	Err    error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("load discovery for %s: %v", e.Issuer, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// MissingEndpointError reports a discovery document without a required endpoint.
type MissingEndpointError struct {
	Endpoint string
}

func (e *MissingEndpointError) Error() string {
	return fmt.Sprintf("%s endpoint not found", e.Endpoint)
}

// ExchangeFailedError wraps a rejected or failed authorization code exchange.
type ExchangeFailedError struct {
	Err error
}

func (e *ExchangeFailedError) Error() string {
	return fmt.Sprintf("exchange code: %v", e.Err)
}

func (e *ExchangeFailedError) Unwrap() error { return e.Err }

// RefreshFailedError wraps a rejected or failed refresh. The session has
// been cleared by the time a caller sees it.
type RefreshFailedError struct {
	Err error
}

func (e *RefreshFailedError) Error() string {
	return fmt.Sprintf("refresh token: %v", e.Err)
}

func (e *RefreshFailedError) Unwrap() error { return e.Err }
