package rp

import (
	"errors"
	"fmt"
)

// ErrMissingCode reports a callback URL that carries neither an authorization
// code nor a provider error.
var ErrMissingCode = errors.New("authorization callback missing code")

// DiscoveryError reports a failed or malformed provider metadata fetch. It is
// fatal for the client instance: no later protocol operation can proceed
// without metadata.
type DiscoveryError struct {
	Status int
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider metadata fetch failed: %v", e.Err)
	}
	return fmt.Sprintf("provider metadata fetch failed: status %d", e.Status)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// AuthorizationError carries the provider's error code from a denied
// authorization callback. The code is passed through verbatim so nothing the
// provider reported is lost.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("authorization failed: %s: %s", e.Code, e.Description)
	}
	return fmt.Sprintf("authorization failed: %s", e.Code)
}

// StateMismatchError reports a callback whose state parameter does not match
// the value stored when the attempt started, including the case where no
// value was stored at all. Treated as a forged or replayed callback.
type StateMismatchError struct {
	Expected string
	Got      string
}

func (e *StateMismatchError) Error() string { return "callback state parameter mismatch" }

// ExchangeError reports a non-success response from the token endpoint.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status %d: %s", e.Status, e.Body)
}

// UserInfoError reports a non-success response from the userinfo endpoint.
// Callers may treat it as non-fatal: authentication stands, identity fields
// simply stay empty.
type UserInfoError struct {
	Status int
}

func (e *UserInfoError) Error() string {
	return fmt.Sprintf("userinfo request failed: status %d", e.Status)
}
