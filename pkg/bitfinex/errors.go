package bitfinex

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is a transport failure while dialing. Callers may retry.
	ErrConnection = errors.New("bitfinex: connection failed")
	// ErrAuthenticationFailed means the exchange rejected the auth handshake.
	// A new connection with a fresh nonce is required.
	ErrAuthenticationFailed = errors.New("bitfinex: authentication failed")
	// ErrConnectionClosed means the stream dropped while reading.
	ErrConnectionClosed = errors.New("bitfinex: connection closed")
	// ErrMalformedRecord means a position record lacked a mandatory field.
	ErrMalformedRecord = errors.New("bitfinex: malformed record")
	// ErrCommandFailed means a REST command was rejected or exhausted its retries.
	ErrCommandFailed = errors.New("bitfinex: command failed")
	// ErrNotReady is returned by stream reads before a successful handshake.
	ErrNotReady = errors.New("bitfinex: stream not ready")
)

// AuthError carries the exchange's reason for rejecting a handshake.
type AuthError struct {
	Status  string
	Code    int64
	Message string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %s", ErrAuthenticationFailed, e.Status)
	}
	return fmt.Sprintf("%s: status %s (code %d): %s", ErrAuthenticationFailed, e.Status, e.Code, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthenticationFailed
}

// statusError is a non-200 REST response. Transient ones are retried.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: http status %d: %s", ErrCommandFailed, e.StatusCode, e.Body)
}

func (e *statusError) Unwrap() error {
	return ErrCommandFailed
}
