// Package oautherr defines the classified errors raised by the connection lifecycle.
package oautherr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error so callers can decide between retrying, surfacing,
// or asking the user to re-authorize.
type Kind string

const (
	ProviderNotFound     Kind = "PROVIDER_NOT_FOUND"
	ConnectionNotFound   Kind = "CONNECTION_NOT_FOUND"
	InvalidState         Kind = "INVALID_STATE"
	StateExpired         Kind = "STATE_EXPIRED"
	TokenExchangeFailed  Kind = "TOKEN_EXCHANGE_FAILED"
	RefreshTokenExpired  Kind = "REFRESH_TOKEN_EXPIRED"
	InvalidConfiguration Kind = "INVALID_CONFIGURATION"
	OAuthError           Kind = "OAUTH_ERROR"
	InvalidToken         Kind = "INVALID_TOKEN"
)

// Error is a classified error. Details must never hold token material.
type Error struct {
	Kind     Kind
	Message  string
	Provider string
	Details  map[string]any
	Err      error
}

func (e *Error) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches another *Error of the same kind, so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithDetail returns e after setting a detail entry.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, provider, message string) *Error {
	return &Error{
		Kind:     kind,
		Message:  message,
		Provider: provider,
	}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, provider, format string, args ...any) *Error {
	return New(kind, provider, fmt.Sprintf(format, args...))
}

// Wrap classifies err. The original message is kept as the "originalError" detail.
func Wrap(kind Kind, provider, message string, err error) *Error {
	e := New(kind, provider, message)
	e.Err = err
	if err != nil {
		e.WithDetail("originalError", err.Error())
	}
	return e
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the classified error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// RequiresReauth reports whether the user must redo the authorization flow.
func RequiresReauth(kind Kind) bool {
	return kind == RefreshTokenExpired || kind == InvalidToken
}

// HTTPStatus maps a kind to the status code used by the HTTP API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case ProviderNotFound, ConnectionNotFound:
		return http.StatusNotFound
	case InvalidState, StateExpired, TokenExchangeFailed:
		return http.StatusBadRequest
	case RefreshTokenExpired, InvalidToken:
		return http.StatusUnauthorized
	case OAuthError:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
