// Package apperr classifies failures of the trust and token protocol so
// handlers can answer each with a distinct status and reason.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the failure class of an Error.
type Kind int

const (
	KindUnknown Kind = iota
	// KindProtocol is a wrong protocol flavor or a malformed request.
	KindProtocol
	// KindTrust is a bad signature or an unreachable key set.
	KindTrust
	// KindClaimMismatch is an inconsistency between signed documents.
	KindClaimMismatch
	KindNotFound
	KindExpired
	// KindUpstream is an unexpected answer from the resource store.
	KindUpstream
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol_violation"
	case KindTrust:
		return "trust_verification_failure"
	case KindClaimMismatch:
		return "claim_mismatch"
	case KindNotFound:
		return "not_found"
	case KindExpired:
		return "expired"
	case KindUpstream:
		return "upstream_failure"
	}
	return "unknown"
}

// Error is a classified failure. Code is the OAuth error code reported to
// the caller, Message the human-readable reason.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, code, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Protocol(code, format string, args ...interface{}) *Error {
	return newf(KindProtocol, code, format, args...)
}

func Trust(code string, err error, format string, args ...interface{}) *Error {
	e := newf(KindTrust, code, format, args...)
	e.Err = err
	return e
}

func ClaimMismatch(code, format string, args ...interface{}) *Error {
	return newf(KindClaimMismatch, code, format, args...)
}

func NotFound(code, format string, args ...interface{}) *Error {
	return newf(KindNotFound, code, format, args...)
}

func Expired(code, format string, args ...interface{}) *Error {
	return newf(KindExpired, code, format, args...)
}

func Upstream(err error, format string, args ...interface{}) *Error {
	e := newf(KindUpstream, "server_error", format, args...)
	e.Err = err
	return e
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// As returns the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a kind onto its default response status.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindProtocol, KindTrust, KindClaimMismatch:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindExpired:
		return http.StatusUnauthorized
	case KindUpstream:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
