// Package apperrors defines the error taxonomy shared by the registry server and the carp CLI.
// Every failure that crosses a component boundary in the trust and distribution pipeline is an
// *Error carrying a machine-readable Kind plus a sanitized, human-readable message. Messages
// never contain plaintext secrets, signed URLs, or internal stack detail; the wrapped cause is
// kept for logging only and is not rendered to API callers.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers. The string value is the wire representation used in
// JSON error bodies ({"error": "<kind>", "message": "..."}).
type Kind string

const (
	KindAuthInvalid         Kind = "auth_invalid"
	KindRateLimited         Kind = "rate_limited"
	KindInvalidArgument     Kind = "invalid_argument"
	KindNotFound            Kind = "not_found"
	KindConflict            Kind = "conflict"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindClientError         Kind = "client_error"
	KindChecksumMismatch    Kind = "checksum_mismatch"
	KindPathTraversal       Kind = "path_traversal"
	KindDestinationExists   Kind = "destination_exists"
	KindCorruptArchive      Kind = "corrupt_archive"
	KindInternal            Kind = "internal"
)

// Error is the concrete error type for the pipeline.
type Error struct {
	Kind    Kind
	Message string
	// Status is the HTTP status the error was built from, zero for local errors.
	Status int
	// Body holds the structured upstream error body, if any, for KindClientError.
	Body map[string]any
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Kind, so callers can write
// errors.Is(err, apperrors.NotFound) against the sentinel values below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	AuthInvalid         = &Error{Kind: KindAuthInvalid}
	RateLimited         = &Error{Kind: KindRateLimited}
	InvalidArgument     = &Error{Kind: KindInvalidArgument}
	NotFound            = &Error{Kind: KindNotFound}
	Conflict            = &Error{Kind: KindConflict}
	UpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ClientError         = &Error{Kind: KindClientError}
	ChecksumMismatch    = &Error{Kind: KindChecksumMismatch}
	PathTraversal       = &Error{Kind: KindPathTraversal}
	DestinationExists   = &Error{Kind: KindDestinationExists}
	CorruptArchive      = &Error{Kind: KindCorruptArchive}
	Internal            = &Error{Kind: KindInternal}
)

// New creates an *Error with the given kind and message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error that keeps err as its cause.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the sanitized message of the first *Error in err's chain. Errors outside the
// taxonomy are reported with a generic message so internal detail never leaks to callers.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return "internal error"
}

// Retryable reports whether the caller may retry the operation that produced err.
func Retryable(err error) bool {
	return KindOf(err) == KindUpstreamUnavailable
}

// HTTPStatus maps a Kind to the status code used by the registry API.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthInvalid:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInvalidArgument, KindPathTraversal, KindCorruptArchive:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindDestinationExists:
		return http.StatusConflict
	case KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindClientError:
		return http.StatusBadGateway
	case KindChecksumMismatch:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// FromHTTPStatus maps a registry API response status and error kind string back into a Kind.
// Used by the client to rebuild the taxonomy from JSON error bodies.
func FromHTTPStatus(status int, kind string) Kind {
	if kind != "" {
		switch k := Kind(kind); k {
		case KindAuthInvalid, KindRateLimited, KindInvalidArgument, KindNotFound, KindConflict,
			KindUpstreamUnavailable, KindClientError, KindChecksumMismatch, KindPathTraversal,
			KindDestinationExists, KindCorruptArchive, KindInternal:
			return k
		}
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuthInvalid
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status == http.StatusNotFound:
		return KindNotFound
	case status == http.StatusConflict:
		return KindConflict
	case status >= 500:
		return KindUpstreamUnavailable
	case status >= 400:
		return KindClientError
	default:
		return KindInternal
	}
}
