package faults

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error for logging and HTTP mapping.
type Kind int

const (
	// KindUnknown is anything unclassified.
	KindUnknown Kind = iota
	// KindValidation is missing or malformed input.
	KindValidation
	// KindNotFound is an unknown workflow, run or webhook.
	KindNotFound
	// KindAuthentication is an upstream credential rejection.
	KindAuthentication
	// KindTransport is a network failure, timeout or malformed
	// upstream response.
	KindTransport
	// KindSandbox is a code-node sandbox failure.
	KindSandbox
	// KindScheduler is an invalid graph or an exhausted step cap.
	KindScheduler
	// KindAborted is a cancelled run or timed-out rendezvous.
	KindAborted
)

// Error carries a kind together with its message chain.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string { return e.err.Error() }
func (e *Error) Unwrap() error { return e.err }

// New creates a classified error.
func New(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error, keeping it unwrappable.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// KindOf extracts the kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps an error kind to the status code the API returns.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindAuthentication:
		return http.StatusBadRequest
	case KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
