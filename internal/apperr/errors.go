// Package apperr classifies failures into the small set of kinds the client
// reacts to differently: validation problems are shown inline, permission
// problems point at settings, network problems are retried, conflicts are
// surfaced as-is.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the category of an application error.
type Kind int

const (
	Internal Kind = iota
	Validation
	Permission
	Network
	Conflict
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case Permission:
		return "permission"
	case Network:
		return "network"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// Error is a classified failure. Op names the operation that failed
// ("vote", "GET /incidents/{id}"), Status is the HTTP status when one was
// received and Message is the server's or validator's explanation.
type Error struct {
	Kind    Kind
	Op      string
	Status  int
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the operation may succeed if simply repeated.
// Only transport failures and 5xx responses are; every 4xx answer is final,
// including 408 and 429.
func (e *Error) Retryable() bool {
	return e.Kind == Network && (e.Status == 0 || e.Status >= 500)
}

// New creates a classified error with a message.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap classifies err under kind. A nil err yields nil.
func Wrap(kind Kind, op string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Validationf is a shorthand for validation errors raised before a request
// is ever sent.
func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, fmt.Sprintf(format, args...))
}

// FromStatus maps an HTTP response status onto a kind. 401/403 are
// permission problems, 404 is not found, 408/429 are network-kind so the
// user is told to try again later, other 4xx are conflicts and 5xx are
// network-kind and retried.
func FromStatus(op string, status int, message string) *Error {
	var kind Kind
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		kind = Permission
	case status == http.StatusNotFound:
		kind = NotFound
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests:
		kind = Network
	case status >= 400 && status < 500:
		kind = Conflict
	case status >= 500:
		kind = Network
	default:
		kind = Internal
	}
	return &Error{Kind: kind, Op: op, Status: status, Message: message}
}

// FromTransport classifies an error returned by the HTTP transport or the
// socket dialer.
func FromTransport(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return Wrap(Network, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(Internal, op, err)
	}
	return Wrap(Network, op, err)
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether err is a retryable classified error.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}

// UserMessage turns err into text suitable for showing to a person. It never
// includes transport details; every message names the action to take.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if !errors.As(err, &e) {
		return "Something went wrong. Please try again."
	}
	switch e.Kind {
	case Validation:
		if e.Message != "" {
			return e.Message
		}
		return "Please check the highlighted fields and try again."
	case Permission:
		if e.Status == http.StatusUnauthorized {
			return "Your session has expired. Please sign in again."
		}
		return "Permission is required. Open Settings to allow access, then try again."
	case Network:
		return "We couldn't reach the server. Check your connection and try again."
	case Conflict:
		if e.Message != "" {
			return e.Message
		}
		return "The server rejected this request. Please review it and try again."
	case NotFound:
		return "This item is no longer available. Pull to refresh."
	default:
		return "Something went wrong. Please try again."
	}
}
