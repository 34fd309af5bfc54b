package mijnted

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Error kinds. Every error returned by this package matches exactly one of them
// with errors.Is, except ErrGrantExpired which also matches ErrAuthentication.
var (
	ErrConnection     = errors.New("connection error")
	ErrTimeout        = errors.New("timeout")
	ErrAuthentication = errors.New("authentication failed")
	ErrGrantExpired   = errors.New("refresh grant expired, re-authentication required")
	ErrAPI            = errors.New("api error")
	ErrConfiguration  = errors.New("invalid configuration")
)

// Error is the concrete error type carrying the kind and, for HTTP failures,
// the response status and body.
type Error struct {
	Kind   error
	Status int
	Body   string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Is(target error) bool {
	if target == e.Kind {
		return true
	}
	return e.Kind == ErrGrantExpired && target == ErrAuthentication
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind error, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func statusError(kind error, status int, body, msg string) *Error {
	return &Error{Kind: kind, Status: status, Body: body, Msg: msg}
}

// isKind reports whether err already belongs to the taxonomy.
func isKind(err error) bool {
	for _, kind := range []error{ErrConnection, ErrTimeout, ErrAuthentication, ErrAPI, ErrConfiguration} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

// transportError maps a failed round trip to ErrTimeout or ErrConnection.
func transportError(msg string, err error) error {
	if isKind(err) {
		return err
	}

	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) ||
		(errors.As(err, &ne) && ne.Timeout()) {
		return newError(ErrTimeout, msg, err)
	}

	return newError(ErrConnection, msg, err)
}

// apiError wraps unexpected failures, keeping taxonomy errors and context
// cancellation untouched. An exceeded deadline is a timeout.
func apiError(msg string, err error) error {
	if isKind(err) || errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(ErrTimeout, msg, err)
	}
	return newError(ErrAPI, msg, err)
}
