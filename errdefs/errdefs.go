// Package errdefs defines the error taxonomy shared by every vmplex component.
//
// Managers return *Error values (or wrap them with %w); the dispatcher maps
// them onto the envelope's error.kind without inspecting message text.
package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for callers.
type Kind string

const (
	KindValidation         Kind = "ValidationError"
	KindNotFound           Kind = "NotFoundError"
	KindStateConflict      Kind = "StateConflictError"
	KindExternalTool       Kind = "ExternalToolError"
	KindTimeout            Kind = "TimeoutError"
	KindResourceExhaustion Kind = "ResourceExhaustionError"
	KindInternal           Kind = "InternalError"
)

// Error is a classified error. Raw carries the unparsed hypervisor output
// (stderr) when the error originated from an external command.
type Error struct {
	Kind    Kind
	Message string
	Raw     string
	// Transient marks failures that an idempotent read may retry.
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinel comparisons like
// errors.Is(err, errdefs.ErrNotFound) work for every not-found error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStateConflict      = &Error{Kind: KindStateConflict}
	ErrExternalTool       = &Error{Kind: KindExternalTool}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrResourceExhaustion = &Error{Kind: KindResourceExhaustion}
	ErrInternal           = &Error{Kind: KindInternal}
)

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validationf(format string, args ...any) *Error { return newf(KindValidation, format, args...) }
func NotFoundf(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Conflictf(format string, args ...any) *Error   { return newf(KindStateConflict, format, args...) }
func Timeoutf(format string, args ...any) *Error    { return newf(KindTimeout, format, args...) }
func Internalf(format string, args ...any) *Error   { return newf(KindInternal, format, args...) }

func Exhaustedf(format string, args ...any) *Error {
	return newf(KindResourceExhaustion, format, args...)
}

// External builds an ExternalToolError carrying the raw stderr.
func External(message, raw string) *Error {
	return &Error{Kind: KindExternalTool, Message: message, Raw: raw}
}

// KindOf returns the Kind of err. Context deadline errors count as timeouts;
// anything unclassified is internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// RawOf returns the raw external output attached to err, if any.
func RawOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Raw
	}
	return ""
}

// IsTransient reports whether err is marked retryable.
func IsTransient(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Transient
}

// Outcome-changing kinds leave the hypervisor in an unknown state.
func IsAmbiguous(err error) bool {
	switch KindOf(err) {
	case KindExternalTool, KindTimeout, KindInternal:
		return true
	}
	return false
}
