// Package errdefs defines the error kinds surfaced by the orchestrator.
//
// Every terminal failure carries exactly one Kind so callers can react to it
// without string matching: validation errors are reported before any
// container exists, source-not-found errors point at a missing image or build
// source, infrastructure errors come from the container engine or the
// network, timeouts come from bootstrapping, and internal errors indicate a
// programming mistake.
package errdefs

import (
	"errors"
	"fmt"
)

// Kind classifies an orchestration failure.
type Kind string

const (
	KindUnknown        Kind = ""
	KindValidation     Kind = "validation"
	KindSourceNotFound Kind = "source-not-found"
	KindInfrastructure Kind = "infrastructure"
	KindTimeout        Kind = "timeout"
	KindInternal       Kind = "internal"
)

// Error is a classified error. Message is the human readable description and
// Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, cause error, format string, args ...any) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// Validationf reports a bad or inconsistent configuration.
func Validationf(format string, args ...any) error {
	return newf(KindValidation, nil, format, args...)
}

// SourceNotFoundf reports a missing image repository or build source.
func SourceNotFoundf(cause error, format string, args ...any) error {
	return newf(KindSourceNotFound, cause, format, args...)
}

// Infrastructuref reports a failed engine, network or I/O operation.
func Infrastructuref(cause error, format string, args ...any) error {
	return newf(KindInfrastructure, cause, format, args...)
}

// Timeoutf reports an exceeded deadline.
func Timeoutf(format string, args ...any) error {
	return newf(KindTimeout, nil, format, args...)
}

// Internalf reports a programmer error.
func Internalf(format string, args ...any) error {
	return newf(KindInternal, nil, format, args...)
}

// KindOf returns the kind of the outermost classified error in err's chain,
// or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool     { return KindOf(err) == KindValidation }
func IsSourceNotFound(err error) bool { return KindOf(err) == KindSourceNotFound }
func IsInfrastructure(err error) bool { return KindOf(err) == KindInfrastructure }
func IsTimeout(err error) bool        { return KindOf(err) == KindTimeout }
func IsInternal(err error) bool       { return KindOf(err) == KindInternal }
