// Package errs defines the error kinds surfaced by the payment authentication
// flow and maps them onto the result codes reported to hosts.
package errs

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrAuthentication      = errors.New("authentication failure")
	ErrLocked              = errors.New("locked out")
	ErrSecurityOrdering    = errors.New("security ordering violation")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrNetworkUnavailable  = errors.New("network unavailable")
	ErrCaptureDevice       = errors.New("capture device error")
	ErrInvalidState        = errors.New("invalid session state")
	ErrTransactionNotFound = errors.New("transaction not found")
)

// Error carries a kind, a human readable message and an optional cause.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New builds an Error of the given kind.
func New(kind error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind error, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// Message returns the user facing message of err.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Code is a result code reported to hosts and used as the CLI exit status.
type Code string

const (
	CodeSuccess            Code = "success"
	CodeValidation         Code = "validation-error"
	CodeLocked             Code = "locked"
	CodeStorageUnavailable Code = "storage-unavailable"
	CodeNetworkUnavailable Code = "network-unavailable"
	CodeInternal           Code = "internal-error"
)

// CodeOf classifies err.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, ErrLocked):
		return CodeLocked
	case errors.Is(err, ErrStorageUnavailable):
		return CodeStorageUnavailable
	case errors.Is(err, ErrNetworkUnavailable):
		return CodeNetworkUnavailable
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrSecurityOrdering),
		errors.Is(err, ErrCaptureDevice),
		errors.Is(err, ErrInvalidState):
		return CodeValidation
	default:
		return CodeInternal
	}
}

// ExitStatus maps a code to a process exit status.
func (c Code) ExitStatus() int {
	switch c {
	case CodeSuccess:
		return 0
	case CodeValidation:
		return 2
	case CodeLocked:
		return 3
	case CodeStorageUnavailable:
		return 4
	case CodeNetworkUnavailable:
		return 5
	default:
		return 1
	}
}
