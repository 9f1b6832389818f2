// Package errclass defines the stable, machine-readable error classes
// returned by the lock and session engine.
package errclass

import "fmt"

// Error is a stable, machine-readable error class.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same Code but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Error classes.
var (
	ErrLockHeld           = &Error{Code: "E_LOCK_HELD"}
	ErrLockNotOwned       = &Error{Code: "E_LOCK_NOT_OWNED"}
	ErrBackendUnavailable = &Error{Code: "E_BACKEND_UNAVAILABLE"}
	ErrSessionNotFound    = &Error{Code: "E_SESSION_NOT_FOUND"}
	ErrClaimConflict      = &Error{Code: "E_CLAIM_CONFLICT"}
	ErrClaimNotOwned      = &Error{Code: "E_CLAIM_NOT_OWNED"}
	ErrNameAmbiguous      = &Error{Code: "E_NAME_AMBIGUOUS"}
	ErrNameInvalid        = &Error{Code: "E_NAME_INVALID"}
	ErrConfigInvalid      = &Error{Code: "E_CONFIG_INVALID"}
	ErrAuditChainBroken   = &Error{Code: "E_AUDIT_CHAIN_BROKEN"}
)

// Code returns the class code carried by err, or "" if err is not classed.
func Code(err error) string {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
