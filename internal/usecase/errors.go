package usecase

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorValidation                 ErrorCode = "VALIDATION_ERROR"
	ErrorUnknownAccessGroup         ErrorCode = "UNKNOWN_ACCESS_GROUP"
	ErrorConfigurationInconsistency ErrorCode = "CONFIGURATION_INCONSISTENCY"
	ErrorPermissionViolation        ErrorCode = "PERMISSION_VIOLATION"
	ErrorOracle                     ErrorCode = "ORACLE_ERROR"
	ErrorPersistence                ErrorCode = "PERSISTENCE_ERROR"
	ErrorOwnership                  ErrorCode = "OWNERSHIP_ERROR"
	ErrorNotFound                   ErrorCode = "NOT_FOUND"
	ErrorConflict                   ErrorCode = "CONFLICT"
	ErrorForbidden                  ErrorCode = "FORBIDDEN"
	ErrorInternal                   ErrorCode = "INTERNAL_ERROR"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("usecase: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("usecase: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the code carried by err, or ErrorInternal.
func CodeOf(err error) ErrorCode {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Code
	}
	return ErrorInternal
}

// OracleError tags a failure of the retrieval or generation oracle.
type OracleError struct {
	Op  string
	Err error
}

func (e *OracleError) Error() string {
	return fmt.Sprintf("usecase: %s oracle: %v", e.Op, e.Err)
}

func (e *OracleError) Unwrap() error {
	return e.Err
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

func upstreamStatusCode(err error) (int, bool) {
	var statusErr httpStatusCoder
	if !errors.As(err, &statusErr) {
		return 0, false
	}
	return statusErr.HTTPStatusCode(), true
}
