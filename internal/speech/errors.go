package speech

import (
	"errors"
	"fmt"
)

// Code classifies failures surfaced by the recognition layer.
type Code string

const (
	CodePermissionDenied   Code = "PermissionDenied"
	CodeDependencyMissing  Code = "DependencyMissing"
	CodeBackendUnavailable Code = "BackendUnavailable"
	// CodeSessionBusy is resolved internally by an implicit stop and never surfaced.
	CodeSessionBusy Code = "SessionBusy"
	CodeRecognition Code = "RecognitionError"
)

// Error carries a machine-checkable code and a human-readable message.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrPermissionDenied   = &Error{Code: CodePermissionDenied}
	ErrDependencyMissing  = &Error{Code: CodeDependencyMissing}
	ErrBackendUnavailable = &Error{Code: CodeBackendUnavailable}
	ErrDestroyed          = errors.New("speech controller destroyed")
)

// CodeOf extracts the code of err, or "" when err is not a recognition error.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}
