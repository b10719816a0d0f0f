package internal

import (
	"errors"
	"fmt"
)

// ReasonCode classifies failures. Every terminal failure carries one.
type ReasonCode string

const (
	ReasonPlanning        ReasonCode = "PlanningError"
	ReasonPolicy          ReasonCode = "PolicyViolation"
	ReasonSandboxCreation ReasonCode = "SandboxCreationError"
	ReasonTimeout         ReasonCode = "ExecutionTimeout"
	ReasonResource        ReasonCode = "ResourceExceeded"
	ReasonToolInternal    ReasonCode = "ToolInternalError"
	ReasonInvalidCall     ReasonCode = "InvalidToolCall"
	ReasonCancelled       ReasonCode = "Cancelled"
)

var (
	ErrPlanning        = &Error{Reason: ReasonPlanning}
	ErrPolicyViolation = &Error{Reason: ReasonPolicy}
	ErrSandboxCreation = &Error{Reason: ReasonSandboxCreation}
	ErrTimeout         = &Error{Reason: ReasonTimeout}
	ErrResource        = &Error{Reason: ReasonResource}
	ErrToolInternal    = &Error{Reason: ReasonToolInternal}
	ErrInvalidCall     = &Error{Reason: ReasonInvalidCall}
	ErrCancelled       = &Error{Reason: ReasonCancelled}
)

// Error is the domain error type.
type Error struct {
	Reason ReasonCode
	Msg    string
	// Output is the last captured tool output, if any.
	Output string
	// Hard marks a ResourceExceeded breach of an architectural limit.
	Hard bool
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Reason)
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Retryable reports whether another attempt may be made after this error.
func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	switch e.Reason {
	case ReasonTimeout, ReasonToolInternal:
		return true
	case ReasonResource:
		return !e.Hard
	}
	return false
}

// Errorf builds an *Error with a formatted message.
func Errorf(reason ReasonCode, format string, args ...any) *Error {
	return &Error{
		Reason: reason,
		Msg:    fmt.Sprintf(format, args...),
	}
}

// Wrap builds an *Error with reason around err.
func Wrap(reason ReasonCode, err error, msg string) *Error {
	return &Error{
		Reason: reason,
		Msg:    msg,
		Err:    err,
	}
}

// AsError extracts the domain error from err, classifying unknown errors as
// ToolInternalError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(ReasonToolInternal, err, "")
}

// ReasonOf returns the reason code carried by err, or "" when err is nil.
func ReasonOf(err error) ReasonCode {
	if err == nil {
		return ""
	}
	return AsError(err).Reason
}
