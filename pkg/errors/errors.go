// Package errors provides coded errors with structured fields.
//
// Every error produced by the engine carries an ErrorCode so callers can
// branch on the category of failure without string matching, and a set of
// Fields that loggers can emit as structured attributes.
package errors

import (
	stderrors "errors"
	"fmt"
	"maps"
)

// ErrorCode classifies an error.
type ErrorCode int

const (
	Unknown ErrorCode = iota
	InvalidInput
	InvalidResponse
	ValidationFailed
	ResourceNotFound
	ResolutionFailed
	TypeMismatch
	ProviderFailed
	Unauthorized
	RateLimitExceeded
	ProcessFailed
	StepFailed
	WorkflowExecutionFailed
	InvalidWorkflowState
	Cancelled
)

var codeNames = map[ErrorCode]string{
	Unknown:                 "Unknown",
	InvalidInput:            "InvalidInput",
	InvalidResponse:         "InvalidResponse",
	ValidationFailed:        "ValidationFailed",
	ResourceNotFound:        "ResourceNotFound",
	ResolutionFailed:        "ResolutionFailed",
	TypeMismatch:            "TypeMismatch",
	ProviderFailed:          "ProviderFailed",
	Unauthorized:            "Unauthorized",
	RateLimitExceeded:       "RateLimitExceeded",
	ProcessFailed:           "ProcessFailed",
	StepFailed:              "StepFailed",
	WorkflowExecutionFailed: "WorkflowExecutionFailed",
	InvalidWorkflowState:    "InvalidWorkflowState",
	Cancelled:               "Cancelled",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ErrorCode(%d)", int(c))
}

// Fields holds structured context attached to an error.
type Fields map[string]any

// Error is a coded error with an optional cause and fields.
type Error struct {
	code     ErrorCode
	message  string
	original error
	fields   Fields
}

// New creates an error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches a code and message to err. It returns nil when err is nil.
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, message: message, original: err}
}

// WithFields returns err with fields merged in. Non-coded errors are
// wrapped with the Unknown code first.
func WithFields(err error, fields Fields) error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		merged := make(Fields, len(e.fields)+len(fields))
		maps.Copy(merged, e.fields)
		maps.Copy(merged, fields)
		return &Error{code: e.code, message: e.message, original: e.original, fields: merged}
	}
	return &Error{code: CodeOf(err), original: err, fields: maps.Clone(fields)}
}

func (e *Error) Error() string {
	if e.message == "" && e.original != nil {
		return e.original.Error()
	}
	if e.original != nil {
		return fmt.Sprintf("%s: %v", e.message, e.original)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.original }

// Code returns the error's code.
func (e *Error) Code() ErrorCode { return e.code }

// Fields returns a copy of the error's fields.
func (e *Error) Fields() Fields { return maps.Clone(e.fields) }

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

type coder interface {
	Code() ErrorCode
}

// CodeOf returns the code of the outermost coded error in err's chain, or
// Unknown.
func CodeOf(err error) ErrorCode {
	var c coder
	if stderrors.As(err, &c) {
		return c.Code()
	}
	return Unknown
}

// FieldsOf collects the fields of every *Error in err's chain. Outer
// fields win on key conflicts.
func FieldsOf(err error) Fields {
	out := Fields{}
	var chain []*Error
	for err != nil {
		if e, ok := err.(*Error); ok {
			chain = append(chain, e)
		}
		err = stderrors.Unwrap(err)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		maps.Copy(out, chain[i].fields)
	}
	return out
}

// Is and As re-export the standard library helpers so callers need a single import.
func Is(err, target error) bool { return stderrors.Is(err, target) }

func As(err error, target any) bool { return stderrors.As(err, target) }
