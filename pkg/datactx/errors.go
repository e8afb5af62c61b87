package datactx

import (
	"fmt"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// ResolutionKind classifies a ResolutionError.
type ResolutionKind int

const (
	// NotFound means a path or step reference does not exist.
	NotFound ResolutionKind = iota
	// TypeMismatch means the tree has the wrong shape for the operation,
	// e.g. indexing a scalar or appending to an object.
	TypeMismatch
	// Invalid means the descriptor itself is malformed.
	Invalid
)

func (k ResolutionKind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case TypeMismatch:
		return "type mismatch"
	default:
		return "invalid"
	}
}

// ResolutionError is returned by Resolve and Apply.
type ResolutionError struct {
	Kind   ResolutionKind
	Path   string
	Detail string
}

var (
	ErrNotFound     = &ResolutionError{Kind: NotFound}
	ErrTypeMismatch = &ResolutionError{Kind: TypeMismatch}
	ErrInvalid      = &ResolutionError{Kind: Invalid}
)

func (e *ResolutionError) Error() string {
	msg := fmt.Sprintf("%s %q", e.Kind, e.Path)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

// Is matches any ResolutionError of the same kind, so errors.Is(err,
// ErrNotFound) works regardless of path.
func (e *ResolutionError) Is(target error) bool {
	t, ok := target.(*ResolutionError)
	return ok && t.Kind == e.Kind
}

func (e *ResolutionError) Code() errors.ErrorCode {
	switch e.Kind {
	case NotFound:
		return errors.ResourceNotFound
	case TypeMismatch:
		return errors.TypeMismatch
	default:
		return errors.InvalidInput
	}
}

func notFound(path, format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: NotFound, Path: path, Detail: fmt.Sprintf(format, args...)}
}

func mismatch(path, format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: TypeMismatch, Path: path, Detail: fmt.Sprintf(format, args...)}
}

func invalid(path, format string, args ...any) *ResolutionError {
	return &ResolutionError{Kind: Invalid, Path: path, Detail: fmt.Sprintf(format, args...)}
}
