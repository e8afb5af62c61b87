package workflows

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

var (
	// ErrCancelled is reported when the run's context is cancelled or times
	// out. Errors matching it also match the context's own error.
	ErrCancelled = errors.New(errors.Cancelled, "run cancelled")

	// ErrUnknownVariant indicates a definition the builder cannot execute.
	ErrUnknownVariant = errors.New(errors.InvalidWorkflowState, "unknown agent variant")
)

// cancelled wraps the context's error so that it matches both ErrCancelled
// and context.Canceled or context.DeadlineExceeded.
func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}

// NodeErrorKind classifies a NodeError.
type NodeErrorKind int

const (
	// ResolutionFailure means an input or output binding could not be
	// resolved or applied.
	ResolutionFailure NodeErrorKind = iota
	// ProviderFailure means the provider call failed after retries.
	ProviderFailure
	// ProcessFailure means the tool process failed after retries.
	ProcessFailure
)

func (k NodeErrorKind) String() string {
	switch k {
	case ResolutionFailure:
		return "resolution"
	case ProviderFailure:
		return "provider"
	default:
		return "process"
	}
}

// NodeError is returned by NodeClient and ToolClient.
type NodeError struct {
	Kind NodeErrorKind
	Node string
	Err  error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s: %s error: %v", e.Node, e.Kind, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

func (e *NodeError) Code() errors.ErrorCode {
	if stderrors.Is(e.Err, ErrCancelled) {
		return errors.Cancelled
	}
	switch e.Kind {
	case ResolutionFailure:
		return errors.ResolutionFailed
	case ProviderFailure:
		return errors.ProviderFailed
	default:
		return errors.ProcessFailed
	}
}

// ChainError identifies the failing step of a chain.
type ChainError struct {
	Index int
	Name  string
	Err   error
}

func (e *ChainError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("chain step %d (%s): %v", e.Index, e.Name, e.Err)
	}
	return fmt.Sprintf("chain step %d: %v", e.Index, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

func (e *ChainError) Code() errors.ErrorCode { return codeOrStepFailed(e.Err) }

// RepeatError identifies failing repeat items. Index is the first failing
// item, or -1 when the item list itself could not be resolved. Under the
// collect_errors policy Items holds the result of every item.
type RepeatError struct {
	Index int
	Err   error
	Items []ItemResult
}

func (e *RepeatError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("repeat items: %v", e.Err)
	}
	failed := e.Failed()
	if len(failed) <= 1 {
		return fmt.Sprintf("repeat item %d: %v", e.Index, e.Err)
	}
	idx := make([]string, len(failed))
	for i, it := range failed {
		idx[i] = fmt.Sprint(it.Index)
	}
	return fmt.Sprintf("repeat: %d items failed (%s); item %d: %v", len(failed), strings.Join(idx, ", "), e.Index, e.Err)
}

// Unwrap exposes the error of every failed item.
func (e *RepeatError) Unwrap() []error {
	failed := e.Failed()
	if len(failed) == 0 {
		return []error{e.Err}
	}
	errs := make([]error, len(failed))
	for i, it := range failed {
		errs[i] = it.Err
	}
	return errs
}

func (e *RepeatError) Code() errors.ErrorCode { return codeOrStepFailed(e.Err) }

// Failed returns the failed items in index order.
func (e *RepeatError) Failed() []ItemResult {
	var out []ItemResult
	for _, it := range e.Items {
		if it.Err != nil {
			out = append(out, it)
		}
	}
	return out
}

func codeOrStepFailed(err error) errors.ErrorCode {
	if stderrors.Is(err, ErrCancelled) {
		return errors.Cancelled
	}
	return errors.StepFailed
}

// IsCancelled reports whether err stems from a cancelled run.
func IsCancelled(err error) bool {
	return stderrors.Is(err, ErrCancelled) || stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded)
}

// WrapWorkflowError attaches fields to err for logging.
func WrapWorkflowError(err error, fields map[string]any) error {
	if err == nil {
		return nil
	}
	return errors.WithFields(err, fields)
}
