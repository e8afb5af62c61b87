package core

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what a repeat does when one item fails.
type FailurePolicy string

const (
	// FailFast cancels outstanding items and reports the lowest-index error.
	FailFast FailurePolicy = "fail_fast"
	// CollectErrors runs every item and reports per-index results.
	CollectErrors FailurePolicy = "collect_errors"
)

// ParseFailurePolicy accepts the policy names case-insensitively. The empty
// string means FailFast.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch FailurePolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", FailFast:
		return FailFast, nil
	case CollectErrors:
		return CollectErrors, nil
	default:
		return "", fmt.Errorf("unknown failure policy %q", s)
	}
}

// ExecutionMode selects how a repeat schedules its items.
type ExecutionMode string

const (
	Sequential ExecutionMode = "sequential"
	Parallel   ExecutionMode = "parallel"
)

func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Sequential:
		return Sequential, nil
	case Parallel:
		return Parallel, nil
	default:
		return "", fmt.Errorf("unknown execution mode %q", s)
	}
}
