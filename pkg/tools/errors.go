package tools

import (
	"fmt"
	"strings"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// ProcessErrorKind classifies a ProcessError.
type ProcessErrorKind int

const (
	// SpawnFailed means the process could not be started.
	SpawnFailed ProcessErrorKind = iota
	// ToolFailed covers protocol violations, tool-reported errors and
	// unexpected exits.
	ToolFailed
)

func (k ProcessErrorKind) String() string {
	if k == SpawnFailed {
		return "spawn failed"
	}
	return "tool failed"
}

// ProcessError is returned by Manager operations.
type ProcessError struct {
	Kind    ProcessErrorKind
	Command string
	// Stderr holds the tail of the process's standard error.
	Stderr string
	Err    error
	// Exited is set when the process died before completing the exchange.
	Exited bool
}

func (e *ProcessError) Error() string {
	msg := fmt.Sprintf("%s %q", e.Kind, e.Command)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += " (stderr: " + lastLine(s) + ")"
	}
	return msg
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Retryable reports whether a fresh process may succeed. Only a process
// that died mid-exchange qualifies; protocol and tool errors repeat.
func (e *ProcessError) Retryable() bool {
	return e.Kind == ToolFailed && e.Exited
}

func (e *ProcessError) Code() errors.ErrorCode { return errors.ProcessFailed }

// RPCError is a JSON-RPC error object returned by the server.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
