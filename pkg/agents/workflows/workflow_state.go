package workflows

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/errors"
)

// RunStatus defines the current state of a run
type RunStatus string

const (
	// RunStatusPending indicates the run is waiting to start
	RunStatusPending RunStatus = "pending"

	// RunStatusRunning indicates the run is actively executing
	RunStatusRunning RunStatus = "running"

	// RunStatusCompleted indicates the run has completed successfully
	RunStatusCompleted RunStatus = "completed"

	// RunStatusFailed indicates the run has failed
	RunStatusFailed RunStatus = "failed"

	// RunStatusCanceled indicates the run was canceled or timed out
	RunStatusCanceled RunStatus = "canceled"
)

// StepError records a failed step
type StepError struct {
	// Cursor is the position of the step in the executor tree
	Cursor string `json:"cursor"`

	// Step is the step name, if it has one
	Step string `json:"step,omitempty"`

	// Error is the error message
	Error string `json:"error"`

	// Code is the error's code name
	Code string `json:"code"`

	// Timestamp is when the error occurred
	Timestamp time.Time `json:"timestamp"`
}

// RunState represents the complete state of one run. It is safe for
// concurrent use.
type RunState struct {
	mu sync.Mutex

	// ID is the unique identifier for the run
	ID string `json:"id"`

	// Agent is the name of the agent being run, if it has one
	Agent string `json:"agent,omitempty"`

	// Status is the current status of the run
	Status RunStatus `json:"status"`

	// Prompt is the initial prompt
	Prompt string `json:"prompt"`

	// Cursor is the position of the first failed step, or of the most
	// recently finished one while nothing has failed
	Cursor string `json:"cursor,omitempty"`

	// CreatedAt is when the run was created
	CreatedAt time.Time `json:"created_at"`

	// StartedAt is when the run started executing
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the run finished (successfully or not)
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// LastUpdateAt is when the run was last updated
	LastUpdateAt time.Time `json:"last_update_at"`

	// CompletedSteps lists the cursors of completed steps in completion order
	CompletedSteps []string `json:"completed_steps"`

	// Errors contains step failures in the order they occurred
	Errors []StepError `json:"errors,omitempty"`

	// Output is the final output text
	Output string `json:"output,omitempty"`

	// Context is the run's Context: the initial one until the run ends,
	// then the final or partial one
	Context datactx.Context `json:"context"`
}

// NewRunState creates a pending run with a fresh ID.
func NewRunState(agent, prompt string, c datactx.Context) *RunState {
	now := time.Now()
	return &RunState{
		ID:             uuid.New().String(),
		Agent:          agent,
		Status:         RunStatusPending,
		Prompt:         prompt,
		CreatedAt:      now,
		LastUpdateAt:   now,
		CompletedSteps: []string{},
		Context:        c,
	}
}

// runStateJSON mirrors RunState without its lock.
type runStateJSON struct {
	ID             string          `json:"id"`
	Agent          string          `json:"agent,omitempty"`
	Status         RunStatus       `json:"status"`
	Prompt         string          `json:"prompt"`
	Cursor         string          `json:"cursor,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	LastUpdateAt   time.Time       `json:"last_update_at"`
	CompletedSteps []string        `json:"completed_steps"`
	Errors         []StepError     `json:"errors,omitempty"`
	Output         string          `json:"output,omitempty"`
	Context        datactx.Context `json:"context"`
}

// Serialize converts the run state to a JSON string
func (rs *RunState) Serialize() (string, error) {
	rs.mu.Lock()
	snapshot := runStateJSON{
		ID:             rs.ID,
		Agent:          rs.Agent,
		Status:         rs.Status,
		Prompt:         rs.Prompt,
		Cursor:         rs.Cursor,
		CreatedAt:      rs.CreatedAt,
		StartedAt:      rs.StartedAt,
		CompletedAt:    rs.CompletedAt,
		LastUpdateAt:   rs.LastUpdateAt,
		CompletedSteps: append([]string(nil), rs.CompletedSteps...),
		Errors:         append([]StepError(nil), rs.Errors...),
		Output:         rs.Output,
		Context:        rs.Context,
	}
	rs.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return "", errors.Wrap(err, errors.Unknown, "failed to serialize run state")
	}
	return string(data), nil
}

// DeserializeRunState converts a JSON string back to a RunState
func DeserializeRunState(data string) (*RunState, error) {
	var s runStateJSON
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to deserialize run state")
	}
	return &RunState{
		ID:             s.ID,
		Agent:          s.Agent,
		Status:         s.Status,
		Prompt:         s.Prompt,
		Cursor:         s.Cursor,
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
		LastUpdateAt:   s.LastUpdateAt,
		CompletedSteps: s.CompletedSteps,
		Errors:         s.Errors,
		Output:         s.Output,
		Context:        s.Context,
	}, nil
}

// RecordStep updates the cursor and the completed or failed steps from a
// step event. A failure is reported again by every enclosing step, so the
// cursor stays at the first one.
func (rs *RunState) RecordStep(ev StepEvent) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := time.Now()
	rs.LastUpdateAt = now
	if len(rs.Errors) == 0 {
		rs.Cursor = ev.Cursor
	}
	if ev.Err == nil {
		rs.CompletedSteps = append(rs.CompletedSteps, cursorOrRoot(ev.Cursor))
		return
	}
	rs.Errors = append(rs.Errors, StepError{
		Cursor:    cursorOrRoot(ev.Cursor),
		Step:      ev.Name,
		Error:     ev.Err.Error(),
		Code:      errors.CodeOf(ev.Err).String(),
		Timestamp: now,
	})
}

func cursorOrRoot(c string) string {
	if c == "" {
		return "/"
	}
	return c
}

// HasErrors checks if any step has failed
func (rs *RunState) HasErrors() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return len(rs.Errors) > 0
}

// CurrentStatus returns the run's status
func (rs *RunState) CurrentStatus() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.Status
}

// MarkRunning marks the run as running
func (rs *RunState) MarkRunning() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Status = RunStatusRunning
	now := time.Now()
	rs.StartedAt = &now
	rs.LastUpdateAt = now
}

// MarkCompleted marks the run as completed with its final output and Context
func (rs *RunState) MarkCompleted(output string, c datactx.Context) {
	rs.finish(RunStatusCompleted, output, c)
}

// MarkFailed marks the run as failed, keeping the partial Context
func (rs *RunState) MarkFailed(output string, c datactx.Context) {
	rs.finish(RunStatusFailed, output, c)
}

// MarkCanceled marks the run as canceled, keeping the partial Context
func (rs *RunState) MarkCanceled(output string, c datactx.Context) {
	rs.finish(RunStatusCanceled, output, c)
}

func (rs *RunState) finish(status RunStatus, output string, c datactx.Context) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.Status = status
	rs.Output = output
	rs.Context = c
	now := time.Now()
	rs.CompletedAt = &now
	rs.LastUpdateAt = now
}

// Duration returns how long the run took, or has been running so far.
func (rs *RunState) Duration() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.StartedAt == nil {
		return 0
	}
	if rs.CompletedAt == nil {
		return time.Since(*rs.StartedAt)
	}
	return rs.CompletedAt.Sub(*rs.StartedAt)
}
