// Package workflows executes agent definitions. Each variant has a client
// implementing Executor: NodeClient calls a provider, ToolClient calls a
// tool server, ChainClient runs executors in order and RepeatClient runs
// one executor per item of a list.
package workflows

import (
	"context"
	"strings"
	"time"

	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/llms"
)

// Executor runs one agent. On failure it returns the Context as committed
// before the failing part, alongside the error.
type Executor interface {
	Execute(ctx context.Context, in State) (Result, error)
	// Name is the step name the executor records its output under, or "".
	Name() string
}

// State is the input of an executor.
type State struct {
	Prompt  string
	Context datactx.Context
}

// Result is the outcome of an executor.
type Result struct {
	// Output is the prompt handed to the next step.
	Output string
	// Value is the structured form of Output: parsed JSON, a tool's
	// structured content, or Output itself.
	Value   any
	Context datactx.Context
	// Writes lists every Context write the executor made, in order.
	// Replaying them onto the input Context reproduces Context.
	Writes []datactx.Write
	// Items holds per-item results of a repeat.
	Items []ItemResult
	Usage *llms.Usage
}

// ItemResult is the outcome of one repeat item.
type ItemResult struct {
	Index  int    `json:"index"`
	Output string `json:"output,omitempty"`
	Value  any    `json:"value,omitempty"`
	Err    error  `json:"-"`

	writes []datactx.Write
}

// OutputStep is the step name under which an executor's own output is
// visible to its output mutations.
const OutputStep = "$output"

// commit records value as the output of step name and applies outputs. The
// prompt source of an output mutation resolves to text. Nothing is applied
// when any mutation fails.
func commit(c datactx.Context, name, text string, value any, outputs []datactx.ContextMut) (datactx.Context, []datactx.Write, error) {
	next := c
	if name != "" {
		next = next.WithStep(name, value)
	}
	if len(outputs) == 0 {
		return next, nil, nil
	}
	applied, writes, err := datactx.ApplyAll(outputs, next.WithStep(OutputStep, value), text)
	if err != nil {
		return c, nil, err
	}
	return applied.WithoutStep(OutputStep), writes, nil
}

// StepEvent reports a finished step to an observer.
type StepEvent struct {
	Cursor   string
	Name     string
	Kind     string
	Output   string
	Err      error
	Duration time.Duration
}

// Observer receives step events. Calls come from the goroutine that ran the
// step, so an observer used with parallel repeats must be safe for
// concurrent use.
type Observer func(StepEvent)

type observerKey struct{}

type cursorKey struct{}

// WithObserver returns a context whose executors report to obs.
func WithObserver(ctx context.Context, obs Observer) context.Context {
	return context.WithValue(ctx, observerKey{}, obs)
}

func observe(ctx context.Context, ev StepEvent) {
	if obs, ok := ctx.Value(observerKey{}).(Observer); ok && obs != nil {
		ev.Cursor = CursorFrom(ctx)
		obs(ev)
	}
}

// WithCursor appends seg to the position of ctx in the executor tree.
func WithCursor(ctx context.Context, seg string) context.Context {
	if cur := CursorFrom(ctx); cur != "" {
		seg = cur + "/" + seg
	}
	return context.WithValue(ctx, cursorKey{}, seg)
}

// CursorFrom returns the slash-joined position of ctx, such as
// "chain[1]/repeat[2]".
func CursorFrom(ctx context.Context) string {
	s, _ := ctx.Value(cursorKey{}).(string)
	return s
}

func label(name, kind string) string {
	if name != "" {
		return name
	}
	return kind
}

func joinOutputs(items []ItemResult, sep string) string {
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if it.Err == nil {
			parts = append(parts, it.Output)
		}
	}
	return strings.Join(parts, sep)
}
