package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/logging"
)

// ChainClient runs executors in order. The output of step i is the prompt
// of step i+1 and the Context flows forward. The first failure stops the
// chain.
type ChainClient struct {
	name    string
	steps   []Executor
	outputs []datactx.ContextMut
}

// NewChainClient creates a chain over steps. outputs are applied after the
// last step, with the prompt bound to the chain's output.
func NewChainClient(name string, steps []Executor, outputs []datactx.ContextMut) *ChainClient {
	return &ChainClient{name: name, steps: steps, outputs: outputs}
}

func (c *ChainClient) Name() string { return c.name }

// Steps returns the chain's executors.
func (c *ChainClient) Steps() []Executor { return c.steps }

// Execute runs the steps. On failure the returned Context holds the writes
// of the steps that succeeded and the error is a *ChainError naming the
// failing step.
func (c *ChainClient) Execute(ctx context.Context, in State) (Result, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).With("step", label(c.name, "chain"), "cursor", CursorFrom(ctx))

	cur := in
	last := Result{Output: in.Prompt, Value: in.Prompt, Context: in.Context}
	var writes []datactx.Write

	for i, step := range c.steps {
		if ctx.Err() != nil {
			return c.fail(ctx, start, cur, writes, &ChainError{Index: i, Name: step.Name(), Err: cancelled(ctx)})
		}
		logger.Debug("chain step starting", "index", i, "name", step.Name())

		res, err := step.Execute(WithCursor(ctx, fmt.Sprintf("chain[%d]", i)), cur)
		if err != nil {
			// A nested chain reports what it committed before failing.
			partial := State{Prompt: cur.Prompt, Context: res.Context}
			return c.fail(ctx, start, partial, append(writes, res.Writes...), &ChainError{Index: i, Name: step.Name(), Err: err})
		}
		writes = append(writes, res.Writes...)
		cur = State{Prompt: res.Output, Context: res.Context}
		last = res
	}

	value := last.Value
	if value == nil {
		value = last.Output
	}
	out, applied, err := commit(cur.Context, c.name, last.Output, value, c.outputs)
	if err != nil {
		return c.fail(ctx, start, cur, writes, &NodeError{Kind: ResolutionFailure, Node: label(c.name, "chain"), Err: err})
	}
	writes = append(writes, applied...)

	observe(ctx, StepEvent{Name: c.name, Kind: string(agents.TypeChain), Output: last.Output, Duration: time.Since(start)})
	return Result{Output: last.Output, Value: value, Context: out, Writes: writes}, nil
}

func (c *ChainClient) fail(ctx context.Context, start time.Time, cur State, writes []datactx.Write, err error) (Result, error) {
	observe(ctx, StepEvent{Name: c.name, Kind: string(agents.TypeChain), Err: err, Duration: time.Since(start)})
	return Result{Output: cur.Prompt, Context: cur.Context, Writes: writes}, err
}
