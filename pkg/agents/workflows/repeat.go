package workflows

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/logging"
)

// RepeatClient runs one executor per element of a list resolved at start.
//
// Every item runs on its own copy of the Context with the item bound as a
// step output. Sequential items see the writes of the items before them;
// parallel items all start from the pre-repeat Context. Either way the
// writes of successful items are replayed onto the parent in item order,
// so the result does not depend on completion order. Step outputs recorded
// inside an item stay in that item.
type RepeatClient struct {
	name        string
	items       datactx.DataFrom
	agent       Executor
	mode        core.ExecutionMode
	failure     core.FailurePolicy
	maxParallel int
	itemName    string
	separator   string
	outputs     []datactx.ContextMut
}

// NewRepeatClient creates a repeat of agent as described by def.
// maxParallel applies when def does not set its own limit; zero or less
// runs every item at once.
func NewRepeatClient(name string, def agents.RepeatDef, agent Executor, maxParallel int) *RepeatClient {
	mode, _ := core.ParseExecutionMode(string(def.Mode))
	failure, _ := core.ParseFailurePolicy(string(def.Failure))
	r := &RepeatClient{
		name:        name,
		items:       def.Items,
		agent:       agent,
		mode:        mode,
		failure:     failure,
		maxParallel: maxParallel,
		itemName:    def.ItemName,
		separator:   "\n",
		outputs:     def.Outputs,
	}
	if def.MaxParallel > 0 {
		r.maxParallel = def.MaxParallel
	}
	if r.itemName == "" {
		r.itemName = agents.DefaultItemName
	}
	if def.Separator != nil {
		r.separator = *def.Separator
	}
	return r
}

func (r *RepeatClient) Name() string { return r.name }

// Execute resolves the items and runs them. Under fail_fast the first
// failure by index aborts the repeat and no item's writes are kept. Under
// collect_errors every item runs, successful items are merged, and a
// *RepeatError lists the failures alongside the merged Result. A cancelled
// repeat keeps no item's writes.
func (r *RepeatClient) Execute(ctx context.Context, in State) (Result, error) {
	start := time.Now()
	logger := logging.FromContext(ctx).With("step", label(r.name, "repeat"), "cursor", CursorFrom(ctx))

	fail := func(err error) (Result, error) {
		observe(ctx, StepEvent{Name: r.name, Kind: string(agents.TypeRepeat), Err: err, Duration: time.Since(start)})
		return Result{Output: in.Prompt, Context: in.Context}, err
	}

	raw, err := r.items.Resolve(in.Context, in.Prompt)
	if err != nil {
		return fail(&RepeatError{Index: -1, Err: err})
	}
	items, ok := raw.([]any)
	if !ok {
		return fail(&RepeatError{Index: -1, Err: &datactx.ResolutionError{
			Kind:   datactx.TypeMismatch,
			Path:   r.items.String(),
			Detail: fmt.Sprintf("repeat items must be an array, got %T", raw),
		}})
	}
	logger.Debug("repeat starting", "items", len(items), "mode", r.mode, "failure", r.failure)

	var results []ItemResult
	if r.mode == core.Parallel {
		results = r.runParallel(ctx, in, items)
	} else {
		results = r.runSequential(ctx, in, items)
	}

	if ctx.Err() != nil {
		return fail(cancelled(ctx))
	}
	if first := firstFailure(results); first >= 0 && r.failure == core.FailFast {
		return fail(&RepeatError{Index: first, Err: results[first].Err})
	}

	cur := in.Context
	var writes []datactx.Write
	values := make([]any, 0, len(results))
	for i := range results {
		if results[i].Err != nil {
			continue
		}
		next, err := datactx.Replay(cur, results[i].writes)
		if err != nil {
			// The item's writes conflict with an earlier item's.
			results[i].Err = err
			if r.failure == core.FailFast {
				return fail(&RepeatError{Index: i, Err: err})
			}
			continue
		}
		cur = next
		writes = append(writes, results[i].writes...)
		values = append(values, results[i].Value)
	}

	output := joinOutputs(results, r.separator)
	c, applied, err := commit(cur, r.name, output, values, r.outputs)
	if err != nil {
		return fail(&NodeError{Kind: ResolutionFailure, Node: label(r.name, "repeat"), Err: err})
	}
	writes = append(writes, applied...)
	res := Result{Output: output, Value: values, Context: c, Writes: writes, Items: results}

	if first := firstFailure(results); first >= 0 {
		err := &RepeatError{Index: first, Err: results[first].Err, Items: results}
		logger.Warn("repeat finished with failed items", "failed", len(err.Failed()), "items", len(results))
		observe(ctx, StepEvent{Name: r.name, Kind: string(agents.TypeRepeat), Output: output, Err: err, Duration: time.Since(start)})
		return res, err
	}

	observe(ctx, StepEvent{Name: r.name, Kind: string(agents.TypeRepeat), Output: output, Duration: time.Since(start)})
	return res, nil
}

func (r *RepeatClient) runSequential(ctx context.Context, in State, items []any) []ItemResult {
	results := make([]ItemResult, 0, len(items))
	cur := in.Context
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		res := r.runItem(ctx, i, item, State{Prompt: in.Prompt, Context: cur})
		if res.Err == nil {
			next, err := datactx.Replay(cur, res.writes)
			if err != nil {
				res.Err = err
			} else {
				cur = next
			}
		}
		results = append(results, res)
		if res.Err != nil && r.failure == core.FailFast {
			break
		}
	}
	return results
}

func (r *RepeatClient) runParallel(ctx context.Context, in State, items []any) []ItemResult {
	results := make([]ItemResult, len(items))
	base := in.Context.Clone()

	limit := r.maxParallel
	if limit <= 0 || limit > len(items) {
		limit = len(items)
	}
	p := pool.New().WithContext(ctx).WithMaxGoroutines(max(limit, 1))
	if r.failure == core.FailFast {
		p = p.WithCancelOnError()
	}

	for i, item := range items {
		p.Go(func(ctx context.Context) error {
			if ctx.Err() != nil {
				results[i] = ItemResult{Index: i, Err: cancelled(ctx)}
			} else {
				results[i] = r.runItem(ctx, i, item, State{Prompt: in.Prompt, Context: base})
			}
			if r.failure == core.FailFast {
				return results[i].Err
			}
			return nil
		})
	}
	// Item errors are read from results.
	_ = p.Wait()
	return results
}

// runItem runs the agent on a private copy of st.Context with the item and
// its index bound as step outputs.
func (r *RepeatClient) runItem(ctx context.Context, i int, item any, st State) ItemResult {
	branch := st.Context.Clone().
		WithStep(r.itemName, item).
		WithStep(r.itemName+"_index", i)

	res, err := r.agent.Execute(WithCursor(ctx, fmt.Sprintf("repeat[%d]", i)), State{Prompt: st.Prompt, Context: branch})
	if err != nil {
		return ItemResult{Index: i, Err: err}
	}
	value := res.Value
	if value == nil {
		value = res.Output
	}
	return ItemResult{Index: i, Output: res.Output, Value: value, writes: res.Writes}
}

// firstFailure returns the lowest failing index, preferring real failures
// over items cancelled because a sibling failed. It returns -1 when every
// item succeeded.
func firstFailure(results []ItemResult) int {
	first := -1
	for i, res := range results {
		if res.Err == nil {
			continue
		}
		if !IsCancelled(res.Err) {
			return i
		}
		if first < 0 {
			first = i
		}
	}
	return first
}
