package workflows

import (
	"context"
	stderrors "errors"
	"sort"
	"time"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/logging"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

// ToolInvoker runs one tool call in a fresh tool server process.
// *tools.Manager implements it.
type ToolInvoker interface {
	Invoke(ctx context.Context, def tools.ServerDef, call tools.Call, c datactx.Context, prompt string) (core.ToolResult, error)
}

// ToolClient executes a tool call.
type ToolClient struct {
	name    string
	def     agents.ToolDef
	server  tools.ServerDef
	invoker ToolInvoker
	retry   core.RetryPolicy
}

// NewToolClient creates a client calling def.Tool on server.
func NewToolClient(name string, def agents.ToolDef, server tools.ServerDef, invoker ToolInvoker, retry core.RetryPolicy) *ToolClient {
	if def.Retry != nil {
		retry = *def.Retry
	}
	return &ToolClient{name: name, def: def, server: server, invoker: invoker, retry: retry}
}

func (t *ToolClient) Name() string { return t.name }

// Execute resolves the arguments, invokes the tool and commits its result.
// The output text is the result's text content; the step value is its
// structured content when present.
func (t *ToolClient) Execute(ctx context.Context, in State) (Result, error) {
	start := time.Now()
	node := label(t.name, t.def.Tool)
	logger := logging.FromContext(ctx).With("step", node, "cursor", CursorFrom(ctx), "tool", t.def.Tool)

	fail := func(kind NodeErrorKind, err error) (Result, error) {
		err = &NodeError{Kind: kind, Node: node, Err: err}
		observe(ctx, StepEvent{Name: t.name, Kind: string(agents.TypeTool), Err: err, Duration: time.Since(start)})
		return Result{Output: in.Prompt, Context: in.Context}, err
	}

	args, err := t.arguments(in)
	if err != nil {
		return fail(ResolutionFailure, err)
	}

	call := tools.Call{Tool: t.def.Tool, Arguments: args}
	res, err := core.Retry(ctx, t.retry, retryable, retryLogger(logger), func(ctx context.Context) (core.ToolResult, error) {
		return t.invoker.Invoke(ctx, t.server, call, in.Context, in.Prompt)
	})
	if err != nil {
		var rerr *datactx.ResolutionError
		switch {
		case ctx.Err() != nil:
			return fail(ProcessFailure, cancelled(ctx))
		case stderrors.As(err, &rerr):
			return fail(ResolutionFailure, err)
		default:
			return fail(ProcessFailure, err)
		}
	}

	text := res.Text()
	if text == "" && res.Structured != nil {
		text = datactx.Stringify(res.Structured)
	}
	value := res.Value()

	c, writes, err := commit(in.Context, t.name, text, value, t.def.Outputs)
	if err != nil {
		return fail(ResolutionFailure, err)
	}

	logger.Debug("tool finished", "duration", time.Since(start))
	observe(ctx, StepEvent{Name: t.name, Kind: string(agents.TypeTool), Output: text, Duration: time.Since(start)})
	return Result{Output: text, Value: value, Context: c, Writes: writes}, nil
}

func (t *ToolClient) arguments(in State) (map[string]any, error) {
	names := make([]string, 0, len(t.def.Arguments))
	for name := range t.def.Arguments {
		names = append(names, name)
	}
	sort.Strings(names)

	args := make(map[string]any, len(names))
	for _, name := range names {
		v, err := t.def.Arguments[name].Resolve(in.Context, in.Prompt)
		if err != nil {
			return nil, err
		}
		args[name] = v
	}
	return args, nil
}
