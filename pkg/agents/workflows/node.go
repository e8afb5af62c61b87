package workflows

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/llms"
	"github.com/scottdavis/agentgraph/pkg/logging"
	"github.com/scottdavis/agentgraph/pkg/utils"
)

// NodeClient executes a single provider call.
type NodeClient struct {
	name     string
	def      agents.NodeDef
	provider llms.Provider
	retry    core.RetryPolicy
}

// NewNodeClient creates a client for def. The definition's own retry
// policy, when set, takes precedence over retry.
func NewNodeClient(name string, def agents.NodeDef, provider llms.Provider, retry core.RetryPolicy) *NodeClient {
	if def.Retry != nil {
		retry = *def.Retry
	}
	return &NodeClient{name: name, def: def, provider: provider, retry: retry}
}

func (n *NodeClient) Name() string { return n.name }

// Execute resolves the request, calls the provider under the retry policy
// and commits the output. On failure the input Context is returned
// unchanged.
func (n *NodeClient) Execute(ctx context.Context, in State) (Result, error) {
	start := time.Now()
	node := label(n.name, "node")
	logger := logging.FromContext(ctx).With("step", node, "cursor", CursorFrom(ctx), "provider", n.provider.Name())

	fail := func(kind NodeErrorKind, err error) (Result, error) {
		err = &NodeError{Kind: kind, Node: node, Err: err}
		observe(ctx, StepEvent{Name: n.name, Kind: string(agents.TypeNode), Err: err, Duration: time.Since(start)})
		return Result{Output: in.Prompt, Context: in.Context}, err
	}

	req, err := n.request(in)
	if err != nil {
		return fail(ResolutionFailure, err)
	}

	logger.Debug("calling provider", "model", n.provider.ModelID(), "messages", len(req.Messages))
	resp, err := core.Retry(ctx, n.retry, retryable, retryLogger(logger), func(ctx context.Context) (*llms.Response, error) {
		return n.provider.Complete(ctx, req)
	})
	if err != nil {
		if ctx.Err() != nil {
			err = cancelled(ctx)
		}
		return fail(ProviderFailure, err)
	}

	var value any = resp.Text
	if n.def.ParseJSON {
		value, err = utils.ParseJSONResponse(resp.Text)
		if err != nil {
			return fail(ProviderFailure, err)
		}
	}

	c, writes, err := commit(in.Context, n.name, resp.Text, value, n.def.Outputs)
	if err != nil {
		return fail(ResolutionFailure, err)
	}

	logger.Debug("node finished", "duration", time.Since(start), "output_length", len(resp.Text))
	observe(ctx, StepEvent{Name: n.name, Kind: string(agents.TypeNode), Output: resp.Text, Duration: time.Since(start)})
	return Result{Output: resp.Text, Value: value, Context: c, Writes: writes, Usage: resp.Usage}, nil
}

// request builds the provider request: system message, extra messages, then
// the input as the final user message.
func (n *NodeClient) request(in State) (*llms.Request, error) {
	var msgs []llms.Message
	if !n.def.System.IsZero() {
		v, err := n.def.System.Resolve(in.Context, in.Prompt)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, llms.Message{Role: llms.RoleSystem, Content: datactx.Stringify(v)})
	}
	for _, m := range n.def.Messages {
		v, err := m.From.Resolve(in.Context, in.Prompt)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, llms.Message{Role: m.Role, Content: datactx.Stringify(v)})
	}

	input := n.def.Input
	if input.IsZero() {
		input = datactx.Prompt()
	}
	v, err := input.Resolve(in.Context, in.Prompt)
	if err != nil {
		return nil, err
	}
	msgs = append(msgs, llms.Message{Role: llms.RoleUser, Content: datactx.Stringify(v)})

	return &llms.Request{Messages: msgs, MaxTokens: n.def.MaxTokens, Temperature: n.def.Temperature}, nil
}

// retryable reports whether err is a provider or process failure that may
// succeed on another attempt.
func retryable(err error) bool {
	var r interface{ Retryable() bool }
	return stderrors.As(err, &r) && r.Retryable()
}

func retryLogger(logger *slog.Logger) core.RetryHook {
	return func(attempt int, err error, delay time.Duration) {
		logger.Warn("retrying after failure", "attempt", attempt, "backoff", delay, "error", err)
	}
}
