package workflows

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/scottdavis/agentgraph/internal/testutil"
	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/errors"
	"github.com/scottdavis/agentgraph/pkg/llms"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

var fastRetry = core.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2}

func uint64Ptr(v uint64) *uint64 { return &v }

func echoNode(name, prefix string, outputs ...datactx.ContextMut) *NodeClient {
	return NewNodeClient(name, agents.NodeDef{Provider: "p", Outputs: outputs}, testutil.Echo(prefix), fastRetry)
}

func itemNode(p llms.Provider, outputs ...datactx.ContextMut) *NodeClient {
	return NewNodeClient("", agents.NodeDef{
		Provider: "p",
		Input:    datactx.StepOutput(agents.DefaultItemName, ""),
		Outputs:  outputs,
	}, p, fastRetry)
}

func appendPrompt(path string) datactx.ContextMut {
	return datactx.ContextMut{From: datactx.Prompt(), To: datactx.AppendTo(path)}
}

func replacePrompt(path string) datactx.ContextMut {
	return datactx.ContextMut{From: datactx.Prompt(), To: datactx.ReplaceAt(path)}
}

func execute(t *testing.T, ex Executor, prompt string, c datactx.Context) (Result, error) {
	t.Helper()
	return ex.Execute(context.Background(), State{Prompt: prompt, Context: c})
}

func TestNodeClientBuildsRequest(t *testing.T) {
	mp := new(testutil.MockProvider)
	mp.On("Complete", mock.Anything, mock.MatchedBy(func(req *llms.Request) bool {
		return assert.ObjectsAreEqual([]llms.Message{
			{Role: llms.RoleSystem, Content: "be brief"},
			{Role: llms.RoleAssistant, Content: `{"lang":"go"}`},
			{Role: llms.RoleUser, Content: "what is a goroutine?"},
		}, req.Messages) && req.MaxTokens != nil && *req.MaxTokens == 64
	})).Return(&llms.Response{Text: "a lightweight thread"}, nil).Once()

	node := NewNodeClient("answer", agents.NodeDef{
		Provider:  "p",
		System:    datactx.Literal("be brief"),
		Messages:  []agents.MessageDef{{Role: llms.RoleAssistant, From: datactx.Path("profile")}},
		MaxTokens: uint64Ptr(64),
		Outputs:   []datactx.ContextMut{replacePrompt("answers.last")},
	}, mp, fastRetry)

	c := datactx.FromMap(map[string]any{"profile": map[string]any{"lang": "go"}})
	res, err := execute(t, node, "what is a goroutine?", c)
	require.NoError(t, err)
	mp.AssertExpectations(t)

	assert.Equal(t, "a lightweight thread", res.Output)
	got, err := res.Context.Get("answers.last")
	require.NoError(t, err)
	assert.Equal(t, "a lightweight thread", got)

	step, ok := res.Context.Step("answer")
	require.True(t, ok)
	assert.Equal(t, "a lightweight thread", step)
	_, ok = res.Context.Step(OutputStep)
	assert.False(t, ok, "the $output binding does not outlive the node")

	assert.Equal(t, []datactx.Write{{To: datactx.ReplaceAt("answers.last"), Value: "a lightweight thread"}}, res.Writes)
	_, err = c.Get("answers")
	assert.ErrorIs(t, err, datactx.ErrNotFound, "the input Context is not modified")
}

func TestNodeClientParseJSON(t *testing.T) {
	mp := new(testutil.MockProvider)
	mp.On("Complete", mock.Anything, mock.Anything).
		Return(&llms.Response{Text: "```json\n{\"title\": \"Concurrency\", \"tags\": [\"go\",]}\n```"}, nil)

	node := NewNodeClient("meta", agents.NodeDef{
		Provider:  "p",
		ParseJSON: true,
		Outputs: []datactx.ContextMut{
			{From: datactx.StepOutput(OutputStep, "title"), To: datactx.ReplaceAt("doc.title")},
			{From: datactx.StepOutput("meta", "tags[0]"), To: datactx.ReplaceAt("doc.tag")},
		},
	}, mp, fastRetry)

	res, err := execute(t, node, "describe", datactx.New())
	require.NoError(t, err)

	want := map[string]any{"doc": map[string]any{"title": "Concurrency", "tag": "go"}}
	if diff := cmp.Diff(want, res.Context.Root()); diff != "" {
		t.Errorf("context mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]any{"title": "Concurrency", "tags": []any{"go"}}, res.Value)

	mp = new(testutil.MockProvider)
	mp.On("Complete", mock.Anything, mock.Anything).Return(&llms.Response{Text: "  "}, nil)
	node = NewNodeClient("meta", agents.NodeDef{Provider: "p", ParseJSON: true}, mp, fastRetry)
	_, err = execute(t, node, "describe", datactx.New())

	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, ProviderFailure, nerr.Kind)
	assert.Equal(t, errors.InvalidResponse, errors.CodeOf(nerr.Err))
}

func TestNodeClientRetries(t *testing.T) {
	unavailable := &llms.ProviderError{Kind: llms.Transport, Provider: "mock", StatusCode: 503, Message: "overloaded"}
	denied := &llms.ProviderError{Kind: llms.Auth, Provider: "mock", StatusCode: 401, Message: "bad key"}

	t.Run("retryable errors are retried", func(t *testing.T) {
		mp := new(testutil.MockProvider)
		mp.On("Complete", mock.Anything, mock.Anything).Return(nil, unavailable).Twice()
		mp.On("Complete", mock.Anything, mock.Anything).Return(&llms.Response{Text: "ok"}, nil).Once()

		res, err := execute(t, NewNodeClient("", agents.NodeDef{Provider: "p"}, mp, fastRetry), "hi", datactx.New())
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Output)
		mp.AssertNumberOfCalls(t, "Complete", 3)
	})

	t.Run("attempts are bounded", func(t *testing.T) {
		mp := new(testutil.MockProvider)
		mp.On("Complete", mock.Anything, mock.Anything).Return(nil, unavailable)

		c := datactx.FromMap(map[string]any{"keep": true})
		res, err := execute(t, NewNodeClient("n", agents.NodeDef{Provider: "p"}, mp, fastRetry), "hi", c)
		require.Error(t, err)
		mp.AssertNumberOfCalls(t, "Complete", 3)

		var nerr *NodeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, ProviderFailure, nerr.Kind)
		assert.Equal(t, "n", nerr.Node)
		assert.ErrorIs(t, err, unavailable)
		assert.Equal(t, errors.ProviderFailed, errors.CodeOf(err))
		assert.True(t, res.Context.Equal(c))
	})

	t.Run("the definition's policy wins", func(t *testing.T) {
		mp := new(testutil.MockProvider)
		mp.On("Complete", mock.Anything, mock.Anything).Return(nil, unavailable)

		once := core.NoRetry()
		_, err := execute(t, NewNodeClient("", agents.NodeDef{Provider: "p", Retry: &once}, mp, fastRetry), "hi", datactx.New())
		require.Error(t, err)
		mp.AssertNumberOfCalls(t, "Complete", 1)
	})

	t.Run("non-retryable errors fail at once", func(t *testing.T) {
		mp := new(testutil.MockProvider)
		mp.On("Complete", mock.Anything, mock.Anything).Return(nil, denied)

		_, err := execute(t, NewNodeClient("", agents.NodeDef{Provider: "p"}, mp, fastRetry), "hi", datactx.New())
		require.Error(t, err)
		mp.AssertNumberOfCalls(t, "Complete", 1)

		var perr *llms.ProviderError
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, llms.Auth, perr.Kind)
	})
}

func TestNodeClientResolutionFailures(t *testing.T) {
	t.Run("missing input", func(t *testing.T) {
		p := testutil.Echo("")
		node := NewNodeClient("", agents.NodeDef{Provider: "p", Input: datactx.Path("question")}, p, fastRetry)

		_, err := execute(t, node, "hi", datactx.New())
		var nerr *NodeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, ResolutionFailure, nerr.Kind)
		assert.ErrorIs(t, err, datactx.ErrNotFound)
		assert.Equal(t, errors.ResolutionFailed, errors.CodeOf(err))
		assert.Zero(t, p.Calls(), "the provider is not called")
	})

	t.Run("outputs are all or nothing", func(t *testing.T) {
		c := datactx.FromMap(map[string]any{"obj": map[string]any{}})
		node := echoNode("n", "out:", replacePrompt("first"), appendPrompt("obj"))

		res, err := execute(t, node, "hi", c)
		var nerr *NodeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, ResolutionFailure, nerr.Kind)
		assert.ErrorIs(t, err, datactx.ErrTypeMismatch)
		assert.True(t, res.Context.Equal(c))
		_, ok := res.Context.Step("n")
		assert.False(t, ok)
	})
}

func TestToolClient(t *testing.T) {
	server := tools.ServerDef{Command: "mcp-fs"}
	call := tools.Call{Tool: "stat", Arguments: map[string]any{"path": "/tmp/a"}}
	def := agents.ToolDef{
		Server:    "fs",
		Tool:      "stat",
		Arguments: map[string]datactx.DataFrom{"path": datactx.Path("file")},
		Outputs: []datactx.ContextMut{
			{From: datactx.StepOutput(OutputStep, "size"), To: datactx.ReplaceAt("stat.size")},
		},
	}
	c := datactx.FromMap(map[string]any{"file": "/tmp/a"})

	t.Run("exited processes are retried", func(t *testing.T) {
		inv := new(testutil.MockToolInvoker)
		inv.On("Invoke", mock.Anything, server, call, mock.Anything, "p").
			Return(core.ToolResult{}, &tools.ProcessError{Kind: tools.ToolFailed, Command: "mcp-fs", Exited: true}).Once()
		inv.On("Invoke", mock.Anything, server, call, mock.Anything, "p").
			Return(core.ToolResult{
				Content:    []core.ToolContent{{Type: "text", Text: "3 bytes"}},
				Structured: map[string]any{"size": "3"},
			}, nil).Once()

		res, err := execute(t, NewToolClient("stat", def, server, inv, fastRetry), "p", c)
		require.NoError(t, err)
		inv.AssertExpectations(t)

		assert.Equal(t, "3 bytes", res.Output)
		assert.Equal(t, map[string]any{"size": "3"}, res.Value)
		got, err := res.Context.Get("stat.size")
		require.NoError(t, err)
		assert.Equal(t, "3", got)
	})

	t.Run("tool errors are not retried", func(t *testing.T) {
		inv := new(testutil.MockToolInvoker)
		inv.On("Invoke", mock.Anything, server, call, mock.Anything, "p").
			Return(core.ToolResult{}, &tools.ProcessError{Kind: tools.ToolFailed, Command: "mcp-fs", Err: fmt.Errorf("rpc error")})

		res, err := execute(t, NewToolClient("stat", def, server, inv, fastRetry), "p", c)
		var nerr *NodeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, ProcessFailure, nerr.Kind)
		assert.Equal(t, errors.ProcessFailed, errors.CodeOf(err))
		inv.AssertNumberOfCalls(t, "Invoke", 1)
		assert.True(t, res.Context.Equal(c))
	})

	t.Run("unresolvable arguments", func(t *testing.T) {
		inv := new(testutil.MockToolInvoker)
		_, err := execute(t, NewToolClient("stat", def, server, inv, fastRetry), "p", datactx.New())
		var nerr *NodeError
		require.ErrorAs(t, err, &nerr)
		assert.Equal(t, ResolutionFailure, nerr.Kind)
		inv.AssertNotCalled(t, "Invoke")
	})

	t.Run("structured content without text", func(t *testing.T) {
		inv := new(testutil.MockToolInvoker)
		inv.On("Invoke", mock.Anything, server, call, mock.Anything, "p").
			Return(core.ToolResult{Structured: map[string]any{"size": "7"}}, nil)

		res, err := execute(t, NewToolClient("", def, server, inv, fastRetry), "p", c)
		require.NoError(t, err)
		assert.Equal(t, `{"size":"7"}`, res.Output)
	})
}

func TestChainClientThreadsPrompt(t *testing.T) {
	chain := NewChainClient("pipeline", []Executor{
		echoNode("a", "A:", replacePrompt("a")),
		echoNode("b", "B:"),
		NewNodeClient("c", agents.NodeDef{Provider: "p", Input: datactx.StepOutput("a", "")}, testutil.Echo("C:"), fastRetry),
	}, []datactx.ContextMut{replacePrompt("final")})

	res, err := execute(t, chain, "x", datactx.New())
	require.NoError(t, err)
	assert.Equal(t, "C:A:x", res.Output, "an explicit input overrides the previous step's output")

	b, _ := res.Context.Step("b")
	assert.Equal(t, "B:A:x", b)
	final, err := res.Context.Get("final")
	require.NoError(t, err)
	assert.Equal(t, "C:A:x", final)
	pipeline, _ := res.Context.Step("pipeline")
	assert.Equal(t, "C:A:x", pipeline)

	replayed, err := datactx.Replay(datactx.New(), res.Writes)
	require.NoError(t, err)
	assert.True(t, replayed.Equal(res.Context), "the journal reproduces the chain's writes")
}

func TestChainClientFailureKeepsPartialContext(t *testing.T) {
	failing := new(testutil.MockProvider)
	failing.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &llms.ProviderError{Kind: llms.Auth, Provider: "mock", StatusCode: 403})
	never := testutil.Echo("C:")

	chain := NewChainClient("", []Executor{
		echoNode("A", "A:", replacePrompt("a")),
		NewNodeClient("B", agents.NodeDef{Provider: "p", Outputs: []datactx.ContextMut{replacePrompt("b")}}, failing, fastRetry),
		NewNodeClient("C", agents.NodeDef{Provider: "p", Outputs: []datactx.ContextMut{replacePrompt("c")}}, never, fastRetry),
	}, nil)

	afterA, err := execute(t, echoNode("A", "A:", replacePrompt("a")), "x", datactx.New())
	require.NoError(t, err)

	res, err := execute(t, chain, "x", datactx.New())
	require.Error(t, err)

	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Index)
	assert.Equal(t, "B", cerr.Name)
	assert.Equal(t, errors.StepFailed, errors.CodeOf(err))

	var nerr *NodeError
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, ProviderFailure, nerr.Kind)

	if diff := cmp.Diff(afterA.Context.Root(), res.Context.Root()); diff != "" {
		t.Errorf("partial context mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, never.Calls(), "steps after the failure do not run")
}

func TestChainClientNestedFailure(t *testing.T) {
	failing := new(testutil.MockProvider)
	failing.On("Complete", mock.Anything, mock.Anything).
		Return(nil, &llms.ProviderError{Kind: llms.MalformedResponse, Provider: "mock"})

	inner := NewChainClient("inner", []Executor{
		echoNode("", "in:", replacePrompt("inner_done")),
		NewNodeClient("", agents.NodeDef{Provider: "p"}, failing, fastRetry),
	}, nil)
	outer := NewChainClient("outer", []Executor{echoNode("", "out:", replacePrompt("outer_done")), inner}, nil)

	res, err := execute(t, outer, "x", datactx.New())
	require.Error(t, err)

	var cerr *ChainError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, 1, cerr.Index)
	assert.Equal(t, "inner", cerr.Name)

	var innerErr *ChainError
	require.ErrorAs(t, cerr.Err, &innerErr)
	assert.Equal(t, 1, innerErr.Index)

	want := map[string]any{"outer_done": "out:x", "inner_done": "in:out:x"}
	assert.Equal(t, want, res.Context.Root())
	assert.Contains(t, err.Error(), "chain step 1 (inner): chain step 1:")
}

func TestRepeatSequentialAppendOrder(t *testing.T) {
	rep := NewRepeatClient("", agents.RepeatDef{Items: datactx.Path("items")},
		itemNode(testutil.Echo("out:"), appendPrompt("results")), 4)

	c := datactx.FromMap(map[string]any{"items": []any{"x", "y"}})
	res, err := execute(t, rep, "", c)
	require.NoError(t, err)

	got, err := res.Context.Get("results")
	require.NoError(t, err)
	assert.Equal(t, []any{"out:x", "out:y"}, got)
	assert.Equal(t, "out:x\nout:y", res.Output)
	assert.Equal(t, []any{"out:x", "out:y"}, res.Value)
}

func TestRepeatSequentialSeesEarlierItems(t *testing.T) {
	seen := &testutil.ScriptedProvider{Reply: func(_ context.Context, input string) (string, error) { return input, nil }}
	node := NewNodeClient("", agents.NodeDef{
		Provider: "p",
		Input:    datactx.Path("count").WithDefault(0),
		Outputs:  []datactx.ContextMut{{From: datactx.StepOutput("item_index", ""), To: datactx.ReplaceAt("count")}},
	}, seen, fastRetry)

	rep := NewRepeatClient("", agents.RepeatDef{Items: datactx.Literal([]any{"a", "b", "c"})}, node, 1)
	res, err := execute(t, rep, "", datactx.New())
	require.NoError(t, err)
	assert.Equal(t, "0\n0\n1", res.Output, "item i reads the count written by item i-1")
}

// gatedProvider blocks each item until the test releases it and reports
// completions, so tests can force a completion order.
type gatedProvider struct {
	*testutil.ScriptedProvider
	release map[string]chan struct{}
	done    chan string
}

func newGatedProvider(items ...string) *gatedProvider {
	g := &gatedProvider{release: map[string]chan struct{}{}, done: make(chan string, len(items))}
	for _, it := range items {
		g.release[it] = make(chan struct{})
	}
	g.ScriptedProvider = &testutil.ScriptedProvider{Reply: func(ctx context.Context, input string) (string, error) {
		select {
		case <-g.release[input]:
		case <-ctx.Done():
			return "", ctx.Err()
		}
		g.done <- input
		return "out:" + input, nil
	}}
	return g
}

func TestRepeatParallelMergesInIndexOrder(t *testing.T) {
	items := []any{"i0", "i1", "i2"}
	outputs := []datactx.ContextMut{appendPrompt("results"), replacePrompt("last")}
	c := datactx.FromMap(map[string]any{"items": items, "results": []any{"seed"}})

	seq, err := execute(t, NewRepeatClient("", agents.RepeatDef{Items: datactx.Path("items")}, itemNode(testutil.Echo("out:"), outputs...), 1), "", c)
	require.NoError(t, err)

	g := newGatedProvider("i0", "i1", "i2")
	par := NewRepeatClient("", agents.RepeatDef{Items: datactx.Path("items"), Mode: core.Parallel}, itemNode(g, outputs...), 3)

	type outcome struct {
		res Result
		err error
	}
	finished := make(chan outcome, 1)
	go func() {
		res, err := par.Execute(context.Background(), State{Context: c})
		finished <- outcome{res, err}
	}()

	var order []string
	for _, it := range []string{"i2", "i0", "i1"} {
		close(g.release[it])
		order = append(order, <-g.done)
	}
	assert.Equal(t, []string{"i2", "i0", "i1"}, order)

	out := <-finished
	require.NoError(t, out.err)
	if diff := cmp.Diff(seq.Context.Root(), out.res.Context.Root()); diff != "" {
		t.Errorf("parallel merge differs from sequential run (-seq +par):\n%s", diff)
	}
	assert.Equal(t, seq.Output, out.res.Output)
	assert.True(t, c.Equal(datactx.FromMap(map[string]any{"items": items, "results": []any{"seed"}})), "the parent Context is not modified")
}

func TestRepeatCollectErrors(t *testing.T) {
	p := &testutil.ScriptedProvider{Reply: func(_ context.Context, input string) (string, error) {
		if input == "bad" {
			return "", &llms.ProviderError{Kind: llms.MalformedResponse, Provider: "scripted", Message: "garbled"}
		}
		return "ok:" + input, nil
	}}

	for _, mode := range []core.ExecutionMode{core.Sequential, core.Parallel} {
		t.Run(string(mode), func(t *testing.T) {
			rep := NewRepeatClient("batch", agents.RepeatDef{
				Items:   datactx.Literal([]any{"a", "bad", "c"}),
				Mode:    mode,
				Failure: core.CollectErrors,
			}, itemNode(p, appendPrompt("results")), 4)

			res, err := execute(t, rep, "", datactx.New())
			require.Error(t, err)

			var rerr *RepeatError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, 1, rerr.Index)
			require.Len(t, rerr.Items, 3, "no item is skipped")
			require.Len(t, rerr.Failed(), 1)
			assert.Equal(t, 1, rerr.Failed()[0].Index)

			assert.Equal(t, "ok:a", res.Items[0].Output)
			assert.NoError(t, res.Items[0].Err)
			assert.Error(t, res.Items[1].Err)
			assert.Equal(t, "ok:c", res.Items[2].Output)

			got, err2 := res.Context.Get("results")
			require.NoError(t, err2)
			assert.Equal(t, []any{"ok:a", "ok:c"}, got)
			assert.Equal(t, "ok:a\nok:c", res.Output)

			var perr *llms.ProviderError
			assert.ErrorAs(t, err, &perr, "item errors are reachable through the repeat error")
			assert.Equal(t, errors.StepFailed, errors.CodeOf(err))
		})
	}
}

func TestRepeatFailFast(t *testing.T) {
	p := &testutil.ScriptedProvider{Reply: func(ctx context.Context, input string) (string, error) {
		switch input {
		case "bad":
			return "", &llms.ProviderError{Kind: llms.Auth, Provider: "scripted", StatusCode: 401}
		case "slow":
			<-ctx.Done()
			return "", ctx.Err()
		}
		return "ok:" + input, nil
	}}

	for _, mode := range []core.ExecutionMode{core.Sequential, core.Parallel} {
		t.Run(string(mode), func(t *testing.T) {
			items := []any{"a", "bad", "c"}
			if mode == core.Parallel {
				items = []any{"slow", "bad", "c"}
			}
			c := datactx.FromMap(map[string]any{"results": []any{}})
			rep := NewRepeatClient("", agents.RepeatDef{Items: datactx.Literal(items), Mode: mode}, itemNode(p, appendPrompt("results")), 4)

			res, err := execute(t, rep, "", c)
			require.Error(t, err)

			var rerr *RepeatError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, 1, rerr.Index, "the failing item is reported, not the cancelled one")
			assert.True(t, res.Context.Equal(c), "no item's writes are kept")
			assert.NotErrorIs(t, err, ErrCancelled)
		})
	}
}

func TestRepeatParallelCancellation(t *testing.T) {
	started := make(chan string, 3)
	p := &testutil.ScriptedProvider{Reply: func(ctx context.Context, input string) (string, error) {
		if input == "quick" {
			return "done", nil
		}
		started <- input
		<-ctx.Done()
		return "", ctx.Err()
	}}

	c := datactx.FromMap(map[string]any{"results": []any{}})
	rep := NewRepeatClient("", agents.RepeatDef{
		Items:   datactx.Literal([]any{"quick", "w1", "w2"}),
		Mode:    core.Parallel,
		Failure: core.CollectErrors,
	}, itemNode(p, appendPrompt("results")), 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	finished := make(chan error, 1)
	var res Result
	go func() {
		var err error
		res, err = rep.Execute(ctx, State{Context: c})
		finished <- err
	}()

	<-started
	<-started
	cancel()

	err := <-finished
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, errors.Cancelled, errors.CodeOf(err))
	assert.True(t, res.Context.Equal(c), "the finished item's writes are abandoned too")
}

func TestRepeatItemsMustBeAnArray(t *testing.T) {
	rep := NewRepeatClient("", agents.RepeatDef{Items: datactx.Path("items")}, echoNode("", ""), 1)

	_, err := execute(t, rep, "", datactx.FromMap(map[string]any{"items": "abc"}))
	var rerr *RepeatError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, -1, rerr.Index)
	assert.ErrorIs(t, err, datactx.ErrTypeMismatch)

	_, err = execute(t, rep, "", datactx.New())
	assert.ErrorIs(t, err, datactx.ErrNotFound)
}

func TestRepeatBindings(t *testing.T) {
	sep := " | "
	inner := NewChainClient("", []Executor{
		NewNodeClient("inner", agents.NodeDef{Provider: "p", Input: datactx.StepOutput("doc", "title")}, testutil.Echo("T:"), fastRetry),
		NewNodeClient("", agents.NodeDef{
			Provider: "p",
			Input:    datactx.StepOutput("doc_index", ""),
			Outputs:  []datactx.ContextMut{{From: datactx.StepOutput("inner", ""), To: datactx.AppendTo("titles")}},
		}, testutil.Echo("#"), fastRetry),
	}, nil)

	rep := NewRepeatClient("docs", agents.RepeatDef{
		Items:     datactx.Path("docs"),
		ItemName:  "doc",
		Separator: &sep,
		Outputs:   []datactx.ContextMut{{From: datactx.StepOutput(OutputStep, ""), To: datactx.ReplaceAt("indices")}},
	}, inner, 1)

	c := datactx.FromMap(map[string]any{"docs": []any{
		map[string]any{"title": "one"},
		map[string]any{"title": "two"},
	}})
	res, err := execute(t, rep, "", c)
	require.NoError(t, err)

	assert.Equal(t, "#0 | #1", res.Output)
	titles, err := res.Context.Get("titles")
	require.NoError(t, err)
	assert.Equal(t, []any{"T:one", "T:two"}, titles)
	indices, err := res.Context.Get("indices")
	require.NoError(t, err)
	assert.Equal(t, []any{"#0", "#1"}, indices)

	assert.Equal(t, []string{"docs"}, res.Context.Steps(), "item bindings and item step outputs stay in the item")
}

func TestBuildFromDocument(t *testing.T) {
	doc, err := agents.Parse([]byte(`
providers:
  fast: {kind: ollama, model: llama3}
tools:
  fs: {command: mcp-fs}
agents:
  shout:
    node:
      provider: fast
      outputs: [{from: $prompt, to: {path: log, mode: append}}]
  pipeline:
    chain:
      steps:
        - ref: shout
          name: first
        - ref: shout
        - repeat:
            items: $.log
            agent:
              tool: {server: fs, tool: touch, arguments: {name: "@item"}}
`))
	require.NoError(t, err)

	providers := llms.NewRegistry()
	providers.Register("fast", testutil.Echo("fast:"))
	inv := new(testutil.MockToolInvoker)
	inv.On("Invoke", mock.Anything, doc.Tools["fs"], mock.Anything, mock.Anything, mock.Anything).
		Return(testutil.TextResult("touched"), nil)

	ex, err := Build(doc.Agents["pipeline"], Env{
		Providers: providers,
		Servers:   doc.Tools,
		Tools:     inv,
		Agents:    doc.Registry(),
		Config:    core.NewConfig().WithRetryPolicy(fastRetry),
	})
	require.NoError(t, err)

	chain, ok := ex.(*ChainClient)
	require.True(t, ok)
	require.Len(t, chain.Steps(), 3)
	assert.Equal(t, "first", chain.Steps()[0].Name())

	res, err := execute(t, ex, "hi", datactx.New())
	require.NoError(t, err)
	assert.Equal(t, "touched\ntouched", res.Output)
	first, _ := res.Context.Step("first")
	assert.Equal(t, "fast:hi", first)

	log, err := res.Context.Get("log")
	require.NoError(t, err)
	assert.Equal(t, []any{"fast:hi", "fast:fast:hi"}, log)

	inv.AssertNumberOfCalls(t, "Invoke", 2)
	inv.AssertCalled(t, "Invoke", mock.Anything, doc.Tools["fs"], tools.Call{Tool: "touch", Arguments: map[string]any{"name": "fast:fast:hi"}}, mock.Anything, "fast:fast:hi")
}

func TestBuildErrors(t *testing.T) {
	reg := agents.NewRegistry()
	reg.Register("a", &agents.Definition{Type: agents.TypeRef, Ref: "b"})
	reg.Register("b", &agents.Definition{Type: agents.TypeChain, Chain: &agents.ChainDef{Steps: []agents.Definition{{Type: agents.TypeRef, Ref: "a"}}}})

	a, _ := reg.Get("a")
	_, err := Build(a, Env{Agents: reg})
	require.Error(t, err)
	assert.True(t, errors.Is(err, agents.ErrCyclicReference))

	_, err = Build(&agents.Definition{Type: agents.TypeNode, Node: &agents.NodeDef{Provider: "missing"}}, Env{Providers: llms.NewRegistry()})
	require.Error(t, err)
	assert.Equal(t, errors.ResourceNotFound, errors.CodeOf(err))

	_, err = Build(&agents.Definition{Type: agents.TypeTool, Tool: &agents.ToolDef{Server: "fs", Tool: "x"}}, Env{})
	require.Error(t, err)
	assert.Equal(t, "fs", errors.FieldsOf(err)["server"])

	_, err = Build(&agents.Definition{Type: "loop"}, Env{})
	assert.ErrorIs(t, err, ErrUnknownVariant)
}

func TestObserverReportsCursors(t *testing.T) {
	var mu sync.Mutex
	var events []StepEvent
	ctx := WithObserver(context.Background(), func(ev StepEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	chain := NewChainClient("top", []Executor{
		echoNode("n0", "a:"),
		NewRepeatClient("each", agents.RepeatDef{Items: datactx.Literal([]any{"x", "y"}), Mode: core.Parallel}, itemNode(testutil.Echo("b:")), 2),
	}, nil)

	_, err := chain.Execute(ctx, State{Prompt: "p", Context: datactx.New()})
	require.NoError(t, err)

	var cursors []string
	for _, ev := range events {
		cursors = append(cursors, ev.Kind+"@"+ev.Cursor)
	}
	sort.Strings(cursors)
	assert.Equal(t, []string{
		"chain@",
		"node@chain[0]",
		"node@chain[1]/repeat[0]",
		"node@chain[1]/repeat[1]",
		"repeat@chain[1]",
	}, cursors)
}

func TestRunState(t *testing.T) {
	c := datactx.FromMap(map[string]any{"topic": "go"})
	rs := NewRunState("research", "hello", c)
	assert.Equal(t, RunStatusPending, rs.CurrentStatus())
	assert.Len(t, rs.ID, 36)

	rs.MarkRunning()
	rs.RecordStep(StepEvent{Cursor: "chain[0]", Name: "outline"})
	rs.RecordStep(StepEvent{Cursor: "chain[1]", Name: "draft", Err: &NodeError{Kind: ProviderFailure, Node: "draft", Err: fmt.Errorf("boom")}})
	assert.True(t, rs.HasErrors())

	final := c
	final, err := datactx.Apply(datactx.ReplaceAt("outline"), "1. intro", final)
	require.NoError(t, err)
	rs.MarkFailed("hello", final)
	assert.Equal(t, RunStatusFailed, rs.CurrentStatus())
	assert.GreaterOrEqual(t, rs.Duration(), time.Duration(0))

	data, err := rs.Serialize()
	require.NoError(t, err)
	assert.True(t, strings.Contains(data, `"status":"failed"`))

	back, err := DeserializeRunState(data)
	require.NoError(t, err)
	assert.Equal(t, rs.ID, back.ID)
	assert.Equal(t, "chain[1]", back.Cursor)
	assert.Equal(t, []string{"chain[0]"}, back.CompletedSteps)
	require.Len(t, back.Errors, 1)
	assert.Equal(t, "ProviderFailed", back.Errors[0].Code)
	assert.True(t, back.Context.Equal(final))

	_, err = DeserializeRunState("{")
	assert.Equal(t, errors.InvalidInput, errors.CodeOf(err))
}
