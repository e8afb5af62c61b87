// Package graph runs agent definitions end to end: it validates a
// definition, builds its executor tree, tracks the run's state and records
// the finished run.
package graph

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/agents/workflows"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/errors"
	"github.com/scottdavis/agentgraph/pkg/logging"
	"github.com/scottdavis/agentgraph/pkg/runstore"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

// RunInput is what a run starts from.
type RunInput struct {
	Prompt  string
	Context datactx.Context
}

// RunResult is the outcome of a run. A failed or cancelled run still has
// one, holding the Context as committed before the failure.
type RunResult struct {
	RunID    string                 `json:"run_id"`
	Agent    string                 `json:"agent,omitempty"`
	Output   string                 `json:"output"`
	Context  datactx.Context        `json:"context"`
	Status   workflows.RunStatus    `json:"status"`
	Cursor   string                 `json:"cursor,omitempty"`
	Errors   []workflows.StepError  `json:"errors,omitempty"`
	Items    []workflows.ItemResult `json:"items,omitempty"`
	Duration time.Duration          `json:"duration"`
}

// Orchestrator runs agents. It holds no per-run state and is safe for
// concurrent use.
type Orchestrator struct {
	config     *core.Config
	providers  workflows.ProviderSource
	servers    map[string]tools.ServerDef
	tools      workflows.ToolInvoker
	agents     *agents.Registry
	store      runstore.Store
	historyTTL time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithConfig sets the engine configuration.
func WithConfig(cfg *core.Config) Option {
	return func(o *Orchestrator) { o.config = cfg }
}

// WithProviders sets where node providers are looked up.
func WithProviders(p workflows.ProviderSource) Option {
	return func(o *Orchestrator) { o.providers = p }
}

// WithToolServers sets the tool servers tool steps may name.
func WithToolServers(servers map[string]tools.ServerDef) Option {
	return func(o *Orchestrator) { o.servers = servers }
}

// WithToolInvoker replaces the tool process manager.
func WithToolInvoker(inv workflows.ToolInvoker) Option {
	return func(o *Orchestrator) { o.tools = inv }
}

// WithAgents sets the registry used by RunNamed and by ref steps.
func WithAgents(r *agents.Registry) Option {
	return func(o *Orchestrator) { o.agents = r }
}

// WithStore records every finished run in s. Records expire after ttl,
// or never when ttl is zero.
func WithStore(s runstore.Store, ttl time.Duration) Option {
	return func(o *Orchestrator) {
		o.store = s
		o.historyTTL = ttl
	}
}

// New creates an Orchestrator.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		config:  core.NewConfig(),
		servers: map[string]tools.ServerDef{},
		tools:   tools.NewManager(),
		agents:  agents.NewRegistry(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// FromDocument creates an Orchestrator for the providers, tool servers and
// agents of doc. opts are applied afterwards and may override them.
func FromDocument(doc *agents.Document, opts ...Option) *Orchestrator {
	base := []Option{
		WithProviders(doc.ProviderRegistry()),
		WithToolServers(doc.Tools),
		WithAgents(doc.Registry()),
	}
	return New(append(base, opts...)...)
}

// Agents returns the orchestrator's agent registry.
func (o *Orchestrator) Agents() *agents.Registry { return o.agents }

// Run executes def and blocks until it finishes. The returned error wraps
// the executor's error with the run ID and cursor; a cancelled run's error
// matches workflows.ErrCancelled.
func (o *Orchestrator) Run(ctx context.Context, def *agents.Definition, in RunInput) (*RunResult, error) {
	name := ""
	if def != nil {
		name = def.Name
	}
	return o.run(ctx, def, workflows.NewRunState(name, in.Prompt, in.Context), nil)
}

// RunNamed executes the agent registered under name.
func (o *Orchestrator) RunNamed(ctx context.Context, name string, in RunInput) (*RunResult, error) {
	def, err := o.agents.Get(name)
	if err != nil {
		return nil, err
	}
	return o.run(ctx, def, workflows.NewRunState(name, in.Prompt, in.Context), nil)
}

func (o *Orchestrator) logger(ctx context.Context) *slog.Logger {
	if o.config.Logger != nil {
		return o.config.Logger
	}
	return logging.FromContext(ctx)
}

func (o *Orchestrator) run(ctx context.Context, def *agents.Definition, state *workflows.RunState, notify func(Message)) (*RunResult, error) {
	if def == nil {
		return nil, errors.New(errors.InvalidInput, "nil agent definition")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	exec, err := workflows.Build(def, workflows.Env{
		Providers: o.providers,
		Servers:   o.servers,
		Tools:     o.tools,
		Agents:    o.agents,
		Config:    o.config,
	})
	if err != nil {
		return nil, errors.WithFields(err, errors.Fields{"run_id": state.ID})
	}

	logger := o.logger(ctx).With("run_id", state.ID)
	if state.Agent != "" {
		logger = logger.With("agent", state.Agent)
	}
	ctx = logging.WithLogger(ctx, logger)
	ctx = workflows.WithObserver(ctx, func(ev workflows.StepEvent) {
		state.RecordStep(ev)
		if notify != nil {
			notify(Message{Type: StepCompleted, RunID: state.ID, Step: &ev})
		}
	})

	state.MarkRunning()
	logger.Info("run started", "variant", def.Type, "prompt_length", len(state.Prompt))
	res, err := exec.Execute(ctx, workflows.State{Prompt: state.Prompt, Context: state.Context})

	switch {
	case err == nil:
		state.MarkCompleted(res.Output, res.Context)
	case workflows.IsCancelled(err):
		state.MarkCanceled(res.Output, res.Context)
	default:
		state.MarkFailed(res.Output, res.Context)
	}

	result := &RunResult{
		RunID:    state.ID,
		Agent:    state.Agent,
		Output:   res.Output,
		Context:  res.Context,
		Status:   state.CurrentStatus(),
		Cursor:   state.Cursor,
		Errors:   state.Errors,
		Items:    res.Items,
		Duration: state.Duration(),
	}

	if err != nil {
		err = errors.WithFields(err, errors.Fields{"run_id": state.ID, "cursor": result.Cursor})
		logger.Error("run failed", "status", result.Status, "cursor", result.Cursor, "duration", result.Duration, "error", err)
	} else {
		logger.Info("run completed", "duration", result.Duration, "output_length", len(result.Output))
	}

	o.record(ctx, state, result, err)
	return result, err
}

// record saves the finished run. A store failure is logged, not returned:
// the run itself has already finished.
func (o *Orchestrator) record(ctx context.Context, state *workflows.RunState, result *RunResult, runErr error) {
	if o.store == nil {
		return
	}
	rec := runstore.Record{
		ID:          result.RunID,
		Agent:       result.Agent,
		Status:      string(result.Status),
		Prompt:      state.Prompt,
		Output:      result.Output,
		Cursor:      result.Cursor,
		StartedAt:   state.CreatedAt,
		CompletedAt: state.CreatedAt.Add(result.Duration),
	}
	if state.StartedAt != nil {
		rec.StartedAt = *state.StartedAt
		rec.CompletedAt = rec.StartedAt.Add(result.Duration)
	}
	if data, err := json.Marshal(result.Context); err == nil {
		rec.Context = data
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		rec.ErrorCode = errors.CodeOf(runErr).String()
	}

	var opts []runstore.SaveOption
	if o.historyTTL > 0 {
		opts = append(opts, runstore.WithTTL(o.historyTTL))
	}
	// The run's own context may already be cancelled.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.Save(saveCtx, rec, opts...); err != nil {
		logging.FromContext(ctx).Warn("failed to record run", "error", err)
	}
}
