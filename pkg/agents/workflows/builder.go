package workflows

import (
	"fmt"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/errors"
	"github.com/scottdavis/agentgraph/pkg/llms"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

// ProviderSource looks up providers by name. *llms.Registry implements it.
type ProviderSource interface {
	Get(name string) (llms.Provider, error)
}

// DefinitionSource looks up agent definitions by name. *agents.Registry
// implements it.
type DefinitionSource interface {
	Get(name string) (*agents.Definition, error)
}

// Env holds what Build needs to turn definitions into executors.
type Env struct {
	Providers ProviderSource
	Servers   map[string]tools.ServerDef
	Tools     ToolInvoker
	// Agents resolves ref definitions. It may be nil when no ref is used.
	Agents DefinitionSource
	Config *core.Config
}

// Build creates the executor tree for def. Providers are looked up, and
// refs expanded, at build time.
func Build(def *agents.Definition, env Env) (Executor, error) {
	if env.Config == nil {
		env.Config = core.NewConfig()
	}
	b := &builder{env: env, visiting: map[string]bool{}}
	return b.build(def, string(def.Type))
}

type builder struct {
	env      Env
	visiting map[string]bool
}

func (b *builder) build(def *agents.Definition, at string) (Executor, error) {
	if def == nil {
		return nil, errors.WithFields(errors.New(errors.InvalidInput, "nil agent definition"), errors.Fields{"at": at})
	}
	cfg := b.env.Config

	switch {
	case def.Node != nil:
		if b.env.Providers == nil {
			return nil, errors.WithFields(errors.New(errors.InvalidWorkflowState, "no provider source configured"), errors.Fields{"at": at})
		}
		p, err := b.env.Providers.Get(def.Node.Provider)
		if err != nil {
			return nil, errors.WithFields(err, errors.Fields{"at": at})
		}
		return NewNodeClient(def.Name, *def.Node, p, cfg.Retry), nil

	case def.Tool != nil:
		server, ok := b.env.Servers[def.Tool.Server]
		if !ok {
			return nil, errors.WithFields(
				errors.New(errors.ResourceNotFound, "tool server not defined"),
				errors.Fields{"at": at, "server": def.Tool.Server},
			)
		}
		if b.env.Tools == nil {
			return nil, errors.WithFields(errors.New(errors.InvalidWorkflowState, "no tool invoker configured"), errors.Fields{"at": at})
		}
		return NewToolClient(def.Name, *def.Tool, server, b.env.Tools, cfg.Retry), nil

	case def.Chain != nil:
		steps := make([]Executor, 0, len(def.Chain.Steps))
		for i := range def.Chain.Steps {
			step, err := b.build(&def.Chain.Steps[i], fmt.Sprintf("%s[%d]", at, i))
			if err != nil {
				return nil, err
			}
			steps = append(steps, step)
		}
		return NewChainClient(def.Name, steps, def.Chain.Outputs), nil

	case def.Repeat != nil:
		agent, err := b.build(def.Repeat.Agent, at+".agent")
		if err != nil {
			return nil, err
		}
		return NewRepeatClient(def.Name, *def.Repeat, agent, cfg.MaxParallel), nil

	case def.Ref != "":
		return b.buildRef(def, at)

	default:
		return nil, errors.WithFields(
			errors.Wrap(ErrUnknownVariant, errors.InvalidWorkflowState, fmt.Sprintf("cannot execute agent of type %q", def.Type)),
			errors.Fields{"at": at},
		)
	}
}

func (b *builder) buildRef(def *agents.Definition, at string) (Executor, error) {
	if b.env.Agents == nil {
		return nil, errors.WithFields(errors.New(errors.InvalidWorkflowState, "no agent source configured for ref"), errors.Fields{"at": at, "ref": def.Ref})
	}
	if b.visiting[def.Ref] {
		return nil, errors.WithFields(
			errors.Wrap(agents.ErrCyclicReference, errors.ValidationFailed, "cyclic agent reference"),
			errors.Fields{"at": at, "ref": def.Ref},
		)
	}
	target, err := b.env.Agents.Get(def.Ref)
	if err != nil {
		return nil, errors.WithFields(err, errors.Fields{"at": at})
	}

	inner := *target
	if def.Name != "" {
		inner.Name = def.Name
	}
	b.visiting[def.Ref] = true
	defer delete(b.visiting, def.Ref)
	return b.build(&inner, at+"->"+def.Ref)
}
