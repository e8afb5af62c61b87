// Package agents holds the static description of executable agents: the
// Node, Chain, Repeat and Tool variants, the YAML document they are loaded
// from, and a registry of named definitions.
package agents

import (
	"fmt"

	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/errors"
)

// Type discriminates the Definition union.
type Type string

const (
	TypeNode   Type = "node"
	TypeChain  Type = "chain"
	TypeRepeat Type = "repeat"
	TypeTool   Type = "tool"
	// TypeRef points at another named agent of the same document.
	TypeRef Type = "ref"
)

// Definition is one executable unit. Exactly the field matching Type is set.
type Definition struct {
	Type Type `yaml:"type" json:"type"`
	// Name, when set, records the unit's output as a step output that later
	// steps can read with a step source.
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	Node   *NodeDef   `yaml:"node,omitempty" json:"node,omitempty"`
	Chain  *ChainDef  `yaml:"chain,omitempty" json:"chain,omitempty"`
	Repeat *RepeatDef `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	Tool   *ToolDef   `yaml:"tool,omitempty" json:"tool,omitempty"`
	Ref    string     `yaml:"ref,omitempty" json:"ref,omitempty"`
}

// MessageDef adds a message whose content is read from the Context.
type MessageDef struct {
	Role string           `yaml:"role" json:"role"`
	From datactx.DataFrom `yaml:"from" json:"from"`
}

// NodeDef is a single provider call.
type NodeDef struct {
	// Provider names an entry of the document's providers, or is a model
	// reference such as "ollama:llama3".
	Provider string `yaml:"provider" json:"provider"`
	// Input is the user message. It defaults to the prompt.
	Input       datactx.DataFrom     `yaml:"input,omitempty" json:"input,omitempty"`
	System      datactx.DataFrom     `yaml:"system,omitempty" json:"system,omitempty"`
	Messages    []MessageDef         `yaml:"messages,omitempty" json:"messages,omitempty"`
	MaxTokens   *uint64              `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64             `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	ParseJSON   bool                 `yaml:"parse_json,omitempty" json:"parse_json,omitempty"`
	Retry       *core.RetryPolicy    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Outputs     []datactx.ContextMut `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ChainDef runs its steps in order.
type ChainDef struct {
	Steps   []Definition         `yaml:"steps" json:"steps"`
	Outputs []datactx.ContextMut `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// RepeatDef runs Agent once per element of Items.
type RepeatDef struct {
	Items datactx.DataFrom `yaml:"items" json:"items"`
	Agent *Definition      `yaml:"agent" json:"agent"`

	Mode        core.ExecutionMode `yaml:"mode,omitempty" json:"mode,omitempty"`
	Failure     core.FailurePolicy `yaml:"failure,omitempty" json:"failure,omitempty"`
	MaxParallel int                `yaml:"max_parallel,omitempty" json:"max_parallel,omitempty"`
	// ItemName is the step name the current item is bound to. The item's
	// index is bound to ItemName + "_index".
	ItemName string `yaml:"item_name,omitempty" json:"item_name,omitempty"`
	// Separator joins the outputs of successful items. Nil means "\n".
	Separator *string              `yaml:"separator,omitempty" json:"separator,omitempty"`
	Outputs   []datactx.ContextMut `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// ToolDef calls one tool on a tool server.
type ToolDef struct {
	// Server names an entry of the document's tools.
	Server    string                      `yaml:"server" json:"server"`
	Tool      string                      `yaml:"tool" json:"tool"`
	Arguments map[string]datactx.DataFrom `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	Retry     *core.RetryPolicy           `yaml:"retry,omitempty" json:"retry,omitempty"`
	Outputs   []datactx.ContextMut        `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// DefaultItemName is the step name a repeat binds its item to.
const DefaultItemName = "item"

// Validate checks the shape of d and of every nested definition. Names of
// providers, tools and referenced agents are checked by Document.Validate.
func (d *Definition) Validate() error {
	return d.validate("")
}

func (d *Definition) validate(at string) error {
	fail := func(format string, args ...any) error {
		return errors.WithFields(
			errors.New(errors.ValidationFailed, fmt.Sprintf(format, args...)),
			errors.Fields{"at": locate(at, string(d.Type))},
		)
	}

	set := 0
	for _, ok := range []bool{d.Node != nil, d.Chain != nil, d.Repeat != nil, d.Tool != nil, d.Ref != ""} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return fail("definition must set exactly one of node, chain, repeat, tool or ref (found %d)", set)
	}

	switch d.Type {
	case TypeNode:
		if d.Node == nil {
			return fail("type node requires a node block")
		}
		return d.Node.validate(locate(at, "node"))
	case TypeChain:
		if d.Chain == nil {
			return fail("type chain requires a chain block")
		}
		if len(d.Chain.Steps) == 0 {
			return fail("chain has no steps")
		}
		for i := range d.Chain.Steps {
			if err := d.Chain.Steps[i].validate(fmt.Sprintf("%s[%d]", locate(at, "chain"), i)); err != nil {
				return err
			}
		}
		return validateMuts(d.Chain.Outputs, locate(at, "chain"))
	case TypeRepeat:
		if d.Repeat == nil {
			return fail("type repeat requires a repeat block")
		}
		return d.Repeat.validate(locate(at, "repeat"))
	case TypeTool:
		if d.Tool == nil {
			return fail("type tool requires a tool block")
		}
		return d.Tool.validate(locate(at, "tool"))
	case TypeRef:
		if d.Ref == "" {
			return fail("type ref requires a ref name")
		}
		return nil
	default:
		return fail("unknown agent type %q", d.Type)
	}
}

func (n *NodeDef) validate(at string) error {
	if n.Provider == "" {
		return validationError(at, "node has no provider")
	}
	for _, src := range []datactx.DataFrom{n.Input, n.System} {
		if !src.IsZero() {
			if err := src.Validate(); err != nil {
				return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid node source"), errors.Fields{"at": at})
			}
		}
	}
	for i, m := range n.Messages {
		if m.Role == "" {
			return validationError(at, fmt.Sprintf("message %d has no role", i))
		}
		if err := m.From.Validate(); err != nil {
			return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid message source"), errors.Fields{"at": at, "message": i})
		}
	}
	return validateMuts(n.Outputs, at)
}

func (r *RepeatDef) validate(at string) error {
	if r.Items.IsZero() {
		return validationError(at, "repeat has no items source")
	}
	if err := r.Items.Validate(); err != nil {
		return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid items source"), errors.Fields{"at": at})
	}
	if r.Agent == nil {
		return validationError(at, "repeat has no agent")
	}
	if _, err := core.ParseExecutionMode(string(r.Mode)); err != nil {
		return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid repeat mode"), errors.Fields{"at": at})
	}
	if _, err := core.ParseFailurePolicy(string(r.Failure)); err != nil {
		return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid repeat failure policy"), errors.Fields{"at": at})
	}
	if r.MaxParallel < 0 {
		return validationError(at, "max_parallel must not be negative")
	}
	if err := r.Agent.validate(at + ".agent"); err != nil {
		return err
	}
	return validateMuts(r.Outputs, at)
}

func (t *ToolDef) validate(at string) error {
	if t.Server == "" {
		return validationError(at, "tool has no server")
	}
	if t.Tool == "" {
		return validationError(at, "tool has no tool name")
	}
	for name, src := range t.Arguments {
		if err := src.Validate(); err != nil {
			return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid tool argument"), errors.Fields{"at": at, "argument": name})
		}
	}
	return validateMuts(t.Outputs, at)
}

func validateMuts(muts []datactx.ContextMut, at string) error {
	for i, m := range muts {
		if err := m.From.Validate(); err != nil {
			return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid output source"), errors.Fields{"at": at, "output": i})
		}
		if err := m.To.Validate(); err != nil {
			return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid output destination"), errors.Fields{"at": at, "output": i})
		}
	}
	return nil
}

func validationError(at, msg string) error {
	return errors.WithFields(errors.New(errors.ValidationFailed, msg), errors.Fields{"at": at})
}

func locate(at, part string) string {
	if at == "" {
		return part
	}
	return at + "." + part
}

// Walk calls fn for d and every definition nested in it, depth first in
// declaration order. Refs are not followed.
func (d *Definition) Walk(fn func(*Definition)) {
	fn(d)
	switch {
	case d.Chain != nil:
		for i := range d.Chain.Steps {
			d.Chain.Steps[i].Walk(fn)
		}
	case d.Repeat != nil && d.Repeat.Agent != nil:
		d.Repeat.Agent.Walk(fn)
	}
}
