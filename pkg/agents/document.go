package agents

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/scottdavis/agentgraph/pkg/errors"
	"github.com/scottdavis/agentgraph/pkg/llms"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

// Document is a definition file: named providers, named tool servers and
// named agents.
type Document struct {
	Providers map[string]llms.Config     `yaml:"providers,omitempty" json:"providers,omitempty"`
	Tools     map[string]tools.ServerDef `yaml:"tools,omitempty" json:"tools,omitempty"`
	Agents    map[string]*Definition     `yaml:"agents" json:"agents"`
}

// ErrCyclicReference indicates agents that reference each other in a loop.
var ErrCyclicReference = errors.New(errors.ValidationFailed, "cyclic agent reference")

// Load decodes and validates a YAML document.
func Load(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to read agent definitions")
	}
	return Parse(data)
}

// LoadFile reads and validates the document at path.
func LoadFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithFields(
			errors.Wrap(err, errors.InvalidInput, "failed to read agent definitions"),
			errors.Fields{"path": path},
		)
	}
	doc, err := Parse(data)
	if err != nil {
		return nil, errors.WithFields(err, errors.Fields{"path": path})
	}
	return doc, nil
}

// Parse decodes and validates a YAML document held in memory. Unknown keys
// are rejected.
func Parse(data []byte) (*Document, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var doc Document
	if err := dec.Decode(&doc); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to decode agent definitions")
	}
	doc.inferTypes()
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// inferTypes fills in Type for definitions that omit it but set exactly one
// variant block.
func (doc *Document) inferTypes() {
	for _, def := range doc.Agents {
		if def == nil {
			continue
		}
		def.Walk(func(d *Definition) {
			if d.Type != "" {
				return
			}
			switch {
			case d.Node != nil:
				d.Type = TypeNode
			case d.Chain != nil:
				d.Type = TypeChain
			case d.Repeat != nil:
				d.Type = TypeRepeat
			case d.Tool != nil:
				d.Type = TypeTool
			case d.Ref != "":
				d.Type = TypeRef
			}
		})
	}
}

// Validate checks every agent, that provider, tool and agent names resolve,
// and that refs between agents do not form a cycle.
func (doc *Document) Validate() error {
	if len(doc.Agents) == 0 {
		return errors.New(errors.ValidationFailed, "document defines no agents")
	}
	for _, name := range doc.AgentNames() {
		def := doc.Agents[name]
		if def == nil {
			return errors.WithFields(errors.New(errors.ValidationFailed, "agent has no definition"), errors.Fields{"agent": name})
		}
		if err := def.Validate(); err != nil {
			return errors.WithFields(err, errors.Fields{"agent": name})
		}
		if err := doc.checkNames(def); err != nil {
			return errors.WithFields(err, errors.Fields{"agent": name})
		}
	}
	for name, cfg := range doc.Providers {
		if err := cfg.Validate(); err != nil {
			return errors.WithFields(errors.Wrap(err, errors.ValidationFailed, "invalid provider"), errors.Fields{"provider": name})
		}
	}
	for name, srv := range doc.Tools {
		if srv.Command == "" {
			return errors.WithFields(errors.New(errors.ValidationFailed, "tool server has no command"), errors.Fields{"tool": name})
		}
	}
	return doc.checkCycles()
}

func (doc *Document) checkNames(def *Definition) error {
	var err error
	def.Walk(func(d *Definition) {
		if err != nil {
			return
		}
		switch {
		case d.Node != nil:
			if _, ok := doc.Providers[d.Node.Provider]; ok {
				return
			}
			if _, perr := llms.ParseModelRef(d.Node.Provider); perr != nil {
				err = errors.WithFields(
					errors.New(errors.ResourceNotFound, "node references an unknown provider"),
					errors.Fields{"provider": d.Node.Provider},
				)
			}
		case d.Tool != nil:
			if _, ok := doc.Tools[d.Tool.Server]; !ok {
				err = errors.WithFields(
					errors.New(errors.ResourceNotFound, "tool references an unknown server"),
					errors.Fields{"server": d.Tool.Server},
				)
			}
		case d.Ref != "":
			if doc.Agents[d.Ref] == nil {
				err = errors.WithFields(
					errors.New(errors.ResourceNotFound, "ref names an unknown agent"),
					errors.Fields{"ref": d.Ref},
				)
			}
		}
	})
	return err
}

// refs lists the agents def refers to, in declaration order.
func refs(def *Definition) []string {
	var out []string
	def.Walk(func(d *Definition) {
		if d.Ref != "" {
			out = append(out, d.Ref)
		}
	})
	return out
}

func (doc *Document) checkCycles() error {
	visited := make(map[string]bool)
	path := make(map[string]bool)

	var visit func(name string, trail []string) error
	visit = func(name string, trail []string) error {
		if path[name] {
			return errors.WithFields(
				errors.Wrap(ErrCyclicReference, errors.ValidationFailed, fmt.Sprintf("agent %s refers back to itself", name)),
				errors.Fields{"agent": name, "cycle": append(trail, name)},
			)
		}
		if visited[name] {
			return nil
		}
		visited[name] = true
		path[name] = true
		for _, next := range refs(doc.Agents[name]) {
			if err := visit(next, append(trail, name)); err != nil {
				return err
			}
		}
		path[name] = false
		return nil
	}

	for _, name := range doc.AgentNames() {
		if err := visit(name, nil); err != nil {
			return err
		}
	}
	return nil
}

// AgentNames returns the agent names in sorted order.
func (doc *Document) AgentNames() []string {
	names := make([]string, 0, len(doc.Agents))
	for name := range doc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ProviderRegistry registers every named provider and every model
// reference used directly by a node.
func (doc *Document) ProviderRegistry() *llms.Registry {
	r := llms.NewRegistry()
	for name, cfg := range doc.Providers {
		r.RegisterConfig(name, cfg)
	}
	for _, def := range doc.Agents {
		def.Walk(func(d *Definition) {
			if d.Node == nil || r.Has(d.Node.Provider) {
				return
			}
			r.RegisterConfig(d.Node.Provider, llms.Config{Model: d.Node.Provider})
		})
	}
	return r
}

// Registry returns a registry holding the document's agents.
func (doc *Document) Registry() *Registry {
	r := NewRegistry()
	for name, def := range doc.Agents {
		r.Register(name, def)
	}
	return r
}
