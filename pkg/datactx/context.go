// Package datactx implements the execution Context of a run and the
// declarative descriptors that read from it (DataFrom) and write into it
// (DataToContext).
//
// A Context is an immutable value: every write returns a new Context and
// leaves the receiver untouched, so a Context can be handed to a
// concurrent branch after Clone without locking.
package datactx

import (
	"bytes"
	"encoding/json"
	"maps"
	"reflect"
	"sort"
)

// Context is the value tree threaded through one run, plus the outputs of
// named steps executed so far.
type Context struct {
	root  any
	steps map[string]any
}

// New returns an empty Context whose root is an empty object.
func New() Context {
	return Context{root: map[string]any{}}
}

// FromMap builds a Context from a deep copy of m.
func FromMap(m map[string]any) Context {
	if m == nil {
		return New()
	}
	return Context{root: normalize(m)}
}

// FromValue builds a Context rooted at a deep copy of v.
func FromValue(v any) Context {
	return Context{root: normalize(v)}
}

// Root returns a deep copy of the tree.
func (c Context) Root() any {
	return normalize(c.root)
}

// Get resolves a path against the tree.
func (c Context) Get(path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, err
	}
	v, err := lookup(c.root, segs, path)
	if err != nil {
		return nil, err
	}
	return normalize(v), nil
}

// Clone deep-copies the tree and the step outputs.
func (c Context) Clone() Context {
	out := Context{root: normalize(c.root)}
	if len(c.steps) > 0 {
		out.steps = make(map[string]any, len(c.steps))
		for k, v := range c.steps {
			out.steps[k] = normalize(v)
		}
	}
	return out
}

// Step returns the recorded output of a named step.
func (c Context) Step(name string) (any, bool) {
	v, ok := c.steps[name]
	if !ok {
		return nil, false
	}
	return normalize(v), true
}

// Steps lists the names of recorded step outputs in sorted order.
func (c Context) Steps() []string {
	names := make([]string, 0, len(c.steps))
	for k := range c.steps {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// WithStep returns a Context that records v as the output of step name.
func (c Context) WithStep(name string, v any) Context {
	steps := make(map[string]any, len(c.steps)+1)
	maps.Copy(steps, c.steps)
	steps[name] = normalize(v)
	return Context{root: c.root, steps: steps}
}

// WithoutStep returns a Context with the output of step name removed.
func (c Context) WithoutStep(name string) Context {
	if _, ok := c.steps[name]; !ok {
		return c
	}
	steps := maps.Clone(c.steps)
	delete(steps, name)
	return Context{root: c.root, steps: steps}
}

// Equal reports whether both trees hold the same values. Step outputs are
// not compared.
func (c Context) Equal(other Context) bool {
	return reflect.DeepEqual(c.root, other.root)
}

func (c Context) MarshalJSON() ([]byte, error) {
	if c.root == nil {
		return []byte("{}"), nil
	}
	return marshalJSON(c.root)
}

func (c *Context) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	c.root = v
	c.steps = nil
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
