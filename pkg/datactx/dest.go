package datactx

import "fmt"

// MergeMode selects how DataToContext writes a value.
type MergeMode string

const (
	// Replace overwrites the value at the path, creating intermediate
	// nodes as needed.
	Replace MergeMode = "replace"
	// Append pushes onto the array at the path.
	Append MergeMode = "append"
	// Merge union-merges an object into the object at the path; incoming
	// keys win.
	Merge MergeMode = "merge"
)

// DataToContext is a destination in the Context.
type DataToContext struct {
	Path string
	Mode MergeMode
}

func ReplaceAt(path string) DataToContext { return DataToContext{Path: path, Mode: Replace} }

func AppendTo(path string) DataToContext { return DataToContext{Path: path, Mode: Append} }

func MergeInto(path string) DataToContext { return DataToContext{Path: path, Mode: Merge} }

func (d DataToContext) Validate() error {
	switch d.Mode {
	case Replace, Append, Merge, "":
	default:
		return invalid(d.Path, "unknown merge mode %q", d.Mode)
	}
	_, err := parsePath(d.Path)
	return err
}

func (d DataToContext) mode() MergeMode {
	if d.Mode == "" {
		return Replace
	}
	return d.Mode
}

// ContextMut reads From and writes the value To.
type ContextMut struct {
	From DataFrom      `yaml:"from" json:"from"`
	To   DataToContext `yaml:"to" json:"to"`
}

// Write is one applied mutation: the destination and the value written.
// A list of writes replays a branch's effect onto another Context.
type Write struct {
	To    DataToContext
	Value any
}

// Apply writes value into c at dest and returns the new Context. c is not
// modified.
//
// A missing final target is created for Append (as a one-element array)
// and Merge (as a copy of value); missing intermediates are only created
// for Replace.
func Apply(dest DataToContext, value any, c Context) (Context, error) {
	segs, err := parsePath(dest.Path)
	if err != nil {
		return c, err
	}
	value = normalize(value)

	var root any
	switch dest.mode() {
	case Replace:
		root, err = assign(c.root, segs, value, dest.Path)
	case Append:
		root, err = update(c.root, segs, dest.Path, func(cur any, _ bool) (any, error) {
			switch arr := cur.(type) {
			case nil:
				return []any{value}, nil
			case []any:
				out := make([]any, len(arr), len(arr)+1)
				copy(out, arr)
				return append(out, value), nil
			default:
				return nil, mismatch(dest.Path, "cannot append to %s", kindOf(cur))
			}
		})
	case Merge:
		incoming, ok := value.(map[string]any)
		if !ok {
			return c, mismatch(dest.Path, "cannot merge %s into object", kindOf(value))
		}
		root, err = update(c.root, segs, dest.Path, func(cur any, _ bool) (any, error) {
			switch obj := cur.(type) {
			case nil:
				return incoming, nil
			case map[string]any:
				out := make(map[string]any, len(obj)+len(incoming))
				for k, v := range obj {
					out[k] = v
				}
				for k, v := range incoming {
					out[k] = v
				}
				return out, nil
			default:
				return nil, mismatch(dest.Path, "cannot merge into %s", kindOf(cur))
			}
		})
	default:
		return c, dest.Validate()
	}
	if err != nil {
		return c, err
	}
	return Context{root: root, steps: c.steps}, nil
}

// ApplyAll resolves and applies muts in declared order. Each mutation sees
// the Context produced by the previous one. It is all-or-nothing: on error
// the original Context is returned with no writes.
func ApplyAll(muts []ContextMut, c Context, prompt string) (Context, []Write, error) {
	cur := c
	writes := make([]Write, 0, len(muts))
	for i, m := range muts {
		v, err := m.From.Resolve(cur, prompt)
		if err != nil {
			return c, nil, fmt.Errorf("output %d (%s): %w", i, m.From, err)
		}
		next, err := Apply(m.To, v, cur)
		if err != nil {
			return c, nil, fmt.Errorf("output %d (%s -> %s): %w", i, m.From, m.To.Path, err)
		}
		writes = append(writes, Write{To: m.To, Value: v})
		cur = next
	}
	return cur, writes, nil
}

// Replay applies writes to c in order.
func Replay(c Context, writes []Write) (Context, error) {
	cur := c
	for i, w := range writes {
		next, err := Apply(w.To, w.Value, cur)
		if err != nil {
			return c, fmt.Errorf("replay write %d: %w", i, err)
		}
		cur = next
	}
	return cur, nil
}
