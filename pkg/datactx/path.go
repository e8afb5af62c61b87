package datactx

import (
	"strconv"
	"strings"
)

type segment struct {
	key     string
	index   int
	isIndex bool
}

func (s segment) String() string {
	if s.isIndex {
		return "[" + strconv.Itoa(s.index) + "]"
	}
	return s.key
}

// parsePath splits a dotted/indexed path such as "a.b[0].c". A leading "$"
// or "$." is accepted and ignored; the empty path addresses the root.
func parsePath(path string) ([]segment, error) {
	p := strings.TrimPrefix(path, "$")
	p = strings.TrimPrefix(p, ".")

	var segs []segment
	i := 0
	for i < len(p) {
		switch p[i] {
		case '.':
			return nil, invalid(path, "empty path segment at offset %d", i)
		case '[':
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				return nil, invalid(path, "unterminated index at offset %d", i)
			}
			n, err := strconv.Atoi(p[i+1 : i+end])
			if err != nil {
				return nil, invalid(path, "index %q is not an integer", p[i+1:i+end])
			}
			if n < 0 {
				return nil, invalid(path, "negative index %d", n)
			}
			segs = append(segs, segment{index: n, isIndex: true})
			i += end + 1
		default:
			j := i
			for j < len(p) && p[j] != '.' && p[j] != '[' {
				j++
			}
			segs = append(segs, segment{key: p[i:j]})
			i = j
		}
		if i < len(p) && p[i] == '.' {
			i++
			if i == len(p) {
				return nil, invalid(path, "trailing dot")
			}
		}
	}
	return segs, nil
}

// lookup walks segs from node. A null intermediate counts as missing.
func lookup(node any, segs []segment, path string) (any, error) {
	cur := node
	for _, s := range segs {
		switch v := cur.(type) {
		case map[string]any:
			if s.isIndex {
				return nil, mismatch(path, "cannot index object with %s", s)
			}
			next, ok := v[s.key]
			if !ok {
				return nil, notFound(path, "key %q missing", s.key)
			}
			cur = next
		case []any:
			if !s.isIndex {
				return nil, mismatch(path, "cannot look up key %q on array", s.key)
			}
			if s.index >= len(v) {
				return nil, notFound(path, "index %d out of range (len %d)", s.index, len(v))
			}
			cur = v[s.index]
		case nil:
			return nil, notFound(path, "no value at %s", s)
		default:
			return nil, mismatch(path, "cannot descend into %s at %s", kindOf(cur), s)
		}
	}
	return cur, nil
}

// assign returns a copy of node with value stored at segs, creating
// missing containers along the way. Only containers on the path are
// copied; siblings are shared.
func assign(node any, segs []segment, value any, path string) (any, error) {
	if len(segs) == 0 {
		return value, nil
	}
	s := segs[0]
	if s.isIndex {
		var arr []any
		switch v := node.(type) {
		case nil:
		case []any:
			arr = v
		default:
			return nil, mismatch(path, "cannot index %s with %s", kindOf(node), s)
		}
		out := make([]any, max(len(arr), s.index+1))
		copy(out, arr)
		child, err := assign(out[s.index], segs[1:], value, path)
		if err != nil {
			return nil, err
		}
		out[s.index] = child
		return out, nil
	}

	var m map[string]any
	switch v := node.(type) {
	case nil:
	case map[string]any:
		m = v
	default:
		return nil, mismatch(path, "cannot set key %q on %s", s.key, kindOf(node))
	}
	out := make(map[string]any, len(m)+1)
	for k, e := range m {
		out[k] = e
	}
	child, err := assign(out[s.key], segs[1:], value, path)
	if err != nil {
		return nil, err
	}
	out[s.key] = child
	return out, nil
}

// update rewrites the value at segs through fn without creating missing
// intermediates. fn receives the current value and whether it exists.
func update(node any, segs []segment, path string, fn func(cur any, found bool) (any, error)) (any, error) {
	if len(segs) == 0 {
		return fn(node, node != nil)
	}
	s := segs[0]
	last := len(segs) == 1

	switch v := node.(type) {
	case map[string]any:
		if s.isIndex {
			return nil, mismatch(path, "cannot index object with %s", s)
		}
		child, ok := v[s.key]
		var (
			next any
			err  error
		)
		switch {
		case last:
			next, err = fn(child, ok)
		case !ok:
			return nil, notFound(path, "key %q missing", s.key)
		default:
			next, err = update(child, segs[1:], path, fn)
		}
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(v)+1)
		for k, e := range v {
			out[k] = e
		}
		out[s.key] = next
		return out, nil
	case []any:
		if !s.isIndex {
			return nil, mismatch(path, "cannot look up key %q on array", s.key)
		}
		if s.index >= len(v) {
			return nil, notFound(path, "index %d out of range (len %d)", s.index, len(v))
		}
		var (
			next any
			err  error
		)
		if last {
			next, err = fn(v[s.index], true)
		} else {
			next, err = update(v[s.index], segs[1:], path, fn)
		}
		if err != nil {
			return nil, err
		}
		out := make([]any, len(v))
		copy(out, v)
		out[s.index] = next
		return out, nil
	case nil:
		return nil, notFound(path, "no value at %s", s)
	default:
		return nil, mismatch(path, "cannot descend into %s at %s", kindOf(node), s)
	}
}
