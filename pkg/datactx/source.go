package datactx

import "fmt"

// SourceKind tags a DataFrom.
type SourceKind string

const (
	SourceLiteral SourceKind = "literal"
	SourcePath    SourceKind = "path"
	SourcePrompt  SourceKind = "prompt"
	SourceStep    SourceKind = "step"
)

// DataFrom describes where a value comes from: a constant, a path into the
// Context, the current prompt, or the output of a named prior step.
//
// When HasDefault is set, Default is returned instead of a NotFound error
// for path and step sources. Default may be nil.
type DataFrom struct {
	Kind       SourceKind
	Value      any
	Path       string
	Step       string
	Default    any
	HasDefault bool
}

func Literal(v any) DataFrom { return DataFrom{Kind: SourceLiteral, Value: v} }

func Path(path string) DataFrom { return DataFrom{Kind: SourcePath, Path: path} }

func Prompt() DataFrom { return DataFrom{Kind: SourcePrompt} }

// StepOutput reads the output of step name, optionally descending into it
// with path.
func StepOutput(name, path string) DataFrom {
	return DataFrom{Kind: SourceStep, Step: name, Path: path}
}

// WithDefault returns a copy of d that falls back to v when its reference
// does not exist.
func (d DataFrom) WithDefault(v any) DataFrom {
	d.Default = v
	d.HasDefault = true
	return d
}

// IsZero reports whether d was never set.
func (d DataFrom) IsZero() bool { return d.Kind == "" }

// Validate checks that d is well formed without resolving it.
func (d DataFrom) Validate() error {
	switch d.Kind {
	case SourceLiteral, SourcePrompt:
		return nil
	case SourcePath:
		_, err := parsePath(d.Path)
		return err
	case SourceStep:
		if d.Step == "" {
			return invalid("", "step source without a step name")
		}
		if d.Path != "" {
			_, err := parsePath(d.Path)
			return err
		}
		return nil
	case "":
		return invalid("", "empty source")
	default:
		return invalid("", "unknown source kind %q", d.Kind)
	}
}

func (d DataFrom) String() string {
	switch d.Kind {
	case SourceLiteral:
		return fmt.Sprintf("literal(%v)", d.Value)
	case SourcePath:
		return "$." + d.Path
	case SourcePrompt:
		return "$prompt"
	case SourceStep:
		if d.Path != "" {
			return "@" + d.Step + "." + d.Path
		}
		return "@" + d.Step
	default:
		return "<unset>"
	}
}

// Resolve evaluates src against c and prompt. It has no side effects and
// always returns a value the caller owns.
func Resolve(src DataFrom, c Context, prompt string) (any, error) {
	return src.Resolve(c, prompt)
}

func (d DataFrom) Resolve(c Context, prompt string) (any, error) {
	v, err := d.resolve(c, prompt)
	if err != nil {
		if re, ok := err.(*ResolutionError); ok && re.Kind == NotFound && d.HasDefault {
			return normalize(d.Default), nil
		}
		return nil, err
	}
	return v, nil
}

func (d DataFrom) resolve(c Context, prompt string) (any, error) {
	switch d.Kind {
	case SourceLiteral:
		return normalize(d.Value), nil
	case SourcePrompt:
		return prompt, nil
	case SourcePath:
		return c.Get(d.Path)
	case SourceStep:
		out, ok := c.steps[d.Step]
		if !ok {
			return nil, notFound("@"+d.Step, "no output recorded for step %q", d.Step)
		}
		if d.Path == "" {
			return normalize(out), nil
		}
		segs, err := parsePath(d.Path)
		if err != nil {
			return nil, err
		}
		v, err := lookup(out, segs, "@"+d.Step+"."+d.Path)
		if err != nil {
			return nil, err
		}
		return normalize(v), nil
	default:
		return nil, d.Validate()
	}
}
