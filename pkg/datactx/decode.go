package datactx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ParseSource interprets the document form of a DataFrom.
//
// Scalars use a shorthand: "$prompt" is the prompt, "$.a.b" a path,
// "@step" or "@step.sub.path" a step output; any other scalar is a
// literal. Maps use exactly one of the keys literal, path, prompt or step
// (step may be combined with path), plus an optional default.
func ParseSource(raw any) (DataFrom, error) {
	switch v := raw.(type) {
	case string:
		return parseSourceString(v), nil
	case map[string]any:
		return parseSourceMap(v)
	default:
		return Literal(v), nil
	}
}

func parseSourceString(s string) DataFrom {
	switch {
	case s == "$prompt":
		return Prompt()
	case s == "$":
		return Path("")
	case strings.HasPrefix(s, "$."):
		return Path(s[2:])
	case strings.HasPrefix(s, "@") && len(s) > 1:
		name, sub, _ := strings.Cut(s[1:], ".")
		return StepOutput(name, sub)
	default:
		return Literal(s)
	}
}

func parseSourceMap(m map[string]any) (DataFrom, error) {
	var d DataFrom
	set := 0
	if v, ok := m["literal"]; ok {
		d = Literal(v)
		set++
	}
	if v, ok := m["prompt"]; ok {
		if b, isBool := v.(bool); isBool && !b {
			return d, fmt.Errorf("source: prompt must be true")
		}
		d = Prompt()
		set++
	}
	if v, ok := m["step"]; ok {
		name, isString := v.(string)
		if !isString || name == "" {
			return d, fmt.Errorf("source: step must be a non-empty string")
		}
		d = StepOutput(name, "")
		if p, ok := m["path"]; ok {
			ps, isString := p.(string)
			if !isString {
				return d, fmt.Errorf("source: path must be a string")
			}
			d.Path = ps
		}
		set++
	} else if v, ok := m["path"]; ok {
		ps, isString := v.(string)
		if !isString {
			return d, fmt.Errorf("source: path must be a string")
		}
		d = Path(ps)
		set++
	}
	if set != 1 {
		return d, fmt.Errorf("source: expected exactly one of literal, path, prompt or step, got %d", set)
	}
	for k := range m {
		switch k {
		case "literal", "prompt", "step", "path", "default":
		default:
			return d, fmt.Errorf("source: unknown key %q", k)
		}
	}
	if def, ok := m["default"]; ok {
		d = d.WithDefault(def)
	}
	return d, d.Validate()
}

// UnmarshalYAML accepts the forms described by ParseSource.
func (d *DataFrom) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseSource(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *DataFrom) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSource(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDestination interprets the document form of a DataToContext: a bare
// path string (Replace) or a map with path and mode.
func ParseDestination(raw any) (DataToContext, error) {
	switch v := raw.(type) {
	case string:
		return ReplaceAt(v), nil
	case map[string]any:
		var d DataToContext
		for k, e := range v {
			s, ok := e.(string)
			if !ok {
				return d, fmt.Errorf("destination: %s must be a string", k)
			}
			switch k {
			case "path":
				d.Path = s
			case "mode":
				d.Mode = MergeMode(strings.ToLower(s))
			default:
				return d, fmt.Errorf("destination: unknown key %q", k)
			}
		}
		if d.Mode == "" {
			d.Mode = Replace
		}
		return d, d.Validate()
	default:
		return DataToContext{}, fmt.Errorf("destination: unsupported form %T", raw)
	}
}

func (d *DataToContext) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := ParseDestination(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *DataToContext) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseDestination(raw)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
