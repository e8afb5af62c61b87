package llms

import (
	"fmt"
	"os"
	"strings"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// Config describes one provider in an agent definition document.
type Config struct {
	Kind Kind `yaml:"kind" json:"kind"`
	// APIKey takes precedence over APIKeyEnv.
	APIKey    string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty" json:"api_key_env,omitempty"`
	// Model is the backend's model name. When Kind is empty it may carry a
	// "kind:model" reference instead, see ParseModelRef.
	Model       string   `yaml:"model" json:"model"`
	BaseURL     string   `yaml:"base_url,omitempty" json:"base_url,omitempty"`
	MaxTokens   *uint64  `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	TimeoutSec  int      `yaml:"timeout_sec,omitempty" json:"timeout_sec,omitempty"`
}

// defaultKeyEnv is consulted when neither APIKey nor APIKeyEnv is set.
var defaultKeyEnv = map[Kind]string{
	KindAnthropic:  "ANTHROPIC_API_KEY",
	KindOpenAI:     "OPENAI_API_KEY",
	KindOpenRouter: "OPENROUTER_API_KEY",
	KindGemini:     "GEMINI_API_KEY",
}

// Resolved returns a copy of c with the kind and model split out of a model
// reference and the API key looked up from the environment.
func (c Config) Resolved() (Config, error) {
	if c.Kind == "" {
		ref, err := ParseModelRef(c.Model)
		if err != nil {
			return c, err
		}
		c.Kind, c.Model = ref.Kind, ref.Model
		if c.BaseURL == "" {
			c.BaseURL = ref.Host
		}
	}
	if c.APIKey == "" {
		env := c.APIKeyEnv
		if env == "" {
			env = defaultKeyEnv[c.Kind]
		}
		if env != "" {
			c.APIKey = os.Getenv(env)
		}
	}
	return c, nil
}

// Validate checks the static parts of the configuration; it does not
// require the API key to be present.
func (c Config) Validate() error {
	if c.Kind == "" {
		_, err := ParseModelRef(c.Model)
		return err
	}
	switch c.Kind {
	case KindAnthropic, KindOpenAI, KindOpenRouter, KindOllama, KindGemini:
	default:
		return errors.WithFields(
			errors.New(errors.InvalidInput, fmt.Sprintf("unsupported provider kind %q", c.Kind)),
			errors.Fields{"kind": string(c.Kind)})
	}
	if c.Model == "" {
		return errors.New(errors.InvalidInput, fmt.Sprintf("%s provider requires a model", c.Kind))
	}
	return nil
}

// NewProvider creates the adapter described by cfg.
func NewProvider(cfg Config) (Provider, error) {
	cfg, err := cfg.Resolved()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p    Provider
		base *BaseProvider
	)
	switch cfg.Kind {
	case KindAnthropic:
		a, err := NewAnthropicProvider(cfg.APIKey, cfg.Model)
		if err != nil {
			return nil, err
		}
		p, base = a, a.BaseProvider
	case KindOpenAI:
		o, err := NewOpenAIProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		p, base = o, o.BaseProvider
	case KindOpenRouter:
		o, err := NewOpenRouterProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		p, base = o, o.BaseProvider
	case KindOllama:
		o, err := NewOllamaProvider(cfg.BaseURL, cfg.Model)
		if err != nil {
			return nil, err
		}
		p, base = o, o.BaseProvider
	case KindGemini:
		g, err := NewGeminiProvider(cfg.APIKey, cfg.Model, cfg.BaseURL)
		if err != nil {
			return nil, err
		}
		p, base = g, g.BaseProvider
	}

	base.SetDefaults(cfg.MaxTokens, cfg.Temperature)
	if cfg.TimeoutSec > 0 && base.endpoint != nil {
		base.endpoint.TimeoutSec = cfg.TimeoutSec
		base.httpClient.Timeout = timeoutOf(cfg.TimeoutSec)
	}
	return p, nil
}

// ModelRef is a parsed "kind:model" string.
type ModelRef struct {
	Kind  Kind
	Host  string
	Model string
}

// ParseModelRef parses a model reference of the form "<kind>:<model>".
//
// Ollama references may also name a host:
//  1. ollama:<model_name> - Uses the default Ollama host
//  2. ollama:<host>:<model_name> - Specifies custom host and model
//  3. ollama:<host>:<port>:<model_name> - Specifies host with port and model
//  4. ollama:http(s)://<host>:<port>:<model_name> - Full URL with protocol
//
// Ollama model names containing a tag (llama3:8b) must use the explicit
// kind/model form in the document instead.
func ParseModelRef(ref string) (ModelRef, error) {
	kind, rest, ok := strings.Cut(ref, ":")
	if !ok || rest == "" {
		return ModelRef{}, errors.WithFields(
			errors.New(errors.InvalidInput, "invalid model reference, use '<kind>:<model>'"),
			errors.Fields{"model": ref})
	}

	switch Kind(kind) {
	case KindAnthropic, KindOpenAI, KindOpenRouter, KindGemini:
		return ModelRef{Kind: Kind(kind), Model: rest}, nil
	case KindOllama:
		host, model, err := parseOllamaRef(rest)
		if err != nil {
			return ModelRef{}, err
		}
		return ModelRef{Kind: KindOllama, Host: host, Model: model}, nil
	default:
		return ModelRef{}, errors.WithFields(
			errors.New(errors.InvalidInput, fmt.Sprintf("unsupported provider kind %q", kind)),
			errors.Fields{"model": ref})
	}
}

func parseOllamaRef(input string) (host, model string, err error) {
	invalid := errors.New(errors.InvalidInput, "invalid Ollama model reference. Use 'ollama:<model_name>' or 'ollama:<host>:<model_name>'")

	if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") {
		// Find the last colon to separate host from model
		lastColonIndex := strings.LastIndex(input, ":")
		host, model = input[:lastColonIndex], input[lastColonIndex+1:]
		if model == "" || host == "http" || host == "https" {
			return "", "", invalid
		}
		return host, model, nil
	}

	if !strings.Contains(input, ":") {
		return "", input, nil
	}

	// Assume the last part is the model name
	parts := strings.Split(input, ":")
	model = parts[len(parts)-1]
	host = strings.Join(parts[:len(parts)-1], ":")
	if host == "" || model == "" {
		return "", "", invalid
	}
	return "http://" + host, model, nil
}
