// Package llms adapts chat-completion backends to one request/response
// shape. Adapters do not retry; callers wrap Complete in a retry policy.
package llms

import (
	"context"
	"net/http"
	"time"
)

// Kind names a supported backend.
type Kind string

const (
	KindAnthropic  Kind = "anthropic"
	KindOpenAI     Kind = "openai"
	KindOpenRouter Kind = "openrouter"
	KindOllama     Kind = "ollama"
	KindGemini     Kind = "gemini"
)

// Kinds lists every backend in a stable order.
func Kinds() []Kind {
	return []Kind{KindAnthropic, KindOpenAI, KindOpenRouter, KindOllama, KindGemini}
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a conversation.
type Message struct {
	Role    string `json:"role" yaml:"role"`
	Content string `json:"content" yaml:"content"`
}

// Request is the uniform input of every adapter.
type Request struct {
	Messages    []Message
	MaxTokens   *uint64
	Temperature *float64
}

// NewRequest builds a request holding a single user message.
func NewRequest(prompt string) *Request {
	return &Request{Messages: []Message{{Role: RoleUser, Content: prompt}}}
}

// Usage reports token accounting when the backend provides it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the uniform output of every adapter.
type Response struct {
	Text  string
	Raw   map[string]any
	Usage *Usage
}

// Provider is a configured chat-completion backend.
type Provider interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Name() string
	ModelID() string
}

// EndpointConfig describes where and how an HTTP adapter sends requests.
type EndpointConfig struct {
	BaseURL    string
	Path       string
	Headers    map[string]string
	TimeoutSec int
}

// BaseProvider carries the pieces every adapter shares.
type BaseProvider struct {
	name       string
	modelID    string
	endpoint   *EndpointConfig
	httpClient *http.Client
	defaults   generation
}

// NewBaseProvider creates a BaseProvider; endpoint may be nil for adapters
// that use a vendor client.
func NewBaseProvider(name, modelID string, endpoint *EndpointConfig) *BaseProvider {
	timeout := 10 * time.Minute
	if endpoint != nil && endpoint.TimeoutSec > 0 {
		timeout = timeoutOf(endpoint.TimeoutSec)
	}
	return &BaseProvider{
		name:       name,
		modelID:    modelID,
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (b *BaseProvider) Name() string { return b.name }

func (b *BaseProvider) ModelID() string { return b.modelID }

// GetEndpointConfig returns the endpoint configuration.
func (b *BaseProvider) GetEndpointConfig() *EndpointConfig { return b.endpoint }

// GetHTTPClient returns the HTTP client used for requests.
func (b *BaseProvider) GetHTTPClient() *http.Client { return b.httpClient }

// SetHTTPClient replaces the HTTP client, e.g. to install a test transport.
func (b *BaseProvider) SetHTTPClient(c *http.Client) { b.httpClient = c }

// SetDefaults sets the limits used when a request leaves them unset.
func (b *BaseProvider) SetDefaults(maxTokens *uint64, temperature *float64) {
	b.defaults = generation{MaxTokens: maxTokens, Temperature: temperature}
}

// generation holds per-provider defaults applied to requests that do not
// set their own limits.
type generation struct {
	MaxTokens   *uint64
	Temperature *float64
}

func (g generation) apply(req *Request) *Request {
	if req == nil {
		req = &Request{}
	}
	out := *req
	if out.MaxTokens == nil {
		out.MaxTokens = g.MaxTokens
	}
	if out.Temperature == nil {
		out.Temperature = g.Temperature
	}
	return &out
}

func timeoutOf(sec int) time.Duration { return time.Duration(sec) * time.Second }
