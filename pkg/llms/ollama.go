package llms

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

const defaultOllamaHost = "http://localhost:11434"

// OllamaProvider talks to an Ollama server's chat endpoint.
type OllamaProvider struct {
	*BaseProvider
}

// NewOllamaProvider creates an Ollama adapter. An empty endpoint means the
// local default.
func NewOllamaProvider(endpoint, model string) (*OllamaProvider, error) {
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "Ollama model name is required")
	}
	if endpoint == "" {
		endpoint = defaultOllamaHost
	}
	endpointCfg := &EndpointConfig{
		BaseURL:    strings.TrimSuffix(endpoint, "/"),
		Path:       "/api/chat",
		TimeoutSec: 10 * 60,
	}
	return &OllamaProvider{BaseProvider: NewBaseProvider(string(KindOllama), model, endpointCfg)}, nil
}

// Complete implements Provider.
func (o *OllamaProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	req = o.defaults.apply(req)

	stream := false
	body := api.ChatRequest{
		Model:    o.ModelID(),
		Messages: make([]api.Message, 0, len(req.Messages)),
		Stream:   &stream,
		Options:  map[string]any{},
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, api.Message{Role: m.Role, Content: m.Content})
	}
	if req.MaxTokens != nil {
		body.Options["num_predict"] = *req.MaxTokens
	}
	if req.Temperature != nil {
		body.Options["temperature"] = *req.Temperature
	}

	var resp api.ChatResponse
	raw, err := o.postJSON(ctx, body, &resp, o.errorBody)
	if err != nil {
		return nil, err
	}
	if _, ok := raw["message"]; !ok {
		return nil, malformed(o.Name(), "response has no message")
	}
	return &Response{
		Text: resp.Message.Content,
		Raw:  raw,
		Usage: &Usage{
			PromptTokens:     resp.PromptEvalCount,
			CompletionTokens: resp.EvalCount,
			TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
		},
	}, nil
}

func (o *OllamaProvider) errorBody(status int, body []byte) *ProviderError {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return nil
	}
	return statusError(o.Name(), status, e.Error)
}
