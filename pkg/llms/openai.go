package llms

import (
	"context"
	"strings"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

const openAIBaseURL = "https://api.openai.com/v1"

// chatRequest is the OpenAI chat completions request body, shared with
// OpenRouter.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   *uint64   `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageInfo   `json:"usage,omitempty"`
	Error   *apiError    `json:"error,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

type usageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (u *usageInfo) toUsage() *Usage {
	if u == nil {
		return nil
	}
	return &Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}

type apiError struct {
	Message  string        `json:"message"`
	Code     any           `json:"code"`
	Metadata *apiErrorMeta `json:"metadata,omitempty"`
}

type apiErrorMeta struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	*BaseProvider
}

// NewOpenAIProvider creates an OpenAI adapter. baseURL may be empty.
func NewOpenAIProvider(apiKey, model, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "OpenAI API key is required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "OpenAI model name is required")
	}
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	endpointCfg := &EndpointConfig{
		BaseURL: baseURL,
		Path:    "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(apiKey),
		},
		TimeoutSec: 10 * 60,
	}
	return &OpenAIProvider{BaseProvider: NewBaseProvider(string(KindOpenAI), model, endpointCfg)}, nil
}

// Complete implements Provider.
func (o *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	return completeChat(ctx, o.BaseProvider, o.defaults.apply(req), nil)
}

func completeChat(ctx context.Context, b *BaseProvider, req *Request, onError func(int, []byte) *ProviderError) (*Response, error) {
	body := chatRequest{
		Model:       b.ModelID(),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	var resp chatResponse
	raw, err := b.postJSON(ctx, body, &resp, onError)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, malformed(b.Name(), "error in response body: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, malformed(b.Name(), "response contains no choices")
	}
	return &Response{
		Text:  resp.Choices[0].Message.Content,
		Raw:   raw,
		Usage: resp.Usage.toUsage(),
	}, nil
}
