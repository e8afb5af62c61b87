package llms

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/XiaoConstantine/anthropic-go/anthropic"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

const defaultAnthropicMaxTokens = 1024

// anthropicResult is the part of a Messages API reply the adapter uses.
type anthropicResult struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

type anthropicCreateFunc func(ctx context.Context, params *anthropic.MessageParams) (*anthropicResult, error)

// AnthropicProvider talks to the Anthropic Messages API through the
// anthropic-go client.
type AnthropicProvider struct {
	*BaseProvider
	create anthropicCreateFunc
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(apiKey, model string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "Anthropic API key is required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "Anthropic model name is required")
	}
	client, err := anthropic.NewClient(anthropic.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrap(err, errors.InvalidInput, "failed to create Anthropic client")
	}

	create := func(ctx context.Context, params *anthropic.MessageParams) (*anthropicResult, error) {
		message, err := client.Messages().Create(ctx, params)
		if err != nil {
			return nil, err
		}
		if len(message.Content) == 0 {
			return nil, malformed(string(KindAnthropic), "response contains no content blocks")
		}
		var text strings.Builder
		for _, block := range message.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		return &anthropicResult{
			Text:         text.String(),
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		}, nil
	}
	return newAnthropicProvider(model, create), nil
}

func newAnthropicProvider(model string, create anthropicCreateFunc) *AnthropicProvider {
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider(string(KindAnthropic), model, nil),
		create:       create,
	}
}

// Complete implements Provider. The Messages API takes no system role in
// the message list, so system text is prefixed to the first user turn.
func (a *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	req = a.defaults.apply(req)

	params := &anthropic.MessageParams{
		Model:     a.ModelID(),
		MaxTokens: defaultAnthropicMaxTokens,
	}
	if req.MaxTokens != nil {
		params.MaxTokens = int(*req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = *req.Temperature
	}

	var system []string
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := RoleUser
		if m.Role == RoleAssistant {
			role = RoleAssistant
		}
		content := m.Content
		if role == RoleUser && len(system) > 0 {
			content = strings.Join(system, "\n\n") + "\n\n" + content
			system = nil
		}
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlock{{Type: "text", Text: content}},
		})
	}
	if len(system) > 0 {
		params.Messages = append(params.Messages, anthropic.MessageParam{
			Role:    RoleUser,
			Content: []anthropic.ContentBlock{{Type: "text", Text: strings.Join(system, "\n\n")}},
		})
	}

	res, err := a.create(ctx, params)
	if err != nil {
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, classifyClientError(a.Name(), err)
	}
	return &Response{
		Text: res.Text,
		Raw: map[string]any{
			"model": a.ModelID(),
			"text":  res.Text,
			"usage": map[string]any{"input_tokens": res.InputTokens, "output_tokens": res.OutputTokens},
		},
		Usage: &Usage{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
	}, nil
}

// clientStatus finds the HTTP status in a vendor client error, e.g.
// "API request failed with status 400: ...".
var clientStatus = regexp.MustCompile(`(?i)\bstatus (\d{3})\b`)

// classifyClientError maps an error from a vendor client, which does not
// expose the HTTP status as a field, onto a ProviderError. The status in
// the message decides the kind; without one the message text does.
func classifyClientError(provider string, err error) *ProviderError {
	if m := clientStatus.FindStringSubmatch(err.Error()); m != nil {
		status, _ := strconv.Atoi(m[1])
		return &ProviderError{Kind: KindForStatus(status), Provider: provider, StatusCode: status, Err: err}
	}

	msg := strings.ToLower(err.Error())
	kind := Transport
	switch {
	case strings.Contains(msg, "authentication"), strings.Contains(msg, "permission"):
		kind = Auth
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		kind = RateLimited
	case strings.Contains(msg, "unmarshal"), strings.Contains(msg, "decode"), strings.Contains(msg, "invalid character"):
		kind = MalformedResponse
	}
	return &ProviderError{Kind: kind, Provider: provider, Err: err}
}
