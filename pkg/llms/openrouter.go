package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// The base URL for the OpenRouter API
const openRouterBaseURL = "https://openrouter.ai/api/v1"

// OpenRouterProvider talks to OpenRouter's OpenAI-compatible API.
type OpenRouterProvider struct {
	*BaseProvider
}

// NewOpenRouterProvider creates an OpenRouter adapter. baseURL may be empty.
func NewOpenRouterProvider(apiKey, model, baseURL string) (*OpenRouterProvider, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "OpenRouter API key is required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "OpenRouter model name is required")
	}
	if baseURL == "" {
		baseURL = openRouterBaseURL
	}
	endpointCfg := &EndpointConfig{
		BaseURL: baseURL,
		Path:    "/chat/completions",
		Headers: map[string]string{
			"Authorization": "Bearer " + strings.TrimSpace(apiKey),
			"HTTP-Referer":  "https://github.com/scottdavis/agentgraph", // Optional: identify the app
			"X-Title":       "agentgraph",
		},
		TimeoutSec: 10 * 60,
	}
	return &OpenRouterProvider{BaseProvider: NewBaseProvider(string(KindOpenRouter), model, endpointCfg)}, nil
}

// Complete implements Provider.
func (o *OpenRouterProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	resp, err := completeChat(ctx, o.BaseProvider, o.defaults.apply(req), o.errorEnvelope)
	if err != nil {
		var perr *ProviderError
		// OpenRouter reports upstream failures inside a 200 body.
		if errors.As(err, &perr) && perr.Kind == MalformedResponse && strings.HasPrefix(perr.Message, "error in response body") {
			perr.Kind = Transport
		}
		return nil, err
	}
	return resp, nil
}

// errorEnvelope decodes OpenRouter's {"error": {...}} body so rate limit
// details reach the caller.
func (o *OpenRouterProvider) errorEnvelope(status int, body []byte) *ProviderError {
	var env struct {
		Error *apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Error == nil {
		return nil
	}

	perr := statusError(o.Name(), status, env.Error.Message)
	if meta := env.Error.Metadata; meta != nil && meta.Headers != nil {
		remaining := meta.Headers["X-RateLimit-Remaining"]
		if remaining == "0" || status == http.StatusTooManyRequests {
			perr.Kind = RateLimited
			perr.Message = fmt.Sprintf("%s (limit: %s, remaining: %s, reset in %s)",
				env.Error.Message, meta.Headers["X-RateLimit-Limit"], remaining, formatResetTime(meta.Headers["X-RateLimit-Reset"]))
		}
	}
	return perr
}

// formatResetTime converts a millisecond timestamp to the time left until
// the rate limit resets.
func formatResetTime(resetTimeMs string) string {
	resetMs, err := strconv.ParseInt(resetTimeMs, 10, 64)
	if err != nil {
		return "unknown"
	}
	resetTime := time.UnixMilli(resetMs)
	hoursUntilReset := time.Until(resetTime).Hours()
	if hoursUntilReset < 0 {
		return "already passed"
	}
	return fmt.Sprintf("%.2f hours (resets at %s)", hoursUntilReset, resetTime.Format("2006-01-02 15:04:05 MST"))
}
