package llms

import (
	"context"
	"strings"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider talks to the Google Generative Language API.
type GeminiProvider struct {
	*BaseProvider
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens *uint64  `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata,omitempty"`
}

// NewGeminiProvider creates a Gemini adapter. baseURL may be empty.
func NewGeminiProvider(apiKey, model, baseURL string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, errors.New(errors.InvalidInput, "Gemini API key is required")
	}
	if model == "" {
		return nil, errors.New(errors.InvalidInput, "Gemini model name is required")
	}
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	endpointCfg := &EndpointConfig{
		BaseURL: baseURL,
		Path:    "/models/" + model + ":generateContent",
		Headers: map[string]string{
			"x-goog-api-key": strings.TrimSpace(apiKey),
		},
		TimeoutSec: 10 * 60,
	}
	return &GeminiProvider{BaseProvider: NewBaseProvider(string(KindGemini), model, endpointCfg)}, nil
}

// Complete implements Provider. System messages become the system
// instruction; assistant turns use Gemini's "model" role.
func (g *GeminiProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	req = g.defaults.apply(req)

	var body geminiRequest
	var system []geminiPart
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, geminiPart{Text: m.Content})
		case RoleAssistant:
			body.Contents = append(body.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: m.Content}}})
		default:
			body.Contents = append(body.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &geminiContent{Parts: system}
	}
	if req.MaxTokens != nil || req.Temperature != nil {
		body.GenerationConfig = &geminiGenerationConfig{MaxOutputTokens: req.MaxTokens, Temperature: req.Temperature}
	}

	var resp geminiResponse
	raw, err := g.postJSON(ctx, body, &resp, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, malformed(g.Name(), "response contains no candidates")
	}

	var text strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		text.WriteString(p.Text)
	}
	out := &Response{Text: text.String(), Raw: raw}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = &Usage{
			PromptTokens:     u.PromptTokenCount,
			CompletionTokens: u.CandidatesTokenCount,
			TotalTokens:      u.TotalTokenCount,
		}
	}
	return out, nil
}
