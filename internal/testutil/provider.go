// Package testutil provides test doubles shared by the engine's tests.
package testutil

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/scottdavis/agentgraph/pkg/llms"
)

// MockProvider is a testify mock implementing llms.Provider.
type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Complete(ctx context.Context, req *llms.Request) (*llms.Response, error) {
	args := m.Called(ctx, req)
	if resp, ok := args.Get(0).(*llms.Response); ok {
		return resp, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) ModelID() string { return "mock-model" }

// Reply computes a response from the last user message of a request.
type Reply func(ctx context.Context, input string) (string, error)

// ScriptedProvider answers every request by calling Reply with the content
// of the request's last message and records the requests it saw. It is safe
// for concurrent use.
type ScriptedProvider struct {
	Reply Reply

	mu       sync.Mutex
	requests []*llms.Request
}

// Echo returns a provider that answers with prefix followed by the input.
func Echo(prefix string) *ScriptedProvider {
	return &ScriptedProvider{Reply: func(_ context.Context, input string) (string, error) {
		return prefix + input, nil
	}}
}

func (p *ScriptedProvider) Complete(ctx context.Context, req *llms.Request) (*llms.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	var input string
	if n := len(req.Messages); n > 0 {
		input = req.Messages[n-1].Content
	}
	text, err := p.Reply(ctx, input)
	if err != nil {
		return nil, err
	}
	return &llms.Response{Text: text, Raw: map[string]any{"text": text}}, nil
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) ModelID() string { return "scripted-model" }

// Requests returns the requests received so far.
func (p *ScriptedProvider) Requests() []*llms.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llms.Request(nil), p.requests...)
}

// Calls returns the number of requests received so far.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}
