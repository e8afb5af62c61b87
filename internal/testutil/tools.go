package testutil

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/tools"
)

// MockToolInvoker is a testify mock standing in for tools.Manager.
type MockToolInvoker struct {
	mock.Mock
}

func (m *MockToolInvoker) Invoke(ctx context.Context, def tools.ServerDef, call tools.Call, c datactx.Context, prompt string) (core.ToolResult, error) {
	args := m.Called(ctx, def, call, c, prompt)
	return args.Get(0).(core.ToolResult), args.Error(1)
}

// TextResult builds a successful tool result holding a single text item.
func TextResult(text string) core.ToolResult {
	return core.ToolResult{Content: []core.ToolContent{{Type: "text", Text: text}}}
}
