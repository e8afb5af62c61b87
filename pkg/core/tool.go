package core

import "strings"

// ToolMetadata describes one tool advertised by a tool server.
type ToolMetadata struct {
	Name        string         `json:"name"`                  // Unique identifier within the server
	Description string         `json:"description,omitempty"` // Human-readable description
	InputSchema map[string]any `json:"inputSchema,omitempty"` // JSON schema of the arguments
}

// ToolContent is one item of a tool result's content list.
type ToolContent struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ToolResult wraps tool execution results.
type ToolResult struct {
	Content    []ToolContent `json:"content"`
	IsError    bool          `json:"isError,omitempty"`
	Structured any           `json:"structuredContent,omitempty"`
}

// Text joins the text items of the result, one per line.
func (r ToolResult) Text() string {
	parts := make([]string, 0, len(r.Content))
	for _, c := range r.Content {
		if c.Type == "text" || (c.Type == "" && c.Text != "") {
			parts = append(parts, c.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Value returns the structured content when present, otherwise the text.
func (r ToolResult) Value() any {
	if r.Structured != nil {
		return r.Structured
	}
	return r.Text()
}

// FindTool returns the metadata for name from a discovery listing.
func FindTool(tools []ToolMetadata, name string) (ToolMetadata, bool) {
	for _, t := range tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolMetadata{}, false
}
