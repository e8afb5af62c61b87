package utils

import (
	"encoding/json"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/scottdavis/agentgraph/pkg/errors"
)

// ParseJSONResponse parses model output as a JSON value. Markdown code fences
// around the payload are stripped, and malformed JSON (single quotes,
// trailing commas, unquoted keys) is repaired before giving up.
func ParseJSONResponse(response string) (any, error) {
	content := stripCodeFence(response)

	var result any
	err := json.Unmarshal([]byte(content), &result)
	if err == nil {
		return result, nil
	}

	repaired, repairErr := jsonrepair.JSONRepair(content)
	if repairErr == nil {
		if err2 := json.Unmarshal([]byte(repaired), &result); err2 == nil {
			return result, nil
		}
	}
	return nil, errors.WithFields(
		errors.Wrap(err, errors.InvalidResponse, "failed to parse JSON"),
		errors.Fields{
			"error_type":   "json_parse_error",
			"data_preview": truncateString(response, 100),
			"data_length":  len(response),
		})
}

// ParseJSONObject is ParseJSONResponse restricted to objects.
func ParseJSONObject(response string) (map[string]any, error) {
	v, err := ParseJSONResponse(response)
	if err != nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.WithFields(
			errors.New(errors.InvalidResponse, "expected a JSON object"),
			errors.Fields{"data_preview": truncateString(response, 100)})
	}
	return m, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:] // drop the language tag line
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// TruncateString shortens s to maxLen bytes for log previews.
func TruncateString(s string, maxLen int) string {
	return truncateString(s, maxLen)
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
