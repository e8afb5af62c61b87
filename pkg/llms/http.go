package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 16 << 20

// postJSON sends body to the provider's endpoint and decodes a 2xx response
// into out. It also returns the response decoded as a generic map for
// Response.Raw. onError, when set, may turn a decoded non-2xx body into a
// more specific error.
func (b *BaseProvider) postJSON(ctx context.Context, body any, out any, onError func(status int, body []byte) *ProviderError) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, malformed(b.name, "encode request: %v", err)
	}

	endpoint := b.GetEndpointConfig()
	url := strings.TrimSuffix(endpoint.BaseURL, "/") + "/" + strings.TrimPrefix(endpoint.Path, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, transportError(b.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range endpoint.Headers {
		req.Header.Set(key, value)
	}

	resp, err := b.GetHTTPClient().Do(req)
	if err != nil {
		return nil, transportError(b.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(b.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if onError != nil {
			if perr := onError(resp.StatusCode, data); perr != nil {
				return nil, perr
			}
		}
		return nil, statusError(b.name, resp.StatusCode, string(data))
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, malformed(b.name, "decode response: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, malformed(b.name, "decode response: %v", err)
	}
	return raw, nil
}
