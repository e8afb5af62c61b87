package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"sync"
)

const (
	jsonrpcVersion  = "2.0"
	protocolVersion = "2024-11-05"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      clientInfo `json:"serverInfo"`
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// errMalformed marks frames that are not valid JSON-RPC.
var errMalformed = stderrors.New("malformed frame")

// conn speaks newline-delimited JSON-RPC over a pair of streams. Calls are
// strictly sequential; server notifications are skipped and server requests
// are answered with "method not found".
type conn struct {
	w      io.Writer
	r      *bufio.Reader
	nextID int64
	mu     sync.Mutex
}

func newConn(w io.Writer, r io.Reader) *conn {
	return &conn{w: w, r: bufio.NewReader(r)}
}

func (c *conn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(data, '\n'))
	return err
}

// notify sends a notification, which has no id and gets no reply.
func (c *conn) notify(method string, params any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.write(rpcRequest{JSONRPC: jsonrpcVersion, Method: method, Params: params})
}

// call sends a request and decodes the matching result into out.
func (c *conn) call(ctx context.Context, method string, params any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if err := c.write(rpcRequest{JSONRPC: jsonrpcVersion, ID: &id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%s: write: %w", method, err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		line, err := c.r.ReadBytes('\n')
		if err != nil {
			if stderrors.Is(err, io.EOF) && len(line) == 0 {
				return fmt.Errorf("%s: %w", method, io.ErrUnexpectedEOF)
			}
			if !stderrors.Is(err, io.EOF) {
				return fmt.Errorf("%s: read: %w", method, err)
			}
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var msg rpcMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.JSONRPC != jsonrpcVersion {
			return fmt.Errorf("%s: %w: %q", method, errMalformed, truncate(string(line), 200))
		}

		switch {
		case msg.Method != "" && len(msg.ID) == 0:
			continue // notification
		case msg.Method != "":
			reply := map[string]any{
				"jsonrpc": jsonrpcVersion,
				"id":      msg.ID,
				"error":   RPCError{Code: -32601, Message: "method not found"},
			}
			if err := c.write(reply); err != nil {
				return fmt.Errorf("%s: write: %w", method, err)
			}
			continue
		}

		var got int64
		if err := json.Unmarshal(msg.ID, &got); err != nil || got != id {
			return fmt.Errorf("%s: %w: unexpected response id %s", method, errMalformed, string(msg.ID))
		}
		if msg.Error != nil {
			return fmt.Errorf("%s: %w", method, msg.Error)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(msg.Result, out); err != nil {
			return fmt.Errorf("%s: %w: %v", method, errMalformed, err)
		}
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
