package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama answers chat requests with the upper-cased last message, or
// with a 401 for the model "locked".
func fakeOllama(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Model == "locked" {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error":"unauthorized"}`)
			return
		}
		last := req.Messages[len(req.Messages)-1].Content
		fmt.Fprintf(w, `{"model":%q,"message":{"role":"assistant","content":%q},"done":true}`, req.Model, strings.ToUpper(last))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeDefinitions(t *testing.T, baseURL string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.yaml")
	doc := fmt.Sprintf(`
providers:
  local: {kind: ollama, model: llama3, base_url: %q}
  locked: {kind: ollama, model: locked, base_url: %q}
agents:
  shout:
    node:
      provider: local
      outputs: [{from: $prompt, to: loud}]
  each:
    repeat:
      items: $.words
      agent:
        node: {provider: local, input: "@item"}
  broken:
    chain:
      steps:
        - ref: shout
        - node: {provider: locked}
`, baseURL, baseURL)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(append(args, "--env-file", ""))
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestRunCommand(t *testing.T) {
	file := writeDefinitions(t, fakeOllama(t).URL)

	out, _, err := execute(t, "", "run", "-f", file, "-a", "shout", "-p", "hello")
	require.NoError(t, err)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, "HELLO", got.Output)
	assert.Equal(t, map[string]any{"loud": "HELLO"}, got.Context.Root())
	assert.Len(t, got.RunID, 36)
}

func TestRunCommandReadsStdinAndContext(t *testing.T) {
	file := writeDefinitions(t, fakeOllama(t).URL)

	out, errOut, err := execute(t, "ignored\n", "run", "-f", file, "-a", "each",
		"--context", `{"words":["a","b"]}`, "--progress", "-p", "p")
	require.NoError(t, err)

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "A\nB", got.Output)
	assert.Contains(t, errOut, "repeat[1]")

	out, _, err = execute(t, "from stdin\n", "run", "-f", file, "-a", "shout")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "FROM STDIN", got.Output)
}

func TestRunCommandFailure(t *testing.T) {
	file := writeDefinitions(t, fakeOllama(t).URL)
	store := "sqlite:" + filepath.Join(t.TempDir(), "runs.db")

	out, _, err := execute(t, "", "run", "-f", file, "-a", "broken", "-p", "x", "--store", store, "--retries", "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chain step 1")

	var got runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "chain[1]", got.Cursor)
	assert.Equal(t, map[string]any{"loud": "X"}, got.Context.Root(), "the partial context is printed")

	out, _, err = execute(t, "", "history", "--store", store)
	require.NoError(t, err)
	assert.Contains(t, out, got.RunID)
	assert.Contains(t, out, "broken")
	assert.Contains(t, out, "failed")

	out, _, err = execute(t, "", "history", "--store", store, "--id", got.RunID)
	require.NoError(t, err)
	assert.Contains(t, out, `"loud": "X"`)
}

func TestRunCommandErrors(t *testing.T) {
	file := writeDefinitions(t, fakeOllama(t).URL)

	_, _, err := execute(t, "", "run", "-f", file)
	assert.ErrorContains(t, err, `"agent" not set`)

	_, _, err = execute(t, "", "run", "-f", file, "-a", "nope", "-p", "x")
	assert.ErrorContains(t, err, "not found")

	_, _, err = execute(t, "", "run", "-f", file, "-a", "shout", "-p", "x", "--context", "{")
	assert.ErrorContains(t, err, "invalid context JSON")

	_, _, err = execute(t, "", "run", "-f", filepath.Join(t.TempDir(), "missing.yaml"), "-a", "shout")
	assert.Error(t, err)
}

func TestValidateAndList(t *testing.T) {
	file := writeDefinitions(t, "http://localhost:1")

	out, _, err := execute(t, "", "validate", "-f", file)
	require.NoError(t, err)
	assert.Contains(t, out, "3 agents, 2 providers, 0 tool servers OK")

	out, _, err = execute(t, "", "list", "-f", file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Regexp(t, `^broken\s+chain\s+3\s+agent:shout,provider:locked$`, lines[1])
	assert.Regexp(t, `^each\s+repeat\s+2\s+provider:local$`, lines[2])
	assert.Regexp(t, `^shout\s+node\s+1\s+provider:local$`, lines[3])

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("agents:\n  a: {ref: b}\n"), 0o644))
	_, _, err = execute(t, "", "validate", "-f", bad)
	assert.ErrorContains(t, err, "unknown agent")
}

func TestHistoryRequiresStore(t *testing.T) {
	t.Setenv("AGENTGRAPH_STORE", "")
	_, _, err := execute(t, "", "history")
	assert.ErrorContains(t, err, "no run store")
}
