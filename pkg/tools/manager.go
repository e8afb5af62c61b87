// Package tools runs external tool servers as child processes and talks to
// them with newline-delimited JSON-RPC 2.0 over stdio (the MCP stdio
// transport). Every invocation owns exactly one process, which is killed
// and reaped before the call returns.
package tools

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/logging"
)

// ServerDef describes how to launch a tool server. Arguments and
// environment values are resolved against the run's Context at launch.
type ServerDef struct {
	Command string                      `yaml:"command" json:"command"`
	Args    []datactx.DataFrom          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]datactx.DataFrom `yaml:"env,omitempty" json:"env,omitempty"`
	WorkDir string                      `yaml:"workdir,omitempty" json:"workdir,omitempty"`
}

// Call names a tool and its resolved arguments.
type Call struct {
	Tool      string
	Arguments map[string]any
}

// Launch is a ServerDef resolved against a Context.
type Launch struct {
	Command string
	Args    []string
	Env     []string
	WorkDir string
}

// Resolve evaluates the argument and environment sources. Non-string
// values are JSON encoded. The environment starts from the parent's.
func (d ServerDef) Resolve(c datactx.Context, prompt string) (Launch, error) {
	l := Launch{Command: d.Command, WorkDir: d.WorkDir}
	for i, src := range d.Args {
		v, err := src.Resolve(c, prompt)
		if err != nil {
			return l, fmt.Errorf("arg %d: %w", i, err)
		}
		l.Args = append(l.Args, datactx.Stringify(v))
	}

	l.Env = os.Environ()
	keys := make([]string, 0, len(d.Env))
	for k := range d.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v, err := d.Env[k].Resolve(c, prompt)
		if err != nil {
			return l, fmt.Errorf("env %s: %w", k, err)
		}
		l.Env = append(l.Env, k+"="+datactx.Stringify(v))
	}
	return l, nil
}

// Manager starts tool server processes.
type Manager struct {
	// StderrLimit bounds the captured standard error, in bytes.
	StderrLimit int
	// KillDelay is how long a process gets to exit after its stdin is
	// closed before it is killed.
	KillDelay time.Duration
	client    clientInfo
}

// NewManager creates a Manager with default limits.
func NewManager() *Manager {
	return &Manager{
		StderrLimit: 64 << 10,
		KillDelay:   200 * time.Millisecond,
		client:      clientInfo{Name: "agentgraph", Version: "0.1.0"},
	}
}

// Invoke starts the server described by def, checks that it advertises
// call.Tool, calls it and returns the result.
func (m *Manager) Invoke(ctx context.Context, def ServerDef, call Call, c datactx.Context, prompt string) (core.ToolResult, error) {
	launch, err := def.Resolve(c, prompt)
	if err != nil {
		return core.ToolResult{}, err
	}

	var result core.ToolResult
	err = m.withSession(ctx, launch, func(s *session) error {
		tools, err := s.listTools(ctx)
		if err != nil {
			return err
		}
		if _, ok := core.FindTool(tools, call.Tool); !ok {
			return fmt.Errorf("tool %q is not advertised by the server", call.Tool)
		}

		args := call.Arguments
		if args == nil {
			args = map[string]any{}
		}
		if err := s.conn.call(ctx, "tools/call", callParams{Name: call.Tool, Arguments: args}, &result); err != nil {
			return err
		}
		if result.IsError {
			return fmt.Errorf("tool %q reported an error: %s", call.Tool, result.Text())
		}
		return nil
	})
	if err != nil {
		return core.ToolResult{}, err
	}
	return result, nil
}

// Discover starts the server and returns the tools it advertises.
func (m *Manager) Discover(ctx context.Context, def ServerDef, c datactx.Context, prompt string) ([]core.ToolMetadata, error) {
	launch, err := def.Resolve(c, prompt)
	if err != nil {
		return nil, err
	}
	var tools []core.ToolMetadata
	err = m.withSession(ctx, launch, func(s *session) error {
		var err error
		tools, err = s.listTools(ctx)
		return err
	})
	return tools, err
}

type session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	conn   *conn
	stderr *tailBuffer
}

func (s *session) listTools(ctx context.Context) ([]core.ToolMetadata, error) {
	var out struct {
		Tools []core.ToolMetadata `json:"tools"`
	}
	if err := s.conn.call(ctx, "tools/list", map[string]any{}, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// withSession starts the process, performs the initialize handshake, runs
// fn and tears the process down on every path. A process that exits with a
// failure status after answering still fails the session.
func (m *Manager) withSession(ctx context.Context, l Launch, fn func(*session) error) error {
	logger := logging.FromContext(ctx).With("command", l.Command)

	cmd := exec.CommandContext(ctx, l.Command, l.Args...)
	cmd.Env = l.Env
	cmd.Dir = l.WorkDir
	cmd.WaitDelay = time.Second
	stderr := newTailBuffer(m.StderrLimit)
	cmd.Stderr = stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return &ProcessError{Kind: SpawnFailed, Command: l.Command, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &ProcessError{Kind: SpawnFailed, Command: l.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		return &ProcessError{Kind: SpawnFailed, Command: l.Command, Err: err}
	}
	logger.Debug("tool process started", "pid", cmd.Process.Pid)

	s := &session{cmd: cmd, stdin: stdin, conn: newConn(stdin, stdout), stderr: stderr}

	var once sync.Once
	var waitErr error
	stop := func() {
		once.Do(func() { waitErr = m.stop(s) })
	}
	defer stop()

	fail := func(err error) error {
		if ctx.Err() != nil {
			stop()
			return ctx.Err()
		}
		exited := stderrors.Is(err, io.ErrUnexpectedEOF)
		if exited {
			stop()
			if waitErr != nil {
				err = fmt.Errorf("%w (%v)", err, waitErr)
			}
		}
		return &ProcessError{Kind: ToolFailed, Command: l.Command, Stderr: stderr.String(), Err: err, Exited: exited}
	}

	var init initializeResult
	if err := s.conn.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    map[string]any{},
		ClientInfo:      m.client,
	}, &init); err != nil {
		return fail(err)
	}
	if err := s.conn.notify("notifications/initialized", nil); err != nil {
		return fail(err)
	}
	logger.Debug("tool server initialized", "server", init.ServerInfo.Name, "protocol", init.ProtocolVersion)

	if err := fn(s); err != nil {
		return fail(err)
	}

	stop()
	var exitErr *exec.ExitError
	if ctx.Err() == nil && stderrors.As(waitErr, &exitErr) {
		return &ProcessError{Kind: ToolFailed, Command: l.Command, Stderr: stderr.String(), Err: waitErr}
	}
	return nil
}

// stop closes stdin, gives the process KillDelay to exit and then kills it.
// It always reaps the process. The returned error is the exit status when
// the process ended on its own with a failure.
func (m *Manager) stop(s *session) error {
	_ = s.stdin.Close()

	done := make(chan error, 1)
	go func() { done <- s.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(m.KillDelay):
		_ = s.cmd.Process.Kill()
		<-done
		return nil
	}
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 64 << 10
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
