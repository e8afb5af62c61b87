package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/scottdavis/agentgraph/pkg/core"
	"github.com/scottdavis/agentgraph/pkg/datactx"
	"github.com/scottdavis/agentgraph/pkg/graph"
	"github.com/scottdavis/agentgraph/pkg/runstore"
)

type runFlags struct {
	agent       string
	prompt      string
	context     string
	contextFile string
	timeout     time.Duration
	store       string
	historyTTL  time.Duration
	maxParallel int
	retries     int
	progress    bool
}

// runOutput is what run prints on stdout.
type runOutput struct {
	RunID   string          `json:"run_id"`
	Status  string          `json:"status"`
	Output  string          `json:"output"`
	Context datactx.Context `json:"context"`
	Cursor  string          `json:"cursor,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func runCmd(g *globalFlags) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an agent",
		Long: `Runs the named agent and prints its output and final context as JSON.
The prompt comes from --prompt, or from standard input when it is not a
terminal. On failure the partial context is still printed.`,
		Example: `  agentgraph run -f agents.yaml -a summarize -p "text to summarize"
  cat notes.md | agentgraph run -a summarize --context '{"lang":"en"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAgent(cmd, g, f)
		},
	}
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "name of the agent to run")
	cmd.Flags().StringVarP(&f.prompt, "prompt", "p", "", "initial prompt (default: standard input)")
	cmd.Flags().StringVar(&f.context, "context", "", "initial context as a JSON value")
	cmd.Flags().StringVar(&f.contextFile, "context-file", "", "file holding the initial context as JSON")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "cancel the run after this long (0 for no limit)")
	cmd.Flags().StringVar(&f.store, "store", os.Getenv("AGENTGRAPH_STORE"), "run history store: memory, sqlite:PATH or redis:ADDR")
	cmd.Flags().DurationVar(&f.historyTTL, "history-ttl", 0, "expire recorded runs after this long (0 keeps them)")
	cmd.Flags().IntVar(&f.maxParallel, "max-parallel", 0, "default limit on parallel repeat branches")
	cmd.Flags().IntVar(&f.retries, "retries", 0, "attempts per provider or tool call (0 for the default)")
	cmd.Flags().BoolVar(&f.progress, "progress", false, "print finished steps on standard error")
	_ = cmd.MarkFlagRequired("agent")
	cmd.MarkFlagsMutuallyExclusive("context", "context-file")
	return cmd
}

func runAgent(cmd *cobra.Command, g *globalFlags, f *runFlags) error {
	doc, err := g.load()
	if err != nil {
		return err
	}
	prompt, err := readPrompt(cmd, f.prompt)
	if err != nil {
		return err
	}
	initial, err := readContext(f.context, f.contextFile)
	if err != nil {
		return err
	}

	cfg := core.NewConfig().WithLogger(g.logger(cmd))
	if f.maxParallel > 0 {
		cfg.WithMaxParallel(f.maxParallel)
	}
	if f.retries > 0 {
		cfg.WithRetries(f.retries, cfg.Retry.InitialBackoff)
	}
	opts := []graph.Option{graph.WithConfig(cfg)}
	if f.store != "" {
		store, err := runstore.Open(f.store)
		if err != nil {
			return err
		}
		defer store.Close()
		opts = append(opts, graph.WithStore(store, f.historyTTL))
	}
	orch := graph.FromDocument(doc, opts...)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	_, msgs := orch.StartNamed(ctx, f.agent, graph.RunInput{Prompt: prompt, Context: initial})
	var final graph.Message
	for m := range msgs {
		switch m.Type {
		case graph.StepCompleted:
			if f.progress {
				printStep(cmd.ErrOrStderr(), m)
			}
		case graph.RunCompleted:
			final = m
		}
	}

	if final.Result == nil {
		return final.Err
	}
	out := runOutput{
		RunID:   final.Result.RunID,
		Status:  string(final.Result.Status),
		Output:  final.Result.Output,
		Context: final.Result.Context,
		Cursor:  final.Result.Cursor,
	}
	if final.Err != nil {
		out.Error = final.Err.Error()
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return err
	}
	return final.Err
}

func printStep(w io.Writer, m graph.Message) {
	ev := m.Step
	where := ev.Cursor
	if where == "" {
		where = "/"
	}
	name := ev.Name
	if name == "" {
		name = ev.Kind
	}
	if ev.Err != nil {
		fmt.Fprintf(w, "✗ %s %s (%s): %v\n", where, name, ev.Duration.Round(time.Millisecond), ev.Err)
		return
	}
	fmt.Fprintf(w, "✓ %s %s (%s)\n", where, name, ev.Duration.Round(time.Millisecond))
}

// readPrompt returns the prompt flag, or standard input when the flag is
// empty and input is piped.
func readPrompt(cmd *cobra.Command, flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	in := cmd.InOrStdin()
	if file, ok := in.(*os.File); ok {
		info, err := file.Stat()
		if err != nil || info.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("reading prompt: %w", err)
	}
	return strings.TrimRight(string(data), "\n"), nil
}

func readContext(raw, path string) (datactx.Context, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return datactx.Context{}, err
		}
		raw = string(data)
	}
	if strings.TrimSpace(raw) == "" {
		return datactx.New(), nil
	}
	var c datactx.Context
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return datactx.Context{}, fmt.Errorf("invalid context JSON: %w", err)
	}
	return c, nil
}
