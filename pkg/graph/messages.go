package graph

import (
	"context"

	"github.com/scottdavis/agentgraph/pkg/agents"
	"github.com/scottdavis/agentgraph/pkg/agents/workflows"
)

// MessageType identifies a Message.
type MessageType string

const (
	// RunStarted is posted once, before the first step runs.
	RunStarted MessageType = "run_started"
	// StepCompleted is posted whenever a step finishes, successfully or not.
	StepCompleted MessageType = "step_completed"
	// RunCompleted is the last message of a run.
	RunCompleted MessageType = "run_completed"
)

// Message reports the progress of a background run.
type Message struct {
	Type  MessageType
	RunID string
	// Step is set on StepCompleted messages.
	Step *workflows.StepEvent
	// Result and Err are set on RunCompleted messages. Result is nil when
	// the run could not be built.
	Result *RunResult
	Err    error
}

// messageBuffer is how many step messages may queue before a slow consumer
// starts losing them.
const messageBuffer = 64

// Start runs def in the background. The returned channel carries a
// RunStarted message, StepCompleted messages and a final RunCompleted
// message, after which it is closed. Step messages are dropped rather than
// blocking the run when the consumer falls behind; the RunCompleted message
// is always delivered, so the caller must receive until the channel closes.
func (o *Orchestrator) Start(ctx context.Context, def *agents.Definition, in RunInput) (string, <-chan Message) {
	name := ""
	if def != nil {
		name = def.Name
	}
	return o.start(ctx, def, workflows.NewRunState(name, in.Prompt, in.Context))
}

// StartNamed is Start for the agent registered under name.
func (o *Orchestrator) StartNamed(ctx context.Context, name string, in RunInput) (string, <-chan Message) {
	state := workflows.NewRunState(name, in.Prompt, in.Context)
	def, err := o.agents.Get(name)
	if err != nil {
		ch := make(chan Message, 1)
		ch <- Message{Type: RunCompleted, RunID: state.ID, Err: err}
		close(ch)
		return state.ID, ch
	}
	return o.start(ctx, def, state)
}

func (o *Orchestrator) start(ctx context.Context, def *agents.Definition, state *workflows.RunState) (string, <-chan Message) {
	ch := make(chan Message, messageBuffer)
	ch <- Message{Type: RunStarted, RunID: state.ID}

	notify := func(m Message) {
		select {
		case ch <- m:
		default:
		}
	}

	go func() {
		defer close(ch)
		res, err := o.run(ctx, def, state, notify)
		ch <- Message{Type: RunCompleted, RunID: state.ID, Result: res, Err: err}
	}()
	return state.ID, ch
}
