package engine

import (
	"context"

	"github.com/roach88/govledger/internal/dispatch"
	"github.com/roach88/govledger/internal/ir"
)

// Agent executes one SubUnit. The engine does not interpret the task; it
// only records the report the agent returns. An agent must stop when ctx
// ends; the engine treats the report timeout as a failure either way.
type Agent interface {
	Execute(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error)

// Execute calls f.
func (f AgentFunc) Execute(ctx context.Context, task dispatch.Task) (ir.ExecutionReport, error) {
	return f(ctx, task)
}

// Reviewer answers review challenges.
type Reviewer interface {
	// ID is recorded as the actor of the review decision.
	ID() string
	// Respond returns the answer to c. It is expected to take the time
	// a genuine reading of the reviewed content takes.
	Respond(ctx context.Context, c ir.Challenge) (string, error)
}
