// Package collabcore is the entry point of the multi-agent collaboration
// core: agent registration, capability-based team formation, multi-round
// task negotiation, a versioned shared context store, and episode
// recording for collaborative learning.
//
// Usage:
//
//	core, err := collabcore.New(config.DefaultConfig())
//	core.RegisterAgent(ctx, profile, runtime)
//	taskID, err := core.SubmitTask(ctx, requirement)
//	status, err := core.WaitTask(ctx, taskID)
//
// Each submitted task runs the full pipeline asynchronously: FORMING,
// NEGOTIATING, EXECUTING, then COMPLETED or FAILED. DEGRADED marks a task
// that lost a member without replacement but is still running.
package collabcore

import (
	"context"

	"github.com/BaSui01/collabcore/contextstore"
	"github.com/BaSui01/collabcore/negotiation"
	"github.com/BaSui01/collabcore/types"
)

// AgentRuntime is the behavior an agent brings to the core. The registry
// holds the agent's declared profile; the runtime is what actually bids in
// negotiations and executes assignments.
type AgentRuntime interface {
	negotiation.Proposer

	// Execute performs one negotiated assignment. The runtime reads and
	// writes shared state through the store, scoped to the task.
	Execute(ctx context.Context, taskID string, assignment negotiation.Assignment, store *contextstore.Store) error
}

// ContextReceiver is optionally implemented by runtimes that want the
// shared context pushed to them when they join a running team as a
// replacement. The snapshot is the complete visible context at handoff.
type ContextReceiver interface {
	ReceiveContext(ctx context.Context, taskID string, snapshot map[string]*types.ContextItem) error
}
