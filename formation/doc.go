// Package formation turns task requirements into committed teams.
//
// The service owns a team until it is committed: it reserves matched agents
// through the registry's compare-and-swap so an agent can never be booked
// into two teams, retries matching once when a reserved agent churns away,
// and runs the member replacement protocol (with context handoff) when an
// agent leaves a committed team mid-task.
package formation
