// Package negotiation runs the multi-round protocol by which a committed
// team agrees on sub-task and resource ownership.
//
// Each round is a synchronous barrier: every member submits a proposal (or
// times out), the engine resolves conflicts with a deterministic rule chain
// (capability priority, then load, then agent id), and losers are re-offered
// the next-best unclaimed item within the same round. Agents left without an
// assignment are carried to the next round with a relaxed proficiency
// threshold while items remain open. The protocol always terminates:
// RESOLVED when every item has exactly one owner, FAILED at the round limit
// or on an unsatisfiable budget, ABORTED on external cancellation.
package negotiation
