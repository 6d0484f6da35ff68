// Package runstate persists run state as an append-only event log with a
// derived projection.
//
// Every state transition the executor makes is appended as one JSON line
// and fsynced before execution continues, so a crash never loses a
// committed transition. The current RunState is a pure projection of the
// log; restart-resume is a replay. Each run has exactly one writer, which
// gives the single-writer invariant without a lock around the state
// itself.
package runstate
