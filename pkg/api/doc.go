// Package api holds the data model shared by the queue, the flow machine and
// the workers. It has no behavior of its own beyond validation and small
// helpers; storage and execution live in the internal packages.
//
// Most users interact with the higher-level jobflow package, which re-exports
// the types they need.
//
// # Jobs
//
// A job is a QueuedJob while it waits or runs and a CompletedJob once it
// finished. JobView is the read model merging both. Job kinds are script,
// flow, identity and noop.
//
// # Flows
//
// FlowDefinition is a list of FlowModule values plus an optional failure
// module. A module is a tagged union (ModuleValue) of raw scripts, identity
// steps, nested flows, for and while loops and branches. Its runtime state is
// recorded in FlowStatus, which is persisted with the flow job.
//
// # Errors
//
// JobError is the persisted error of a failed job and carries an ErrorKind.
// ExecutionError is returned by runners for failures of user code.
//
// # Observability
//
// Observer receives job lifecycle callbacks from the queue. The package
// ships LoggingObserver, BasicMetrics and CompositeObserver. AuditEvent is
// the append-only record written by audit sinks.
package api
