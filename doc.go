// Package jobflow is a job queue with flows, built for Go services.
//
// Jobs are scripts (bash, python3, deno, bun) pushed onto a durable queue and
// executed by workers in sandboxed subprocesses. Flows chain jobs into a
// graph of modules: sequences, for and while loops, branches, nested flows,
// approvals and a failure handler. Every step of a flow is an ordinary job,
// so flows survive worker crashes the same way single scripts do.
//
// # Core Concepts
//
// The programming model is small:
//
//  1. Queue
//  2. Worker
//  3. FlowBuilder
//  4. LocalRunner
//
// # Queue
//
// The Queue stores queued and completed jobs and provides APIs to:
//   - push scripts and flows
//   - pull the next runnable job for a set of worker tags
//   - complete jobs, advancing their parent flow in the same transaction
//   - cancel jobs together with everything below them
//   - resume flows waiting for approval
//   - read a job's status, result and logs
//
// Queues can be backed by different storage systems:
//   - in-memory (NewMemoryQueue)
//   - SQLite (NewSQLiteQueue)
//   - PostgreSQL (NewPostgresQueue)
//   - MySQL 8 (NewMySQLQueue)
//
// Jobs sharing a concurrency key are limited to a number of concurrent runs.
// A periodic sweep requeues jobs whose worker stopped sending heartbeats and
// fails them after three restarts.
//
// # Worker
//
// A Worker pulls jobs for its tags and runs them. Script jobs run in a fresh
// subprocess per job, or on a long-lived dedicated process when the module
// asks for one. While a job runs, the worker sends heartbeats, streams its
// logs and kills it when it is canceled.
//
// # FlowBuilder
//
// FlowBuilder provides a fluent API for flow definitions:
//
//	flow := jobflow.NewFlow().
//	    Script("extract", jobflow.LangPython3, extractSrc).
//	    ParallelForEach("load", jobflow.Expr("results.extract"), 4, jobflow.NewFlow().
//	        Script("row", jobflow.LangBash, loadSrc,
//	            jobflow.WithInput("row", jobflow.Expr("flow_input.iter.value")),
//	            jobflow.WithRetry(jobflow.Retry().Constant(3, 10)))).
//	    Identity("review", jobflow.WithSuspend(1, 86400))
//
// Module inputs are static JSON values or expressions evaluated against the
// flow input, earlier results and the current loop iteration.
//
// # LocalRunner
//
// LocalRunner bundles an in-memory queue and a worker for development and
// tests:
//
//	runner := jobflow.NewLocalRunner()
//	_ = runner.StartWorkers(ctx, 4)
//	defer runner.Stop()
//
//	id, _ := jobflow.PushFlow(ctx, runner.Queue, flow, nil)
//	view, _ := runner.Wait(ctx, id)
//
// For production deployments, the jobflow command wires every backend from
// JOBFLOW_* environment variables.
package jobflow
