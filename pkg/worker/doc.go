// Package worker pulls jobs from the queue and executes them.
//
// A Worker runs a pull loop bounded by Config.Concurrency. Script jobs go to a
// sandbox.Runner, or to a dedicated process pool when the job asks for one;
// flow jobs are handed back to the queue's flow machine, and identity and noop
// jobs complete inline.
//
// While a script runs the worker heartbeats the job and flushes its output
// every LogFlushInterval. A heartbeat that reports the job canceled kills the
// script and completes the job as canceled. A job that is no longer owned by
// the worker, because the zombie sweep requeued it, is killed and its result
// dropped.
//
// When idle the worker backs off from PollInterval to MaxPollInterval. A
// notify.Bus wake-up for one of its tags cuts the wait short; wake-ups are
// hints, polling alone is enough for correctness.
//
// On shutdown running jobs get ShutdownGrace to finish. Jobs still running
// after that are killed without being completed and are picked up by the
// zombie sweep.
package worker
