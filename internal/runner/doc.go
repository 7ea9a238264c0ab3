// Package runner is the top-level audit controller.
//
// A fixed-interval poll loop discovers schedules whose cron expression
// matches the current minute, launches at most MaxConcurrentRuns concurrent
// executions, fans each execution out over its target URLs in fixed-size
// batches through the cache / rate gate / measurement client stack, and
// records outcomes and schedule statistics in the store.
//
// Stopping the runner only stops the poll loop; in-flight executions run to
// completion. A crashed process may leave executions in "running"; a startup
// sweep marks those as failed before polling begins.
package runner
