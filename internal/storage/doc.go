// Package storage is the durable record of schedules, their execution
// history, and the most recent measurement result per (url, strategy).
//
// It is a single-writer SQLite database. Schedule statistics are updated
// with in-database increments so the totalRuns == successfulRuns+failedRuns
// invariant cannot drift under concurrent executions.
package storage
