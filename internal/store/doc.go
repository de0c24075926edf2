// Package store persists the four durable collections behind the
// reconciliation engine: append-only raw fetch records, deduplicated
// intraday bars, the canonical quote history and live snapshots, plus a
// job-run audit trail.
//
// The history upsert is the service's single cross-process synchronization
// point: a conditional INSERT ... ON CONFLICT ... DO UPDATE whose WHERE
// clause compares stored and candidate grade ranks, so two racing passes
// resolve atomically inside PostgreSQL and the loser observes Skipped.
package store
