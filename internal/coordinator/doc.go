// Package coordinator drives one reconciliation pass per quote key: fan
// out to all configured sources, append every attempt to the raw log,
// reconcile, fall back to intraday aggregation when direct results are
// weak, and conditionally write the canonical history row. Concurrent
// passes for the same key coalesce into a single execution.
package coordinator
