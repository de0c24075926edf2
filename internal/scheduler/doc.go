// Package scheduler runs configured reconciliation jobs on cron
// expressions in the instance time zone. Each tick fans a job out over
// its indices, records an audit row for the run, and isolates per-key
// failures so one bad index never stops the rest of the job.
package scheduler
