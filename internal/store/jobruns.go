package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Job run terminal statuses.
const (
	JobStatusSuccess = "success"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// JobRuns is the audit trail of scheduled and manual job executions.
type JobRuns struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewJobRuns creates the job-run store.
func NewJobRuns(db *pgxpool.Pool, logger *slog.Logger) *JobRuns {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobRuns{db: db, logger: logger}
}

// Start records the beginning of a job run and returns its id.
func (s *JobRuns) Start(ctx context.Context, jobName string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.Exec(ctx, `
		INSERT INTO job_runs (id, job_name, status) VALUES ($1, $2, 'running')
	`, id, jobName)
	if err != nil {
		return uuid.Nil, fmt.Errorf("start job run: %w", err)
	}
	return id, nil
}

// Finish records the terminal status and summary of a job run.
func (s *JobRuns) Finish(ctx context.Context, id uuid.UUID, status string, summary any, runErr error) error {
	var summaryJSON []byte
	if summary != nil {
		b, err := json.Marshal(summary)
		if err != nil {
			s.logger.Warn("job summary not serializable", "job_run", id, "error", err)
		} else {
			summaryJSON = b
		}
	}

	var errText *string
	if runErr != nil {
		msg := runErr.Error()
		errText = &msg
	}

	_, err := s.db.Exec(ctx, `
		UPDATE job_runs
		SET status = $2, summary = $3, error = $4, finished_at = now()
		WHERE id = $1
	`, id, status, summaryJSON, errText)
	if err != nil {
		return fmt.Errorf("finish job run: %w", err)
	}
	return nil
}
