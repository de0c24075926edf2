package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/jchau/turnover-data/internal/config"
	"github.com/jchau/turnover-data/internal/coordinator"
	"github.com/jchau/turnover-data/internal/model"
	"github.com/jchau/turnover-data/internal/store"
)

// Runner executes reconciliation passes. Satisfied by *coordinator.Coordinator.
type Runner interface {
	Run(ctx context.Context, key model.QuoteKey) (coordinator.PassResult, error)
	RunLive(ctx context.Context, key model.QuoteKey) (coordinator.PassResult, error)
}

// JobLog is the audit trail for job runs. Satisfied by *store.JobRuns.
type JobLog interface {
	Start(ctx context.Context, jobName string) (uuid.UUID, error)
	Finish(ctx context.Context, id uuid.UUID, status string, summary any, runErr error) error
}

// Scheduler fires configured jobs on their cron expressions.
type Scheduler struct {
	jobs   []config.JobConfig
	runner Runner
	log    JobLog
	logger *slog.Logger
	tz     *time.Location
	cron   *cron.Cron

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler in the instance time zone.
func New(cfg *config.Config, runner Runner, log JobLog, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tz, err := time.LoadLocation(cfg.Instance.TZ)
	if err != nil {
		return nil, fmt.Errorf("scheduler time zone %q: %w", cfg.Instance.TZ, err)
	}
	return &Scheduler{
		jobs:   cfg.Jobs,
		runner: runner,
		log:    log,
		logger: logger,
		tz:     tz,
	}, nil
}

// Start registers all jobs and begins firing them. Ticks inherit the
// Start context, so Stop cancels in-flight runs.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.cron = cron.New(cron.WithLocation(s.tz))

	for _, job := range s.jobs {
		if _, err := s.cron.AddFunc(job.Cron, func() {
			s.runJob(s.ctx, job)
		}); err != nil {
			s.cancel()
			return fmt.Errorf("schedule job %s (%q): %w", job.Name, job.Cron, err)
		}
		s.logger.Info("job scheduled", "job", job.Name, "cron", job.Cron,
			"session", job.Session, "indices", len(job.Indices))
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs), "tz", s.tz.String())
	return nil
}

// Stop halts the cron loop and waits for in-flight ticks, bounded by ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	s.cancel()

	select {
	case <-done:
		s.logger.Info("scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler stop: %w", ctx.Err())
	}
}

// RunNow fires one configured job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, jobName string) error {
	for _, job := range s.jobs {
		if job.Name == jobName {
			s.runJob(ctx, job)
			return nil
		}
	}
	return fmt.Errorf("no job named %q", jobName)
}

func (s *Scheduler) runJob(ctx context.Context, job config.JobConfig) {
	day := model.TradeDateOf(time.Now().In(s.tz))

	runID, err := s.log.Start(ctx, job.Name)
	if err != nil {
		// The pass still runs; only the audit row is lost.
		s.logger.Error("job run not recorded", "job", job.Name, "error", err)
	}

	var (
		results []coordinator.PassResult
		failed  int
	)
	for _, index := range job.Indices {
		key := model.QuoteKey{
			IndexCode: model.NormalizeIndexCode(index),
			TradeDate: day,
			Session:   job.Session,
		}
		run := s.runner.Run
		if job.Live {
			run = s.runner.RunLive
		}
		res, err := run(ctx, key)
		if err != nil {
			failed++
			s.logger.Error("pass failed", "job", job.Name, "index", index,
				"session", job.Session, "error", err)
			results = append(results, coordinator.PassResult{
				Key: key, Outcome: "error",
				Failures: []coordinator.SourceFailure{{Error: err.Error()}},
			})
			continue
		}
		results = append(results, res)
	}

	status := store.JobStatusSuccess
	var runErr error
	switch {
	case failed == len(job.Indices) && failed > 0:
		status = store.JobStatusFailed
		runErr = errors.New("all passes failed")
	case failed > 0:
		status = store.JobStatusPartial
		runErr = fmt.Errorf("%d of %d passes failed", failed, len(job.Indices))
	}

	if runID != uuid.Nil {
		if err := s.log.Finish(ctx, runID, status, results, runErr); err != nil {
			s.logger.Error("job run not finalized", "job", job.Name, "error", err)
		}
	}

	s.logger.Info("job finished", "job", job.Name, "day", day,
		"session", job.Session, "status", status,
		"passes", len(job.Indices), "failed", failed)
}
