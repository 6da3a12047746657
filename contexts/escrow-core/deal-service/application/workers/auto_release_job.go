package workers

import (
	"context"
	"log/slog"
	"time"

	application "meridian/contexts/escrow-core/deal-service/application"
	"meridian/contexts/escrow-core/deal-service/ports"
)

// AutoReleaseJob polls due release jobs and applies the default approval to
// milestones that stayed unreviewed past their deadline. A job whose
// milestone was already resolved is dropped as a benign no-op; a job that
// hits a transient provider failure is rescheduled with exponential backoff
// rather than silently dropped.
type AutoReleaseJob struct {
	Service   application.Service
	Scheduler ports.ReleaseScheduler
	Clock     ports.Clock
	BatchSize int
	Disabled  bool
	Logger    *slog.Logger
}

const (
	backoffBase = time.Minute
	backoffCap  = time.Hour
)

// CycleStats summarizes one polling cycle: jobs that fired a release, jobs
// dropped as benign no-ops, and jobs rescheduled after a failure.
type CycleStats struct {
	Released int
	Skipped  int
	Retried  int
}

func (j AutoReleaseJob) RunOnce(ctx context.Context) (CycleStats, error) {
	logger := application.ResolveLogger(j.Logger)
	var stats CycleStats
	if j.Disabled {
		return stats, nil
	}
	now := time.Now().UTC()
	if j.Clock != nil {
		now = j.Clock.Now().UTC()
	}
	limit := j.BatchSize
	if limit <= 0 {
		limit = 100
	}

	jobs, err := j.Scheduler.DueJobs(ctx, now, limit)
	if err != nil {
		logger.Error("auto-release due job listing failed",
			"event", "auto_release_list_failed",
			"module", "escrow-core/deal-service",
			"layer", "worker",
			"error", err.Error(),
		)
		return stats, err
	}

	for _, job := range jobs {
		fired, err := j.Service.AutoRelease(ctx, job)
		if err != nil {
			attempts := job.Attempts + 1
			nextAt := now.Add(backoff(attempts))
			if rescheduleErr := j.Scheduler.Reschedule(ctx, job.MilestoneID, nextAt, attempts); rescheduleErr != nil {
				logger.Error("auto-release reschedule failed",
					"event", "auto_release_reschedule_failed",
					"module", "escrow-core/deal-service",
					"layer", "worker",
					"milestone_id", job.MilestoneID,
					"error", rescheduleErr.Error(),
				)
				return stats, rescheduleErr
			}
			stats.Retried++
			logger.Warn("auto-release attempt failed, rescheduled",
				"event", "auto_release_retry_scheduled",
				"module", "escrow-core/deal-service",
				"layer", "worker",
				"milestone_id", job.MilestoneID,
				"attempts", attempts,
				"next_attempt_at", nextAt.Format(time.RFC3339),
				"error", err.Error(),
			)
			continue
		}

		if err := j.Scheduler.Cancel(ctx, job.MilestoneID); err != nil {
			logger.Warn("auto-release job cleanup failed",
				"event", "auto_release_cleanup_failed",
				"module", "escrow-core/deal-service",
				"layer", "worker",
				"milestone_id", job.MilestoneID,
				"error", err.Error(),
			)
		}
		if fired {
			stats.Released++
		} else {
			stats.Skipped++
		}
	}

	if stats.Released > 0 {
		logger.Info("auto-release cycle completed",
			"event", "auto_release_cycle_completed",
			"module", "escrow-core/deal-service",
			"layer", "worker",
			"released_count", stats.Released,
		)
	}
	return stats, nil
}

func backoff(attempts int) time.Duration {
	d := backoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
