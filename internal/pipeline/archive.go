// Package pipeline runs the background jobs that move old records out of
// the primary store.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/polyarb/internal/domain"
)

// Pruner deletes rows older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ArchiveJob uploads opportunities and executions older than the retention
// window to cold storage, then deletes them from the primary store. Rows of a
// kind are only deleted after that kind's upload succeeded.
type ArchiveJob struct {
	archiver      domain.Archiver
	opportunities Pruner
	executions    Pruner
	retentionDays int
	logger        *slog.Logger
	now           func() time.Time
}

// NewArchiveJob creates a new ArchiveJob.
func NewArchiveJob(archiver domain.Archiver, opportunities, executions Pruner, retentionDays int, logger *slog.Logger) *ArchiveJob {
	if retentionDays < 1 {
		retentionDays = 1
	}
	return &ArchiveJob{
		archiver:      archiver,
		opportunities: opportunities,
		executions:    executions,
		retentionDays: retentionDays,
		logger:        logger.With(slog.String("component", "archive")),
		now:           time.Now,
	}
}

// Cutoff is the instant before which records are archived.
func (j *ArchiveJob) Cutoff() time.Time {
	return j.now().UTC().Add(-time.Duration(j.retentionDays) * 24 * time.Hour)
}

// Run executes a single archive pass.
func (j *ArchiveJob) Run(ctx context.Context) error {
	cutoff := j.Cutoff()
	j.logger.Info("starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", j.retentionDays),
	)

	opps, err := j.archiver.ArchiveOpportunities(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving opportunities before %v: %w", cutoff, err)
	}
	prunedOpps, err := j.prune(ctx, j.opportunities, opps, cutoff)
	if err != nil {
		return fmt.Errorf("pruning opportunities: %w", err)
	}

	execs, err := j.archiver.ArchiveExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archiving executions before %v: %w", cutoff, err)
	}
	prunedExecs, err := j.prune(ctx, j.executions, execs, cutoff)
	if err != nil {
		return fmt.Errorf("pruning executions: %w", err)
	}

	j.logger.Info("archive run complete",
		slog.Int64("opportunities_archived", opps),
		slog.Int64("opportunities_deleted", prunedOpps),
		slog.Int64("executions_archived", execs),
		slog.Int64("executions_deleted", prunedExecs),
	)
	return nil
}

func (j *ArchiveJob) prune(ctx context.Context, p Pruner, archived int64, cutoff time.Time) (int64, error) {
	if p == nil || archived == 0 {
		return 0, nil
	}
	return p.DeleteBefore(ctx, cutoff)
}

// RunLoop runs the job every interval until ctx is cancelled. Failed runs are
// logged and retried on the next tick.
func (j *ArchiveJob) RunLoop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}

// RunCron runs the job on a five-field cron schedule until ctx is cancelled.
//
// Example: "0 3 * * *" runs at 03:00 UTC every day.
func (j *ArchiveJob) RunCron(ctx context.Context, cronExpr string) error {
	if _, err := parseCron(cronExpr); err != nil {
		return fmt.Errorf("parsing cron expression %q: %w", cronExpr, err)
	}
	j.logger.Info("archive cron started", slog.String("cron", cronExpr))

	for {
		next, err := nextCronTime(cronExpr, j.now().UTC())
		if err != nil {
			return err
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("archive run failed", slog.String("error", err.Error()))
			}
		}
	}
}
