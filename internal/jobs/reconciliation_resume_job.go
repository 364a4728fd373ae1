package jobs

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

const resumeBatchSize = 20

// SessionResumer restarts reconciliation sessions whose matching was interrupted
type SessionResumer interface {
	ResumeUnfinished(ctx context.Context, limit int) (int, error)
}

// ReconciliationResumeJob picks up sessions left mid-matching by a restart
// or a cancelled request. Matching checkpoints per line, so resuming is safe.
type ReconciliationResumeJob struct {
	recon    SessionResumer
	logger   *logrus.Entry
	interval time.Duration
	stopCh   chan struct{}
}

// NewReconciliationResumeJob creates a new resume job
func NewReconciliationResumeJob(recon SessionResumer, interval time.Duration, logger *logrus.Logger) *ReconciliationResumeJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &ReconciliationResumeJob{
		recon:    recon,
		logger:   logger.WithField("component", "reconciliation_resume_job"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the resume job
func (j *ReconciliationResumeJob) Start(ctx context.Context) {
	j.logger.Info("Reconciliation resume job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopCh:
			j.logger.Info("Reconciliation resume job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Reconciliation resume job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop
func (j *ReconciliationResumeJob) Stop() {
	close(j.stopCh)
}

// RunOnce resumes one batch of unfinished sessions
func (j *ReconciliationResumeJob) RunOnce(ctx context.Context) int {
	resumed, err := j.recon.ResumeUnfinished(ctx, resumeBatchSize)
	if err != nil {
		j.logger.WithError(err).Error("Failed to resume reconciliation sessions")
	}
	if resumed > 0 {
		j.logger.Infof("Resumed %d reconciliation sessions", resumed)
	}
	return resumed
}
