package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"ledger-service/internal/services"
)

const repairPageSize = 200

// QuotePager pages through quotes that have ledger entries
type QuotePager interface {
	ListQuoteIDsWithEntries(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
}

// ProjectionRecomputer recomputes the payment projection of a quote
type ProjectionRecomputer interface {
	Recompute(ctx context.Context, quoteID uuid.UUID) (*services.Projection, error)
}

// ProjectionRepairJob periodically recomputes every quote's payment status
// from its ledger, repairing projections left stale by a crash between the
// ledger write and the projection update.
type ProjectionRepairJob struct {
	quotes   QuotePager
	ledger   ProjectionRecomputer
	logger   *logrus.Entry
	interval time.Duration
	stopCh   chan struct{}
}

// NewProjectionRepairJob creates a new projection repair job
func NewProjectionRepairJob(quotes QuotePager, ledger ProjectionRecomputer, interval time.Duration, logger *logrus.Logger) *ProjectionRepairJob {
	if interval <= 0 {
		interval = time.Hour
	}
	return &ProjectionRepairJob{
		quotes:   quotes,
		ledger:   ledger,
		logger:   logger.WithField("component", "projection_repair_job"),
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the repair job
func (j *ProjectionRepairJob) Start(ctx context.Context) {
	j.logger.Info("Projection repair job started")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.RunOnce(ctx)
		case <-j.stopCh:
			j.logger.Info("Projection repair job stopped")
			return
		case <-ctx.Done():
			j.logger.Info("Projection repair job context cancelled")
			return
		}
	}
}

// Stop signals the job to stop
func (j *ProjectionRepairJob) Stop() {
	close(j.stopCh)
}

// RunOnce walks every quote once and returns how many projections changed
func (j *ProjectionRepairJob) RunOnce(ctx context.Context) int {
	repaired := 0
	after := uuid.Nil
	for {
		ids, err := j.quotes.ListQuoteIDsWithEntries(ctx, after, repairPageSize)
		if err != nil {
			j.logger.WithError(err).Error("Failed to list quotes for repair")
			return repaired
		}
		for _, id := range ids {
			if ctx.Err() != nil {
				return repaired
			}
			projection, err := j.ledger.Recompute(ctx, id)
			if err != nil {
				j.logger.WithError(err).WithField("quote_id", id).Warn("Failed to recompute payment status")
				continue
			}
			if projection.Changed() {
				repaired++
				j.logger.WithFields(logrus.Fields{
					"quote_id": id,
					"from":     projection.PreviousStatus,
					"to":       projection.Status,
				}).Warn("Repaired stale payment status")
			}
		}
		if len(ids) < repairPageSize {
			break
		}
		after = ids[len(ids)-1]
	}

	if repaired > 0 {
		j.logger.Infof("Repaired %d payment projections", repaired)
	}
	return repaired
}
