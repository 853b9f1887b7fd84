package sweeper

import (
	"context"
	"log"
	"time"

	"ordersync/backend/internal/domain"
	"ordersync/backend/internal/store"
)

type IdempotencySweeper interface {
	Sweep(ctx context.Context) (expired int64, purged int64, err error)
}

type SessionSweeper interface {
	Sweep(ctx context.Context, staleBefore time.Time) (int, error)
}

// Sweeper runs the periodic maintenance: expiring abandoned idempotency
// claims, pruning the webhook log and finishing sessions stuck in closing.
type Sweeper struct {
	idempotency    IdempotencySweeper
	audit          store.AuditLog
	sessions       SessionSweeper
	auditRetention time.Duration
	closingGrace   time.Duration
	now            func() time.Time
}

// New builds a sweeper. auditRetention of zero keeps webhook logs forever.
func New(idempotency IdempotencySweeper, audit store.AuditLog, sessions SessionSweeper, auditRetention time.Duration, closingGrace time.Duration) *Sweeper {
	return &Sweeper{
		idempotency:    idempotency,
		audit:          audit,
		sessions:       sessions,
		auditRetention: auditRetention,
		closingGrace:   closingGrace,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Once runs every step a single time. A failing step does not stop the
// others; the first error is returned with the partial report.
func (s *Sweeper) Once(ctx context.Context) (domain.SweepReport, error) {
	var report domain.SweepReport
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	expired, purged, err := s.idempotency.Sweep(ctx)
	if err != nil {
		log.Printf("[sweeper] idempotency sweep: %v", err)
	}
	keep(err)
	report.ExpiredIdempotency = expired
	report.PurgedIdempotency = purged

	if s.auditRetention > 0 {
		pruned, err := s.audit.PruneWebhookLogs(ctx, s.now().Add(-s.auditRetention))
		if err != nil {
			log.Printf("[sweeper] prune webhook logs: %v", err)
		}
		keep(err)
		report.PurgedWebhookLogs = pruned
	}

	closed, err := s.sessions.Sweep(ctx, s.now().Add(-s.closingGrace))
	if err != nil {
		log.Printf("[sweeper] session sweep: %v", err)
	}
	keep(err)
	report.ClosedSessions = closed

	return report, firstErr
}

// Run sweeps every interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := s.Once(ctx)
			if err != nil {
				continue
			}
			if report != (domain.SweepReport{}) {
				log.Printf("[sweeper] expired %d and purged %d idempotency records, pruned %d webhook logs, closed %d sessions",
					report.ExpiredIdempotency, report.PurgedIdempotency, report.PurgedWebhookLogs, report.ClosedSessions)
			}
		}
	}
}
