/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs the ledger audit on a fixed interval and logs any user whose
  balance disagrees with the sum of their transactions. The audit only
  reads; drift is reported, never corrected automatically.

CONFIGURATION:
  Interval: LEDGER_AUDIT_INTERVAL (default 1h). Zero disables the job.

USAGE:
  scheduler, err := NewAuditScheduler(auditor, time.Hour, log)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunAudit endpoint (on-demand audit)
  - ledger/audit.go: Auditor
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sirupsen/logrus"
	"github.com/warp/earning-engine/ledger"
)

// AuditScheduler runs ledger audits in the background.
type AuditScheduler struct {
	Auditor  *ledger.Auditor
	Interval time.Duration

	sched gocron.Scheduler
	log   logrus.FieldLogger

	mu   sync.Mutex
	last *ledger.AuditReport
}

// NewAuditScheduler registers the audit job. It does not start it.
func NewAuditScheduler(auditor *ledger.Auditor, interval time.Duration, log logrus.FieldLogger) (*AuditScheduler, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	as := &AuditScheduler{
		Auditor:  auditor,
		Interval: interval,
		log:      log.WithField("component", "ledger-audit"),
	}
	if interval <= 0 {
		return as, nil
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { as.RunOnce(context.Background()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return nil, fmt.Errorf("register audit job: %w", err)
	}
	as.sched = sched
	return as, nil
}

// Start begins running the job on its interval.
func (as *AuditScheduler) Start() {
	if as.sched == nil {
		as.log.Info("disabled, not starting")
		return
	}
	as.sched.Start()
	as.log.WithField("interval", as.Interval.String()).Info("started")
}

// Stop waits for a running audit to finish and stops the scheduler.
func (as *AuditScheduler) Stop() error {
	if as.sched == nil {
		return nil
	}
	if err := as.sched.Shutdown(); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	as.log.Info("stopped")
	return nil
}

// RunOnce performs one audit and logs the result.
func (as *AuditScheduler) RunOnce(ctx context.Context) {
	report, err := as.Auditor.Run(ctx)
	if err != nil {
		as.log.WithError(err).Error("audit failed")
		return
	}

	as.mu.Lock()
	as.last = report
	as.mu.Unlock()

	if report.Clean() {
		as.log.WithField("users", report.Users).Info("ledger consistent")
		return
	}
	for _, d := range report.Drifts {
		as.log.WithFields(logrus.Fields{
			"user_id":  d.UserID,
			"balance":  d.Balance.String(),
			"expected": d.Expected.String(),
		}).Error("balance drift")
	}
}

// LastReport returns the most recent audit, or nil before the first run.
func (as *AuditScheduler) LastReport() *ledger.AuditReport {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.last
}
