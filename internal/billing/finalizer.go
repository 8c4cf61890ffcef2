package billing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/tenantmeter/internal/ledger"
	"github.com/gyaneshwarpardhi/tenantmeter/internal/metrics"
)

// Finalizer periodically advances usage records through their
// open -> closing -> closed lifecycle and compacts old applied sets.
type Finalizer struct {
	ledger   *ledger.Ledger
	schedule cron.Schedule
	cron     *cron.Cron
	now      func() time.Time
	rec      *metrics.Recorder
	logger   *slog.Logger
}

// NewFinalizer parses schedule (standard cron or @every descriptors).
func NewFinalizer(l *ledger.Ledger, schedule string, rec *metrics.Recorder, logger *slog.Logger) (*Finalizer, error) {
	sched, err := cron.ParseStandard(schedule)
	if err != nil {
		return nil, fmt.Errorf("finalize schedule %q: %w", schedule, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	cl := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	return &Finalizer{
		ledger:   l,
		schedule: sched,
		cron:     cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		now:      time.Now,
		rec:      rec,
		logger:   logger,
	}, nil
}

// RunOnce performs one sweep at the current time.
func (f *Finalizer) RunOnce(ctx context.Context) (ledger.AdvanceResult, error) {
	start := time.Now()
	res, err := f.ledger.Advance(ctx, f.now().UTC())
	if err != nil {
		f.logger.Warn("billing finalization sweep failed", "err", err)
		f.rec.Record(metrics.KindPeriodFinalized, "", metrics.OutcomeOf(err), time.Since(start))
		return res, err
	}
	if res.Closing+res.Closed+res.Compacted > 0 {
		f.logger.Info("billing periods advanced",
			"closing", res.Closing, "closed", res.Closed, "compacted", res.Compacted)
	}
	f.rec.Record(metrics.KindPeriodFinalized, "", metrics.OutcomeOK, time.Since(start))
	return res, nil
}

// Run sweeps once immediately, then on schedule until ctx is done. It
// waits for an in-progress sweep before returning.
func (f *Finalizer) Run(ctx context.Context) error {
	_, _ = f.RunOnce(ctx)
	f.cron.Schedule(f.schedule, cron.FuncJob(func() { _, _ = f.RunOnce(ctx) }))
	f.cron.Start()
	<-ctx.Done()
	<-f.cron.Stop().Done()
	return nil
}
