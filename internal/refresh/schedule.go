package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"klikocal/internal/kliko"
	appLog "klikocal/internal/log"
)

// Scheduler triggers Refresh on a cron schedule and, while the refresher is
// not ready, retries with backoff.
type Scheduler struct {
	r    *Refresher
	cron *cron.Cron
	ctx  context.Context

	// RetryMin and RetryMax bound the not-ready retry backoff.
	RetryMin time.Duration
	RetryMax time.Duration
}

// NewScheduler parses spec (standard 5-field cron) in loc.
func NewScheduler(r *Refresher, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(cronLogger{}),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)
	s := &Scheduler{r: r, cron: c, RetryMin: time.Minute, RetryMax: 30 * time.Minute}

	if _, err := c.AddFunc(spec, s.scheduled); err != nil {
		return nil, fmt.Errorf("refresh schedule %q: %w", spec, err)
	}
	return s, nil
}

// Run performs the eager startup refresh, starts the cron schedule and
// blocks until ctx is done. A failed startup refresh is logged as "not
// ready yet" and retried with backoff unless it was an auth failure, which
// waits for the next scheduled cycle.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx

	err := s.r.Start(ctx)
	switch {
	case err == nil:
	case errors.Is(err, kliko.ErrAuth):
		appLog.Error("account not ready: check card number and password", err)
	default:
		appLog.Warn("account not ready yet, retrying", "err", err)
		go s.retryUntilReady(ctx)
	}

	s.cron.Start()
	for _, e := range s.cron.Entries() {
		appLog.Info("refresh scheduled", "next", e.Next.Format(time.RFC3339))
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
}

func (s *Scheduler) scheduled() {
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	_ = s.r.Refresh(s.ctx)
}

func (s *Scheduler) retryUntilReady(ctx context.Context) {
	delay := s.RetryMin
	for !s.r.Ready() {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		if s.r.Ready() {
			return
		}
		err := s.r.Refresh(ctx)
		if err == nil {
			appLog.Info("account ready")
			return
		}
		if errors.Is(err, kliko.ErrAuth) {
			return
		}

		delay *= 2
		if delay > s.RetryMax {
			delay = s.RetryMax
		}
	}
}

// cronLogger routes robfig/cron logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
