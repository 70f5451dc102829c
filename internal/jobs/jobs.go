// Package jobs runs the periodic maintenance work of the gateway.
package jobs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// SessionCleanupSchedule purges expired operator sessions.
const SessionCleanupSchedule = "@every 10m"

// sweepTimeout bounds a single service sweep.
var sweepTimeout = 5 * time.Minute

// Expirer ends the service of instances whose paid window has closed.
type Expirer interface {
	ExpireServices(ctx context.Context, now time.Time) (int, error)
}

// SessionCleaner drops expired login sessions.
type SessionCleaner interface {
	Cleanup() int
}

type Scheduler struct {
	ctx  context.Context
	cron *cron.Cron
	now  func() time.Time
}

// New creates a scheduler whose jobs run under ctx. Jobs that panic are
// recovered and a job still running when its next tick fires is skipped.
func New(ctx context.Context) *Scheduler {
	logger := cron.PrintfLogger(log.Default())
	return &Scheduler{
		ctx: ctx,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		now: time.Now,
	}
}

// AddServiceSweep registers e on spec, a standard cron expression or an
// @every descriptor.
func (s *Scheduler) AddServiceSweep(spec string, e Expirer) error {
	if _, err := s.cron.AddFunc(spec, func() { SweepServices(s.ctx, e, s.now()) }); err != nil {
		return fmt.Errorf("schedule service sweep %q: %w", spec, err)
	}
	log.Printf("[jobs] service sweep scheduled (%s)", spec)
	return nil
}

func (s *Scheduler) AddSessionCleanup(c SessionCleaner) error {
	if _, err := s.cron.AddFunc(SessionCleanupSchedule, func() { CleanupSessions(c) }); err != nil {
		return fmt.Errorf("schedule session cleanup: %w", err)
	}
	return nil
}

// Len reports the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling and waits up to timeout for running jobs.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		log.Printf("[jobs] running jobs did not finish within %s", timeout)
	}
}

// SweepServices runs one expiry pass.
func SweepServices(ctx context.Context, e Expirer, now time.Time) int {
	ctx, cancel := context.WithTimeout(ctx, sweepTimeout)
	defer cancel()

	n, err := e.ExpireServices(ctx, now)
	if err != nil {
		log.Printf("[jobs] service sweep: %v", err)
		return n
	}
	if n > 0 {
		log.Printf("[jobs] service sweep expired %d instance(s)", n)
	}
	return n
}

func CleanupSessions(c SessionCleaner) int {
	n := c.Cleanup()
	if n > 0 {
		log.Printf("[jobs] removed %d expired session(s)", n)
	}
	return n
}
