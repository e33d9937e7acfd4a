// Package scheduler runs trading cycles on a fixed interval with at most one
// cycle in flight per account.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/eddiefleurent/spx_straddler/internal/clock"
)

// Job is one trading cycle.
type Job func(ctx context.Context) error

// ErrSkipped is returned by RunOnce when a cycle for the account is
// already running.
var ErrSkipped = errors.New("cycle already in progress")

// Scheduler triggers jobs every interval.
type Scheduler struct {
	clock    clock.Clock
	interval time.Duration
	logger   logrus.FieldLogger

	// Halt reports whether a job error should stop Run. Nil never halts.
	Halt func(error) bool

	mu    sync.Mutex
	locks map[string]*semaphore.Weighted
	wg    sync.WaitGroup
}

// New returns a scheduler. A non-positive interval defaults to one minute.
func New(clk clock.Clock, interval time.Duration, logger logrus.FieldLogger) *Scheduler {
	if clk == nil {
		clk = clock.Real{}
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		clock:    clk,
		interval: interval,
		logger:   logger.WithField("component", "scheduler"),
		locks:    make(map[string]*semaphore.Weighted),
	}
}

// Interval returns the trigger period.
func (s *Scheduler) Interval() time.Duration { return s.interval }

func (s *Scheduler) lockFor(account string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = semaphore.NewWeighted(1)
		s.locks[account] = l
	}
	return l
}

// RunOnce runs job for account unless a cycle for it is in progress, in
// which case it returns ErrSkipped without waiting.
func (s *Scheduler) RunOnce(ctx context.Context, account string, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lock := s.lockFor(account)
	if !lock.TryAcquire(1) {
		s.logger.WithField("account", account).Warn("Previous cycle still running, skipping")
		return ErrSkipped
	}
	defer lock.Release(1)
	if err := ctx.Err(); err != nil {
		return err
	}
	return job(ctx)
}

// Run triggers job immediately and then every interval until ctx is done or
// a job error satisfies Halt. Each trigger runs in its own goroutine so a
// slow cycle causes later triggers to be skipped rather than queued. Run
// waits for in-flight cycles before returning.
func (s *Scheduler) Run(ctx context.Context, account string, job Job) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		haltOnce sync.Once
		haltErr  error
	)
	trigger := func() {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			// Halting cancels while the account lock is still held so no
			// further cycle can start.
			halted := false
			err := s.RunOnce(ctx, account, func(ctx context.Context) error {
				err := job(ctx)
				if err != nil && s.Halt != nil && s.Halt(err) {
					halted = true
					haltOnce.Do(func() {
						haltErr = err
						cancel()
					})
				}
				return err
			})
			switch {
			case err == nil, halted, errors.Is(err, ErrSkipped), errors.Is(err, context.Canceled):
			default:
				s.logger.WithError(err).WithField("account", account).Warn("Cycle ended with error")
			}
		}()
	}

	s.logger.WithFields(logrus.Fields{"account": account, "interval": s.interval}).Info("Scheduler started")
	trigger()
	for {
		if err := s.clock.Sleep(ctx, s.interval); err != nil {
			break
		}
		trigger()
	}
	s.wg.Wait()

	if haltErr != nil {
		s.logger.WithError(haltErr).Error("Scheduler halted")
		return haltErr
	}
	s.logger.Info("Scheduler stopped")
	return nil
}
