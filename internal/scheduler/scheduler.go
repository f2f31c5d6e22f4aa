// Package scheduler is the cooperative, single-owner periodic job runner
// (spec §4.C): jobs run on one goroutine's select loop so the scheduler
// itself is never the source of concurrent access, and cancellation is a
// shared context observed at every iteration (max reaction time <= 1s).
// Grounded on internal/bfd/session.go's runLoop, which drives a BFD
// session's TX/detect timers the same way: one goroutine, one select,
// one timer per concern, reset in place after firing.
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// Job is one periodic unit of work. Long-running jobs must not block past
// their own Interval; the scheduler dispatches each firing to its own
// goroutine so a slow job never delays a sibling's tick (spec §4.C:
// "long-running work is dispatched to workers so the scheduler is never
// blocked").
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context)
}

// Scheduler drives a fixed set of Jobs, each on its own ticker, from a
// single goroutine's select loop.
type Scheduler struct {
	jobs []Job
	log  *slog.Logger
}

// New builds a Scheduler over jobs. Run fires a job whose Interval is not
// positive once a second.
func New(log *slog.Logger, jobs ...Job) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{jobs: jobs, log: log}
}

// firing pairs a job with its tick, funneled onto one channel so the
// select loop stays a single case per concern regardless of job count
// (mirrors runLoop's one-case-per-timer shape without hardcoding the
// number of timers).
type firing struct {
	job Job
}

// Run blocks until ctx is cancelled, firing each job on its own cadence.
// Each firing runs on its own goroutine; a job that panics is recovered
// and logged, and the other jobs keep firing.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		<-ctx.Done()
		return
	}

	fireCh := make(chan firing, len(s.jobs))
	tickerCtx, stopTickers := context.WithCancel(ctx)
	defer stopTickers()

	for _, j := range s.jobs {
		interval := j.Interval
		if interval <= 0 {
			interval = time.Second
		}
		go runTicker(tickerCtx, j, interval, fireCh)
	}

	s.log.Info("scheduler: started", "jobs", len(s.jobs))

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler: stopped")
			return
		case f := <-fireCh:
			s.dispatch(ctx, f.job)
		}
	}
}

// runTicker feeds one job's firings onto fireCh until ctx is cancelled.
func runTicker(ctx context.Context, j Job, interval time.Duration, fireCh chan<- firing) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			select {
			case fireCh <- firing{job: j}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, j Job) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("scheduler: job panicked", "job", j.Name, "recovered", r)
			}
		}()
		j.Run(ctx)
	}()
}
