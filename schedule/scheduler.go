package schedule

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/toolmesh/toolmesh/chain"
	"github.com/toolmesh/toolmesh/engine"
	"github.com/toolmesh/toolmesh/logging"
)

// Invoker dispatches single tool actions. *engine.Engine satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, toolName string, args map[string]any) (any, engine.Record, error)
}

// ChainRunner dispatches chain actions. *chain.Runner satisfies it.
type ChainRunner interface {
	Run(ctx context.Context, chainName string, initialArgs map[string]any) (chain.Run, error)
}

// Stats are scheduler counters exposed to the health aggregator.
type Stats struct {
	Dispatched uint64 `json:"dispatched"`
	Succeeded  uint64 `json:"succeeded"`
	Failed     uint64 `json:"failed"`
	Misfires   uint64 `json:"misfires"`
}

// Options configures a Scheduler.
type Options struct {
	// Logger receives job lifecycle events. Defaults to NoOpLogger.
	Logger logging.Logger
	// TickInterval is the resolution of the dispatch loop.
	TickInterval time.Duration
	// GraceWindow is how overdue a job may be before its firing is logged as
	// a misfire. Missed occurrences always coalesce into a single firing.
	GraceWindow time.Duration
	// DispatchTimeout bounds a single job execution.
	DispatchTimeout time.Duration
}

// Scheduler drives a JobStore on a fixed tick. Due jobs are claimed
// atomically and dispatched on their own goroutines so the tick loop never
// blocks on job completion. A job failure never disables the job and never
// stops the loop.
type Scheduler struct {
	store   JobStore
	invoker Invoker
	chains  ChainRunner
	logger  logging.Logger
	opts    Options

	dispatched atomic.Uint64
	succeeded  atomic.Uint64
	failed     atomic.Uint64
	misfires   atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	wg       sync.WaitGroup

	now func() time.Time
}

// New creates a Scheduler over the given store and dispatch surfaces.
func New(store JobStore, invoker Invoker, chains ChainRunner, optFns ...func(o *Options)) *Scheduler {
	opts := Options{
		Logger:          logging.NewNoOpLogger(),
		TickInterval:    time.Second,
		GraceWindow:     time.Minute,
		DispatchTimeout: 5 * time.Minute,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	return &Scheduler{
		store:   store,
		invoker: invoker,
		chains:  chains,
		logger:  opts.Logger,
		opts:    opts,
		stop:    make(chan struct{}),
		now:     time.Now,
	}
}

// Add validates a job, computes its first NextRun when unset, and stores it.
func (s *Scheduler) Add(job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	if job.NextRun.IsZero() {
		next, err := job.Spec.NextAfter(s.now())
		if err != nil {
			return err
		}
		job.NextRun = next
	}
	return s.store.Put(job)
}

// Remove deletes a job.
func (s *Scheduler) Remove(id string) error { return s.store.Delete(id) }

// Jobs lists all stored jobs.
func (s *Scheduler) Jobs() ([]Job, error) { return s.store.List() }

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Dispatched: s.dispatched.Load(),
		Succeeded:  s.succeeded.Load(),
		Failed:     s.failed.Load(),
		Misfires:   s.misfires.Load(),
	}
}

// Start clears stale running flags and launches the tick loop. It returns
// immediately; Stop shuts the loop down and waits for in-flight jobs.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.store.ResetRunning(); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.opts.TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tick(ctx)
			case <-ctx.Done():
				return
			case <-s.stop:
				return
			}
		}
	}()
	return nil
}

// Stop halts the tick loop and waits for dispatched jobs to finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// Tick runs one dispatch pass immediately. Exposed for deterministic tests
// and for callers driving their own loop.
func (s *Scheduler) Tick(ctx context.Context) {
	s.tick(ctx)
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	claimed, err := s.store.Claim(now)
	if err != nil {
		s.logger.Error("job claim failed", "error", err)
		return
	}

	for _, job := range claimed {
		if overdue := now.Sub(job.NextRun); overdue > s.opts.GraceWindow {
			// Coalesced firing: one run now regardless of missed occurrences.
			s.misfires.Add(1)
			s.logger.Warn("job misfire, coalescing missed runs",
				"job_id", job.ID, "overdue", overdue)
		}
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()
			s.run(ctx, job)
		}(job)
	}
}

// run executes one claimed job and completes it in the store. Failures are
// logged and reported in the counters; the job stays eligible for its next
// natural run.
func (s *Scheduler) run(ctx context.Context, job Job) {
	s.dispatched.Add(1)
	start := s.now()

	runCtx := ctx
	if s.opts.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.DispatchTimeout)
		defer cancel()
	}

	var err error
	if job.Action.Chain != "" {
		_, err = s.chains.Run(runCtx, job.Action.Chain, job.Action.Args)
	} else {
		_, _, err = s.invoker.Invoke(runCtx, job.Action.Tool, job.Action.Args)
	}

	finished := s.now()
	if err != nil {
		s.failed.Add(1)
	} else {
		s.succeeded.Add(1)
	}
	s.logJobRun(job.ID, finished.Sub(start), err)

	disable := job.Spec.OneShot()
	nextRun := job.NextRun
	if !disable {
		next, nextErr := job.Spec.NextAfter(finished)
		if nextErr != nil {
			s.logger.Error("failed to compute next run", "job_id", job.ID, "error", nextErr)
		} else {
			nextRun = next
		}
	}

	if err := s.store.Complete(job.ID, finished, nextRun, disable); err != nil {
		s.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
	}
}

// jobRunLogger is satisfied by logging.MeshLogger; plain Loggers fall back to
// the generic methods.
type jobRunLogger interface {
	LogJobRun(jobID string, dur time.Duration, success bool, err error)
}

func (s *Scheduler) logJobRun(jobID string, dur time.Duration, err error) {
	if jrl, ok := s.logger.(jobRunLogger); ok {
		jrl.LogJobRun(jobID, dur, err == nil, err)
		return
	}
	if err != nil {
		s.logger.Warn("scheduled job failed", "job_id", jobID, "duration", dur, "error", err)
		return
	}
	s.logger.Info("scheduled job completed", "job_id", jobID, "duration", dur)
}
