// Package queue runs scheduled ping jobs. A poller claims due schedule
// entries and due retries, records a job run for each, and hands it to a
// fixed pool of workers.
//
// A job run moves scheduled → dequeued → executing and then ends as
// completed (row deleted), failed-will-retry (row kept with a retry time) or
// failed-terminal (row kept for operators). The recurring schedule is never
// touched by a job's outcome, so monitoring resumes at the next tick.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"sitewatch/internal/model"
	"sitewatch/internal/repository"
	"sitewatch/internal/schedule"
)

var (
	// ErrBusy is returned by Enqueue when the key is already executing.
	ErrBusy = errors.New("job already running")
	// ErrStopped is returned by Enqueue after Stop.
	ErrStopped = errors.New("runtime stopped")
)

// Handler executes one job run. A returned error is an infrastructure fault
// and makes the run eligible for retry.
type Handler func(ctx context.Context, run model.JobRun) error

// Options configures a Runtime. Zero values select the defaults.
type Options struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	BatchSize    int
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.RetryBase <= 0 {
		o.RetryBase = 2 * time.Second
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5 * time.Minute
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
}

// Runtime owns the poller and the worker pool.
type Runtime struct {
	repo     *repository.Repo
	registry *schedule.Registry
	handler  Handler
	opts     Options
	logger   *zap.Logger
	inflight *InFlight
	now      func() time.Time

	jobs     chan model.JobRun
	done     chan struct{}
	cancel   context.CancelFunc
	pollWG   sync.WaitGroup
	workerWG sync.WaitGroup
	stopOnce sync.Once
}

func New(repo *repository.Repo, registry *schedule.Registry, handler Handler, opts Options, logger *zap.Logger) *Runtime {
	opts.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runtime{
		repo:     repo,
		registry: registry,
		handler:  handler,
		opts:     opts,
		logger:   logger.Named("queue"),
		inflight: NewInFlight(),
		now:      func() time.Time { return time.Now().UTC() },
		jobs:     make(chan model.JobRun, opts.Workers*2),
		done:     make(chan struct{}),
	}
}

// Start requeues runs interrupted by a previous process, then launches the
// workers and the poller. The poller stops when ctx is canceled or Stop is
// called.
func (r *Runtime) Start(ctx context.Context) error {
	n, err := r.repo.ResetInterrupted(ctx, r.now())
	if err != nil {
		return fmt.Errorf("reset interrupted job runs: %w", err)
	}
	if n > 0 {
		r.logger.Info("requeued interrupted job runs", zap.Int64("count", n))
	}

	// Workers outlive ctx so in-flight pings can finish during shutdown.
	workCtx := context.WithoutCancel(ctx)
	r.workerWG.Add(r.opts.Workers)
	for i := 0; i < r.opts.Workers; i++ {
		go r.worker(workCtx)
	}

	pollCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.pollWG.Add(1)
	go r.pollLoop(pollCtx)

	r.logger.Info("scheduler runtime started",
		zap.Int("workers", r.opts.Workers), zap.Duration("poll_interval", r.opts.PollInterval))
	return nil
}

// Stop stops polling, lets workers finish the runs they hold and drain the
// buffer, then returns.
func (r *Runtime) Stop() {
	r.stopOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.pollWG.Wait()
		close(r.done)
		r.workerWG.Wait()
		r.logger.Info("scheduler runtime stopped")
	})
}

// Enqueue runs a website's job now, outside its cadence. It shares the
// in-flight guard with scheduled runs.
func (r *Runtime) Enqueue(ctx context.Context, rawURL, ownerEmail string) (model.JobRun, error) {
	select {
	case <-r.done:
		return model.JobRun{}, ErrStopped
	default:
	}
	key := schedule.Key(rawURL)
	if !r.inflight.TryAcquire(key) {
		return model.JobRun{}, ErrBusy
	}
	run := model.JobRun{Key: key, URL: rawURL, OwnerEmail: ownerEmail, State: model.JobScheduled}
	if err := r.repo.CreateJobRun(ctx, &run); err != nil {
		r.inflight.Release(key)
		return model.JobRun{}, err
	}
	if !r.dispatch(ctx, run) {
		r.inflight.Release(key)
		return run, ErrStopped
	}
	return run, nil
}

func (r *Runtime) pollLoop(ctx context.Context) {
	defer r.pollWG.Done()
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// poll claims due retries first, then due schedule entries.
func (r *Runtime) poll(ctx context.Context) {
	now := r.now()

	retries, err := r.repo.DueRetries(ctx, now, r.opts.BatchSize)
	if err != nil {
		r.logger.Error("loading due retries failed", zap.Error(err))
	}
	for _, run := range retries {
		if !r.inflight.TryAcquire(run.Key) {
			continue
		}
		if !r.dispatch(ctx, run) {
			r.inflight.Release(run.Key)
			return
		}
	}

	due, err := r.registry.Due(ctx, now, r.opts.BatchSize)
	if err != nil {
		r.logger.Error("loading due schedules failed", zap.Error(err))
		return
	}
	for _, entry := range due {
		if _, err := r.registry.Advance(ctx, entry, now); err != nil {
			r.logger.Error("advancing schedule failed", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if !r.inflight.TryAcquire(entry.Key) {
			r.logger.Info("previous run still executing, skipping instance", zap.String("url", entry.URL))
			continue
		}
		run := model.JobRun{Key: entry.Key, URL: entry.URL, OwnerEmail: entry.OwnerEmail, State: model.JobScheduled}
		if err := r.repo.CreateJobRun(ctx, &run); err != nil {
			r.inflight.Release(entry.Key)
			r.logger.Error("recording job run failed", zap.String("url", entry.URL), zap.Error(err))
			continue
		}
		if !r.dispatch(ctx, run) {
			r.inflight.Release(entry.Key)
			return
		}
	}
}

// dispatch claims run and hands it to the workers. The claim is written
// first so a worker's final state is never overwritten. It returns false if
// the runtime is shutting down; the run then stays in the store and is
// requeued on the next Start.
func (r *Runtime) dispatch(ctx context.Context, run model.JobRun) bool {
	run.State = model.JobDequeued
	if err := r.repo.UpdateJobRun(ctx, run.ID, map[string]any{"state": model.JobDequeued}); err != nil {
		r.logger.Warn("marking job run dequeued failed", zap.String("id", run.ID), zap.Error(err))
	}
	select {
	case r.jobs <- run:
		return true
	case <-ctx.Done():
		return false
	case <-r.done:
		return false
	}
}

func (r *Runtime) worker(ctx context.Context) {
	defer r.workerWG.Done()
	for {
		select {
		case run := <-r.jobs:
			r.process(ctx, run)
		case <-r.done:
			for {
				select {
				case run := <-r.jobs:
					r.process(ctx, run)
				default:
					return
				}
			}
		}
	}
}

func (r *Runtime) process(ctx context.Context, run model.JobRun) {
	defer r.inflight.Release(run.Key)

	run.Attempts++
	run.State = model.JobExecuting
	if err := r.repo.UpdateJobRun(ctx, run.ID, map[string]any{
		"state":    model.JobExecuting,
		"attempts": run.Attempts,
	}); err != nil {
		r.logger.Warn("marking job run executing failed", zap.String("id", run.ID), zap.Error(err))
	}

	err := r.safeHandle(ctx, run)
	if err == nil {
		if err := r.repo.DeleteJobRun(ctx, run.ID); err != nil {
			r.logger.Warn("removing completed job run failed", zap.String("id", run.ID), zap.Error(err))
		}
		return
	}

	if run.Attempts >= r.opts.MaxAttempts {
		r.logger.Error("job run failed permanently",
			zap.String("url", run.URL), zap.Int("attempts", run.Attempts), zap.Error(err))
		if uerr := r.repo.UpdateJobRun(ctx, run.ID, map[string]any{
			"state":      model.JobFailedTerminal,
			"last_error": err.Error(),
			"retry_at":   nil,
		}); uerr != nil {
			r.logger.Warn("recording terminal failure failed", zap.String("id", run.ID), zap.Error(uerr))
		}
		return
	}

	retryAt := r.now().Add(r.backoff(run.Attempts))
	r.logger.Warn("job run failed, will retry",
		zap.String("url", run.URL), zap.Int("attempt", run.Attempts),
		zap.Time("retry_at", retryAt), zap.Error(err))
	if uerr := r.repo.UpdateJobRun(ctx, run.ID, map[string]any{
		"state":      model.JobRetrying,
		"last_error": err.Error(),
		"retry_at":   retryAt,
	}); uerr != nil {
		r.logger.Warn("recording retry failed", zap.String("id", run.ID), zap.Error(uerr))
	}
}

func (r *Runtime) safeHandle(ctx context.Context, run model.JobRun) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job handler panic: %v", p)
		}
	}()
	return r.handler(ctx, run)
}

// backoff doubles RetryBase per attempt, capped at RetryMax.
func (r *Runtime) backoff(attempt int) time.Duration {
	d := r.opts.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.opts.RetryMax {
			return r.opts.RetryMax
		}
	}
	return d
}

// FailedRuns lists terminal failures for operator inspection.
func (r *Runtime) FailedRuns(ctx context.Context, limit int) ([]model.JobRun, error) {
	return r.repo.JobRunsByState(ctx, model.JobFailedTerminal, limit)
}
