package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/samvad-hq/samvad-feed-ingester/internal/logger"
)

// Handler runs one claimed job. Returned errors are logged and dropped.
type Handler func(ctx context.Context, job Job) error

// DispatcherOptions tunes the dispatch loop.
type DispatcherOptions struct {
	Interval   time.Duration
	JobTimeout time.Duration
	Workers    int
	// BatchSize caps jobs claimed per tick; 0 means no cap.
	BatchSize int
	// Now overrides the clock used to decide which jobs are due.
	Now func() time.Time
}

// Dispatcher claims due jobs from a Queue and runs them on a bounded worker pool.
type Dispatcher struct {
	queue    *Queue
	opts     DispatcherOptions
	log      logger.Logger
	now      func() time.Time
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewDispatcher creates a dispatcher for queue.
func NewDispatcher(queue *Queue, opts DispatcherOptions, log logger.Logger) *Dispatcher {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 2 * time.Minute
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		queue:    queue,
		opts:     opts,
		log:      logger.Ensure(log),
		now:      now,
		handlers: map[string]Handler{},
	}
}

// On binds handler to task, replacing any previous binding.
func (d *Dispatcher) On(task string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[task] = handler
}

func (d *Dispatcher) handler(task string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[task]
	return h, ok
}

// Run ticks until ctx is cancelled, dispatching due jobs on every tick.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d == nil || d.queue == nil {
		return errors.New("dispatcher is not initialized")
	}
	d.log.InfoObj("dispatcher starting", "dispatcher_state", map[string]any{
		"interval":    d.opts.Interval.String(),
		"job_timeout": d.opts.JobTimeout.String(),
		"workers":     d.opts.Workers,
	})

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if _, err := d.RunDue(ctx); err != nil && ctx.Err() == nil {
			d.log.ErrorObj("dispatch failed", "error", err.Error())
		}
		select {
		case <-ctx.Done():
			d.log.InfoObj("dispatcher exiting", "reason", ctx.Err().Error())
			return nil
		case <-ticker.C:
		}
	}
}

// RunDue claims every job due now and waits for all of them to finish. It
// returns the number of jobs claimed. Claimed jobs are already consumed, so
// they run to completion (bounded by JobTimeout) even when ctx is cancelled
// mid-batch.
func (d *Dispatcher) RunDue(ctx context.Context) (int, error) {
	jobs, err := d.queue.ClaimDue(ctx, d.now(), d.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("claim due jobs: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(d.opts.Workers)
	for _, job := range jobs {
		g.Go(func() error {
			d.execute(ctx, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), nil
}

// execute runs a single job in isolation: its timeout, error or panic never
// reaches sibling jobs.
func (d *Dispatcher) execute(ctx context.Context, job Job) {
	h, ok := d.handler(job.Task)
	if !ok {
		d.log.WarnObj("no handler for task; job dropped", "job", jobFields(job))
		return
	}

	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.JobTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.log.ErrorObj("job panicked", "job_panic", map[string]any{
				"job":   jobFields(job),
				"panic": fmt.Sprint(r),
			})
		}
	}()

	started := d.now()
	if err := h(jobCtx, job); err != nil {
		d.log.ErrorObj("job failed", "job_error", map[string]any{
			"job":   jobFields(job),
			"error": err.Error(),
		})
		return
	}
	d.log.DebugObj("job finished", "job_result", map[string]any{
		"job":         jobFields(job),
		"duration_ms": d.now().Sub(started).Milliseconds(),
	})
}

func jobFields(job Job) map[string]any {
	return map[string]any{
		"id":     job.ID,
		"task":   job.Task,
		"key":    job.Key,
		"run_at": job.RunAt,
	}
}
