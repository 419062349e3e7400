package jobs

import (
	"container/heap"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TimerQueueConfig holds configuration for the in-process runtime.
type TimerQueueConfig struct {
	Workers     int           // max concurrent deliveries
	MaxAttempts int           // delivery attempts per job before giving up
	RetryDelay  time.Duration // base redelivery delay, doubled per attempt
}

// DefaultTimerQueueConfig returns sane defaults.
func DefaultTimerQueueConfig() TimerQueueConfig {
	return TimerQueueConfig{
		Workers:     10,
		MaxAttempts: 3,
		RetryDelay:  5 * time.Second,
	}
}

type queuedJob struct {
	key     string
	payload json.RawMessage
	fireAt  time.Time
	attempt int
	index   int // heap bookkeeping
}

// jobHeap orders jobs by fire time, earliest first.
type jobHeap []*queuedJob

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }

func (h jobHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }

func (h *jobHeap) Push(x any) { j := x.(*queuedJob); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}

// TimerQueue is an in-process Runtime: a min-heap of pending jobs drained
// by a single loop goroutine that sleeps until the next due time and hands
// due jobs to a bounded worker pool. Jobs are held in memory only; anything
// lost to a crash is recovered by the due-step sweeper, which is exactly
// the at-least-once contract the engine assumes.
type TimerQueue struct {
	cfg     TimerQueueConfig
	handler Handler
	logger  *slog.Logger
	pool    *WorkerPool

	mu   sync.Mutex
	jobs jobHeap
	wake chan struct{}

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewTimerQueue creates a stopped TimerQueue delivering to handler.
func NewTimerQueue(cfg TimerQueueConfig, handler Handler, logger *slog.Logger) *TimerQueue {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultTimerQueueConfig().Workers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultTimerQueueConfig().MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultTimerQueueConfig().RetryDelay
	}
	return &TimerQueue{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		pool:    NewWorkerPool(cfg.Workers),
		wake:    make(chan struct{}, 1),
	}
}

// Submit enqueues a job to fire at or after fireAt. Safe before Start; the
// heap accumulates until the loop drains it.
func (q *TimerQueue) Submit(ctx context.Context, jobKey string, payload json.RawMessage, fireAt time.Time) error {
	if jobKey == "" {
		return fmt.Errorf("empty job key")
	}
	q.mu.Lock()
	heap.Push(&q.jobs, &queuedJob{key: jobKey, payload: payload, fireAt: fireAt})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the delivery loop.
func (q *TimerQueue) Start(ctx context.Context) error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.done != nil {
		return fmt.Errorf("timer queue already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})

	go q.loop(loopCtx)
	q.logger.Info("job runtime started",
		slog.Int("workers", q.cfg.Workers),
		slog.Int("max_attempts", q.cfg.MaxAttempts),
	)
	return nil
}

// Stop shuts down the loop and waits for in-flight deliveries.
func (q *TimerQueue) Stop() error {
	q.lifecycleMu.Lock()
	defer q.lifecycleMu.Unlock()
	if q.cancel == nil {
		return nil
	}

	q.cancel()
	<-q.done
	q.pool.Shutdown()
	q.cancel = nil
	q.done = nil

	q.logger.Info("job runtime stopped")
	return nil
}

// Pending returns the number of jobs waiting in the heap.
func (q *TimerQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

func (q *TimerQueue) loop(ctx context.Context) {
	defer close(q.done)

	for {
		q.dispatchDue(ctx)

		wait := q.untilNext()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-q.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// untilNext returns the sleep duration until the earliest job is due, or a
// long idle interval when the heap is empty.
func (q *TimerQueue) untilNext() time.Duration {
	const idle = time.Minute

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.jobs) == 0 {
		return idle
	}
	wait := time.Until(q.jobs[0].fireAt)
	if wait < 0 {
		return 0
	}
	return wait
}

// dispatchDue pops every due job and hands it to the pool.
func (q *TimerQueue) dispatchDue(ctx context.Context) {
	now := time.Now()
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 || q.jobs[0].fireAt.After(now) {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.jobs).(*queuedJob)
		q.mu.Unlock()

		if err := q.pool.Go(ctx, func(ctx context.Context) error {
			return q.deliver(ctx, job)
		}); err != nil {
			q.logger.Error("job dispatch failed",
				slog.String("job_key", job.key),
				slog.String("error", err.Error()),
			)
			return
		}
	}
}

// deliver invokes the handler, rescheduling on error with doubling backoff
// until the attempt budget is spent.
func (q *TimerQueue) deliver(ctx context.Context, job *queuedJob) error {
	err := q.handler(ctx, job.key, job.payload)
	if err == nil {
		return nil
	}

	job.attempt++
	if job.attempt >= q.cfg.MaxAttempts {
		q.logger.Error("job delivery exhausted, leaving to sweeper",
			slog.String("job_key", job.key),
			slog.Int("attempts", job.attempt),
			slog.String("error", err.Error()),
		)
		return err
	}

	delay := q.cfg.RetryDelay << (job.attempt - 1)
	job.fireAt = time.Now().Add(delay)

	q.mu.Lock()
	heap.Push(&q.jobs, job)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.logger.Warn("job delivery failed, redelivering",
		slog.String("job_key", job.key),
		slog.Int("attempt", job.attempt),
		slog.Duration("retry_in", delay),
		slog.String("error", err.Error()),
	)
	return nil
}
