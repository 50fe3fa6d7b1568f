// Package queue runs deferred work strictly in order per subject while
// different subjects progress concurrently.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Task is one unit of pipeline work bound to a subject.
type Task func(ctx context.Context) error

type subject struct {
	tasks    []Task
	draining bool
}

type Stats struct {
	Pending  int64
	Workers  int64
	Subjects int
}

// PerSubjectQueue keeps one FIFO per subject id and at most one draining
// worker per FIFO. Workers exit when their FIFO empties.
type PerSubjectQueue struct {
	ctx      context.Context
	log      *slog.Logger
	mu       sync.Mutex
	subjects map[int64]*subject
	wg       sync.WaitGroup
	pending  atomic.Int64
	workers  atomic.Int64
	meter    metric.Meter
}

// New returns a queue whose tasks run under a context detached from ctx's
// cancellation, so in-flight work completes during shutdown.
func New(ctx context.Context, log *slog.Logger) *PerSubjectQueue {
	q := &PerSubjectQueue{
		ctx:      context.WithoutCancel(ctx),
		log:      log.With(slog.String("component", "subject-queue")),
		subjects: make(map[int64]*subject),
		meter:    otel.Meter("github.com/loqalabs/loqa-interview/queue"),
	}
	if err := q.initMetrics(); err != nil {
		q.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return q
}

// Enqueue appends task to id's FIFO and starts a worker if none is draining it.
func (q *PerSubjectQueue) Enqueue(id int64, task Task) {
	q.mu.Lock()
	s, ok := q.subjects[id]
	if !ok {
		s = &subject{}
		q.subjects[id] = s
	}
	s.tasks = append(s.tasks, task)
	q.pending.Add(1)
	start := !s.draining
	if start {
		s.draining = true
		q.workers.Add(1)
		q.wg.Add(1)
	}
	q.mu.Unlock()

	if start {
		go q.drain(id, s)
	}
}

func (q *PerSubjectQueue) drain(id int64, s *subject) {
	defer q.wg.Done()
	defer q.workers.Add(-1)
	for {
		q.mu.Lock()
		if len(s.tasks) == 0 {
			s.draining = false
			delete(q.subjects, id)
			q.mu.Unlock()
			return
		}
		task := s.tasks[0]
		s.tasks[0] = nil
		s.tasks = s.tasks[1:]
		q.mu.Unlock()

		q.pending.Add(-1)
		q.run(id, task)
	}
}

func (q *PerSubjectQueue) run(id int64, task Task) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("task panicked", slog.Int64("candidate_id", id), slog.String("panic", fmt.Sprint(r)), slog.String("stack", string(debug.Stack())))
		}
	}()
	if err := task(q.ctx); err != nil {
		q.log.Error("task failed", slog.Int64("candidate_id", id), slog.String("error", err.Error()))
	}
}

// Idle reports whether id has neither queued nor running work.
func (q *PerSubjectQueue) Idle(id int64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.subjects[id]
	return !busy
}

// Wait blocks until every task enqueued for id before the call has finished.
func (q *PerSubjectQueue) Wait(ctx context.Context, id int64) error {
	done := make(chan struct{})
	q.Enqueue(id, func(context.Context) error {
		close(done)
		return nil
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits for every worker to exit.
func (q *PerSubjectQueue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *PerSubjectQueue) Stats() Stats {
	q.mu.Lock()
	subjects := len(q.subjects)
	q.mu.Unlock()
	return Stats{
		Pending:  q.pending.Load(),
		Workers:  q.workers.Load(),
		Subjects: subjects,
	}
}

func (q *PerSubjectQueue) initMetrics() error {
	depth, err := q.meter.Int64ObservableGauge("interview.queue.depth", metric.WithDescription("Pipeline tasks waiting across all candidates"))
	if err != nil {
		return err
	}
	workers, err := q.meter.Int64ObservableGauge("interview.queue.workers", metric.WithDescription("Candidates with an active drain worker"))
	if err != nil {
		return err
	}
	_, err = q.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		stats := q.Stats()
		obs.ObserveInt64(depth, stats.Pending)
		obs.ObserveInt64(workers, stats.Workers)
		return nil
	}, depth, workers)
	return err
}
