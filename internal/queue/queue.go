// Package queue schedules task execution with bounded concurrency.
//
// The queue is priority-then-FIFO: waiting tasks are sorted by priority rank
// (urgent first), ties broken by creation time. Every state transition is
// persisted before the corresponding event is emitted, so the store never
// lags behind what observers have seen.
package queue

import (
	"context"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tracing"
)

// DefaultConcurrency is the number of tasks run in parallel when the config
// leaves it unset.
const DefaultConcurrency = 3

// DefaultRetryDelay is the base delay between retry attempts. The actual
// delay grows linearly with the retry count.
const DefaultRetryDelay = 5 * time.Second

// Handler executes one task and returns its result. Handlers are invoked
// concurrently up to the configured limit.
type Handler func(ctx context.Context, task *store.Task) (*store.AgentOutput, error)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventStarted   EventType = "started"
	EventCompleted EventType = "completed"
	EventRetry     EventType = "retry"
	EventFailed    EventType = "failed"
)

// Event is a lifecycle notification delivered to the OnLifecycle callback.
type Event struct {
	Type       EventType
	Task       *store.Task
	DurationMS int64
	RetryIn    time.Duration
	Err        string
}

// Config holds queue tunables.
type Config struct {
	Concurrency int
	RetryDelay  time.Duration
}

// Queue is a priority task queue backed by the state store.
type Queue struct {
	store  *store.Store
	bus    *bus.Bus
	tracer trace.Tracer

	concurrency int
	retryDelay  time.Duration

	mu       sync.Mutex
	waiting  []*store.Task
	running  int
	paused   bool
	handler  Handler
	notify   func(Event)
	timers   map[string]*time.Timer
	closed   bool

	wg sync.WaitGroup
}

// New creates a queue. Zero config fields fall back to defaults.
func New(st *store.Store, b *bus.Bus, cfg Config) *Queue {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	return &Queue{
		store:       st,
		bus:         b,
		tracer:      noop.NewTracerProvider().Tracer("noop"),
		concurrency: cfg.Concurrency,
		retryDelay:  cfg.RetryDelay,
		timers:      make(map[string]*time.Timer),
	}
}

// SetTracer installs a tracer for dispatch spans. Optional; the queue traces
// to a no-op tracer otherwise.
func (q *Queue) SetTracer(t trace.Tracer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t != nil {
		q.tracer = t
	}
}

// SetHandler installs the worker function. Idempotent; the last handler wins.
func (q *Queue) SetHandler(fn Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = fn
}

// OnLifecycle installs a callback for started/completed/retry/failed
// notifications. The callback runs on the dispatching goroutine and must not
// block.
func (q *Queue) OnLifecycle(fn func(Event)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notify = fn
}

// Enqueue persists the task as queued, adds it to the waiting buffer and
// attempts to dispatch.
func (q *Queue) Enqueue(task *store.Task) error {
	if err := q.store.Tasks.UpdateStatus(task.ID, store.TaskQueued); err != nil {
		return err
	}
	task.Status = store.TaskQueued

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.waiting = append(q.waiting, task)
	sortWaiting(q.waiting)
	q.mu.Unlock()

	log.Debug(log.CatQueue, "task enqueued", "taskID", task.ID, "priority", string(task.Priority))
	q.drain()
	return nil
}

// Pause halts dispatching. Running tasks are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
	log.Info(log.CatQueue, "queue paused")
}

// Resume re-enables dispatching and drains.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
	log.Info(log.CatQueue, "queue resumed")
	q.drain()
}

// Size returns the number of waiting tasks.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.waiting)
}

// ActiveCount returns the number of running tasks.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// RecoverPending re-enqueues persisted pending and queued tasks. Called once
// on startup so work survives a restart.
func (q *Queue) RecoverPending() error {
	tasks, err := q.store.Tasks.FindPending(0)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if err := q.Enqueue(t); err != nil {
			log.ErrorErr(log.CatQueue, "recover enqueue failed", err, "taskID", t.ID)
		}
	}
	if len(tasks) > 0 {
		log.Info(log.CatQueue, "recovered persisted tasks", "count", len(tasks))
	}
	return nil
}

// Close stops dispatching, cancels pending retry timers and waits for
// in-flight handlers to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.paused = true
	for id, t := range q.timers {
		t.Stop()
		delete(q.timers, id)
	}
	q.mu.Unlock()

	q.wg.Wait()
	log.Info(log.CatQueue, "queue closed")
}

// drain dispatches waiting tasks while capacity remains.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if q.paused || q.closed || q.handler == nil ||
			q.running >= q.concurrency || len(q.waiting) == 0 {
			q.mu.Unlock()
			return
		}
		task := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.running++
		handler := q.handler
		q.mu.Unlock()

		q.wg.Add(1)
		go q.run(task, handler)
	}
}

func (q *Queue) run(task *store.Task, handler Handler) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatQueue, "handler panic recovered",
				"taskID", task.ID, "panic", r, "stack", string(debug.Stack()))
			q.mu.Lock()
			q.running--
			q.mu.Unlock()
			q.handleFailure(task, "handler panic")
			q.drain()
		}
	}()

	ctx, span := q.tracer.Start(context.Background(), tracing.SpanPrefixQueue+"run",
		trace.WithAttributes(
			attribute.String(tracing.AttrTaskID, task.ID),
			attribute.String(tracing.AttrTaskType, task.Type),
			attribute.String(tracing.AttrTaskPriority, string(task.Priority)),
			attribute.Int(tracing.AttrRetryCount, task.RetryCount),
		))
	defer span.End()

	if err := q.store.Tasks.UpdateStatus(task.ID, store.TaskRunning); err != nil {
		log.ErrorErr(log.CatQueue, "persist running status failed", err, "taskID", task.ID)
	}
	task.Status = store.TaskRunning
	q.emit(Event{Type: EventStarted, Task: task})

	start := time.Now()
	output, err := handler(ctx, task)
	durationMS := time.Since(start).Milliseconds()

	q.mu.Lock()
	q.running--
	q.mu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		q.handleFailure(task, err.Error())
		q.drain()
		return
	}

	if output != nil {
		if err := q.store.Tasks.SetResult(task.ID, output); err != nil {
			log.ErrorErr(log.CatQueue, "persist result failed", err, "taskID", task.ID)
		}
		task.Result = output
	}
	if err := q.store.Tasks.UpdateStatus(task.ID, store.TaskCompleted); err != nil {
		log.ErrorErr(log.CatQueue, "persist completed status failed", err, "taskID", task.ID)
	}
	task.Status = store.TaskCompleted

	log.Info(log.CatQueue, "task completed", "taskID", task.ID, "durationMs", durationMS)
	q.emit(Event{Type: EventCompleted, Task: task, DurationMS: durationMS})
	q.bus.Publish(bus.TaskCompleted, "queue", completedPayload(task, durationMS))

	q.drain()
}

// handleFailure retries with linear back-off or marks the task failed.
func (q *Queue) handleFailure(task *store.Task, reason string) {
	if task.RetryCount < task.MaxRetries {
		newCount, err := q.store.Tasks.IncrementRetry(task.ID)
		if err != nil {
			log.ErrorErr(log.CatQueue, "persist retry failed", err, "taskID", task.ID)
			newCount = task.RetryCount + 1
		}
		task.RetryCount = newCount
		task.Status = store.TaskPending

		delay := q.retryDelay * time.Duration(newCount)
		log.Warn(log.CatQueue, "task retry scheduled",
			"taskID", task.ID, "attempt", newCount, "delayMs", delay.Milliseconds(), "reason", reason)
		q.emit(Event{Type: EventRetry, Task: task, RetryIn: delay, Err: reason})

		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return
		}
		q.timers[task.ID] = time.AfterFunc(delay, func() {
			q.mu.Lock()
			delete(q.timers, task.ID)
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			if err := q.Enqueue(task); err != nil {
				log.ErrorErr(log.CatQueue, "retry enqueue failed", err, "taskID", task.ID)
			}
		})
		q.mu.Unlock()
		return
	}

	if err := q.store.Tasks.UpdateStatus(task.ID, store.TaskFailed); err != nil {
		log.ErrorErr(log.CatQueue, "persist failed status failed", err, "taskID", task.ID)
	}
	task.Status = store.TaskFailed

	log.Error(log.CatQueue, "task failed permanently",
		"taskID", task.ID, "retries", task.RetryCount, "reason", reason)
	q.emit(Event{Type: EventFailed, Task: task, Err: reason})
	q.bus.Publish(bus.TaskFailed, "queue", map[string]any{
		"taskId": task.ID,
		"type":   task.Type,
		"error":  reason,
	})
}

func (q *Queue) emit(e Event) {
	q.mu.Lock()
	notify := q.notify
	q.mu.Unlock()
	if notify != nil {
		notify(e)
	}
}

func completedPayload(task *store.Task, durationMS int64) map[string]any {
	payload := map[string]any{
		"taskId":     task.ID,
		"type":       task.Type,
		"durationMs": durationMS,
	}
	if task.Result != nil {
		payload["result"] = task.Result
		payload["needsReview"] = task.Result.NeedsReview
	}
	return payload
}

// sortWaiting orders the buffer by priority rank then creation time. The
// sort is stable so equal tasks keep insertion order.
func sortWaiting(tasks []*store.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := tasks[i].Priority.Rank(), tasks[j].Priority.Rank()
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
