// Package app wires the store, bus, queue, worker invoker and conductors
// into one runnable orchestrator.
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/coreclaw/coreclaw/internal/approval"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/conductor"
	"github.com/coreclaw/coreclaw/internal/config"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/queue"
	"github.com/coreclaw/coreclaw/internal/store"
	"github.com/coreclaw/coreclaw/internal/tracing"
	"github.com/coreclaw/coreclaw/internal/worker"
)

// App owns the lifecycle of every coreclaw component.
type App struct {
	cfg     config.Config
	store   *store.Store
	bus     *bus.Bus
	tracing *tracing.Provider
	rules   *conductor.RuleSet
	queue   *queue.Queue
	invoker *worker.Invoker

	conductors []conductor.Conductor
	subs       []bus.Subscription

	// Context bundles published by the Context conductor, consumed when the
	// matching task reaches a worker.
	bundleMu sync.Mutex
	bundles  map[string]map[string]any

	started bool
}

// New builds an app from configuration. The store is opened (and migrated)
// here; a schema failure aborts startup.
func New(cfg config.Config) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	tp, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	b := bus.New()
	eng := approval.NewEngine(st, b)

	rules := conductor.NewRuleSet()
	if cfg.Rules.Path != "" {
		if err := rules.Watch(cfg.Rules.Path); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("load triage rules: %w", err)
		}
	}

	inv := worker.New(worker.Config{
		Runtime:     cfg.Worker.Runtime,
		Image:       cfg.Worker.Image,
		Command:     cfg.Worker.Command,
		IPCRoot:     cfg.Worker.IPCRoot,
		Timeout:     cfg.Worker.Timeout,
		MemoryLimit: cfg.Worker.MemoryLimit,
		CPULimit:    cfg.Worker.CPULimit,
	})
	inv.SetTracer(tp.Tracer())

	q := queue.New(st, b, queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		RetryDelay:  cfg.Queue.RetryDelay,
	})
	q.SetTracer(tp.Tracer())

	a := &App{
		cfg:     cfg,
		store:   st,
		bus:     b,
		tracing: tp,
		rules:   rules,
		queue:   q,
		invoker: inv,
		bundles: make(map[string]map[string]any),
		conductors: []conductor.Conductor{
			conductor.NewInbox(st, b, rules),
			conductor.NewWorkflow(st, b, eng, cfg.Mode),
			conductor.NewContext(st, b, nil),
			conductor.NewQuality(st, b, eng),
			conductor.NewLearning(st, b),
			conductor.NewChief(b, cfg.Chief.BriefingInterval),
		},
	}
	q.SetHandler(a.runWorker)
	return a, nil
}

// Bus exposes the event bus for external adapters.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store exposes the state store for CLI surfaces.
func (a *App) Store() *store.Store { return a.store }

// Start cleans up orphaned workers, recovers persisted work and brings every
// conductor and the queue consumer online. Idempotent.
func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true

	a.invoker.CleanupOrphans(ctx)
	if err := a.recoverTasks(); err != nil {
		return err
	}

	for _, c := range a.conductors {
		if err := c.Start(); err != nil {
			return fmt.Errorf("start conductor %s: %w", c.Name(), err)
		}
	}

	a.subs = append(a.subs,
		a.bus.Subscribe(bus.TaskCreated, a.onRoutedTask),
		a.bus.Subscribe(bus.ConductorContextReady, a.onContextReady),
	)

	if err := a.queue.RecoverPending(); err != nil {
		return fmt.Errorf("recover pending tasks: %w", err)
	}

	log.Info(log.CatApp, "orchestrator started",
		"mode", a.cfg.Mode, "concurrency", a.cfg.Queue.Concurrency)
	return nil
}

// recoverTasks resets work interrupted by a previous shutdown back to
// pending so RecoverPending re-enqueues it.
func (a *App) recoverTasks() error {
	for _, status := range []store.TaskStatus{store.TaskRunning, store.TaskQueued} {
		tasks, err := a.store.Tasks.FindByStatus(status, 0)
		if err != nil {
			return fmt.Errorf("recovery scan: %w", err)
		}
		for _, t := range tasks {
			if err := a.store.Tasks.UpdateStatus(t.ID, store.TaskPending); err != nil {
				log.ErrorErr(log.CatApp, "recovery reset failed", err, "taskID", t.ID)
				continue
			}
			log.Info(log.CatApp, "interrupted task reset",
				"taskID", t.ID, "was", string(status))
		}
	}
	return nil
}

// onRoutedTask is the queue consumer: routed task:created events become
// queue entries.
func (a *App) onRoutedTask(env bus.Envelope) {
	payload, _ := env.Payload.(map[string]any)
	if routed, _ := payload["routed"].(bool); !routed {
		return
	}
	taskID, _ := payload["taskId"].(string)
	if taskID == "" {
		return
	}
	task, err := a.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatApp, "routed task lookup failed", err, "taskID", taskID)
		return
	}
	if err := a.queue.Enqueue(task); err != nil {
		log.ErrorErr(log.CatApp, "enqueue failed", err, "taskID", taskID)
	}
}

func (a *App) onContextReady(env bus.Envelope) {
	payload, ok := env.Payload.(map[string]any)
	if !ok {
		return
	}
	taskID, _ := payload["taskId"].(string)
	if taskID == "" {
		return
	}
	a.bundleMu.Lock()
	a.bundles[taskID] = payload
	a.bundleMu.Unlock()
}

func (a *App) takeBundle(taskID string) map[string]any {
	a.bundleMu.Lock()
	defer a.bundleMu.Unlock()
	bundle := a.bundles[taskID]
	delete(a.bundles, taskID)
	return bundle
}

// runWorker is the queue handler: it runs one task inside a worker child,
// bracketed by a session record.
func (a *App) runWorker(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
	session := &store.Session{
		AgentID: task.Type,
		TaskID:  task.ID,
		Status:  store.SessionStarting,
	}
	if err := a.store.Sessions.Insert(session); err != nil {
		return nil, fmt.Errorf("record session: %w", err)
	}
	if err := a.store.Sessions.UpdateStatus(session.ID, store.SessionRunning); err != nil {
		log.ErrorErr(log.CatApp, "session status update failed", err, "sessionID", session.ID)
	}

	res, err := a.invoker.Invoke(ctx, worker.Request{
		TaskID:           task.ID,
		TaskType:         task.Type,
		Payload:          task.Payload,
		ConductorContext: a.takeBundle(task.ID),
	})
	if err != nil {
		_ = a.store.Sessions.UpdateStatus(session.ID, store.SessionError)
		return nil, err
	}

	if res.ContainerID != "" {
		if err := a.store.Sessions.SetContainerID(session.ID, res.ContainerID); err != nil {
			log.ErrorErr(log.CatApp, "session container link failed", err, "sessionID", session.ID)
		}
	}

	out := res.Output
	switch out.Status {
	case store.OutputFailed:
		_ = a.store.Sessions.UpdateStatus(session.ID, store.SessionError)
		return nil, fmt.Errorf("worker failed (exit %d): %s", res.ExitCode, out.Summary)
	case store.OutputEscalated:
		_ = a.store.Sessions.UpdateStatus(session.ID, store.SessionStopped)
		a.bus.Publish(bus.TaskEscalated, "app", map[string]any{
			"taskId": task.ID,
			"type":   task.Type,
			"reason": out.Summary,
		})
		return out, nil
	default:
		_ = a.store.Sessions.UpdateStatus(session.ID, store.SessionStopped)
		return out, nil
	}
}

// Shutdown stops the queue and conductors, flushes tracing and closes the
// store. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) {
	if !a.started {
		_ = a.store.Close()
		return
	}
	a.started = false

	for _, sub := range a.subs {
		a.bus.Unsubscribe(sub)
	}
	a.subs = nil

	a.queue.Close()
	for _, c := range a.conductors {
		c.Stop()
	}
	a.rules.Close()

	if err := a.tracing.Shutdown(ctx); err != nil {
		log.ErrorErr(log.CatApp, "tracing shutdown failed", err)
	}
	if err := a.store.Close(); err != nil {
		log.ErrorErr(log.CatApp, "store close failed", err)
	}
	log.Info(log.CatApp, "orchestrator stopped")
}

// Run starts the app and blocks until the context is cancelled, then shuts
// down.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), worker.KillGracePeriod*2)
	defer cancel()
	a.Shutdown(shutdownCtx)
	return nil
}
