package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestQueue(t *testing.T, cfg Config) (*Queue, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	q := New(st, b, cfg)
	t.Cleanup(q.Close)
	return q, st, b
}

func insertTask(t *testing.T, st *store.Store, priority store.Priority, createdAt time.Time) *store.Task {
	t.Helper()
	task := &store.Task{
		Type:      "email-response",
		Priority:  priority,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}
	require.NoError(t, st.Tasks.Insert(task))
	return task
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestQueue_PriorityDispatch(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, nil
	})

	base := time.Now().UTC()
	low := insertTask(t, st, store.PriorityLow, base)
	urgent := insertTask(t, st, store.PriorityUrgent, base.Add(time.Second))

	q.Pause()
	require.NoError(t, q.Enqueue(low))
	require.NoError(t, q.Enqueue(urgent))
	q.Resume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{urgent.ID, low.ID}, order)
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 1})

	var mu sync.Mutex
	var order []string
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		mu.Lock()
		order = append(order, task.ID)
		mu.Unlock()
		return nil, nil
	})

	base := time.Now().UTC()
	first := insertTask(t, st, store.PriorityNormal, base)
	second := insertTask(t, st, store.PriorityNormal, base.Add(time.Second))
	third := insertTask(t, st, store.PriorityNormal, base.Add(2*time.Second))

	q.Pause()
	require.NoError(t, q.Enqueue(second))
	require.NoError(t, q.Enqueue(third))
	require.NoError(t, q.Enqueue(first))
	q.Resume()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{first.ID, second.ID, third.ID}, order)
}

func TestQueue_ConcurrencyLimit(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 2})

	var active, maxActive, done atomic.Int64
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		cur := active.Add(1)
		for {
			prev := maxActive.Load()
			if cur <= prev || maxActive.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
		done.Add(1)
		return nil, nil
	})

	base := time.Now().UTC()
	for i := 0; i < 6; i++ {
		task := insertTask(t, st, store.PriorityNormal, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, q.Enqueue(task))
	}

	waitFor(t, func() bool { return done.Load() == 6 })
	require.LessOrEqual(t, maxActive.Load(), int64(2))
	require.Equal(t, 0, q.ActiveCount())
	require.Equal(t, 0, q.Size())
}

func TestQueue_RetryWithLinearBackoff(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 10 * time.Millisecond})

	var attempts atomic.Int64
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		if attempts.Add(1) < 3 {
			return nil, errors.New("worker crashed")
		}
		return &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, nil
	})

	var mu sync.Mutex
	var retries []time.Duration
	completed := make(chan struct{})
	q.OnLifecycle(func(e Event) {
		switch e.Type {
		case EventRetry:
			mu.Lock()
			retries = append(retries, e.RetryIn)
			mu.Unlock()
		case EventCompleted:
			close(completed)
		}
	})

	task := insertTask(t, st, store.PriorityNormal, time.Now().UTC())
	require.NoError(t, q.Enqueue(task))

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("task never completed")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, retries)

	stored, err := st.Tasks.FindByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, stored.Status)
	require.Equal(t, 2, stored.RetryCount)
}

func TestQueue_RetriesExhausted(t *testing.T) {
	q, st, b := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 5 * time.Millisecond})

	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		return nil, errors.New("permanent failure")
	})

	failed := make(chan bus.Envelope, 1)
	b.Subscribe(bus.TaskFailed, func(env bus.Envelope) {
		failed <- env
	})

	task := &store.Task{
		Type:       "email-response",
		Priority:   store.PriorityNormal,
		MaxRetries: 1,
	}
	require.NoError(t, st.Tasks.Insert(task))
	require.NoError(t, q.Enqueue(task))

	select {
	case env := <-failed:
		payload, ok := env.Payload.(map[string]any)
		require.True(t, ok)
		require.Equal(t, task.ID, payload["taskId"])
	case <-time.After(5 * time.Second):
		t.Fatal("task:failed never published")
	}

	stored, err := st.Tasks.FindByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskFailed, stored.Status)
	require.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.CompletedAt)
}

func TestQueue_StatusPersistedBeforeEvent(t *testing.T) {
	q, st, b := newTestQueue(t, Config{Concurrency: 1})

	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		return &store.AgentOutput{Status: store.OutputCompleted, Summary: "done"}, nil
	})

	statusAtEvent := make(chan store.TaskStatus, 1)
	b.Subscribe(bus.TaskCompleted, func(env bus.Envelope) {
		payload := env.Payload.(map[string]any)
		stored, err := st.Tasks.FindByID(payload["taskId"].(string))
		if err != nil {
			statusAtEvent <- store.TaskStatus("error")
			return
		}
		statusAtEvent <- stored.Status
	})

	task := insertTask(t, st, store.PriorityNormal, time.Now().UTC())
	require.NoError(t, q.Enqueue(task))

	select {
	case status := <-statusAtEvent:
		require.Equal(t, store.TaskCompleted, status)
	case <-time.After(5 * time.Second):
		t.Fatal("task:completed never published")
	}
}

func TestQueue_PauseHaltsDispatch(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 1})

	var started atomic.Int64
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		started.Add(1)
		return nil, nil
	})

	q.Pause()
	task := insertTask(t, st, store.PriorityNormal, time.Now().UTC())
	require.NoError(t, q.Enqueue(task))

	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int64(0), started.Load())
	require.Equal(t, 1, q.Size())

	q.Resume()
	waitFor(t, func() bool { return started.Load() == 1 })
}

func TestQueue_RecoverPending(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 2})

	var done atomic.Int64
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		done.Add(1)
		return nil, nil
	})

	base := time.Now().UTC()
	t1 := insertTask(t, st, store.PriorityNormal, base)
	t2 := insertTask(t, st, store.PriorityHigh, base.Add(time.Second))
	require.NoError(t, st.Tasks.UpdateStatus(t2.ID, store.TaskQueued))
	_ = t1

	require.NoError(t, q.RecoverPending())
	waitFor(t, func() bool { return done.Load() == 2 })
}

func TestQueue_HandlerPanicRetries(t *testing.T) {
	q, st, _ := newTestQueue(t, Config{Concurrency: 1, RetryDelay: 5 * time.Millisecond})

	var attempts atomic.Int64
	completed := make(chan struct{})
	q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
		if attempts.Add(1) == 1 {
			panic("handler blew up")
		}
		return nil, nil
	})
	q.OnLifecycle(func(e Event) {
		if e.Type == EventCompleted {
			close(completed)
		}
	})

	task := insertTask(t, st, store.PriorityNormal, time.Now().UTC())
	require.NoError(t, q.Enqueue(task))

	select {
	case <-completed:
	case <-time.After(5 * time.Second):
		t.Fatal("task never recovered from panic")
	}
	require.Equal(t, int64(2), attempts.Load())
}

// TestQueue_DispatchOrderProperty checks the priority-then-FIFO guarantee
// over randomly generated priority sequences.
func TestQueue_DispatchOrderProperty(t *testing.T) {
	priorities := []store.Priority{
		store.PriorityUrgent, store.PriorityHigh, store.PriorityNormal, store.PriorityLow,
	}

	rapid.Check(t, func(r *rapid.T) {
		st, err := store.OpenMemory()
		require.NoError(t, err)
		defer func() { _ = st.Close() }()

		q := New(st, bus.New(), Config{Concurrency: 1})
		defer q.Close()

		var mu sync.Mutex
		var order []string
		q.SetHandler(func(ctx context.Context, task *store.Task) (*store.AgentOutput, error) {
			mu.Lock()
			order = append(order, task.ID)
			mu.Unlock()
			return nil, nil
		})

		n := rapid.IntRange(1, 8).Draw(r, "n")
		base := time.Now().UTC()
		tasks := make([]*store.Task, n)

		q.Pause()
		for i := 0; i < n; i++ {
			p := priorities[rapid.IntRange(0, 3).Draw(r, "priority")]
			task := &store.Task{
				Type:      "email-response",
				Priority:  p,
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
				UpdatedAt: base,
			}
			if err := st.Tasks.Insert(task); err != nil {
				r.Fatalf("insert task: %v", err)
			}
			tasks[i] = task
			if err := q.Enqueue(task); err != nil {
				r.Fatalf("enqueue: %v", err)
			}
		}
		q.Resume()

		deadline := time.Now().Add(5 * time.Second)
		for {
			mu.Lock()
			got := len(order)
			mu.Unlock()
			if got == n {
				break
			}
			if time.Now().After(deadline) {
				r.Fatalf("only %d of %d tasks dispatched", got, n)
			}
			time.Sleep(time.Millisecond)
		}

		// Expected: stable sort by rank then created-at.
		expected := make([]*store.Task, n)
		copy(expected, tasks)
		sortWaiting(expected)

		mu.Lock()
		defer mu.Unlock()
		for i, task := range expected {
			if order[i] != task.ID {
				r.Fatalf("dispatch order mismatch at %d: want %s got %s", i, task.ID, order[i])
			}
		}
	})
}
