package bus

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(TaskCreated, func(Envelope) { got = append(got, "first") })
	b.Subscribe(TaskCreated, func(Envelope) { got = append(got, "second") })
	b.Subscribe(TaskCreated, func(Envelope) { got = append(got, "third") })

	b.Publish(TaskCreated, "test", nil)
	require.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBus_EnvelopeFields(t *testing.T) {
	b := New()

	var env Envelope
	b.Subscribe(DraftCreated, func(e Envelope) { env = e })

	b.PublishTo(DraftCreated, "workflow", "quality", map[string]any{"draftId": "d-1"})

	require.NotEmpty(t, env.ID)
	require.Equal(t, DraftCreated, env.Type)
	require.Equal(t, "workflow", env.Source)
	require.Equal(t, "quality", env.Target)
	require.False(t, env.Timestamp.IsZero())

	payload := env.Payload.(map[string]any)
	require.Equal(t, "d-1", payload["draftId"])
}

func TestBus_TargetDoesNotRestrictDelivery(t *testing.T) {
	b := New()

	delivered := 0
	b.Subscribe(ConductorReviewRequest, func(Envelope) { delivered++ })
	b.Subscribe(ConductorReviewRequest, func(Envelope) { delivered++ })

	b.PublishTo(ConductorReviewRequest, "chief", "quality", nil)
	require.Equal(t, 2, delivered)
}

func TestBus_WildcardSeesEveryType(t *testing.T) {
	b := New()

	var types []EventType
	b.Subscribe(Wildcard, func(e Envelope) { types = append(types, e.Type) })

	b.Publish(TaskCreated, "test", nil)
	b.Publish(MessageReceived, "test", nil)
	b.Publish(DraftSent, "test", nil)

	require.Equal(t, []EventType{TaskCreated, MessageReceived, DraftSent}, types)
}

func TestBus_PanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := New()

	var got []string
	b.Subscribe(TaskFailed, func(Envelope) { got = append(got, "before") })
	b.Subscribe(TaskFailed, func(Envelope) { panic("boom") })
	b.Subscribe(TaskFailed, func(Envelope) { got = append(got, "after") })

	require.NotPanics(t, func() { b.Publish(TaskFailed, "test", nil) })
	require.Equal(t, []string{"before", "after"}, got)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()

	calls := 0
	sub := b.Subscribe(TaskCompleted, func(Envelope) { calls++ })
	require.Equal(t, 1, b.SubscriberCount(TaskCompleted))

	b.Publish(TaskCompleted, "test", nil)
	b.Unsubscribe(sub)
	b.Publish(TaskCompleted, "test", nil)

	require.Equal(t, 1, calls)
	require.Zero(t, b.SubscriberCount(TaskCompleted))

	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_SubscribeDuringDelivery(t *testing.T) {
	b := New()

	lateCalls := 0
	b.Subscribe(TaskCreated, func(Envelope) {
		b.Subscribe(TaskCreated, func(Envelope) { lateCalls++ })
	})

	b.Publish(TaskCreated, "test", nil)
	require.Zero(t, lateCalls, "handler added mid-delivery must not see the triggering event")

	b.Publish(TaskCreated, "test", nil)
	require.Equal(t, 1, lateCalls)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()

	var mu sync.Mutex
	seen := 0
	b.Subscribe(MessageReceived, func(Envelope) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Publish(MessageReceived, "test", nil)
		}()
	}
	wg.Wait()

	require.Equal(t, 50, seen)
}
