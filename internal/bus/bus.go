// Package bus provides the in-process publish/subscribe fabric linking the
// conductors, the task queue and the approval engine. Delivery is synchronous
// and in subscription order; a panicking handler is logged and does not stop
// delivery to the remaining subscribers.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/log"
)

// EventType names an event on the bus. The set is closed; see the constants
// below for every event the core publishes.
type EventType string

const (
	TaskCreated   EventType = "task:created"
	TaskCompleted EventType = "task:completed"
	TaskFailed    EventType = "task:failed"
	TaskEscalated EventType = "task:escalated"

	MessageReceived  EventType = "message:received"
	MessageProcessed EventType = "message:processed"

	ConductorBriefing        EventType = "conductor:briefing"
	ConductorReviewRequest   EventType = "conductor:review-request"
	ConductorReviewResult    EventType = "conductor:review-result"
	ConductorContextReady    EventType = "conductor:context-ready"
	ConductorWorkflowPlanned EventType = "conductor:workflow-planned"
	ConductorFeedback        EventType = "conductor:feedback"
	ConductorLearningInsight EventType = "conductor:learning-insight"
	ConductorSandboxDryRun   EventType = "conductor:sandbox-dryrun"

	DraftCreated         EventType = "draft:created"
	DraftApproved        EventType = "draft:approved"
	DraftRejected        EventType = "draft:rejected"
	DraftEdited          EventType = "draft:edited"
	DraftSent            EventType = "draft:sent"
	DraftAutoApproved    EventType = "draft:auto_approved"
	DraftQualityReviewed EventType = "draft:quality-reviewed"

	CorrectionRecorded EventType = "correction:recorded"

	// Wildcard delivers every envelope regardless of type.
	Wildcard EventType = "*"
)

// Envelope wraps a published payload with routing metadata.
// Target is advisory only; delivery is always broadcast.
type Envelope struct {
	ID        string
	Type      EventType
	Source    string
	Target    string
	Payload   any
	Timestamp time.Time
}

// Handler receives published envelopes.
type Handler func(Envelope)

// Subscription is the token returned by Subscribe, used to unsubscribe.
type Subscription struct {
	id        uint64
	eventType EventType
}

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous in-process event bus.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscriber
	nextID uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[EventType][]subscriber)}
}

// Subscribe registers a handler for an event type. Use Wildcard to receive
// every envelope. The returned token unsubscribes via Unsubscribe.
func (b *Bus) Subscribe(t EventType, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs[t] = append(b.subs[t], subscriber{id: b.nextID, handler: h})
	return Subscription{id: b.nextID, eventType: t}
}

// Unsubscribe removes a previously registered handler. Unknown tokens are a
// no-op, so double-unsubscribe is safe.
func (b *Bus) Unsubscribe(token Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[token.eventType]
	for i, s := range list {
		if s.id == token.id {
			b.subs[token.eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish broadcasts an envelope to all subscribers of the event type and to
// wildcard subscribers, synchronously and in subscription order.
func (b *Bus) Publish(t EventType, source string, payload any) Envelope {
	return b.publish(t, source, "", payload)
}

// PublishTo broadcasts like Publish but records an advisory target on the
// envelope. Delivery is unaffected: every subscriber still sees it.
func (b *Bus) PublishTo(t EventType, source, target string, payload any) Envelope {
	return b.publish(t, source, target, payload)
}

func (b *Bus) publish(t EventType, source, target string, payload any) Envelope {
	env := Envelope{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Target:    target,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}

	b.mu.RLock()
	// Snapshot so handlers may subscribe/unsubscribe during delivery.
	typed := append([]subscriber(nil), b.subs[t]...)
	wild := append([]subscriber(nil), b.subs[Wildcard]...)
	b.mu.RUnlock()

	for _, s := range typed {
		b.deliver(s, env)
	}
	for _, s := range wild {
		b.deliver(s, env)
	}
	return env
}

// deliver invokes a single handler, recovering panics so one bad subscriber
// cannot abort delivery to the rest.
func (b *Bus) deliver(s subscriber, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error(log.CatBus, "handler panicked",
				"event", string(env.Type),
				"source", env.Source,
				"panic", fmt.Sprintf("%v", r),
			)
		}
	}()
	s.handler(env)
}

// SubscriberCount returns the number of handlers registered for a type.
func (b *Bus) SubscriberCount(t EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
