// Package conductor holds the long-lived roles that react to events: Inbox
// triage, Workflow planning, Context gathering, Quality review, Learning and
// the Chief aggregator.
//
// Conductors never call each other directly; they communicate through the
// event bus. Start is idempotent, Stop removes every subscription.
package conductor

import (
	"sync"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
)

// Conductor is the shared lifecycle of all roles.
type Conductor interface {
	Name() string
	Start() error
	Stop()
}

// base carries the subscription bookkeeping every conductor shares.
type base struct {
	name string
	bus  *bus.Bus

	mu      sync.Mutex
	subs    []bus.Subscription
	started bool
}

func newBase(name string, b *bus.Bus) base {
	return base{name: name, bus: b}
}

// Name returns the conductor's stable role name.
func (b *base) Name() string {
	return b.name
}

// begin marks the conductor started; returns false if it already was.
func (b *base) begin() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return false
	}
	b.started = true
	return true
}

// subscribe registers a handler and remembers the token for Stop.
func (b *base) subscribe(t bus.EventType, h bus.Handler) {
	token := b.bus.Subscribe(t, h)
	b.mu.Lock()
	b.subs = append(b.subs, token)
	b.mu.Unlock()
}

// Stop removes all subscriptions. Safe to call more than once.
func (b *base) Stop() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	wasStarted := b.started
	b.started = false
	b.mu.Unlock()

	for _, token := range subs {
		b.bus.Unsubscribe(token)
	}
	if wasStarted {
		log.Info(log.CatConductor, "conductor stopped", "name", b.name)
	}
}
