package conductor

import (
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
)

// DefaultBriefingInterval is how often the Chief publishes a briefing.
const DefaultBriefingInterval = 5 * time.Minute

// Escalation is one escalated task inside a briefing.
type Escalation struct {
	TaskID string `json:"taskId"`
	Reason string `json:"reason,omitempty"`
}

// Briefing is the periodic summary the Chief publishes.
type Briefing struct {
	Completed   int          `json:"completed"`
	Failed      int          `json:"failed"`
	Escalated   int          `json:"escalated"`
	Escalations []Escalation `json:"escalations,omitempty"`
	Since       time.Time    `json:"since"`
	GeneratedAt time.Time    `json:"generatedAt"`
}

// Chief aggregates task outcomes into periodic briefings and requeues
// completed work flagged for review. It never mutates tasks beyond that.
type Chief struct {
	base
	interval time.Duration

	mu          sync.Mutex
	completed   int
	failed      int
	escalations []Escalation
	since       time.Time
	ticker      *time.Ticker
	done        chan struct{}
}

// NewChief creates the Chief conductor. A zero interval uses the default.
func NewChief(b *bus.Bus, interval time.Duration) *Chief {
	if interval <= 0 {
		interval = DefaultBriefingInterval
	}
	return &Chief{
		base:     newBase("chief", b),
		interval: interval,
		since:    time.Now().UTC(),
	}
}

// Start subscribes to task outcome events and starts the briefing timer.
// Idempotent.
func (c *Chief) Start() error {
	if !c.begin() {
		return nil
	}
	c.subscribe(bus.TaskCompleted, c.onTaskCompleted)
	c.subscribe(bus.TaskFailed, c.onTaskFailed)
	c.subscribe(bus.TaskEscalated, c.onTaskEscalated)

	c.mu.Lock()
	c.since = time.Now().UTC()
	c.ticker = time.NewTicker(c.interval)
	c.done = make(chan struct{})
	ticker, done := c.ticker, c.done
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				c.publishBriefing()
			case <-done:
				return
			}
		}
	}()

	log.Info(log.CatConductor, "conductor started", "name", c.name, "interval", c.interval.String())
	return nil
}

// Stop halts the briefing timer and removes subscriptions.
func (c *Chief) Stop() {
	c.mu.Lock()
	ticker, done := c.ticker, c.done
	c.ticker, c.done = nil, nil
	c.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		close(done)
	}
	c.base.Stop()
}

func (c *Chief) onTaskCompleted(env bus.Envelope) {
	c.mu.Lock()
	c.completed++
	c.mu.Unlock()

	payload, _ := env.Payload.(map[string]any)
	needsReview, _ := payload["needsReview"].(bool)
	if !needsReview {
		return
	}
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	log.Info(log.CatConductor, "completed task flagged for review", "taskID", taskID)
	c.bus.PublishTo(bus.ConductorReviewRequest, c.name, "quality", map[string]any{
		"taskId": taskID,
	})
}

func (c *Chief) onTaskFailed(env bus.Envelope) {
	c.mu.Lock()
	c.failed++
	c.mu.Unlock()
}

func (c *Chief) onTaskEscalated(env bus.Envelope) {
	esc := Escalation{
		TaskID: payloadString(env.Payload, "taskId"),
		Reason: payloadString(env.Payload, "reason"),
	}
	c.mu.Lock()
	c.escalations = append(c.escalations, esc)
	c.mu.Unlock()
}

// publishBriefing emits the counts since the previous briefing and resets
// them.
func (c *Chief) publishBriefing() {
	now := time.Now().UTC()

	c.mu.Lock()
	briefing := Briefing{
		Completed:   c.completed,
		Failed:      c.failed,
		Escalated:   len(c.escalations),
		Escalations: c.escalations,
		Since:       c.since,
		GeneratedAt: now,
	}
	c.completed, c.failed = 0, 0
	c.escalations = nil
	c.since = now
	c.mu.Unlock()

	log.Info(log.CatConductor, "briefing published",
		"completed", briefing.Completed, "failed", briefing.Failed,
		"escalated", briefing.Escalated)
	c.bus.Publish(bus.ConductorBriefing, c.name, briefing)
}
