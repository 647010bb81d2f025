package conductor

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

const (
	threadHistoryLimit = 20
	historyBodyLimit   = 500
)

// KnowledgeSource is a read-only lookup the Context conductor may consult
// while assembling a bundle. Implementations must be safe for concurrent use.
type KnowledgeSource interface {
	Name() string
	Query(query string) ([]string, error)
}

// HistoryEntry is one prior thread message inside a context bundle.
type HistoryEntry struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
	Direction string `json:"direction"`
	CreatedAt string `json:"createdAt"`
}

// Context gathers thread history and knowledge lookups for new tasks and
// publishes the bundle as conductor:context-ready.
type Context struct {
	base
	store   *store.Store
	sources []KnowledgeSource
	cache   *gocache.Cache
}

// NewContext creates the Context conductor. Sources may be nil.
func NewContext(st *store.Store, b *bus.Bus, sources []KnowledgeSource) *Context {
	return &Context{
		base:    newBase("context", b),
		store:   st,
		sources: sources,
		cache:   gocache.New(5*time.Minute, 10*time.Minute),
	}
}

// Start subscribes to task:created. Idempotent.
func (c *Context) Start() error {
	if !c.begin() {
		return nil
	}
	c.subscribe(bus.TaskCreated, c.onTaskCreated)
	log.Info(log.CatConductor, "conductor started", "name", c.name, "sources", len(c.sources))
	return nil
}

func (c *Context) onTaskCreated(env bus.Envelope) {
	payload, _ := env.Payload.(map[string]any)
	if routed, _ := payload["routed"].(bool); routed {
		// Workflow's re-publication; the bundle was already built from the
		// original event.
		return
	}
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	task, err := c.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "context task lookup failed", err, "taskID", taskID)
		return
	}
	if task.SourceMessageID == "" {
		return
	}
	msg, err := c.store.Messages.FindByID(task.SourceMessageID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "context message lookup failed", err, "taskID", taskID)
		return
	}
	if msg.ThreadID == "" {
		return
	}

	history := c.threadHistory(msg)
	knowledge := c.queryKnowledge(msg)

	log.Debug(log.CatConductor, "context bundle ready",
		"taskID", task.ID, "threadID", msg.ThreadID,
		"history", len(history), "knowledge", len(knowledge))
	c.bus.Publish(bus.ConductorContextReady, c.name, map[string]any{
		"taskId":    task.ID,
		"messageId": msg.ID,
		"threadId":  msg.ThreadID,
		"history":   history,
		"knowledge": knowledge,
	})
}

// threadHistory returns up to 20 handled messages from the thread, most
// recent first, bodies trimmed to 500 chars. Bundles are cached briefly since
// bursts of tasks often share a thread.
func (c *Context) threadHistory(msg *store.Message) []HistoryEntry {
	if cached, ok := c.cache.Get(msg.ThreadID); ok {
		return cached.([]HistoryEntry)
	}

	msgs, err := c.store.Messages.FindByThread(msg.ThreadID, threadHistoryLimit)
	if err != nil {
		log.ErrorErr(log.CatConductor, "thread history lookup failed", err, "threadID", msg.ThreadID)
		return nil
	}

	history := make([]HistoryEntry, 0, len(msgs))
	for _, m := range msgs {
		if m.Status != store.MessageHandled {
			continue
		}
		history = append(history, HistoryEntry{
			MessageID: m.ID,
			From:      m.From,
			Subject:   m.Subject,
			Body:      trimBody(m.Body),
			Direction: string(m.Direction),
			CreatedAt: m.CreatedAt.Format(time.RFC3339),
		})
	}

	c.cache.Set(msg.ThreadID, history, gocache.DefaultExpiration)
	return history
}

// queryKnowledge consults every configured source. A failing source is
// logged and skipped, never fatal.
func (c *Context) queryKnowledge(msg *store.Message) map[string][]string {
	if len(c.sources) == 0 {
		return nil
	}

	query := knowledgeQuery(msg)
	results := make(map[string][]string)
	for _, src := range c.sources {
		hits, err := src.Query(query)
		if err != nil {
			log.Warn(log.CatConductor, "knowledge source failed, skipping",
				"source", src.Name(), "error", err.Error())
			continue
		}
		if len(hits) > 0 {
			results[src.Name()] = hits
		}
	}
	if len(results) == 0 {
		return nil
	}
	return results
}

// knowledgeQuery prefers an explicit case reference from the message
// metadata and falls back to the message id.
func knowledgeQuery(msg *store.Message) string {
	if ref, ok := msg.Metadata["caseRef"].(string); ok && ref != "" {
		return ref
	}
	return msg.ID
}

func trimBody(body string) string {
	if len(body) <= historyBodyLimit {
		return body
	}
	return body[:historyBodyLimit]
}
