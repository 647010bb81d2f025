package conductor

import (
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Inbox triages incoming messages into tasks. It is a pure function of the
// message content plus the rule ladder; its only I/O is store writes.
type Inbox struct {
	base
	store *store.Store
	rules *RuleSet
}

// NewInbox creates the Inbox conductor.
func NewInbox(st *store.Store, b *bus.Bus, rules *RuleSet) *Inbox {
	return &Inbox{
		base:  newBase("inbox", b),
		store: st,
		rules: rules,
	}
}

// Start subscribes to message:received. Idempotent.
func (i *Inbox) Start() error {
	if !i.begin() {
		return nil
	}
	i.subscribe(bus.MessageReceived, i.onMessageReceived)
	log.Info(log.CatConductor, "conductor started", "name", i.name)
	return nil
}

func (i *Inbox) onMessageReceived(env bus.Envelope) {
	messageID := payloadString(env.Payload, "messageId")
	if messageID == "" {
		log.Warn(log.CatConductor, "message:received without messageId", "source", env.Source)
		return
	}

	msg, err := i.store.Messages.FindByID(messageID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "triage message lookup failed", err, "messageID", messageID)
		return
	}

	decision := i.rules.Match(msg)
	log.Info(log.CatConductor, "message triaged",
		"messageID", msg.ID, "category", decision.Category,
		"priority", string(decision.Priority), "reason", decision.Reason)

	task := &store.Task{
		Type:            decision.AgentType,
		Priority:        decision.Priority,
		SourceChannel:   msg.Channel,
		SourceMessageID: msg.ID,
		ConductorID:     i.name,
		Payload: map[string]any{
			"messageId":    msg.ID,
			"category":     decision.Category,
			"triageReason": decision.Reason,
		},
	}
	if err := i.store.Tasks.Insert(task); err != nil {
		log.ErrorErr(log.CatConductor, "triage task insert failed", err, "messageID", msg.ID)
		return
	}
	if err := i.store.Messages.SetTaskID(msg.ID, task.ID); err != nil {
		log.ErrorErr(log.CatConductor, "message task link failed", err, "messageID", msg.ID)
	}
	if err := i.store.Messages.UpdateStatus(msg.ID, store.MessageProcessing); err != nil {
		log.ErrorErr(log.CatConductor, "message status update failed", err, "messageID", msg.ID)
	}

	i.bus.Publish(bus.TaskCreated, i.name, map[string]any{
		"taskId":    task.ID,
		"type":      task.Type,
		"priority":  string(task.Priority),
		"messageId": msg.ID,
		"category":  decision.Category,
	})
	i.bus.Publish(bus.MessageProcessed, i.name, map[string]any{
		"messageId": msg.ID,
		"taskId":    task.ID,
	})
}

// payloadString pulls a string field out of a map-shaped payload.
func payloadString(payload any, key string) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
