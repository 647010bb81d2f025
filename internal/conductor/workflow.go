package conductor

import (
	"github.com/google/uuid"

	"github.com/coreclaw/coreclaw/internal/approval"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Operation modes. Sandbox suppresses draft creation; the remaining modes
// only matter to outer surfaces.
const (
	ModeSandbox    = "sandbox"
	ModeSuggest    = "suggest"
	ModeAssist     = "assist"
	ModeAutonomous = "autonomous"
)

// complexTypes are planned into multi-step workflows instead of being routed
// directly.
var complexTypes = map[string]bool{
	"multi-step-response": true,
	"batch-processing":    true,
	"research-and-report": true,
}

// draftProducing are the task types whose results become outbound drafts.
var draftProducing = map[string]bool{
	"email-response": true,
	"billing-email":  true,
	"scheduling":     true,
	"report":         true,
}

// Workflow plans complex tasks into dependent sub-tasks, routes simple ones
// to the queue and turns completed results into drafts.
type Workflow struct {
	base
	store    *store.Store
	approval *approval.Engine
	mode     string
}

// NewWorkflow creates the Workflow conductor. Mode is one of the operation
// modes; empty means suggest.
func NewWorkflow(st *store.Store, b *bus.Bus, eng *approval.Engine, mode string) *Workflow {
	if mode == "" {
		mode = ModeSuggest
	}
	return &Workflow{
		base:     newBase("workflow", b),
		store:    st,
		approval: eng,
		mode:     mode,
	}
}

// Start subscribes to task:created and task:completed. Idempotent.
func (w *Workflow) Start() error {
	if !w.begin() {
		return nil
	}
	w.subscribe(bus.TaskCreated, w.onTaskCreated)
	w.subscribe(bus.TaskCompleted, w.onTaskCompleted)
	log.Info(log.CatConductor, "conductor started", "name", w.name, "mode", w.mode)
	return nil
}

func (w *Workflow) onTaskCreated(env bus.Envelope) {
	payload, _ := env.Payload.(map[string]any)
	if routed, _ := payload["routed"].(bool); routed {
		// Already routed, the queue consumer owns it now.
		return
	}
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	task, err := w.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "workflow task lookup failed", err, "taskID", taskID)
		return
	}

	if complexTypes[task.Type] {
		w.plan(task)
		return
	}
	w.route(task)
}

// route re-publishes a task:created with routed:true so the queue consumer
// picks it up.
func (w *Workflow) route(task *store.Task) {
	w.bus.Publish(bus.TaskCreated, w.name, map[string]any{
		"taskId":   task.ID,
		"type":     task.Type,
		"priority": string(task.Priority),
		"routed":   true,
	})
}

// plan fans a complex task out into sub-tasks carrying dependsOn and
// workflowStep markers, then routes the immediately runnable steps.
func (w *Workflow) plan(task *store.Task) {
	var steps []*store.Task

	switch task.Type {
	case "research-and-report":
		research := w.subTask(task, "research", 1, nil)
		report := w.subTask(task, "report", 2, []string{research.ID})
		steps = []*store.Task{research, report}
	case "batch-processing":
		items, _ := task.Payload["items"].([]any)
		if len(items) == 0 {
			log.Warn(log.CatConductor, "batch task without items, routing as-is", "taskID", task.ID)
			w.route(task)
			return
		}
		for i, item := range items {
			sub := w.subTask(task, "batch-item", i+1, nil)
			sub.Payload["item"] = item
			steps = append(steps, sub)
		}
	default: // multi-step-response
		declared, _ := task.Payload["steps"].([]any)
		if len(declared) == 0 {
			w.route(task)
			return
		}
		var prev *store.Task
		for i, raw := range declared {
			stepType, _ := raw.(string)
			if stepType == "" {
				stepType = "email-response"
			}
			var deps []string
			if prev != nil {
				deps = []string{prev.ID}
			}
			sub := w.subTask(task, stepType, i+1, deps)
			steps = append(steps, sub)
			prev = sub
		}
	}

	subIDs := make([]string, 0, len(steps))
	for _, sub := range steps {
		if err := w.store.Tasks.Insert(sub); err != nil {
			log.ErrorErr(log.CatConductor, "sub-task insert failed", err, "parentID", task.ID)
			return
		}
		subIDs = append(subIDs, sub.ID)
	}

	log.Info(log.CatConductor, "workflow planned",
		"taskID", task.ID, "type", task.Type, "steps", len(steps))
	w.bus.Publish(bus.ConductorWorkflowPlanned, w.name, map[string]any{
		"taskId":     task.ID,
		"type":       task.Type,
		"subTaskIds": subIDs,
	})

	for _, sub := range steps {
		if deps, _ := sub.Payload["dependsOn"].([]string); len(deps) == 0 {
			w.route(sub)
		}
	}
}

// subTask builds (but does not insert) one workflow step. The sub-task
// inherits priority and source from the parent.
func (w *Workflow) subTask(parent *store.Task, stepType string, step int, dependsOn []string) *store.Task {
	payload := map[string]any{
		"parentTaskId": parent.ID,
		"workflowStep": step,
	}
	if len(dependsOn) > 0 {
		payload["dependsOn"] = dependsOn
	}
	// The ID is assigned here so later steps can reference it in dependsOn
	// before anything is inserted.
	return &store.Task{
		ID:              uuid.NewString(),
		Type:            stepType,
		Priority:        parent.Priority,
		SourceChannel:   parent.SourceChannel,
		SourceMessageID: parent.SourceMessageID,
		ConductorID:     w.name,
		Payload:         payload,
	}
}

func (w *Workflow) onTaskCompleted(env bus.Envelope) {
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	task, err := w.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "completed task lookup failed", err, "taskID", taskID)
		return
	}

	w.releaseDependents(task)

	if !draftProducing[task.Type] || task.Result == nil || len(task.Result.Outputs) == 0 {
		return
	}

	if w.mode == ModeSandbox {
		log.Info(log.CatConductor, "sandbox mode, skipping draft creation", "taskID", task.ID)
		w.bus.Publish(bus.ConductorSandboxDryRun, w.name, map[string]any{
			"taskId":           task.ID,
			"wouldCreateDraft": true,
			"channel":          task.SourceChannel,
			"summary":          task.Result.Summary,
		})
		return
	}

	channel := task.SourceChannel
	if channel == "" {
		channel = "email"
	}
	draft, err := w.approval.CreateDraft(task, task.Result, channel)
	if err != nil {
		log.ErrorErr(log.CatConductor, "draft creation failed", err, "taskID", task.ID)
		return
	}

	w.bus.PublishTo(bus.ConductorReviewRequest, w.name, "quality", map[string]any{
		"taskId":  task.ID,
		"draftId": draft.ID,
		"output":  task.Result,
	})
}

// releaseDependents routes waiting sub-tasks whose dependencies have all
// completed.
func (w *Workflow) releaseDependents(completed *store.Task) {
	parentID, _ := completed.Payload["parentTaskId"].(string)
	if parentID == "" {
		return
	}

	pending, err := w.store.Tasks.FindByStatus(store.TaskPending, 0)
	if err != nil {
		log.ErrorErr(log.CatConductor, "dependent lookup failed", err, "taskID", completed.ID)
		return
	}

	for _, candidate := range pending {
		if p, _ := candidate.Payload["parentTaskId"].(string); p != parentID {
			continue
		}
		deps := dependsOnIDs(candidate.Payload["dependsOn"])
		if len(deps) == 0 {
			continue
		}
		if !w.allCompleted(deps) {
			continue
		}
		log.Info(log.CatConductor, "dependencies satisfied, routing step",
			"taskID", candidate.ID, "parentID", parentID)
		w.route(candidate)
	}
}

func (w *Workflow) allCompleted(ids []string) bool {
	for _, id := range ids {
		dep, err := w.store.Tasks.FindByID(id)
		if err != nil || dep.Status != store.TaskCompleted {
			return false
		}
	}
	return true
}

// dependsOnIDs tolerates both in-memory []string and JSON-decoded []any.
func dependsOnIDs(raw any) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
