package conductor

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/coreclaw/coreclaw/internal/approval"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Sensitive content patterns. The card pattern tolerates common grouping
// separators; the password pattern catches plaintext assignments.
var (
	cardPattern     = regexp.MustCompile(`\b(?:\d[ -]?){15}\d\b`)
	emailPattern    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	passwordPattern = regexp.MustCompile(`(?i)\bpassword\s*[:=]\s*\S+`)
)

// Quality reviews agent outputs on request and scores every new draft.
type Quality struct {
	base
	store    *store.Store
	approval *approval.Engine
}

// NewQuality creates the Quality conductor.
func NewQuality(st *store.Store, b *bus.Bus, eng *approval.Engine) *Quality {
	return &Quality{
		base:     newBase("quality", b),
		store:    st,
		approval: eng,
	}
}

// Start subscribes to conductor:review-request and draft:created. Idempotent.
func (q *Quality) Start() error {
	if !q.begin() {
		return nil
	}
	q.subscribe(bus.ConductorReviewRequest, q.onReviewRequest)
	q.subscribe(bus.DraftCreated, q.onDraftCreated)
	log.Info(log.CatConductor, "conductor started", "name", q.name)
	return nil
}

func (q *Quality) onReviewRequest(env bus.Envelope) {
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	task, err := q.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "review task lookup failed", err, "taskID", taskID)
		return
	}

	corrections := reviewOutput(task)
	approved := len(corrections) == 0
	score := 80
	if !approved {
		score = 80 - 20*len(corrections)
		if score < 20 {
			score = 20
		}
	}

	if !approved {
		// Back to running signals the worker layer to redo the task.
		if err := q.store.Tasks.UpdateStatus(task.ID, store.TaskRunning); err != nil {
			log.ErrorErr(log.CatConductor, "rework status update failed", err, "taskID", task.ID)
		}
	}

	log.Info(log.CatConductor, "output reviewed",
		"taskID", task.ID, "approved", approved, "score", score)
	q.bus.Publish(bus.ConductorReviewResult, q.name, map[string]any{
		"taskId":      task.ID,
		"approved":    approved,
		"score":       score,
		"corrections": corrections,
	})
}

// reviewOutput returns the list of problems found in a completed task's
// output. Empty means approved.
func reviewOutput(task *store.Task) []string {
	var corrections []string

	out := task.Result
	if out == nil {
		return []string{"No outputs provided despite completed status"}
	}
	if len(strings.TrimSpace(out.Summary)) < 10 {
		corrections = append(corrections, "Summary missing or too short")
	}
	if len(out.Outputs) == 0 && out.Status == store.OutputCompleted {
		corrections = append(corrections, "No outputs provided despite completed status")
	}
	for i, item := range out.Outputs {
		if reason := sensitiveMatch(item.Content); reason != "" {
			corrections = append(corrections, fmt.Sprintf("output %d: %s", i, reason))
		}
	}
	return corrections
}

func (q *Quality) onDraftCreated(env bus.Envelope) {
	draftID := payloadString(env.Payload, "draftId")
	if draftID == "" {
		return
	}
	draft, err := q.store.Drafts.FindByID(draftID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "draft lookup failed", err, "draftID", draftID)
		return
	}

	score, notes := scoreDraft(draft)
	if err := q.store.Drafts.SetQuality(draft.ID, score, strings.Join(notes, "; ")); err != nil {
		log.ErrorErr(log.CatConductor, "quality score update failed", err, "draftID", draft.ID)
		return
	}
	draft.QualityScore = &score

	log.Info(log.CatConductor, "draft scored", "draftID", draft.ID, "score", score)
	q.bus.Publish(bus.DraftQualityReviewed, q.name, map[string]any{
		"draftId": draft.ID,
		"taskId":  draft.TaskID,
		"score":   score,
		"notes":   notes,
	})

	q.tryAutoApprove(draft)
}

// scoreDraft applies the fixed deductions and clamps to [0,100].
func scoreDraft(d *store.Draft) (int, []string) {
	score := 100
	var notes []string

	deduct := func(points int, note string) {
		score -= points
		notes = append(notes, note)
	}

	if len(d.Body) < 20 {
		deduct(30, "body very short")
	}
	if len(d.Body) > 5000 {
		deduct(10, "body very long")
	}
	if len(d.Subject) < 3 {
		deduct(15, "subject missing or too short")
	}
	if len(d.To) == 0 {
		deduct(25, "no recipients")
	}
	if reason := sensitiveMatch(d.Body); reason != "" {
		deduct(30, reason)
	}
	if strings.Contains(d.Body, "!!!") || strings.Contains(d.Body, "???") {
		deduct(10, "excessive punctuation")
	}

	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score, notes
}

// tryAutoApprove applies the enabled approval rules to a freshly scored
// draft. No matching rule is the normal case.
func (q *Quality) tryAutoApprove(draft *store.Draft) {
	rule, err := q.approval.MatchRule(draft)
	if err != nil {
		log.ErrorErr(log.CatConductor, "auto-approve rule match failed", err, "draftID", draft.ID)
		return
	}
	if rule == nil {
		return
	}
	if err := q.approval.AutoApprove(draft.ID, rule.Name); err != nil {
		log.ErrorErr(log.CatConductor, "auto-approve failed", err, "draftID", draft.ID)
		return
	}
	log.Info(log.CatConductor, "draft auto-approved", "draftID", draft.ID, "rule", rule.Name)
}

// sensitiveMatch reports the first sensitive pattern found in content, or "".
func sensitiveMatch(content string) string {
	switch {
	case cardPattern.MatchString(content):
		return "possible card number"
	case emailPattern.MatchString(content):
		return "embedded email address"
	case passwordPattern.MatchString(content):
		return "plaintext password"
	default:
		return ""
	}
}
