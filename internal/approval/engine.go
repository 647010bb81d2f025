// Package approval owns the draft lifecycle: creation from agent output,
// human review actions, rule-driven auto-approval and the corrections that
// feed the learning loop.
package approval

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// bodyItemTypes are the output item types considered draft bodies, in
// preference order of appearance.
var bodyItemTypes = map[string]bool{
	"email": true,
	"reply": true,
	"draft": true,
}

// Engine manages drafts and their review state machine.
type Engine struct {
	store *store.Store
	bus   *bus.Bus
	dmp   *diffmatchpatch.DiffMatchPatch
}

// NewEngine creates the approval engine.
func NewEngine(st *store.Store, b *bus.Bus) *Engine {
	return &Engine{
		store: st,
		bus:   b,
		dmp:   diffmatchpatch.New(),
	}
}

// CreateDraft builds a draft from a completed task's output.
//
// The body is the first output item of type email/reply/draft, or the agent
// summary if none matches. Recipients default to the source message sender.
// The subject is the source subject with a "Re: " prefix, or the summary
// truncated to 80 chars when there is no source message.
func (e *Engine) CreateDraft(task *store.Task, output *store.AgentOutput, channel string) (*store.Draft, error) {
	if output == nil {
		return nil, fmt.Errorf("create draft: no agent output")
	}

	body := output.Summary
	for _, item := range output.Outputs {
		if bodyItemTypes[item.Type] && item.Content != "" {
			body = item.Content
			break
		}
	}

	var to []string
	subject := truncate(output.Summary, 80)
	if task.SourceMessageID != "" {
		msg, err := e.store.Messages.FindByID(task.SourceMessageID)
		if err == nil {
			if msg.From != "" {
				to = []string{msg.From}
			}
			if msg.Subject != "" {
				subject = replySubject(msg.Subject)
			}
		} else {
			log.Warn(log.CatApproval, "source message lookup failed",
				"taskID", task.ID, "messageID", task.SourceMessageID, "error", err.Error())
		}
	}

	priority := output.Priority
	if priority == "" {
		priority = task.Priority
	}

	draft := &store.Draft{
		TaskID:          task.ID,
		SourceMessageID: task.SourceMessageID,
		Channel:         channel,
		To:              to,
		Subject:         subject,
		Body:            body,
		Status:          store.DraftPendingReview,
		Priority:        priority,
		Metadata: map[string]any{
			"agentType":   task.Type,
			"needsReview": output.NeedsReview,
		},
	}
	if err := e.store.Drafts.Insert(draft); err != nil {
		return nil, fmt.Errorf("create draft: %w", err)
	}

	log.Info(log.CatApproval, "draft created", "draftID", draft.ID, "taskID", task.ID)
	e.bus.Publish(bus.DraftCreated, "approval", map[string]any{
		"draftId":  draft.ID,
		"taskId":   task.ID,
		"channel":  channel,
		"priority": string(draft.Priority),
	})
	return draft, nil
}

// Approve moves a pending draft to approved.
func (e *Engine) Approve(draftID, reviewedBy string) error {
	draft, err := e.requireStatus(draftID, store.DraftPendingReview)
	if err != nil {
		return err
	}
	if err := e.store.Drafts.UpdateStatus(draftID, store.DraftApproved, reviewedBy); err != nil {
		return err
	}

	log.Info(log.CatApproval, "draft approved", "draftID", draftID, "reviewedBy", reviewedBy)
	e.bus.Publish(bus.DraftApproved, "approval", map[string]any{
		"draftId":    draftID,
		"taskId":     draft.TaskID,
		"reviewedBy": reviewedBy,
	})
	return nil
}

// Reject moves a pending draft to rejected and records a rejection
// correction. The reason is required.
func (e *Engine) Reject(draftID, reviewedBy, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return fmt.Errorf("reject draft: reason required")
	}
	draft, err := e.requireStatus(draftID, store.DraftPendingReview)
	if err != nil {
		return err
	}
	if err := e.store.Drafts.UpdateStatus(draftID, store.DraftRejected, reviewedBy); err != nil {
		return err
	}

	correction := &store.Correction{
		DraftID:      draftID,
		TaskID:       draft.TaskID,
		OriginalBody: draft.Body,
		EditedBody:   "",
		ChangeType:   store.ChangeRejection,
		Feedback:     reason,
	}
	if err := e.store.Corrections.Insert(correction); err != nil {
		return fmt.Errorf("record rejection: %w", err)
	}

	log.Info(log.CatApproval, "draft rejected", "draftID", draftID, "reason", reason)
	e.bus.Publish(bus.DraftRejected, "approval", map[string]any{
		"draftId":    draftID,
		"taskId":     draft.TaskID,
		"reviewedBy": reviewedBy,
		"reason":     reason,
	})
	return nil
}

// EditAndApprove applies a human edit, classifies it, records the correction
// and sends the draft on its way.
func (e *Engine) EditAndApprove(draftID, newBody, newSubject, feedback, reviewedBy string) error {
	draft, err := e.requireStatus(draftID, store.DraftPendingReview)
	if err != nil {
		return err
	}

	changeType, ratio := Classify(draft.Body, newBody)

	if err := e.store.Drafts.UpdateBody(draftID, newBody, newSubject); err != nil {
		return err
	}
	if err := e.store.Drafts.UpdateStatus(draftID, store.DraftEditedAndSent, reviewedBy); err != nil {
		return err
	}

	correction := &store.Correction{
		DraftID:       draftID,
		TaskID:        draft.TaskID,
		OriginalBody:  draft.Body,
		EditedBody:    newBody,
		EditedSubject: newSubject,
		ChangeType:    changeType,
		Feedback:      feedback,
	}
	if changeType == store.ChangeRejection {
		correction.EditedBody = ""
	}
	if err := e.store.Corrections.Insert(correction); err != nil {
		return fmt.Errorf("record correction: %w", err)
	}

	patch := e.dmp.PatchToText(e.dmp.PatchMake(draft.Body, newBody))

	log.Info(log.CatApproval, "draft edited and approved",
		"draftID", draftID, "changeType", string(changeType), "changeRatio", fmt.Sprintf("%.2f", ratio))
	e.bus.Publish(bus.DraftEdited, "approval", map[string]any{
		"draftId":     draftID,
		"taskId":      draft.TaskID,
		"changeType":  string(changeType),
		"changeRatio": ratio,
		"diff":        patch,
		"reviewedBy":  reviewedBy,
	})
	e.bus.Publish(bus.CorrectionRecorded, "approval", map[string]any{
		"correctionId": correction.ID,
		"draftId":      draftID,
		"taskId":       draft.TaskID,
		"changeType":   string(changeType),
		"feedback":     feedback,
	})
	return nil
}

// AutoApprove moves a pending draft to auto_approved, recording the matched
// rule name.
func (e *Engine) AutoApprove(draftID, ruleName string) error {
	draft, err := e.requireStatus(draftID, store.DraftPendingReview)
	if err != nil {
		return err
	}
	if err := e.store.Drafts.SetAutoApproveMatch(draftID, ruleName); err != nil {
		return err
	}
	if err := e.store.Drafts.UpdateStatus(draftID, store.DraftAutoApproved, ""); err != nil {
		return err
	}

	log.Info(log.CatApproval, "draft auto-approved", "draftID", draftID, "rule", ruleName)
	e.bus.Publish(bus.DraftAutoApproved, "approval", map[string]any{
		"draftId": draftID,
		"taskId":  draft.TaskID,
		"rule":    ruleName,
	})
	return nil
}

// MarkSent records dispatch of an approved or auto-approved draft.
func (e *Engine) MarkSent(draftID string) error {
	draft, err := e.store.Drafts.FindByID(draftID)
	if err != nil {
		return err
	}
	if draft.Status != store.DraftApproved && draft.Status != store.DraftAutoApproved {
		return fmt.Errorf("mark sent: draft %s is %s, want approved or auto_approved", draftID, draft.Status)
	}
	if err := e.store.Drafts.UpdateStatus(draftID, store.DraftSent, draft.ReviewedBy); err != nil {
		return err
	}

	log.Info(log.CatApproval, "draft sent", "draftID", draftID)
	e.bus.Publish(bus.DraftSent, "approval", map[string]any{
		"draftId": draftID,
		"taskId":  draft.TaskID,
	})
	return nil
}

// MatchRule returns the first enabled auto-approval rule the draft
// satisfies, or nil. Rules are matched oldest first.
func (e *Engine) MatchRule(draft *store.Draft) (*store.ApprovalRule, error) {
	if draft.QualityScore == nil {
		return nil, nil
	}
	rules, err := e.store.Rules.ListEnabled()
	if err != nil {
		return nil, err
	}

	agentType, _ := draft.Metadata["agentType"].(string)
	for _, rule := range rules {
		if rule.AgentType != "" && rule.AgentType != agentType {
			continue
		}
		if *draft.QualityScore < rule.MinQuality {
			continue
		}
		if rule.MaxBodyLength > 0 && len(draft.Body) > rule.MaxBodyLength {
			continue
		}
		return rule, nil
	}
	return nil, nil
}

func (e *Engine) requireStatus(draftID string, want store.DraftStatus) (*store.Draft, error) {
	draft, err := e.store.Drafts.FindByID(draftID)
	if err != nil {
		return nil, err
	}
	if draft.Status != want {
		return nil, fmt.Errorf("draft %s is %s, want %s", draftID, draft.Status, want)
	}
	return draft, nil
}

func replySubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
