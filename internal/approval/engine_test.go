package approval

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store, *bus.Bus) {
	t.Helper()
	st, err := store.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	return NewEngine(st, b), st, b
}

func insertTaskWithMessage(t *testing.T, st *store.Store) *store.Task {
	t.Helper()
	msg := &store.Message{
		Channel: "email",
		From:    "kunde@example.com",
		Subject: "Question about my order",
		Body:    "Where is my package?",
	}
	require.NoError(t, st.Messages.Insert(msg))

	task := &store.Task{
		Type:            "email-response",
		Priority:        store.PriorityNormal,
		SourceChannel:   "email",
		SourceMessageID: msg.ID,
	}
	require.NoError(t, st.Tasks.Insert(task))
	return task
}

func TestEngine_CreateDraft_BodyFromOutputItem(t *testing.T) {
	e, st, b := newTestEngine(t)
	task := insertTaskWithMessage(t, st)

	created := make(chan bus.Envelope, 1)
	b.Subscribe(bus.DraftCreated, func(env bus.Envelope) { created <- env })

	output := &store.AgentOutput{
		Status:   store.OutputCompleted,
		Priority: store.PriorityHigh,
		Summary:  "drafted a reply",
		Outputs: []store.OutputItem{
			{Type: "analysis", Content: "customer is upset"},
			{Type: "reply", Content: "Dear customer, your package ships tomorrow."},
		},
	}

	draft, err := e.CreateDraft(task, output, "email")
	require.NoError(t, err)
	require.Equal(t, "Dear customer, your package ships tomorrow.", draft.Body)
	require.Equal(t, []string{"kunde@example.com"}, draft.To)
	require.Equal(t, "Re: Question about my order", draft.Subject)
	require.Equal(t, store.DraftPendingReview, draft.Status)
	require.Equal(t, store.PriorityHigh, draft.Priority)
	require.Equal(t, "email-response", draft.Metadata["agentType"])

	select {
	case env := <-created:
		payload := env.Payload.(map[string]any)
		require.Equal(t, draft.ID, payload["draftId"])
	default:
		t.Fatal("draft:created not published")
	}

	// Stored copy keeps the creation-time body separately.
	stored, err := st.Drafts.FindByID(draft.ID)
	require.NoError(t, err)
	require.Equal(t, stored.Body, stored.OriginalBody)
}

func TestEngine_CreateDraft_FallsBackToSummary(t *testing.T) {
	e, st, _ := newTestEngine(t)
	task := &store.Task{Type: "research", Priority: store.PriorityNormal}
	require.NoError(t, st.Tasks.Insert(task))

	output := &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "research finished, three findings attached",
		Outputs: []store.OutputItem{{Type: "report", Content: "long report"}},
	}

	draft, err := e.CreateDraft(task, output, "email")
	require.NoError(t, err)
	require.Equal(t, "research finished, three findings attached", draft.Body)
	require.Empty(t, draft.To)
	require.Equal(t, output.Summary, draft.Subject)
}

func TestEngine_CreateDraft_KeepsExistingRePrefix(t *testing.T) {
	e, st, _ := newTestEngine(t)

	msg := &store.Message{Channel: "email", From: "a@b.c", Subject: "Re: old thread"}
	require.NoError(t, st.Messages.Insert(msg))
	task := &store.Task{Type: "email-response", SourceMessageID: msg.ID}
	require.NoError(t, st.Tasks.Insert(task))

	draft, err := e.CreateDraft(task, &store.AgentOutput{
		Status: store.OutputCompleted, Summary: "ok",
	}, "email")
	require.NoError(t, err)
	require.Equal(t, "Re: old thread", draft.Subject)
}

func TestEngine_ApproveOnlyFromPendingReview(t *testing.T) {
	e, st, _ := newTestEngine(t)
	task := insertTaskWithMessage(t, st)
	draft, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)

	require.NoError(t, e.Approve(draft.ID, "alex"))

	stored, err := st.Drafts.FindByID(draft.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftApproved, stored.Status)
	require.Equal(t, "alex", stored.ReviewedBy)
	require.NotNil(t, stored.ReviewedAt)

	// Second approve hits the gate.
	require.Error(t, e.Approve(draft.ID, "alex"))
}

func TestEngine_RejectRequiresReason(t *testing.T) {
	e, st, _ := newTestEngine(t)
	task := insertTaskWithMessage(t, st)
	draft, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)

	require.Error(t, e.Reject(draft.ID, "alex", "  "))
	require.NoError(t, e.Reject(draft.ID, "alex", "tone is wrong"))

	corrections, err := st.Corrections.FindByDraft(draft.ID)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, store.ChangeRejection, corrections[0].ChangeType)
	require.Empty(t, corrections[0].EditedBody)
	require.Equal(t, "tone is wrong", corrections[0].Feedback)
}

func TestEngine_EditAndApprove(t *testing.T) {
	e, st, b := newTestEngine(t)
	task := insertTaskWithMessage(t, st)

	output := &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "ok",
		Outputs: []store.OutputItem{{Type: "reply", Content: "hello there dear valued customer"}},
	}
	draft, err := e.CreateDraft(task, output, "email")
	require.NoError(t, err)

	var events []bus.EventType
	b.Subscribe(bus.DraftEdited, func(env bus.Envelope) { events = append(events, env.Type) })
	b.Subscribe(bus.CorrectionRecorded, func(env bus.Envelope) { events = append(events, env.Type) })

	newBody := "hello there dear valued customer thanks"
	require.NoError(t, e.EditAndApprove(draft.ID, newBody, "New subject", "be warmer", "alex"))

	stored, err := st.Drafts.FindByID(draft.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftEditedAndSent, stored.Status)
	require.Equal(t, newBody, stored.Body)
	require.Equal(t, "New subject", stored.Subject)
	require.Equal(t, "hello there dear valued customer", stored.OriginalBody)
	require.NotNil(t, stored.SentAt)

	corrections, err := st.Corrections.FindByDraft(draft.ID)
	require.NoError(t, err)
	require.Len(t, corrections, 1)
	require.Equal(t, store.ChangeMinorEdit, corrections[0].ChangeType)
	require.Equal(t, "be warmer", corrections[0].Feedback)

	require.Equal(t, []bus.EventType{bus.DraftEdited, bus.CorrectionRecorded}, events)
}

func TestEngine_AutoApprove(t *testing.T) {
	e, st, _ := newTestEngine(t)
	task := insertTaskWithMessage(t, st)
	draft, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)

	require.NoError(t, e.AutoApprove(draft.ID, "trusted-billing"))

	stored, err := st.Drafts.FindByID(draft.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftAutoApproved, stored.Status)
	require.Equal(t, "trusted-billing", stored.AutoApproveRule)
}

func TestEngine_MarkSentGates(t *testing.T) {
	e, st, _ := newTestEngine(t)
	task := insertTaskWithMessage(t, st)

	// Approved draft can be sent.
	d1, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)
	require.NoError(t, e.Approve(d1.ID, "alex"))
	require.NoError(t, e.MarkSent(d1.ID))
	stored, err := st.Drafts.FindByID(d1.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftSent, stored.Status)
	require.NotNil(t, stored.SentAt)

	// Pending draft cannot.
	d2, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)
	require.Error(t, e.MarkSent(d2.ID))

	// Edited-and-sent draft already went out; a second send is refused.
	d3, err := e.CreateDraft(task, &store.AgentOutput{Status: store.OutputCompleted, Summary: "ok"}, "email")
	require.NoError(t, err)
	require.NoError(t, e.EditAndApprove(d3.ID, "edited body", "", "", "alex"))
	require.Error(t, e.MarkSent(d3.ID))
}

func TestEngine_MatchRule(t *testing.T) {
	e, st, _ := newTestEngine(t)

	require.NoError(t, st.Rules.Insert(&store.ApprovalRule{
		Name: "billing-only", AgentType: "billing-email", MinQuality: 80, Enabled: true,
	}))
	require.NoError(t, st.Rules.Insert(&store.ApprovalRule{
		Name: "short-replies", MinQuality: 90, MaxBodyLength: 100, Enabled: true,
	}))
	require.NoError(t, st.Rules.Insert(&store.ApprovalRule{
		Name: "disabled", MinQuality: 0, Enabled: false,
	}))

	score := 95
	draft := &store.Draft{
		Body:         "short and sweet",
		QualityScore: &score,
		Metadata:     map[string]any{"agentType": "email-response"},
	}

	rule, err := e.MatchRule(draft)
	require.NoError(t, err)
	require.NotNil(t, rule)
	require.Equal(t, "short-replies", rule.Name)

	// Unscored drafts never match.
	rule, err = e.MatchRule(&store.Draft{Body: "x"})
	require.NoError(t, err)
	require.Nil(t, rule)

	// Quality below every threshold.
	low := 50
	rule, err = e.MatchRule(&store.Draft{Body: "x", QualityScore: &low})
	require.NoError(t, err)
	require.Nil(t, rule)
}
