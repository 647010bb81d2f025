package conductor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreclaw/coreclaw/internal/approval"
	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestQuality(t *testing.T) (*Quality, *store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st := newTestStore(t)
	q := NewQuality(st, b, approval.NewEngine(st, b))
	require.NoError(t, q.Start())
	t.Cleanup(q.Stop)
	return q, st, b
}

func insertCompletedTask(t *testing.T, st *store.Store, out *store.AgentOutput) *store.Task {
	t.Helper()
	task := &store.Task{Type: "email-response"}
	require.NoError(t, st.Tasks.Insert(task))
	require.NoError(t, st.Tasks.SetResult(task.ID, out))
	require.NoError(t, st.Tasks.UpdateStatus(task.ID, store.TaskRunning))
	require.NoError(t, st.Tasks.UpdateStatus(task.ID, store.TaskCompleted))
	return task
}

func TestQuality_OutputReviewApproved(t *testing.T) {
	_, st, b := newTestQuality(t)
	task := insertCompletedTask(t, st, &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "Replied to the customer with shipping details",
		Outputs: []store.OutputItem{{Type: "reply", Content: "Your order ships tomorrow."}},
	})

	results := record(b, bus.ConductorReviewResult)
	b.Publish(bus.ConductorReviewRequest, "workflow", map[string]any{"taskId": task.ID})

	require.Equal(t, 1, results.count())
	p := payloadMap(t, results.all()[0])
	require.Equal(t, true, p["approved"])
	require.Equal(t, 80, p["score"])

	stored, err := st.Tasks.FindByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskCompleted, stored.Status)
}

func TestQuality_OutputReviewRework(t *testing.T) {
	_, st, b := newTestQuality(t)
	// Short summary and no outputs: two corrections, score 40.
	task := insertCompletedTask(t, st, &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "done",
	})

	results := record(b, bus.ConductorReviewResult)
	b.Publish(bus.ConductorReviewRequest, "workflow", map[string]any{"taskId": task.ID})

	p := payloadMap(t, results.all()[0])
	require.Equal(t, false, p["approved"])
	require.Equal(t, 40, p["score"])
	require.Len(t, p["corrections"].([]string), 2)

	stored, err := st.Tasks.FindByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, stored.Status)
}

func TestQuality_EmptyOutputsReworkLoop(t *testing.T) {
	_, st, b := newTestQuality(t)
	task := insertCompletedTask(t, st, &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "Handled the customer request fully",
	})

	results := record(b, bus.ConductorReviewResult)
	b.Publish(bus.ConductorReviewRequest, "workflow", map[string]any{"taskId": task.ID})

	p := payloadMap(t, results.all()[0])
	require.Equal(t, false, p["approved"])
	require.Equal(t,
		[]string{"No outputs provided despite completed status"},
		p["corrections"].([]string))

	stored, err := st.Tasks.FindByID(task.ID)
	require.NoError(t, err)
	require.Equal(t, store.TaskRunning, stored.Status)
}

func TestQuality_OutputReviewScoreFloor(t *testing.T) {
	_, st, b := newTestQuality(t)
	// Four corrections would give 0; floor is 20.
	task := insertCompletedTask(t, st, &store.AgentOutput{
		Status:  store.OutputCompleted,
		Summary: "x",
		Outputs: []store.OutputItem{
			{Type: "reply", Content: "card 4111 1111 1111 1111"},
			{Type: "reply", Content: "password: hunter2"},
			{Type: "reply", Content: "mail me at a@b.example"},
		},
	})

	results := record(b, bus.ConductorReviewResult)
	b.Publish(bus.ConductorReviewRequest, "workflow", map[string]any{"taskId": task.ID})

	p := payloadMap(t, results.all()[0])
	require.Equal(t, false, p["approved"])
	require.Equal(t, 20, p["score"])
}

func insertDraft(t *testing.T, st *store.Store, d *store.Draft) *store.Draft {
	t.Helper()
	task := &store.Task{Type: "email-response"}
	require.NoError(t, st.Tasks.Insert(task))
	d.TaskID = task.ID
	if d.Channel == "" {
		d.Channel = "email"
	}
	if d.Status == "" {
		d.Status = store.DraftPendingReview
	}
	require.NoError(t, st.Drafts.Insert(d))
	return d
}

func TestQuality_DraftScoring(t *testing.T) {
	cases := []struct {
		name  string
		draft store.Draft
		score int
	}{
		{
			name: "clean draft",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    "Thanks for reaching out. Your order ships tomorrow.",
			},
			score: 100,
		},
		{
			name: "nineteen char body is short",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    strings.Repeat("a", 19),
			},
			score: 70,
		},
		{
			name: "twenty char body is fine",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    strings.Repeat("a", 20),
			},
			score: 100,
		},
		{
			name: "very long body",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    strings.Repeat("a", 5001),
			},
			score: 90,
		},
		{
			name: "missing subject and recipients",
			draft: store.Draft{
				Body: "Thanks for reaching out. Your order ships tomorrow.",
			},
			score: 60,
		},
		{
			name: "card number in body",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    "We charged card 4111111111111111 as requested today.",
			},
			score: 70,
		},
		{
			name: "excessive punctuation",
			draft: store.Draft{
				To:      []string{"kunde@example.com"},
				Subject: "Re: your order",
				Body:    "Please respond immediately!!! This cannot wait.",
			},
			score: 90,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, st, b := newTestQuality(t)
			d := insertDraft(t, st, &tc.draft)

			reviewed := record(b, bus.DraftQualityReviewed)
			b.Publish(bus.DraftCreated, "approval", map[string]any{"draftId": d.ID})

			require.Equal(t, 1, reviewed.count())
			p := payloadMap(t, reviewed.all()[0])
			require.Equal(t, tc.score, p["score"])

			stored, err := st.Drafts.FindByID(d.ID)
			require.NoError(t, err)
			require.NotNil(t, stored.QualityScore)
			require.Equal(t, tc.score, *stored.QualityScore)
		})
	}
}

func TestQuality_DraftScoreClampedAtZero(t *testing.T) {
	_, st, b := newTestQuality(t)
	// Short body, no subject, no recipients, password leak, punctuation.
	d := insertDraft(t, st, &store.Draft{Body: "password=abc!!!"})

	reviewed := record(b, bus.DraftQualityReviewed)
	b.Publish(bus.DraftCreated, "approval", map[string]any{"draftId": d.ID})

	p := payloadMap(t, reviewed.all()[0])
	require.Equal(t, 0, p["score"])
}

func TestQuality_AutoApproveAfterScoring(t *testing.T) {
	_, st, b := newTestQuality(t)
	require.NoError(t, st.Rules.Insert(&store.ApprovalRule{
		Name:       "routine-mail",
		MinQuality: 90,
		Enabled:    true,
	}))

	d := insertDraft(t, st, &store.Draft{
		To:      []string{"kunde@example.com"},
		Subject: "Re: your order",
		Body:    "Thanks for reaching out. Your order ships tomorrow.",
	})

	auto := record(b, bus.DraftAutoApproved)
	b.Publish(bus.DraftCreated, "approval", map[string]any{"draftId": d.ID})

	require.Equal(t, 1, auto.count())
	stored, err := st.Drafts.FindByID(d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftAutoApproved, stored.Status)
	require.Equal(t, "routine-mail", stored.AutoApproveRule)
}

func TestQuality_NoAutoApproveBelowThreshold(t *testing.T) {
	_, st, b := newTestQuality(t)
	require.NoError(t, st.Rules.Insert(&store.ApprovalRule{
		Name:       "strict",
		MinQuality: 95,
		Enabled:    true,
	}))

	// Score 70: nineteen char body.
	d := insertDraft(t, st, &store.Draft{
		To:      []string{"kunde@example.com"},
		Subject: "Re: your order",
		Body:    strings.Repeat("a", 19),
	})

	auto := record(b, bus.DraftAutoApproved)
	b.Publish(bus.DraftCreated, "approval", map[string]any{"draftId": d.ID})

	require.Equal(t, 0, auto.count())
	stored, err := st.Drafts.FindByID(d.ID)
	require.NoError(t, err)
	require.Equal(t, store.DraftPendingReview, stored.Status)
}
