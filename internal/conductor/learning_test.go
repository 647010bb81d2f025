package conductor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/learning"
	"github.com/coreclaw/coreclaw/internal/store"
)

func newTestLearning(t *testing.T) (*Learning, *store.Store, *bus.Bus) {
	t.Helper()
	b := bus.New()
	st := newTestStore(t)
	l := NewLearning(st, b)
	require.NoError(t, l.Start())
	t.Cleanup(l.Stop)
	return l, st, b
}

// seedTonePattern creates enough tone corrections for one agent that the
// analyser produces a suggestion.
func seedTonePattern(t *testing.T, st *store.Store) {
	t.Helper()
	for i := 0; i < 10; i++ {
		task := &store.Task{Type: "email-response"}
		require.NoError(t, st.Tasks.Insert(task))
		d := &store.Draft{
			TaskID:   task.ID,
			Channel:  "email",
			Body:     "draft body",
			Status:   store.DraftPendingReview,
			Metadata: map[string]any{"agentType": "email-response"},
		}
		require.NoError(t, st.Drafts.Insert(d))
		if i < 5 {
			require.NoError(t, st.Corrections.Insert(&store.Correction{
				DraftID:      d.ID,
				TaskID:       task.ID,
				OriginalBody: d.Body,
				EditedBody:   "friendlier body",
				ChangeType:   store.ChangeToneChange,
				Feedback:     fmt.Sprintf("too stiff %d", i),
			}))
		}
	}
}

func TestLearning_BufferTriggersAnalysis(t *testing.T) {
	_, st, b := newTestLearning(t)
	seedTonePattern(t, st)

	insights := record(b, bus.ConductorLearningInsight)

	for i := 0; i < 4; i++ {
		b.Publish(bus.CorrectionRecorded, "approval", map[string]any{"draftId": fmt.Sprint(i)})
	}
	require.Equal(t, 0, insights.count())

	// Fifth event fills the buffer.
	b.Publish(bus.CorrectionRecorded, "approval", map[string]any{"draftId": "4"})
	require.Equal(t, 1, insights.count())

	env := insights.all()[0]
	require.Equal(t, "chief", env.Target)
	insight, ok := env.Payload.(learning.Insight)
	require.True(t, ok)
	require.Equal(t, "email-response", insight.AgentType)
	require.NotEmpty(t, insight.Suggestions)
}

func TestLearning_NoInsightWithoutSuggestions(t *testing.T) {
	_, st, b := newTestLearning(t)

	// One correction over many drafts keeps the rate below the cutoff.
	for i := 0; i < 20; i++ {
		task := &store.Task{Type: "email-response"}
		require.NoError(t, st.Tasks.Insert(task))
		require.NoError(t, st.Drafts.Insert(&store.Draft{
			TaskID:   task.ID,
			Channel:  "email",
			Body:     "draft body",
			Status:   store.DraftPendingReview,
			Metadata: map[string]any{"agentType": "email-response"},
		}))
	}

	insights := record(b, bus.ConductorLearningInsight)
	for i := 0; i < 5; i++ {
		b.Publish(bus.CorrectionRecorded, "approval", map[string]any{})
	}
	require.Equal(t, 0, insights.count())
}

func TestLearning_ReviewResultUpdatesPromptMetrics(t *testing.T) {
	_, st, b := newTestLearning(t)

	prompt := &store.PromptVersion{
		Name:    "email-response-system-prompt",
		Content: "You draft replies.",
		Active:  true,
	}
	require.NoError(t, st.Prompts.Insert(prompt))

	task := &store.Task{Type: "email-response"}
	require.NoError(t, st.Tasks.Insert(task))
	require.NoError(t, st.Drafts.Insert(&store.Draft{
		TaskID:   task.ID,
		Channel:  "email",
		Body:     "draft body",
		Status:   store.DraftPendingReview,
		Metadata: map[string]any{"agentType": "email-response"},
	}))

	b.Publish(bus.ConductorReviewResult, "quality", map[string]any{
		"taskId": task.ID, "approved": true, "score": 80,
	})

	stored, err := st.Prompts.FindByID(prompt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metrics)
	require.Equal(t, 1, stored.Metrics.UsageCount)
}

func TestLearning_FeedbackUpdatesPromptMetrics(t *testing.T) {
	_, st, b := newTestLearning(t)

	prompt := &store.PromptVersion{
		Name:    "billing-email-system-prompt",
		Content: "You draft billing replies.",
		Active:  true,
	}
	require.NoError(t, st.Prompts.Insert(prompt))

	b.Publish(bus.ConductorFeedback, "cli", map[string]any{
		"agentType": "billing-email", "rating": "positive",
	})

	stored, err := st.Prompts.FindByID(prompt.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Metrics)
}
