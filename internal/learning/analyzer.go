// Package learning mines human corrections for per-agent patterns and turns
// them into prompt-improvement suggestions and prompt metrics.
package learning

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// Analysis window sizes.
const (
	correctionWindow = 200
	draftWindow      = 500
	maxExamples      = 5
)

// Confidence levels attached to suggestions.
const (
	ConfidenceHigh   = "high"
	ConfidenceMedium = "medium"
)

// Example points at a correction that illustrates a pattern.
type Example struct {
	DraftID  string `json:"draftId"`
	Feedback string `json:"feedback"`
}

// Pattern aggregates one change type for one agent.
type Pattern struct {
	ChangeType store.ChangeType `json:"changeType"`
	Count      int              `json:"count"`
	Percentage int              `json:"percentage"`
	Examples   []Example        `json:"examples"`
}

// Suggestion is a human-readable prompt improvement hint.
type Suggestion struct {
	Type       string `json:"type"`
	Text       string `json:"text"`
	Confidence string `json:"confidence"`
}

// Insight is the per-agent analysis result.
type Insight struct {
	AgentType      string       `json:"agentType"`
	CorrectionRate int          `json:"correctionRate"`
	Patterns       []Pattern    `json:"patterns"`
	Suggestions    []Suggestion `json:"suggestions"`
	GeneratedAt    time.Time    `json:"generatedAt"`
}

// Analyzer computes insights over recent corrections and drafts.
type Analyzer struct {
	store *store.Store
}

// NewAnalyzer creates an analyzer over the given store.
func NewAnalyzer(st *store.Store) *Analyzer {
	return &Analyzer{store: st}
}

// Analyze groups the last corrections by the owning draft's agent type and
// derives patterns and suggestions. Agents without drafts are skipped.
func (a *Analyzer) Analyze() ([]Insight, error) {
	corrections, err := a.store.Corrections.Recent(correctionWindow)
	if err != nil {
		return nil, fmt.Errorf("load corrections: %w", err)
	}
	drafts, err := a.store.Drafts.Recent(draftWindow)
	if err != nil {
		return nil, fmt.Errorf("load drafts: %w", err)
	}

	agentByDraft := make(map[string]string, len(drafts))
	draftsByAgent := make(map[string]int)
	for _, d := range drafts {
		agent := agentType(d)
		if agent == "" {
			continue
		}
		agentByDraft[d.ID] = agent
		draftsByAgent[agent]++
	}

	correctionsByAgent := make(map[string][]*store.Correction)
	for _, c := range corrections {
		agent, ok := agentByDraft[c.DraftID]
		if !ok {
			continue
		}
		correctionsByAgent[agent] = append(correctionsByAgent[agent], c)
	}

	agents := make([]string, 0, len(correctionsByAgent))
	for agent := range correctionsByAgent {
		agents = append(agents, agent)
	}
	sort.Strings(agents)

	now := time.Now().UTC()
	insights := make([]Insight, 0, len(agents))
	for _, agent := range agents {
		agentCorrections := correctionsByAgent[agent]
		draftCount := draftsByAgent[agent]
		if draftCount == 0 {
			continue
		}

		patterns := buildPatterns(agentCorrections)
		rate := roundPct(len(agentCorrections), draftCount)
		insight := Insight{
			AgentType:      agent,
			CorrectionRate: rate,
			Patterns:       patterns,
			Suggestions:    buildSuggestions(agent, rate, patterns),
			GeneratedAt:    now,
		}
		insights = append(insights, insight)

		log.Debug(log.CatLearning, "analysis produced insight",
			"agentType", agent, "correctionRate", rate, "suggestions", len(insight.Suggestions))
	}
	return insights, nil
}

// UpdatePromptMetrics recomputes the active system prompt's rolling metrics
// for one agent type from recent drafts. A missing active prompt is not an
// error.
func (a *Analyzer) UpdatePromptMetrics(agent string) error {
	prompt, err := a.store.Prompts.FindActive(agent + "-system-prompt")
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	drafts, err := a.store.Drafts.Recent(draftWindow)
	if err != nil {
		return fmt.Errorf("load drafts: %w", err)
	}

	var usage, positive, negative, corrected int
	for _, d := range drafts {
		if agentType(d) != agent {
			continue
		}
		usage++
		switch d.Status {
		case store.DraftApproved, store.DraftSent:
			positive++
		case store.DraftRejected:
			negative++
		}
		if d.Status == store.DraftEditedAndSent || d.Status == store.DraftRejected {
			corrected++
		}
	}

	metrics := &store.PromptMetrics{
		UsageCount:     usage,
		PositiveRating: positive,
		NegativeRating: negative,
		CorrectionRate: roundPct(corrected, usage),
	}
	if prompt.Metrics != nil {
		metrics.AvgDurationMS = prompt.Metrics.AvgDurationMS
	}
	return a.store.Prompts.UpdateMetrics(prompt.ID, metrics)
}

func buildPatterns(corrections []*store.Correction) []Pattern {
	byType := make(map[store.ChangeType][]*store.Correction)
	for _, c := range corrections {
		byType[c.ChangeType] = append(byType[c.ChangeType], c)
	}

	types := make([]store.ChangeType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	patterns := make([]Pattern, 0, len(types))
	for _, t := range types {
		group := byType[t]
		p := Pattern{
			ChangeType: t,
			Count:      len(group),
			Percentage: roundPct(len(group), len(corrections)),
		}
		for _, c := range group {
			if len(p.Examples) == maxExamples {
				break
			}
			p.Examples = append(p.Examples, Example{DraftID: c.DraftID, Feedback: c.Feedback})
		}
		patterns = append(patterns, p)
	}
	return patterns
}

// buildSuggestions applies the threshold rules. Nothing is suggested below a
// 10 percent correction rate.
func buildSuggestions(agent string, correctionRate int, patterns []Pattern) []Suggestion {
	if correctionRate < 10 {
		return nil
	}

	counts := make(map[store.ChangeType]Pattern)
	for _, p := range patterns {
		counts[p.ChangeType] = p
	}

	var out []Suggestion
	if p := counts[store.ChangeToneChange]; p.Count >= 2 {
		out = append(out, Suggestion{
			Type:       "tone",
			Text:       fmt.Sprintf("%s replies are frequently re-toned (%d times); add explicit tone guidance to the prompt", agent, p.Count),
			Confidence: confidenceByCount(p.Count),
		})
	}
	if p := counts[store.ChangeMajorRewrite]; p.Count >= 2 {
		out = append(out, Suggestion{
			Type:       "structure",
			Text:       fmt.Sprintf("%s replies are often rewritten wholesale (%d times); review the response structure the prompt asks for", agent, p.Count),
			Confidence: confidenceByCount(p.Count),
		})
	}
	if p := counts[store.ChangeRejection]; p.Percentage >= 20 {
		out = append(out, Suggestion{
			Type:       "rewrite",
			Text:       fmt.Sprintf("%d%% of %s corrections are outright rejections; the prompt likely needs a fundamental rewrite", p.Percentage, agent),
			Confidence: ConfidenceHigh,
		})
	}
	if correctionRate >= 50 && len(out) == 0 {
		out = append(out, Suggestion{
			Type:       "clarity",
			Text:       fmt.Sprintf("over half of %s drafts get corrected; clarify the prompt's instructions", agent),
			Confidence: ConfidenceMedium,
		})
	}
	return out
}

func confidenceByCount(count int) string {
	if count >= 5 {
		return ConfidenceHigh
	}
	return ConfidenceMedium
}

func agentType(d *store.Draft) string {
	if d.Metadata == nil {
		return ""
	}
	agent, _ := d.Metadata["agentType"].(string)
	return agent
}

func roundPct(part, whole int) int {
	if whole == 0 {
		return 0
	}
	return int(math.Round(100 * float64(part) / float64(whole)))
}
