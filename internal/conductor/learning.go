package conductor

import (
	"sync"
	"time"

	"github.com/coreclaw/coreclaw/internal/bus"
	"github.com/coreclaw/coreclaw/internal/learning"
	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

const (
	analysisBufferSize = 5
	analysisInterval   = 5 * time.Minute
)

// Learning buffers corrections and periodically runs the analyser, feeding
// insights to the Chief. It also keeps prompt metric tallies current.
type Learning struct {
	base
	store    *store.Store
	analyzer *learning.Analyzer

	mu       sync.Mutex
	buffered int
	ticker   *time.Ticker
	done     chan struct{}
}

// NewLearning creates the Learning conductor.
func NewLearning(st *store.Store, b *bus.Bus) *Learning {
	return &Learning{
		base:     newBase("learning", b),
		store:    st,
		analyzer: learning.NewAnalyzer(st),
	}
}

// Start subscribes to review, feedback and correction events and starts the
// periodic analysis timer. Idempotent.
func (l *Learning) Start() error {
	if !l.begin() {
		return nil
	}
	l.subscribe(bus.ConductorReviewResult, l.onReviewResult)
	l.subscribe(bus.ConductorFeedback, l.onFeedback)
	l.subscribe(bus.CorrectionRecorded, l.onCorrectionRecorded)

	l.mu.Lock()
	l.ticker = time.NewTicker(analysisInterval)
	l.done = make(chan struct{})
	ticker, done := l.ticker, l.done
	l.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				l.analyze("timer")
			case <-done:
				return
			}
		}
	}()

	log.Info(log.CatConductor, "conductor started", "name", l.name)
	return nil
}

// Stop halts the timer and removes subscriptions.
func (l *Learning) Stop() {
	l.mu.Lock()
	ticker, done := l.ticker, l.done
	l.ticker, l.done = nil, nil
	l.mu.Unlock()

	if ticker != nil {
		ticker.Stop()
	}
	if done != nil {
		close(done)
	}
	l.base.Stop()
}

func (l *Learning) onReviewResult(env bus.Envelope) {
	taskID := payloadString(env.Payload, "taskId")
	if taskID == "" {
		return
	}
	task, err := l.store.Tasks.FindByID(taskID)
	if err != nil {
		log.ErrorErr(log.CatConductor, "learning task lookup failed", err, "taskID", taskID)
		return
	}
	l.updateMetrics(task.Type)
}

func (l *Learning) onFeedback(env bus.Envelope) {
	agent := payloadString(env.Payload, "agentType")
	if agent == "" {
		return
	}
	l.updateMetrics(agent)
}

func (l *Learning) onCorrectionRecorded(env bus.Envelope) {
	l.mu.Lock()
	l.buffered++
	full := l.buffered >= analysisBufferSize
	l.mu.Unlock()

	if full {
		l.analyze("buffer")
	}
}

// analyze runs one analysis pass. The buffer and timer race for the trigger;
// whichever fires first resets the buffer so the other becomes a no-op pass.
func (l *Learning) analyze(trigger string) {
	l.mu.Lock()
	l.buffered = 0
	l.mu.Unlock()

	insights, err := l.analyzer.Analyze()
	if err != nil {
		log.ErrorErr(log.CatConductor, "learning analysis failed", err, "trigger", trigger)
		return
	}

	for _, insight := range insights {
		if len(insight.Suggestions) == 0 {
			continue
		}
		log.Info(log.CatConductor, "learning insight",
			"agentType", insight.AgentType,
			"correctionRate", insight.CorrectionRate,
			"suggestions", len(insight.Suggestions),
			"trigger", trigger)
		l.bus.PublishTo(bus.ConductorLearningInsight, l.name, "chief", insight)
	}
}

func (l *Learning) updateMetrics(agent string) {
	if err := l.analyzer.UpdatePromptMetrics(agent); err != nil {
		log.ErrorErr(log.CatConductor, "prompt metrics update failed", err, "agentType", agent)
	}
}
