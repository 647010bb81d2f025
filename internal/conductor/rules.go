package conductor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/coreclaw/coreclaw/internal/log"
	"github.com/coreclaw/coreclaw/internal/store"
)

// TriageRule is one rung of the deterministic triage ladder. A rule matches
// when the channel agrees (empty matches any) and any needle appears in the
// lower-cased subject or body. A rule without needles matches on channel
// alone. First match wins.
type TriageRule struct {
	Name            string         `yaml:"name"`
	Channel         string         `yaml:"channel,omitempty"`
	SubjectContains []string       `yaml:"subjectContains,omitempty"`
	BodyContains    []string       `yaml:"bodyContains,omitempty"`
	Category        string         `yaml:"category"`
	Priority        store.Priority `yaml:"priority"`
	AgentType       string         `yaml:"agentType"`
}

// TriageDecision is the outcome of running a message down the ladder.
type TriageDecision struct {
	Category  string
	Priority  store.Priority
	AgentType string
	Reason    string
}

// DefaultRules is the built-in ladder used when no rules file is configured.
// Needles are multilingual where the traffic is; the fallback rung always
// matches.
func DefaultRules() []TriageRule {
	return []TriageRule{
		{
			Name:            "urgent-subject",
			SubjectContains: []string{"urgent:", "dringend:"},
			Category:        "urgent-email",
			Priority:        store.PriorityUrgent,
			AgentType:       "email-response",
		},
		{
			Name:            "billing",
			SubjectContains: []string{"invoice", "rechnung", "payment due", "zahlung", "mahnung"},
			BodyContains:    []string{"invoice", "rechnung", "payment due", "zahlung"},
			Category:        "billing-email",
			Priority:        store.PriorityHigh,
			AgentType:       "billing-email",
		},
		{
			Name:            "complaint",
			SubjectContains: []string{"complaint", "beschwerde", "refund", "erstattung"},
			BodyContains:    []string{"complaint", "beschwerde", "refund", "erstattung"},
			Category:        "complaint",
			Priority:        store.PriorityHigh,
			AgentType:       "email-response",
		},
		{
			Name:            "scheduling",
			SubjectContains: []string{"meeting", "termin", "appointment", "call"},
			Category:        "scheduling",
			Priority:        store.PriorityNormal,
			AgentType:       "scheduling",
		},
		{
			Name:      "general",
			Category:  "general-email",
			Priority:  store.PriorityNormal,
			AgentType: "email-response",
		},
	}
}

// RuleSet holds the current ladder and supports hot reload from a YAML file.
type RuleSet struct {
	mu    sync.RWMutex
	rules []TriageRule
	path  string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewRuleSet starts with the built-in ladder.
func NewRuleSet() *RuleSet {
	return &RuleSet{rules: DefaultRules()}
}

// Match runs the message down the ladder. The final fallback guarantees a
// decision even against an empty rule list.
func (rs *RuleSet) Match(msg *store.Message) TriageDecision {
	rs.mu.RLock()
	rules := rs.rules
	rs.mu.RUnlock()

	subject := strings.ToLower(msg.Subject)
	body := strings.ToLower(msg.Body)

	for _, rule := range rules {
		if rule.Channel != "" && rule.Channel != msg.Channel {
			continue
		}
		if len(rule.SubjectContains) == 0 && len(rule.BodyContains) == 0 {
			return decisionFor(rule, "channel match")
		}
		for _, needle := range rule.SubjectContains {
			if strings.Contains(subject, needle) {
				return decisionFor(rule, fmt.Sprintf("subject contains %q", needle))
			}
		}
		for _, needle := range rule.BodyContains {
			if strings.Contains(body, needle) {
				return decisionFor(rule, fmt.Sprintf("body contains %q", needle))
			}
		}
	}

	return TriageDecision{
		Category:  "general-email",
		Priority:  store.PriorityNormal,
		AgentType: "email-response",
		Reason:    "no rule matched",
	}
}

func decisionFor(rule TriageRule, matched string) TriageDecision {
	return TriageDecision{
		Category:  rule.Category,
		Priority:  rule.Priority,
		AgentType: rule.AgentType,
		Reason:    fmt.Sprintf("rule %s: %s", rule.Name, matched),
	}
}

// ruleFile is the YAML shape of a rules file.
type ruleFile struct {
	Rules []TriageRule `yaml:"rules"`
}

// Load replaces the ladder from a YAML file. An unreadable or invalid file
// leaves the current ladder untouched.
func (rs *RuleSet) Load(path string) error {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("read rules file: %w", err)
	}

	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse rules file: %w", err)
	}
	if len(f.Rules) == 0 {
		return fmt.Errorf("rules file %s contains no rules", path)
	}
	for i, rule := range f.Rules {
		if rule.Category == "" || rule.AgentType == "" {
			return fmt.Errorf("rule %d (%s) missing category or agentType", i, rule.Name)
		}
		if rule.Priority == "" {
			f.Rules[i].Priority = store.PriorityNormal
		}
	}

	rs.mu.Lock()
	rs.rules = f.Rules
	rs.path = path
	rs.mu.Unlock()

	log.Info(log.CatConductor, "triage rules loaded", "path", path, "count", len(f.Rules))
	return nil
}

// Watch reloads the rules file when it changes on disk. Reload failures are
// logged; the previous ladder stays active.
func (rs *RuleSet) Watch(path string) error {
	if err := rs.Load(path); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create rules watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch rules directory: %w", err)
	}

	rs.mu.Lock()
	rs.watcher = watcher
	rs.done = make(chan struct{})
	done := rs.done
	rs.mu.Unlock()

	go rs.watchLoop(path, watcher, done)
	return nil
}

func (rs *RuleSet) watchLoop(path string, watcher *fsnotify.Watcher, done chan struct{}) {
	// Editors often write via rename; debounce collapses event bursts.
	const debounce = 500 * time.Millisecond
	var timer *time.Timer
	var timerC <-chan time.Time

	target := filepath.Base(path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(debounce)
			}
		case <-timerC:
			if err := rs.Load(path); err != nil {
				log.Warn(log.CatConductor, "rules reload failed, keeping previous ladder",
					"path", path, "error", err.Error())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatConductor, "rules watcher error", "error", err.Error())
		case <-done:
			return
		}
	}
}

// Close stops the watcher if one is running.
func (rs *RuleSet) Close() {
	rs.mu.Lock()
	watcher := rs.watcher
	done := rs.done
	rs.watcher = nil
	rs.done = nil
	rs.mu.Unlock()

	if done != nil {
		close(done)
	}
	if watcher != nil {
		_ = watcher.Close()
	}
}
