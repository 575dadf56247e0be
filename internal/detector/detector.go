package detector

import (
	"sync"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// Match is the outcome of a rule firing on a log entry.
type Match struct {
	RuleName    string
	Severity    enums.Severity
	Title       string
	Description string
	Runbook     string
}

// Rule inspects a single log entry. Rules never see neighbouring entries.
type Rule interface {
	Name() string
	Severity() enums.Severity
	Runbook() string
	Matches(entry models.LogEntry) bool
	Describe(entry models.LogEntry) (title, description string)
}

// Engine evaluates rules in registration order. The first rule that
// matches wins; later rules are not consulted for that entry.
type Engine struct {
	mu    sync.RWMutex
	rules []Rule
}

// NewEngine builds an engine over the given ordered rules.
func NewEngine(rules []Rule) *Engine {
	return &Engine{rules: rules}
}

// NewDefaultEngine builds the engine with the built-in rule set.
func NewDefaultEngine() *Engine {
	return NewEngine(DefaultRules())
}

// Evaluate runs the entry through the rule chain and returns the first
// match, or nil when no rule fires.
func (e *Engine) Evaluate(entry models.LogEntry) *Match {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()
	for _, rule := range rules {
		if !rule.Matches(entry) {
			continue
		}
		title, description := rule.Describe(entry)
		return &Match{
			RuleName:    rule.Name(),
			Severity:    rule.Severity(),
			Title:       title,
			Description: description,
			Runbook:     rule.Runbook(),
		}
	}
	return nil
}

// AddRule appends a rule to the end of the chain. Safe to call while
// other goroutines evaluate.
func (e *Engine) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	e.mu.Lock()
	rules := make([]Rule, 0, len(e.rules)+1)
	rules = append(rules, e.rules...)
	e.rules = append(rules, rule)
	e.mu.Unlock()
}

// BatchMatch pairs a match with the index of the entry that produced it.
type BatchMatch struct {
	EntryIndex int
	Match      Match
}

// EvaluateBatch keeps entry order so callers can link incidents back to
// the rows they just inserted.
func (e *Engine) EvaluateBatch(entries []models.LogEntry) []BatchMatch {
	var matches []BatchMatch
	for i, entry := range entries {
		if m := e.Evaluate(entry); m != nil {
			matches = append(matches, BatchMatch{EntryIndex: i, Match: *m})
		}
	}
	return matches
}

// FilterCritical keeps only the matches urgent enough for an immediate,
// individually addressed notification.
func FilterCritical(matches []BatchMatch) []BatchMatch {
	var urgent []BatchMatch
	for _, m := range matches {
		if m.Match.Severity.AtLeast(enums.SeverityHigh) {
			urgent = append(urgent, m)
		}
	}
	return urgent
}
