package guard

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// Verdict is the outcome of running an action through the rule chain.
type Verdict struct {
	Allowed bool
	Risk    enums.RiskLevel
	Reason  string
	Rule    string
}

// Rule checks one safety condition against a proposed action. Rules are
// independent of each other; ordering decides which reason wins. Risk is
// the tier a denial by this rule carries.
type Rule interface {
	Name() string
	Risk() enums.RiskLevel
	Check(ctx context.Context, action models.ActionExecution) (bool, string)
}

// Guard evaluates ordered safety rules before any remediation runs.
type Guard struct {
	mu    sync.RWMutex
	rules []Rule
}

// New builds a guard with the default rule chain for the given policy.
func New(cfg config.SecurityConfig, deploys DeployLookup, now func() time.Time) *Guard {
	if now == nil {
		now = time.Now
	}
	return &Guard{rules: DefaultRules(cfg, deploys, now)}
}

// NewWithRules builds a guard over a custom chain, used in tests.
func NewWithRules(rules []Rule) *Guard {
	return &Guard{rules: rules}
}

// AddRule appends a rule to the end of the chain. Safe to call while
// other goroutines validate.
func (g *Guard) AddRule(rule Rule) {
	if rule == nil {
		return
	}
	g.mu.Lock()
	rules := make([]Rule, 0, len(g.rules)+1)
	rules = append(rules, g.rules...)
	g.rules = append(rules, rule)
	g.mu.Unlock()
}

// Validate runs the chain in order. The first unsatisfied rule
// short-circuits; the denial carries that rule's risk tier. When every
// rule passes the risk is graded from the action itself.
func (g *Guard) Validate(ctx context.Context, action models.ActionExecution) Verdict {
	g.mu.RLock()
	rules := g.rules
	g.mu.RUnlock()

	for _, rule := range rules {
		ok, reason := rule.Check(ctx, action)
		if !ok {
			return Verdict{
				Allowed: false,
				Risk:    rule.Risk(),
				Reason:  reason,
				Rule:    rule.Name(),
			}
		}
	}
	return Verdict{Allowed: true, Risk: ClassifyRisk(action)}
}

// ClassifyRisk grades an action by how disruptive it is, regardless of
// whether the rules allow it.
func ClassifyRisk(action models.ActionExecution) enums.RiskLevel {
	switch action.ActionType {
	case enums.ActionStop:
		return enums.RiskDangerous
	case enums.ActionRollback:
		return enums.RiskModerate
	case enums.ActionRestart:
		if strings.Contains(strings.ToLower(action.TargetJob), "prod") {
			return enums.RiskModerate
		}
	}
	return enums.RiskSafe
}
