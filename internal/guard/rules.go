package guard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

// DeployLookup reports when the target job last deployed successfully.
// A nil time means no deploy is known for the job.
type DeployLookup func(ctx context.Context, job string) (*time.Time, error)

var nonProdPrefixes = []string{"dev-", "test-", "staging-"}

// DefaultRules builds the standard chain in evaluation order.
func DefaultRules(cfg config.SecurityConfig, deploys DeployLookup, now func() time.Time) []Rule {
	return []Rule{
		&allowListRule{allowed: cfg.AllowedJobs},
		&businessHoursRule{
			enabled: cfg.BusinessHoursOnly,
			start:   cfg.BusinessHoursStart,
			end:     cfg.BusinessHoursEnd,
			now:     now,
		},
		&stopPrefixRule{},
		&rollbackRecencyRule{
			maxAge:  time.Duration(cfg.RollbackMaxAge) * 24 * time.Hour,
			deploys: deploys,
			now:     now,
		},
	}
}

// allowListRule admits only allow-listed jobs. An empty list is
// permissive, which keeps lower environments usable without config.
type allowListRule struct {
	allowed []string
}

func (r *allowListRule) Name() string          { return "job_allow_list" }
func (r *allowListRule) Risk() enums.RiskLevel { return enums.RiskForbidden }

func (r *allowListRule) Check(_ context.Context, action models.ActionExecution) (bool, string) {
	if len(r.allowed) == 0 {
		return true, ""
	}
	for _, job := range r.allowed {
		if job == action.TargetJob {
			return true, ""
		}
	}
	return false, fmt.Sprintf("job %q is not on the allow-list", action.TargetJob)
}

// businessHoursRule confines actions to a weekday hour window when the
// restriction is enabled.
type businessHoursRule struct {
	enabled bool
	start   int
	end     int
	now     func() time.Time
}

func (r *businessHoursRule) Name() string          { return "business_hours" }
func (r *businessHoursRule) Risk() enums.RiskLevel { return enums.RiskModerate }

func (r *businessHoursRule) Check(_ context.Context, _ models.ActionExecution) (bool, string) {
	if !r.enabled {
		return true, ""
	}
	now := r.now()
	if now.Weekday() == time.Saturday || now.Weekday() == time.Sunday {
		return false, "automated actions are limited to weekdays"
	}
	hour := now.Hour()
	if hour < r.start || hour >= r.end {
		return false, fmt.Sprintf("automated actions are limited to %02d:00-%02d:00", r.start, r.end)
	}
	return true, ""
}

// stopPrefixRule permits stop actions only against jobs carrying a
// non-production prefix.
type stopPrefixRule struct{}

func (r *stopPrefixRule) Name() string          { return "stop_non_production_only" }
func (r *stopPrefixRule) Risk() enums.RiskLevel { return enums.RiskDangerous }

func (r *stopPrefixRule) Check(_ context.Context, action models.ActionExecution) (bool, string) {
	if action.ActionType != enums.ActionStop {
		return true, ""
	}
	job := strings.ToLower(action.TargetJob)
	for _, prefix := range nonProdPrefixes {
		if strings.HasPrefix(job, prefix) {
			return true, ""
		}
	}
	return false, fmt.Sprintf("stop is not permitted against %q", action.TargetJob)
}

// rollbackRecencyRule blocks rollbacks when the last known deploy is
// older than the configured bound. Missing deploy data or a failed
// lookup does not block the action; the bound only applies when the
// age is actually known.
type rollbackRecencyRule struct {
	maxAge  time.Duration
	deploys DeployLookup
	now     func() time.Time
}

func (r *rollbackRecencyRule) Name() string          { return "rollback_recency" }
func (r *rollbackRecencyRule) Risk() enums.RiskLevel { return enums.RiskModerate }

func (r *rollbackRecencyRule) Check(ctx context.Context, action models.ActionExecution) (bool, string) {
	if action.ActionType != enums.ActionRollback || r.maxAge <= 0 || r.deploys == nil {
		return true, ""
	}
	deployedAt, err := r.deploys(ctx, action.TargetJob)
	if err != nil || deployedAt == nil {
		return true, ""
	}
	age := r.now().Sub(*deployedAt)
	if age > r.maxAge {
		return false, fmt.Sprintf("last deploy of %q is %d days old, too old to roll back", action.TargetJob, int(age.Hours()/24))
	}
	return true, ""
}
