package detector

import (
	"fmt"
	"regexp"

	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
)

var (
	buildFailureRe  = regexp.MustCompile(`(?i)build.*(fail|error)`)
	deployFailureRe = regexp.MustCompile(`(?i)deploy.*(fail|error)`)
	timeoutRe       = regexp.MustCompile(`(?i)timeout|timed out`)
)

// DefaultRules returns the built-in detection chain. Order matters:
// deployment failures are checked before generic build failures so a
// failed deploy build is classified as the more severe rule.
func DefaultRules() []Rule {
	return []Rule{
		&jenkinsMessageRule{
			name:     "jenkins_deployment_failure",
			severity: enums.SeverityCritical,
			pattern:  deployFailureRe,
			summary:  "Jenkins deployment failure",
			runbook:  "https://wiki.opswatch.dev/runbooks/deployment-failure",
		},
		&jenkinsMessageRule{
			name:     "jenkins_build_failure",
			severity: enums.SeverityHigh,
			pattern:  buildFailureRe,
			summary:  "Jenkins build failure",
			runbook:  "https://wiki.opswatch.dev/runbooks/build-failure",
		},
		&jenkinsTimeoutRule{},
		&apiAuthFailureRule{},
		&apiServerErrorRule{},
		&apiClientErrorRule{},
	}
}

// jenkinsMessageRule fires on ERROR-level Jenkins lines whose message
// matches the pattern.
type jenkinsMessageRule struct {
	name     string
	severity enums.Severity
	pattern  *regexp.Regexp
	summary  string
	runbook  string
}

func (r *jenkinsMessageRule) Name() string             { return r.name }
func (r *jenkinsMessageRule) Severity() enums.Severity { return r.severity }
func (r *jenkinsMessageRule) Runbook() string          { return r.runbook }

func (r *jenkinsMessageRule) Matches(entry models.LogEntry) bool {
	if entry.Source != enums.LogSourceJenkins {
		return false
	}
	if entry.Level != enums.LogLevelError && entry.Level != enums.LogLevelFatal {
		return false
	}
	return r.pattern.MatchString(entry.Message)
}

func (r *jenkinsMessageRule) Describe(entry models.LogEntry) (string, string) {
	title := r.summary
	if entry.JobName != nil && *entry.JobName != "" {
		title = fmt.Sprintf("%s in %s", r.summary, *entry.JobName)
	}
	return title, entry.Message
}

// jenkinsTimeoutRule catches jobs that hung regardless of log level.
type jenkinsTimeoutRule struct{}

func (r *jenkinsTimeoutRule) Name() string             { return "jenkins_timeout" }
func (r *jenkinsTimeoutRule) Severity() enums.Severity { return enums.SeverityMedium }

func (r *jenkinsTimeoutRule) Runbook() string {
	return "https://wiki.opswatch.dev/runbooks/job-timeout"
}

func (r *jenkinsTimeoutRule) Matches(entry models.LogEntry) bool {
	if entry.Source != enums.LogSourceJenkins {
		return false
	}
	return timeoutRe.MatchString(entry.Message)
}

func (r *jenkinsTimeoutRule) Describe(entry models.LogEntry) (string, string) {
	title := "Jenkins job timeout"
	if entry.JobName != nil && *entry.JobName != "" {
		title = fmt.Sprintf("Jenkins job timeout in %s", *entry.JobName)
	}
	return title, entry.Message
}

// apiAuthFailureRule fires on 401/403 responses. Registered before the
// generic 4xx rule so auth failures keep their own name and severity.
type apiAuthFailureRule struct{}

func (r *apiAuthFailureRule) Name() string             { return "api_authentication_failure" }
func (r *apiAuthFailureRule) Severity() enums.Severity { return enums.SeverityHigh }

func (r *apiAuthFailureRule) Runbook() string {
	return "https://wiki.opswatch.dev/runbooks/auth-failures"
}

func (r *apiAuthFailureRule) Matches(entry models.LogEntry) bool {
	if entry.Source != enums.LogSourceAPI || entry.Status == nil {
		return false
	}
	return *entry.Status == 401 || *entry.Status == 403
}

func (r *apiAuthFailureRule) Describe(entry models.LogEntry) (string, string) {
	return fmt.Sprintf("Authentication failure (%d)", *entry.Status), describeAPIEntry(entry)
}

// apiServerErrorRule fires on any 5xx response.
type apiServerErrorRule struct{}

func (r *apiServerErrorRule) Name() string             { return "api_5xx_error" }
func (r *apiServerErrorRule) Severity() enums.Severity { return enums.SeverityCritical }

func (r *apiServerErrorRule) Runbook() string {
	return "https://wiki.opswatch.dev/runbooks/api-server-errors"
}

func (r *apiServerErrorRule) Matches(entry models.LogEntry) bool {
	if entry.Source != enums.LogSourceAPI || entry.Status == nil {
		return false
	}
	return *entry.Status >= 500
}

func (r *apiServerErrorRule) Describe(entry models.LogEntry) (string, string) {
	return fmt.Sprintf("API server error (%d)", *entry.Status), describeAPIEntry(entry)
}

// apiClientErrorRule fires on remaining 4xx responses.
type apiClientErrorRule struct{}

func (r *apiClientErrorRule) Name() string             { return "api_4xx_spike" }
func (r *apiClientErrorRule) Severity() enums.Severity { return enums.SeverityMedium }

func (r *apiClientErrorRule) Runbook() string {
	return "https://wiki.opswatch.dev/runbooks/api-client-errors"
}

func (r *apiClientErrorRule) Matches(entry models.LogEntry) bool {
	if entry.Source != enums.LogSourceAPI || entry.Status == nil {
		return false
	}
	return *entry.Status >= 400 && *entry.Status < 500
}

func (r *apiClientErrorRule) Describe(entry models.LogEntry) (string, string) {
	return fmt.Sprintf("API client error (%d)", *entry.Status), describeAPIEntry(entry)
}

func describeAPIEntry(entry models.LogEntry) string {
	endpoint := ""
	if entry.Endpoint != nil {
		endpoint = *entry.Endpoint
	}
	method := ""
	if entry.Method != nil {
		method = *entry.Method
	}
	if method == "" && endpoint == "" {
		return entry.Message
	}
	return fmt.Sprintf("%s %s: %s", method, endpoint, entry.Message)
}
