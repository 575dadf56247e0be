package jenkins

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opswatch/opswatch-backend/pkg/config"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
)

const (
	defaultCallTimeout       = 30 * time.Second
	responseBodyLimit  int64 = 2048
)

// Client talks to the Jenkins control plane over its JSON remote API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	username   string
	apiToken   string
}

// ActionResult captures the control plane's response to a remediation call.
type ActionResult struct {
	Success        bool
	Action         string
	JobName        string
	BuildNumber    *int
	NewBuildNumber *int
	Message        string
	Timestamp      time.Time
	Details        map[string]string
	Duration       time.Duration
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// NewClient builds a Jenkins client from configuration.
func NewClient(cfg config.JenkinsConfig, opts ...Option) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "jenkins base url is required")
	}
	if strings.TrimSpace(cfg.Username) == "" || strings.TrimSpace(cfg.APIToken) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "jenkins credentials are required")
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	client := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		username:   cfg.Username,
		apiToken:   cfg.APIToken,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}

	return client, nil
}

// HealthCheck verifies the control plane answers its root API endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, "/api/json", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("jenkins health check returned status %d", resp.StatusCode))
	}
	return nil
}

// Restart triggers a fresh build of the job, with optional build
// parameters. The new build's number is looked up after the trigger and
// may be nil when the build is still queued.
func (c *Client) Restart(ctx context.Context, job string, params map[string]string) (*ActionResult, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/job/%s/build", url.PathEscape(job))
	var body url.Values
	if len(params) > 0 {
		path = fmt.Sprintf("/job/%s/buildWithParameters", url.PathEscape(job))
		body = url.Values{}
		for k, v := range params {
			body.Set(k, v)
		}
	}

	result, err := c.trigger(ctx, path, body, "restart", job, fmt.Sprintf("restarted job %s", job))
	if err != nil {
		return nil, err
	}
	result.NewBuildNumber = c.lastBuildNumber(ctx, job)
	if result.NewBuildNumber != nil {
		result.Message = fmt.Sprintf("restarted job %s, new build #%d", job, *result.NewBuildNumber)
	}
	return result, nil
}

// Rollback replays the job pinned to a previous known-good build. With
// a target build the replay is pinned to it; without one the job
// decides from its ROLLBACK parameter.
func (c *Client) Rollback(ctx context.Context, job string, build *int, params map[string]string) (*ActionResult, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	body := url.Values{}
	if build != nil {
		body.Set("ROLLBACK_TO", strconv.Itoa(*build))
	} else {
		body.Set("ROLLBACK", "true")
	}
	for k, v := range params {
		body.Set(k, v)
	}

	message := fmt.Sprintf("rolled back job %s", job)
	if build != nil {
		message = fmt.Sprintf("rolled back job %s to build #%d", job, *build)
	}
	path := fmt.Sprintf("/job/%s/buildWithParameters", url.PathEscape(job))
	result, err := c.trigger(ctx, path, body, "rollback", job, message)
	if err != nil {
		return nil, err
	}
	result.BuildNumber = build
	result.NewBuildNumber = c.lastBuildNumber(ctx, job)
	return result, nil
}

// LastSuccessfulBuild reports when the job last built successfully.
// Returns nil when the job has no successful build yet.
func (c *Client) LastSuccessfulBuild(ctx context.Context, job string) (*time.Time, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/job/%s/lastSuccessfulBuild/api/json?tree=timestamp", url.PathEscape(job))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("jenkins build lookup returned status %d", resp.StatusCode))
	}

	var payload struct {
		Timestamp int64 `json:"timestamp"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseBodyLimit)).Decode(&payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "decode jenkins build response")
	}
	if payload.Timestamp == 0 {
		return nil, nil
	}
	at := time.UnixMilli(payload.Timestamp).UTC()
	return &at, nil
}

// Stop aborts a specific build, or the job's last build when no build
// number is given.
func (c *Client) Stop(ctx context.Context, job string, build *int) (*ActionResult, error) {
	if err := validateJob(job); err != nil {
		return nil, err
	}

	path := fmt.Sprintf("/job/%s/lastBuild/stop", url.PathEscape(job))
	message := fmt.Sprintf("stopped last build of job %s", job)
	if build != nil {
		path = fmt.Sprintf("/job/%s/%d/stop", url.PathEscape(job), *build)
		message = fmt.Sprintf("stopped build #%d of job %s", *build, job)
	}
	result, err := c.trigger(ctx, path, nil, "stop", job, message)
	if err != nil {
		return nil, err
	}
	result.BuildNumber = build
	return result, nil
}

// lastBuildNumber reads the job's most recent build number. Best
// effort: a queued build that has not started yet reports nil.
func (c *Client) lastBuildNumber(ctx context.Context, job string) *int {
	path := fmt.Sprintf("/job/%s/lastBuild/api/json?tree=number", url.PathEscape(job))
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var payload struct {
		Number int `json:"number"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, responseBodyLimit)).Decode(&payload); err != nil {
		return nil
	}
	if payload.Number == 0 {
		return nil
	}
	return &payload.Number
}

func (c *Client) trigger(ctx context.Context, path string, form url.Values, action, job, message string) (*ActionResult, error) {
	start := time.Now()

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	resp, err := c.do(ctx, http.MethodPost, path, body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	duration := time.Since(start)

	// Jenkins answers build triggers with 201 and a queue item Location.
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
		return nil, pkgerrors.New(pkgerrors.CodeDependency,
			fmt.Sprintf("jenkins returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
	}

	result := &ActionResult{
		Success:   true,
		Action:    action,
		JobName:   job,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Duration:  duration,
	}
	if queueURL := resp.Header.Get("Location"); queueURL != "" {
		result.Details = map[string]string{"queue_url": queueURL}
	}
	return result, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "jenkins client not configured")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "build jenkins request")
	}
	req.SetBasicAuth(c.username, c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "execute jenkins request")
	}
	return resp, nil
}

func validateJob(job string) error {
	if strings.TrimSpace(job) == "" {
		return pkgerrors.New(pkgerrors.CodeValidation, "job name is required")
	}
	return nil
}
