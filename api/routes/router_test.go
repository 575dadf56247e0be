package routes

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opswatch/opswatch-backend/api/controllers"
	"github.com/opswatch/opswatch-backend/internal/actions"
	"github.com/opswatch/opswatch-backend/internal/incidents"
	"github.com/opswatch/opswatch-backend/pkg/config"
	"github.com/opswatch/opswatch-backend/pkg/db/models"
	"github.com/opswatch/opswatch-backend/pkg/enums"
	pkgerrors "github.com/opswatch/opswatch-backend/pkg/errors"
	"github.com/opswatch/opswatch-backend/pkg/logger"
)

type stubIngestService struct{}

func (stubIngestService) Ingest(_ context.Context, entries []models.LogEntry) (int, error) {
	return len(entries), nil
}

type stubIncidentsService struct{}

func (stubIncidentsService) Get(context.Context, uuid.UUID) (*models.Incident, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
}

func (stubIncidentsService) List(context.Context, incidents.ListParams) ([]models.Incident, error) {
	return nil, nil
}

func (stubIncidentsService) MarkNotified(context.Context, uuid.UUID) error {
	return nil
}

func (stubIncidentsService) Acknowledge(context.Context, uuid.UUID, *string) (*models.Incident, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
}

func (stubIncidentsService) Investigate(context.Context, uuid.UUID) (*models.Incident, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
}

func (stubIncidentsService) Resolve(context.Context, uuid.UUID, incidents.Resolution) (*models.Incident, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
}

func (stubIncidentsService) ResolveTx(context.Context, *gorm.DB, uuid.UUID, incidents.Resolution) (*models.Incident, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "incident not found")
}

func (stubIncidentsService) Stats(context.Context, time.Duration) (incidents.Stats, error) {
	return incidents.Stats{}, nil
}

type stubActionsService struct{}

func (stubActionsService) Request(context.Context, actions.RequestParams) (*models.ActionExecution, error) {
	return &models.ActionExecution{ID: uuid.New(), ActionType: enums.ActionRestart, Status: enums.ActionPending}, nil
}

func (stubActionsService) Get(context.Context, uuid.UUID) (*models.ActionExecution, error) {
	return nil, pkgerrors.New(pkgerrors.CodeNotFound, "action not found")
}

func (stubActionsService) List(context.Context, actions.ListParams) ([]models.ActionExecution, error) {
	return nil, nil
}

func (stubActionsService) Stats(context.Context, time.Duration) (actions.Stats, error) {
	return actions.Stats{}, nil
}

type stubPinger struct {
	err error
}

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(checks ...controllers.DependencyCheck) http.Handler {
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	cfg := &config.Config{}
	cfg.App.Env = "test"
	return NewRouter(Deps{
		Config:    cfg,
		Logger:    logg,
		Ingest:    stubIngestService{},
		Incidents: stubIncidentsService{},
		Actions:   stubActionsService{},
		Readiness: checks,
	})
}

func TestRouterHealthEndpoints(t *testing.T) {
	router := newTestRouter(controllers.DependencyCheck{Name: "database", Pinger: stubPinger{}})

	for _, path := range []string{"/healthz", "/readyz"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != http.StatusOK {
			t.Fatalf("%s returned %d: %s", path, resp.Code, resp.Body.String())
		}
		if got := resp.Header().Get("X-OpsWatch-Env"); got != "test" {
			t.Fatalf("%s env header = %q", path, got)
		}
	}
}

func TestRouterReadyzReportsFailingDependency(t *testing.T) {
	router := newTestRouter(controllers.DependencyCheck{Name: "redis", Pinger: stubPinger{err: errors.New("connection refused")}})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestRouterServesMetrics(t *testing.T) {
	router := newTestRouter()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.Code)
	}
}

func TestRouterDispatchesV1Routes(t *testing.T) {
	router := newTestRouter()

	cases := []struct {
		method string
		path   string
		body   string
		want   int
	}{
		{http.MethodPost, "/v1/logs:ingest", `{"entries":[{"source":"jenkins","level":"ERROR","message":"build failed"}]}`, http.StatusAccepted},
		{http.MethodGet, "/v1/incidents", "", http.StatusOK},
		{http.MethodGet, "/v1/incidents/stats", "", http.StatusOK},
		{http.MethodGet, "/v1/incidents/" + uuid.NewString(), "", http.StatusNotFound},
		{http.MethodPost, "/v1/incidents/" + uuid.NewString() + "/investigate", "", http.StatusNotFound},
		{http.MethodPost, "/v1/actions", `{"action_type":"restart","target_job":"payments-service"}`, http.StatusAccepted},
		{http.MethodGet, "/v1/actions", "", http.StatusOK},
		{http.MethodGet, "/v1/actions/stats", "", http.StatusOK},
		{http.MethodGet, "/v1/unknown", "", http.StatusNotFound},
	}

	for _, tc := range cases {
		var req *http.Request
		if tc.body != "" {
			req = httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		} else {
			req = httptest.NewRequest(tc.method, tc.path, nil)
		}
		resp := httptest.NewRecorder()
		router.ServeHTTP(resp, req)

		if resp.Code != tc.want {
			t.Fatalf("%s %s returned %d, want %d: %s", tc.method, tc.path, resp.Code, tc.want, resp.Body.String())
		}
	}
}
