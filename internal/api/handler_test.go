package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"device-sync-backend/config"
	"device-sync-backend/internal/db"
	"device-sync-backend/internal/logger"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/scheduler"
	"device-sync-backend/internal/store"
	"device-sync-backend/internal/syncer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	RunFunc     func(ctx context.Context, req syncer.Request) (*syncer.Result, error)
	ResolveFunc func(ctx context.Context, id string, in syncer.Resolve) (*model.SyncConflict, error)
	TestFunc    func(ctx context.Context, organizationID, integrationID string) error
}

func (f *fakeSyncer) Run(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
	return f.RunFunc(ctx, req)
}

func (f *fakeSyncer) ResolveConflict(ctx context.Context, id string, in syncer.Resolve) (*model.SyncConflict, error) {
	return f.ResolveFunc(ctx, id, in)
}

func (f *fakeSyncer) TestIntegration(ctx context.Context, organizationID, integrationID string) error {
	return f.TestFunc(ctx, organizationID, integrationID)
}

type fakeTicker struct {
	TickFunc func(ctx context.Context) ([]scheduler.RunResult, error)
}

func (f *fakeTicker) TickNow(ctx context.Context) ([]scheduler.RunResult, error) {
	return f.TickFunc(ctx)
}

type testServer struct {
	router *gin.Engine
	db     *gorm.DB
	syncer *fakeSyncer
	ticker *fakeTicker
}

func newTestServer(t *testing.T) *testServer {
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          fmt.Sprintf("file:api_%s?mode=memory&cache=shared", name),
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	t.Cleanup(func() { sqlDB.Close() })

	require.NoError(t, gormDB.Create(&model.Integration{
		ID: "int-1", OrganizationID: "org-1", Kind: "golioth", Name: "fleet", Enabled: true,
	}).Error)

	ts := &testServer{db: gormDB, syncer: &fakeSyncer{}, ticker: &fakeTicker{}}
	ts.router = NewRouter(store.NewGormStore(gormDB), ts.syncer, ts.ticker,
		RouterConfig{RateLimit: 1000, Burst: 1000, CacheTTL: time.Minute}, logger.NewTestLogger())
	return ts
}

func (ts *testServer) do(method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	ts.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestRunSync_InvalidBody(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodPost, "/api/sync", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.JSONEq(t, `{"error":"invalid request"}`, w.Body.String())

	w = ts.do(http.MethodPost, "/api/sync", `{"organizationId":"org-1","integrationId":"int-1"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "direction is required")

	w = ts.do(http.MethodPost, "/api/sync", `{"organization_id":"org-1","integration_id":"int-1","direction":"import"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code, "snake_case identifiers are not accepted")
}

func TestRunSync_Success(t *testing.T) {
	ts := newTestServer(t)
	var got syncer.Request
	ts.syncer.RunFunc = func(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
		got = req
		return &syncer.Result{
			Status: model.RunPartial,
			Summary: model.RunSummary{
				Direction: req.Direction, Matched: 3, Created: 1, Updated: 2, Unchanged: 4, Skipped: 1, Errored: 1,
				Details: []model.DeviceDetail{{DeviceID: "d-9", Reason: model.ReasonWriteFailed, Message: "boom"}},
			},
		}, nil
	}

	w := ts.do(http.MethodPost, "/api/sync", `{
		"organizationId": "org-1",
		"integrationId": "int-1",
		"direction": "import",
		"options": {
			"updateExisting": false,
			"conflictResolution": "remote_wins",
			"onlyOnline": true,
			"markRemoteAbsent": true,
			"deviceFilter": {"tags": ["prod"]}
		}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "org-1", got.OrganizationID)
	assert.Equal(t, model.DirectionImport, got.Direction)
	assert.Equal(t, model.PolicyRemoteWins, got.ConflictPolicy)
	assert.Equal(t, model.TriggerManual, got.Trigger)
	assert.True(t, got.Options.CreateMissing, "createMissing defaults to true")
	assert.False(t, got.Options.UpdateExisting)
	assert.True(t, got.Options.OnlyOnline)
	assert.True(t, got.Options.MarkRemoteAbsent)
	assert.Equal(t, []string{"prod"}, got.Options.Tags)

	var resp syncResponse
	decode(t, w, &resp)
	assert.True(t, resp.Success)
	assert.Equal(t, model.RunPartial, resp.Status)
	assert.Equal(t, syncCounts{Synced: 7, Created: 1, Updated: 2, Skipped: 1, Errors: 1, Matched: 3, Unchanged: 4}, resp.Summary)
	require.Len(t, resp.Details, 1)
	assert.Equal(t, "d-9", resp.Details[0].DeviceID)
}

func TestRunSync_DryRun(t *testing.T) {
	ts := newTestServer(t)
	var got syncer.Request
	ts.syncer.RunFunc = func(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
		got = req
		return &syncer.Result{Status: model.RunSuccess, Summary: model.RunSummary{Direction: req.Direction, DryRun: req.DryRun, Created: 2}}, nil
	}

	w := ts.do(http.MethodPost, "/api/sync", `{
		"organizationId": "org-1",
		"integrationId": "int-1",
		"direction": "export",
		"dryRun": true,
		"options": {"createMissing": false, "conflictResolution": "local_wins"}
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, "int-1", got.IntegrationID)
	assert.True(t, got.DryRun)
	assert.False(t, got.Options.CreateMissing)
	assert.True(t, got.Options.UpdateExisting)
	assert.Equal(t, model.PolicyLocalWins, got.ConflictPolicy)

	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, true, body["dryRun"])
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(2), body["summary"].(map[string]any)["created"])
}

func TestRunSync_ErrorMapping(t *testing.T) {
	testCases := []struct {
		name         string
		err          error
		expectedCode int
	}{
		{"not found", fmt.Errorf("%w: x", syncer.ErrIntegrationNotFound), http.StatusNotFound},
		{"disabled", fmt.Errorf("%w: x", syncer.ErrIntegrationDisabled), http.StatusConflict},
		{"run in progress", syncer.ErrRunInProgress, http.StatusConflict},
		{"bad direction", fmt.Errorf("%w: %q", syncer.ErrInvalidDirection, "sideways"), http.StatusBadRequest},
		{"unexpected", errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			ts.syncer.RunFunc = func(context.Context, syncer.Request) (*syncer.Result, error) {
				return nil, tc.err
			}

			w := ts.do(http.MethodPost, "/api/sync", `{"organizationId":"org-1","integrationId":"int-1","direction":"export"}`)
			assert.Equal(t, tc.expectedCode, w.Code)

			var body map[string]string
			decode(t, w, &body)
			if tc.expectedCode == http.StatusInternalServerError {
				assert.Equal(t, "internal error", body["error"])
			} else {
				assert.Equal(t, tc.err.Error(), body["error"])
			}
		})
	}
}

func TestRunSync_RemoteFetchFailedKeepsSummary(t *testing.T) {
	ts := newTestServer(t)
	ts.syncer.RunFunc = func(ctx context.Context, req syncer.Request) (*syncer.Result, error) {
		err := fmt.Errorf("%w: 503", syncer.ErrRemoteFetchFailed)
		return &syncer.Result{Status: model.RunFailed, Summary: model.RunSummary{Error: err.Error()}}, err
	}

	w := ts.do(http.MethodPost, "/api/sync", `{"organizationId":"org-1","integrationId":"int-1","direction":"bidirectional"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)

	var resp syncResponse
	decode(t, w, &resp)
	assert.False(t, resp.Success)
	assert.Equal(t, model.RunFailed, resp.Status)
	assert.Contains(t, resp.Error, "remote device fetch failed")
}

func TestSchedule_GetDefaultsThenPut(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(http.MethodGet, "/api/integrations/int-1/schedule", "")
	require.Equal(t, http.StatusOK, w.Code)
	var sched model.SyncSchedule
	decode(t, w, &sched)
	assert.False(t, sched.Enabled)
	assert.Equal(t, 15, sched.FrequencyMinutes)
	assert.Equal(t, model.DirectionBidirectional, sched.Direction)
	assert.Equal(t, model.PolicyNewestWins, sched.ConflictResolution)
	assert.True(t, sched.OnlyOnline)
	assert.Equal(t, model.DeviceFilterAll, sched.DeviceFilter)
	assert.Nil(t, sched.NextRunAt)

	w = ts.do(http.MethodPut, "/api/integrations/int-1/schedule", `{
		"enabled": true,
		"frequency_minutes": 5,
		"direction": "import",
		"time_window_enabled": true,
		"time_window_start": "22:00",
		"time_window_end": "06:00"
	}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	decode(t, w, &sched)
	assert.NotEmpty(t, sched.ID)
	assert.True(t, sched.Enabled)
	assert.Equal(t, 5, sched.FrequencyMinutes)
	assert.Equal(t, model.DirectionImport, sched.Direction)
	assert.NotNil(t, sched.NextRunAt, "enabling sets the first run")

	firstID := sched.ID
	w = ts.do(http.MethodGet, "/api/integrations/int-1/schedule", "")
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sched)
	assert.Equal(t, firstID, sched.ID, "cached default was invalidated")
	assert.Equal(t, "22:00", sched.TimeWindowStart)

	w = ts.do(http.MethodPut, "/api/integrations/int-1/schedule", `{"frequency_minutes": 30}`)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &sched)
	assert.Equal(t, firstID, sched.ID)
	assert.Equal(t, 30, sched.FrequencyMinutes)
	assert.Equal(t, model.DirectionImport, sched.Direction, "omitted fields keep stored values")
}

func TestSchedule_PutValidation(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{"zero frequency", `{"frequency_minutes": 0}`},
		{"unknown direction", `{"direction": "sideways"}`},
		{"unknown policy", `{"conflict_resolution": "coin_flip"}`},
		{"bad window", `{"time_window_enabled": true, "time_window_start": "25:00", "time_window_end": "06:00"}`},
		{"tagged without tags", `{"device_filter": "tagged"}`},
		{"unknown filter", `{"device_filter": "some"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(http.MethodPut, "/api/integrations/int-1/schedule", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestIntegrationEndpoints_NotFound(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range []string{
		"/api/integrations/missing/schedule",
		"/api/integrations/missing/activity",
		"/api/integrations/missing/conflicts",
		"/api/integrations/int-1/activity?organization_id=org-2",
		"/api/devices/missing/firmware-history",
	} {
		w := ts.do(http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, w.Code, path)
	}
}

func TestGetActivity(t *testing.T) {
	ts := newTestServer(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.db.Create(&model.ActivityLog{
			IntegrationID:  "int-1",
			OrganizationID: "org-1",
			Type:           model.ActivityTypeDeviceSync,
			Status:         model.ActivityStatusSuccess,
			Message:        fmt.Sprintf("run %d", i),
			CreatedAt:      base.Add(time.Duration(i) * time.Minute),
		}).Error)
	}

	w := ts.do(http.MethodGet, "/api/integrations/int-1/activity?limit=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []model.ActivityLog
	decode(t, w, &entries)
	require.Len(t, entries, 2)
	assert.Equal(t, "run 2", entries[0].Message)

	w = ts.do(http.MethodGet, "/api/integrations/int-1/activity?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestConflicts_ListAndResolve(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.db.Create(&model.SyncConflict{
		ID: "c-1", DeviceID: "d-1", IntegrationID: "int-1", OrganizationID: "org-1",
		FieldName: "firmware_version", LocalValue: `"1.0"`, RemoteValue: `"2.0"`, DetectedAt: time.Now(),
	}).Error)

	w := ts.do(http.MethodGet, "/api/integrations/int-1/conflicts", "")
	require.Equal(t, http.StatusOK, w.Code)
	var conflicts []model.SyncConflict
	decode(t, w, &conflicts)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "c-1", conflicts[0].ID)

	var got syncer.Resolve
	resolved := false
	ts.syncer.ResolveFunc = func(ctx context.Context, id string, in syncer.Resolve) (*model.SyncConflict, error) {
		if resolved {
			return nil, store.ErrConflictResolved
		}
		resolved = true
		got = in
		now := time.Now()
		return &model.SyncConflict{ID: id, DeviceID: "d-1", IntegrationID: "int-1", ResolvedAt: &now, Resolution: in.Resolution}, nil
	}

	body := `{"resolution":"custom","value":"3.0","resolved_by":"ops","notes":"pinned"}`
	w = ts.do(http.MethodPost, "/api/conflicts/c-1/resolve", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.ResolutionCustom, got.Resolution)
	assert.JSONEq(t, `"3.0"`, string(got.Value))
	assert.Equal(t, "ops", got.ResolvedBy)

	w = ts.do(http.MethodPost, "/api/conflicts/c-1/resolve", body)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = ts.do(http.MethodPost, "/api/conflicts/c-1/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetFirmwareHistory(t *testing.T) {
	ts := newTestServer(t)
	require.NoError(t, ts.db.Create(&model.Device{ID: "d-1", OrganizationID: "org-1", Name: "pump", DeviceType: "sensor"}).Error)
	require.NoError(t, ts.db.Create(&model.FirmwareHistory{
		DeviceID: "d-1", OrganizationID: "org-1", PreviousVersion: "1.0", NewVersion: "1.1", Source: model.FirmwareSourceSync,
	}).Error)

	w := ts.do(http.MethodGet, "/api/devices/d-1/firmware-history", "")
	require.Equal(t, http.StatusOK, w.Code)
	var history []model.FirmwareHistory
	decode(t, w, &history)
	require.Len(t, history, 1)
	assert.Equal(t, "1.1", history[0].NewVersion)
}

func TestTick(t *testing.T) {
	ts := newTestServer(t)
	ts.ticker.TickFunc = func(context.Context) ([]scheduler.RunResult, error) {
		return []scheduler.RunResult{
			{ScheduleID: "s1", Status: string(model.RunSuccess)},
			{ScheduleID: "s2", Status: scheduler.StatusSkipped, Reason: scheduler.SkipOutsideWindow},
		}, nil
	}

	w := ts.do(http.MethodPost, "/api/scheduler/tick", "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp tickResponse
	decode(t, w, &resp)
	assert.Equal(t, "Processed 2 schedule(s)", resp.Message)
	assert.Equal(t, scheduler.TickSummary{Total: 2, Succeeded: 1, Skipped: 1}, resp.Summary)
	assert.Len(t, resp.Results, 2)

	ts.ticker.TickFunc = func(context.Context) ([]scheduler.RunResult, error) {
		return nil, errors.New("db down")
	}
	w = ts.do(http.MethodPost, "/api/scheduler/tick", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTestIntegration(t *testing.T) {
	ts := newTestServer(t)

	ts.syncer.TestFunc = func(ctx context.Context, org, id string) error {
		assert.Equal(t, "org-1", org)
		assert.Equal(t, "int-1", id)
		return nil
	}
	w := ts.do(http.MethodPost, "/api/integrations/int-1/test", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true}`, w.Body.String())

	ts.syncer.TestFunc = func(context.Context, string, string) error {
		return errors.New("golioth list devices: unauthorized")
	}
	w = ts.do(http.MethodPost, "/api/integrations/int-1/test", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":false,"error":"golioth list devices: unauthorized"}`, w.Body.String())

	ts.syncer.TestFunc = func(context.Context, string, string) error {
		return fmt.Errorf("%w: int-1", syncer.ErrIntegrationDisabled)
	}
	w = ts.do(http.MethodPost, "/api/integrations/int-1/test", "")
	assert.Equal(t, http.StatusConflict, w.Code)
}
