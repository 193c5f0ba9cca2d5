package internal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"device-sync-backend/config"
	"device-sync-backend/internal/credential"
	"device-sync-backend/internal/db"
	"device-sync-backend/internal/logger"
	"device-sync-backend/internal/model"
	"device-sync-backend/internal/provider/all"
	"device-sync-backend/internal/scheduler"
	"device-sync-backend/internal/store"
	"device-sync-backend/internal/syncer"
)

// TestScheduledImportLifecycle drives one scheduled import against a fake
// Golioth project and verifies the database state afterwards.
func TestScheduledImportLifecycle(t *testing.T) {
	// --- Test Setup ---

	// 1. Setup an in-memory SQLite database for testing.
	gormDB, err := db.Init(&config.DatabaseConfig{
		Driver:       "sqlite",
		DSN:          "file:integration_lifecycle?mode=memory&cache=shared",
		MaxOpenConns: 1,
		MaxIdleConns: 1,
	})
	require.NoError(t, err)
	sqlDB, _ := gormDB.DB()
	defer sqlDB.Close()

	// 2. Mock server to simulate the Golioth management API.
	lastSeen := time.Now().UTC().Add(-time.Minute).Truncate(time.Second)
	var mu sync.Mutex
	var writes []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "golioth-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Method != http.MethodGet {
			mu.Lock()
			writes = append(writes, r.Method+" "+r.URL.Path)
			mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		assert.Equal(t, "/projects/p1/devices", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"page":    0,
			"perPage": 100,
			"total":   2,
			"list": []map[string]any{
				{
					"id":          "g-1",
					"name":        "sn-1",
					"hardwareIds": []string{"hw-1"},
					"tagIds":      []string{"prod"},
					"metadata": map[string]any{
						"lastSeenOnline": lastSeen,
						"update":         map[string]any{"main": map[string]string{"version": "2.0.0"}},
					},
				},
				{
					"id":          "g-2",
					"name":        "sn-2",
					"hardwareIds": []string{"hw-2"},
					"metadata": map[string]any{
						"update": map[string]any{"main": map[string]string{"version": "1.4.0"}},
					},
				},
			},
		})
	}))
	defer server.Close()

	// 3. Seed an integration with a sealed credential, one local device and a due schedule.
	key, err := credential.GenerateKey()
	require.NoError(t, err)
	box, err := credential.NewBox(key)
	require.NoError(t, err)
	sealed, err := box.Seal([]byte("golioth-key"))
	require.NoError(t, err)

	integration := model.Integration{
		ID:             "int-1",
		OrganizationID: "org-1",
		Kind:           "golioth",
		Name:           "fleet",
		Credential:     sealed,
		BaseURL:        server.URL,
		Settings:       map[string]string{"project_id": "p1"},
		Enabled:        true,
	}
	require.NoError(t, gormDB.Create(&integration).Error)
	require.NoError(t, gormDB.Create(&model.Device{
		ID:              "dev-1",
		OrganizationID:  "org-1",
		Name:            "Pump house",
		DeviceType:      "sensor",
		SerialNumber:    "sn-1",
		FirmwareVersion: "1.0.0",
	}).Error)
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, gormDB.Create(&model.SyncSchedule{
		ID:                 "sched-1",
		IntegrationID:      "int-1",
		OrganizationID:     "org-1",
		Enabled:            true,
		FrequencyMinutes:   5,
		Direction:          model.DirectionImport,
		ConflictResolution: model.PolicyRemoteWins,
		DeviceFilter:       model.DeviceFilterAll,
		NextRunAt:          &past,
	}).Error)

	// 4. Wire the real store, syncer and scheduler.
	appStore := store.NewGormStore(gormDB)
	syncSvc := syncer.New(appStore, all.Registry(), box, syncer.Config{}, logger.NewTestLogger())
	sched := scheduler.New(appStore, syncSvc, scheduler.Config{Enabled: true, Concurrency: 2}, logger.NewTestLogger())

	// --- Step 1: the due schedule runs ---
	before := time.Now()
	results, err := sched.TickNow(context.Background())
	after := time.Now()
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, string(model.RunSuccess), results[0].Status, results[0].Error)
	require.NotNil(t, results[0].Summary)
	assert.Equal(t, 1, results[0].Summary.Created)
	assert.Equal(t, 1, results[0].Summary.Updated)

	// The matched device took the remote firmware and got linked.
	var dev model.Device
	require.NoError(t, gormDB.First(&dev, "id = ?", "dev-1").Error)
	assert.Equal(t, "2.0.0", dev.FirmwareVersion)
	assert.Equal(t, "g-1", dev.ExternalDeviceID)
	require.NotNil(t, dev.IntegrationID)
	assert.Equal(t, "int-1", *dev.IntegrationID)
	require.NotNil(t, dev.LastSeenOnline)
	assert.True(t, lastSeen.Equal(*dev.LastSeenOnline))

	// The remote-only device was imported.
	var imported model.Device
	require.NoError(t, gormDB.First(&imported, "external_device_id = ?", "g-2").Error)
	assert.Equal(t, "sn-2", imported.SerialNumber)
	assert.Equal(t, "1.4.0", imported.FirmwareVersion)
	assert.Equal(t, "org-1", imported.OrganizationID)

	// One firmware transition was recorded for the updated device.
	var history []model.FirmwareHistory
	require.NoError(t, gormDB.Where("device_id = ?", "dev-1").Find(&history).Error)
	require.Len(t, history, 1)
	assert.Equal(t, "1.0.0", history[0].PreviousVersion)
	assert.Equal(t, "2.0.0", history[0].NewVersion)
	assert.Equal(t, model.FirmwareSourceSync, history[0].Source)

	// An import never writes to the remote.
	assert.Empty(t, writes)

	// The activity log carries the scheduled trigger.
	var activity []model.ActivityLog
	require.NoError(t, gormDB.Find(&activity).Error)
	require.Len(t, activity, 1)
	assert.Equal(t, model.ActivityStatusSuccess, activity[0].Status)
	assert.Equal(t, model.TriggerAutoSync, activity[0].Metadata.Trigger)
	assert.Equal(t, "sched-1", activity[0].Metadata.ScheduleID)
	assert.Equal(t, "incoming", activity[0].Direction)

	// The schedule advanced from the completion time and was released.
	var stored model.SyncSchedule
	require.NoError(t, gormDB.First(&stored, "id = ?", "sched-1").Error)
	assert.Equal(t, model.RunSuccess, stored.LastRunStatus)
	assert.False(t, stored.Running)
	require.NotNil(t, stored.NextRunAt)
	assert.False(t, stored.NextRunAt.Before(before.Add(5*time.Minute).Truncate(time.Second)))
	assert.False(t, stored.NextRunAt.After(after.Add(5*time.Minute)))
	require.NotNil(t, stored.LastRunSummary)
	assert.Equal(t, 1, stored.LastRunSummary.Created)

	var lease model.Integration
	require.NoError(t, gormDB.First(&lease, "id = ?", "int-1").Error)
	assert.Empty(t, lease.SyncLeaseHolder, "the run lease is released")

	// --- Step 2: nothing is due until the next run time ---
	results, err = sched.TickNow(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)

	// --- Step 3: a second import changes nothing ---
	res, err := syncSvc.Run(context.Background(), syncer.Request{
		OrganizationID: "org-1",
		IntegrationID:  "int-1",
		Direction:      model.DirectionImport,
		ConflictPolicy: model.PolicyRemoteWins,
		Options:        syncer.Options{CreateMissing: true, UpdateExisting: true},
	})
	require.NoError(t, err)
	assert.Equal(t, model.RunSuccess, res.Status)
	assert.Equal(t, 2, res.Summary.Unchanged)
	assert.Zero(t, res.Summary.Created)

	var count int64
	gormDB.Model(&model.FirmwareHistory{}).Count(&count)
	assert.EqualValues(t, 1, count, "no firmware change, no new history")
}
