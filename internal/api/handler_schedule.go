package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/scheduler"
	"device-sync-backend/internal/store"
)

// defaultSchedule is what an integration without a stored schedule reports.
func defaultSchedule(integration *model.Integration) *model.SyncSchedule {
	return &model.SyncSchedule{
		IntegrationID:      integration.ID,
		OrganizationID:     integration.OrganizationID,
		Enabled:            false,
		FrequencyMinutes:   15,
		Direction:          model.DirectionBidirectional,
		ConflictResolution: model.PolicyNewestWins,
		OnlyOnline:         true,
		DeviceFilter:       model.DeviceFilterAll,
		DeviceTags:         []string{},
	}
}

type scheduleRequest struct {
	Enabled            *bool                `json:"enabled"`
	FrequencyMinutes   *int                 `json:"frequency_minutes"`
	Direction          model.Direction      `json:"direction"`
	ConflictResolution model.ConflictPolicy `json:"conflict_resolution"`
	OnlyOnline         *bool                `json:"only_online"`
	TimeWindowEnabled  *bool                `json:"time_window_enabled"`
	TimeWindowStart    *string              `json:"time_window_start"`
	TimeWindowEnd      *string              `json:"time_window_end"`
	DeviceFilter       string               `json:"device_filter"`
	DeviceTags         []string             `json:"device_tags"`
}

// apply overlays the fields present in the request onto s.
func (r *scheduleRequest) apply(s *model.SyncSchedule) {
	if r.Enabled != nil {
		s.Enabled = *r.Enabled
	}
	if r.FrequencyMinutes != nil {
		s.FrequencyMinutes = *r.FrequencyMinutes
	}
	if r.Direction != "" {
		s.Direction = r.Direction
	}
	if r.ConflictResolution != "" {
		s.ConflictResolution = r.ConflictResolution
	}
	if r.OnlyOnline != nil {
		s.OnlyOnline = *r.OnlyOnline
	}
	if r.TimeWindowEnabled != nil {
		s.TimeWindowEnabled = *r.TimeWindowEnabled
	}
	if r.TimeWindowStart != nil {
		s.TimeWindowStart = *r.TimeWindowStart
	}
	if r.TimeWindowEnd != nil {
		s.TimeWindowEnd = *r.TimeWindowEnd
	}
	if r.DeviceFilter != "" {
		s.DeviceFilter = r.DeviceFilter
	}
	if r.DeviceTags != nil {
		s.DeviceTags = r.DeviceTags
	}
}

func validateSchedule(s *model.SyncSchedule) error {
	if s.FrequencyMinutes < 1 {
		return fmt.Errorf("%w: frequency_minutes must be at least 1", errBadRequest)
	}
	if !s.Direction.Valid() {
		return fmt.Errorf("%w: unknown direction %q", errBadRequest, s.Direction)
	}
	if !s.ConflictResolution.Valid() {
		return fmt.Errorf("%w: unknown conflict_resolution %q", errBadRequest, s.ConflictResolution)
	}
	switch s.DeviceFilter {
	case model.DeviceFilterAll:
	case model.DeviceFilterTagged:
		if len(s.DeviceTags) == 0 {
			return fmt.Errorf("%w: device_filter tagged needs device_tags", errBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown device_filter %q", errBadRequest, s.DeviceFilter)
	}
	if s.TimeWindowEnabled {
		if _, err := scheduler.ParseClock(s.TimeWindowStart); err != nil {
			return fmt.Errorf("%w: time_window_start: %v", errBadRequest, err)
		}
		if _, err := scheduler.ParseClock(s.TimeWindowEnd); err != nil {
			return fmt.Errorf("%w: time_window_end: %v", errBadRequest, err)
		}
	}
	return nil
}

// GetSchedule handles GET /api/integrations/:id/schedule.
func (h *Handler) GetSchedule(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}

	schedule, err := h.store.GetSchedule(c.Request.Context(), integration.ID)
	if store.IsNotFound(err) {
		c.JSON(http.StatusOK, defaultSchedule(integration))
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, schedule)
}

// PutSchedule handles PUT /api/integrations/:id/schedule. Omitted fields
// keep their stored or default values.
func (h *Handler) PutSchedule(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}

	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request")
		return
	}

	ctx := c.Request.Context()
	schedule, err := h.store.GetSchedule(ctx, integration.ID)
	if store.IsNotFound(err) {
		schedule = defaultSchedule(integration)
	} else if err != nil {
		h.fail(c, err)
		return
	}

	req.apply(schedule)
	if err := validateSchedule(schedule); err != nil {
		h.fail(c, err)
		return
	}
	if schedule.Enabled && schedule.NextRunAt == nil {
		now := h.now().UTC()
		schedule.NextRunAt = &now
	}

	schedule.ID = ""
	schedule.UpdatedAt = time.Time{}
	if err := h.store.UpsertSchedule(ctx, schedule); err != nil {
		h.fail(c, err)
		return
	}
	h.invalidate(integrationPath(integration.ID))

	h.log.Info().
		Str("integration_id", integration.ID).
		Bool("enabled", schedule.Enabled).
		Int("frequency_minutes", schedule.FrequencyMinutes).
		Msg("schedule saved")
	c.JSON(http.StatusOK, schedule)
}

type tickResponse struct {
	Message string                `json:"message"`
	Summary scheduler.TickSummary `json:"summary"`
	Results []scheduler.RunResult `json:"results"`
}

// Tick handles POST /api/scheduler/tick, for an external cron.
func (h *Handler) Tick(c *gin.Context) {
	results, err := h.ticker.TickNow(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	if results == nil {
		results = []scheduler.RunResult{}
	}
	h.invalidate("")

	c.JSON(http.StatusOK, tickResponse{
		Message: fmt.Sprintf("Processed %d schedule(s)", len(results)),
		Summary: scheduler.Summarize(results),
		Results: results,
	})
}
