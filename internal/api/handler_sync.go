package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/syncer"
)

type deviceFilter struct {
	Tags []string `json:"tags"`
}

type syncOptions struct {
	CreateMissing      *bool                `json:"createMissing"`
	UpdateExisting     *bool                `json:"updateExisting"`
	ConflictResolution model.ConflictPolicy `json:"conflictResolution"`
	OnlyOnline         bool                 `json:"onlyOnline"`
	MarkRemoteAbsent   bool                 `json:"markRemoteAbsent"`
	DeviceFilter       deviceFilter         `json:"deviceFilter"`
}

type syncRequest struct {
	OrganizationID string          `json:"organizationId" binding:"required"`
	IntegrationID  string          `json:"integrationId" binding:"required"`
	Direction      model.Direction `json:"direction" binding:"required"`
	DryRun         bool            `json:"dryRun"`
	Options        syncOptions     `json:"options"`
}

type syncCounts struct {
	Synced    int `json:"synced"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Matched   int `json:"matched"`
	Unchanged int `json:"unchanged"`
	Conflicts int `json:"conflicts"`
}

type syncResponse struct {
	Success          bool                     `json:"success"`
	Status           model.RunStatus          `json:"status"`
	DryRun           bool                     `json:"dryRun"`
	Cancelled        bool                     `json:"cancelled,omitempty"`
	Summary          syncCounts               `json:"summary"`
	Details          []model.DeviceDetail     `json:"details,omitempty"`
	DetailsTruncated int                      `json:"detailsTruncated,omitempty"`
	Conflicts        []syncer.DeviceConflicts `json:"conflicts,omitempty"`
	Error            string                   `json:"error,omitempty"`
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func newSyncResponse(res *syncer.Result) syncResponse {
	sum := res.Summary
	return syncResponse{
		Success:   res.Success(),
		Status:    res.Status,
		DryRun:    sum.DryRun,
		Cancelled: sum.Cancelled,
		Summary: syncCounts{
			Synced:    sum.Synced(),
			Created:   sum.Created,
			Updated:   sum.Updated,
			Skipped:   sum.Skipped,
			Errors:    sum.Errored,
			Matched:   sum.Matched,
			Unchanged: sum.Unchanged,
			Conflicts: sum.Conflicts,
		},
		Details:          sum.Details,
		DetailsTruncated: sum.DetailsTruncated,
		Conflicts:        res.Conflicts,
		Error:            sum.Error,
	}
}

// RunSync handles POST /api/sync.
func (h *Handler) RunSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request")
		return
	}

	res, err := h.syncer.Run(c.Request.Context(), syncer.Request{
		OrganizationID: req.OrganizationID,
		IntegrationID:  req.IntegrationID,
		Direction:      req.Direction,
		ConflictPolicy: req.Options.ConflictResolution,
		DryRun:         req.DryRun,
		Options: syncer.Options{
			CreateMissing:    boolOr(req.Options.CreateMissing, true),
			UpdateExisting:   boolOr(req.Options.UpdateExisting, true),
			MarkRemoteAbsent: req.Options.MarkRemoteAbsent,
			OnlyOnline:       req.Options.OnlyOnline,
			Tags:             req.Options.DeviceFilter.Tags,
		},
		Trigger: model.TriggerManual,
	})
	if res == nil {
		h.fail(c, err)
		return
	}
	if !req.DryRun {
		h.invalidate(integrationPath(req.IntegrationID), "/api/devices/")
	}

	code := http.StatusOK
	if err != nil {
		code = statusFor(err)
	}
	c.JSON(code, newSyncResponse(res))
}

// TestIntegration handles POST /api/integrations/:id/test. A reachable
// integration that rejects the request still answers 200 with success
// false.
func (h *Handler) TestIntegration(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}

	err := h.syncer.TestIntegration(c.Request.Context(), integration.OrganizationID, integration.ID)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.Is(err, syncer.ErrIntegrationNotFound), errors.Is(err, syncer.ErrIntegrationDisabled):
		h.fail(c, err)
	default:
		h.log.Warn().Err(err).Str("integration_id", integration.ID).Msg("integration test failed")
		c.JSON(http.StatusOK, gin.H{"success": false, "error": err.Error()})
	}
}
