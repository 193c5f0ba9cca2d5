package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/syncer"
)

// GetActivity handles GET /api/integrations/:id/activity.
func (h *Handler) GetActivity(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}
	limit, ok := limitParam(c)
	if !ok {
		h.badRequest(c, "invalid limit")
		return
	}

	entries, err := h.store.ListActivity(c.Request.Context(), integration.ID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if entries == nil {
		entries = []model.ActivityLog{}
	}
	c.JSON(http.StatusOK, entries)
}

// GetConflicts handles GET /api/integrations/:id/conflicts.
func (h *Handler) GetConflicts(c *gin.Context) {
	integration, ok := h.integration(c)
	if !ok {
		return
	}

	conflicts, err := h.store.ListUnresolvedConflicts(c.Request.Context(), integration.ID)
	if err != nil {
		h.fail(c, err)
		return
	}
	if conflicts == nil {
		conflicts = []model.SyncConflict{}
	}
	c.JSON(http.StatusOK, conflicts)
}

type resolveRequest struct {
	Resolution string          `json:"resolution" binding:"required"`
	Value      json.RawMessage `json:"value"`
	ResolvedBy string          `json:"resolved_by"`
	Notes      string          `json:"notes"`
}

// ResolveConflict handles POST /api/conflicts/:id/resolve.
func (h *Handler) ResolveConflict(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request")
		return
	}

	conflict, err := h.syncer.ResolveConflict(c.Request.Context(), c.Param("id"), syncer.Resolve{
		Resolution: req.Resolution,
		Value:      req.Value,
		ResolvedBy: req.ResolvedBy,
		Notes:      req.Notes,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.invalidate(integrationPath(conflict.IntegrationID), devicePath(conflict.DeviceID))
	c.JSON(http.StatusOK, conflict)
}

// GetFirmwareHistory handles GET /api/devices/:id/firmware-history.
func (h *Handler) GetFirmwareHistory(c *gin.Context) {
	limit, ok := limitParam(c)
	if !ok {
		h.badRequest(c, "invalid limit")
		return
	}

	ctx := c.Request.Context()
	device, err := h.store.GetDevice(ctx, c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	history, err := h.store.ListFirmwareHistory(ctx, device.ID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if history == nil {
		history = []model.FirmwareHistory{}
	}
	c.JSON(http.StatusOK, history)
}
