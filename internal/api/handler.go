package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"device-sync-backend/internal/model"
	"device-sync-backend/internal/mw"
	"device-sync-backend/internal/scheduler"
	"device-sync-backend/internal/store"
	"device-sync-backend/internal/syncer"
)

// Syncer runs and resolves syncs. *syncer.Syncer satisfies it.
type Syncer interface {
	Run(ctx context.Context, req syncer.Request) (*syncer.Result, error)
	ResolveConflict(ctx context.Context, conflictID string, in syncer.Resolve) (*model.SyncConflict, error)
	TestIntegration(ctx context.Context, organizationID, integrationID string) error
}

// Ticker runs one scheduler tick on demand.
type Ticker interface {
	TickNow(ctx context.Context) ([]scheduler.RunResult, error)
}

// Handler holds shared dependencies for API handlers.
type Handler struct {
	store  store.Store
	syncer Syncer
	ticker Ticker
	cache  *mw.ResponseCache
	log    zerolog.Logger
	now    func() time.Time
}

// NewHandler creates a new API handler. cache may be nil.
func NewHandler(s store.Store, sy Syncer, ticker Ticker, cache *mw.ResponseCache, log zerolog.Logger) *Handler {
	return &Handler{
		store:  s,
		syncer: sy,
		ticker: ticker,
		cache:  cache,
		log:    log,
		now:    time.Now,
	}
}

var errBadRequest = errors.New("invalid request")

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, syncer.ErrIntegrationNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrIntegrationDisabled),
		errors.Is(err, syncer.ErrRunInProgress),
		errors.Is(err, store.ErrConflictResolved):
		return http.StatusConflict
	case errors.Is(err, syncer.ErrRemoteFetchFailed):
		return http.StatusBadGateway
	case errors.Is(err, errBadRequest),
		errors.Is(err, syncer.ErrInvalidDirection),
		errors.Is(err, syncer.ErrInvalidPolicy),
		errors.Is(err, syncer.ErrInvalidResolution):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err with its mapped status. Server errors are logged and
// their detail kept out of the response.
func (h *Handler) fail(c *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		c.AbortWithStatusJSON(code, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// integration loads the integration named by the :id path parameter. An
// organization_id query parameter, when given, must own it.
func (h *Handler) integration(c *gin.Context) (*model.Integration, bool) {
	integration, err := h.store.GetIntegration(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	if org := c.Query("organization_id"); org != "" && org != integration.OrganizationID {
		h.fail(c, syncer.ErrIntegrationNotFound)
		return nil, false
	}
	return integration, true
}

func limitParam(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, false
	}
	return limit, true
}

func (h *Handler) invalidate(prefixes ...string) {
	if h.cache == nil {
		return
	}
	for _, p := range prefixes {
		h.cache.Invalidate(p)
	}
}

func integrationPath(id string) string { return "/api/integrations/" + id + "/" }

func devicePath(id string) string { return "/api/devices/" + id + "/" }
