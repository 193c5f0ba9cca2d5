package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"device-sync-backend/internal/mw"
	"device-sync-backend/internal/store"
)

// RouterConfig tunes the API middleware.
type RouterConfig struct {
	RateLimit rate.Limit
	Burst     int
	CacheTTL  time.Duration
}

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, sy Syncer, ticker Ticker, cfg RouterConfig, log zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	cacheStore := mw.NewResponseCache(cfg.CacheTTL)
	handler := NewHandler(s, sy, ticker, cacheStore, log)

	caching := cacheStore.Handler()
	rateLimiter := mw.RateLimiter(mw.NewClientLimiter(cfg.RateLimit, cfg.Burst, 10*time.Minute), log)

	r.GET("/healthz", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	// API group
	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.POST("/sync", handler.RunSync)
		api.POST("/scheduler/tick", handler.Tick)

		api.GET("/integrations/:id/schedule", caching, handler.GetSchedule)
		api.PUT("/integrations/:id/schedule", handler.PutSchedule)
		api.GET("/integrations/:id/activity", caching, handler.GetActivity)
		api.GET("/integrations/:id/conflicts", caching, handler.GetConflicts)
		api.POST("/integrations/:id/test", handler.TestIntegration)

		api.POST("/conflicts/:id/resolve", handler.ResolveConflict)

		api.GET("/devices/:id/firmware-history", caching, handler.GetFirmwareHistory)
	}

	return r
}
