// Package api serves the dashboard's JSON API over gin. Every request
// resolves the current server list from the settings store, so edits made
// through PUT /api/v1/servers take effect on the next call.
package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sweeney/upsdash/internal/aggregate"
	"github.com/sweeney/upsdash/internal/nut"
	"github.com/sweeney/upsdash/internal/settings"
)

// Aggregator is the subset of *aggregate.Aggregator the handlers call.
type Aggregator interface {
	GetAllDevices(ctx context.Context, configs []nut.ServerConfig) (aggregate.Result, error)
	GetVar(ctx context.Context, configs []nut.ServerConfig, device, name string) (string, error)
	SetVar(ctx context.Context, configs []nut.ServerConfig, device, name, value string) (nut.SetVarResult, error)
	GetVarDescriptions(ctx context.Context, configs []nut.ServerConfig, device string, vars []string) (map[string]string, error)
	TestConnection(ctx context.Context, cfg nut.ServerConfig) error
	CheckCredentials(ctx context.Context, cfg nut.ServerConfig) error
}

var _ Aggregator = (*aggregate.Aggregator)(nil)

// Handler wires the HTTP layer to the aggregator and settings store.
type Handler struct {
	agg      Aggregator
	store    settings.Store
	fallback []nut.ServerConfig
	log      *zap.SugaredLogger
}

// NewHandler builds a Handler. fallback is the server list from the config
// file, used while the settings store has none.
func NewHandler(agg Aggregator, store settings.Store, fallback []nut.ServerConfig, log *zap.SugaredLogger) *Handler {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Handler{agg: agg, store: store, fallback: fallback, log: log}
}

// InitRoutes builds and returns the gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(requestID, h.requestLogger, gin.Recovery())

	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	{
		devices := api.Group("/devices")
		devices.GET("", h.listDevices)
		devices.GET("/:device", h.getDevice)
		devices.GET("/:device/var/:param", h.getVar)
		devices.POST("/:device/var/:param", h.setVar)
		devices.GET("/:device/descriptions", h.getDescriptions)

		api.GET("/settings/configured", h.configured)
		api.DELETE("/settings", h.disconnect)

		servers := api.Group("/servers")
		servers.GET("", h.listServers)
		servers.PUT("", h.putServers)
		servers.POST("/test", h.testServer)
		servers.POST("/credentials", h.checkCredentials)
	}

	return router
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// servers resolves the effective server list for this request, writing
// the error response itself when there is nothing to talk to.
func (h *Handler) servers(c *gin.Context) ([]nut.ServerConfig, bool) {
	configs, err := settings.Resolve(h.store, h.fallback)
	if err != nil {
		h.log.Warnw("stored servers unusable", "err", err)
	}
	if len(configs) == 0 {
		h.fail(c, "resolving servers", aggregate.ErrNoServers)
		return nil, false
	}
	return configs, true
}
