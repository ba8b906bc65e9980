package handlers

import (
	"harvia_mirror/internal/engine"
	"harvia_mirror/internal/logger"
	"harvia_mirror/internal/repository"

	"github.com/gin-gonic/gin"
)

// Handler wires the HTTP layer to the reconciliation engine and the sync
// event log.
type Handler struct {
	engine *engine.Engine
	events repository.EventRepo
	log    *logger.Logger
}

// NewHandler constructs the HTTP handler with dependencies.
func NewHandler(eng *engine.Engine, events repository.EventRepo, log *logger.Logger) *Handler {
	return &Handler{engine: eng, events: events, log: log}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	// Health endpoint
	router.GET("/health", h.health)

	api := router.Group("/api/v1")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", h.listDevices)
			devices.GET("/:id", h.getDevice)
			devices.POST("/:id/command", h.sendCommand)
		}
		api.GET("/events", h.getEvents)
	}

	// Live mirror stream (HTTP upgrade) — same port
	router.GET("/ws", h.wsConnect)

	return router
}
