package main

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// newRouter wires every HTTP/SSE route onto a fresh gin.Engine, grounded on
// the teacher's internal/server.NewRouter: CORS first, a health check with
// no auth, everything else a thin handler translating to the engine's Go
// API (spec.md §6, §7 "mapped to HTTP statuses only at the transport
// boundary").
func newRouter(a *app) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("panelforge-engine"))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthcheck", healthCheck)

	h := &sessionHandler{log: a.log, engine: a.engine, persist: a.persist}

	api := router.Group("/sessions")
	{
		api.POST("", h.createSession)
		api.DELETE("/:id", h.cancelSession)
		api.GET("/:id", h.getSession)
		api.GET("/:id/events", h.streamEvents)
		api.POST("/:id/feedback", h.submitFeedback)
		api.POST("/:id/override", h.overrideSession)
	}

	return router
}
