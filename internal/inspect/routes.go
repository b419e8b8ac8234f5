// Package inspect serves a small local HTTP API for looking into a running
// client: cached incidents, realtime subscriptions and Prometheus metrics.
package inspect

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hazardwatch/internal/inspect/handlers"
	"hazardwatch/internal/inspect/middleware"
)

type Router struct {
	incidentHandler *handlers.IncidentHandler
	realtimeHandler *handlers.RealtimeHandler
	registry        *prometheus.Registry
	token           string
}

func NewRouter(
	incidentHandler *handlers.IncidentHandler,
	realtimeHandler *handlers.RealtimeHandler,
	registry *prometheus.Registry,
	token string,
) *Router {
	return &Router{
		incidentHandler: incidentHandler,
		realtimeHandler: realtimeHandler,
		registry:        registry,
		token:           token,
	}
}

func (r *Router) Setup(engine *gin.Engine) {
	engine.GET("/health", r.realtimeHandler.Health)

	protected := engine.Group("/")
	protected.Use(middleware.RequireToken(r.token))
	{
		protected.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))

		debug := protected.Group("/debug")
		{
			debug.GET("/incidents", r.incidentHandler.ListIncidents)
			debug.GET("/incidents/:id", r.incidentHandler.GetIncident)
			debug.GET("/subscriptions", r.realtimeHandler.Subscriptions)
			debug.POST("/viewport", r.incidentHandler.SetViewport)
		}
	}
}
