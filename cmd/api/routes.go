package main

import (
	"context"
	"net/http"

	"call-dispatcher/internal/httpapi"
	"call-dispatcher/internal/metrics"
	"call-dispatcher/internal/rbac"
	"call-dispatcher/internal/telephony"

	"github.com/gin-gonic/gin"
)

type routeDeps struct {
	authMW   gin.HandlerFunc
	metrics  *metrics.Metrics
	api      httpapi.Handlers
	webhooks telephony.StatusWebhookHandler

	// ready backs /readyz; nil means always ready.
	ready func(ctx context.Context) error
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d routeDeps) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/readyz", func(c *gin.Context) {
		if d.ready != nil {
			if err := d.ready(c.Request.Context()); err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	if d.metrics != nil {
		r.GET("/metrics", gin.WrapH(d.metrics.Handler()))
	}

	// Provider status callbacks (public; Twilio callbacks are signature checked
	// when TWILIO_AUTH_TOKEN is set).
	hooks := r.Group("/webhooks")
	{
		hooks.POST("/status", d.webhooks.HandleJSONStatus)
		hooks.POST("/twilio/status", d.webhooks.HandleTwilioStatus)
	}

	v1 := r.Group("/v1")

	authGroup := v1.Group("/auth")
	{
		authGroup.POST("/login", d.api.Login)
		authGroup.POST("/refresh", d.api.Refresh)
	}

	// protected API group
	protected := v1.Group("")
	protected.Use(d.authMW)
	{
		protected.GET("/me", d.api.Me)

		ops := protected.Group("")
		ops.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			ops.POST("/queue", d.api.Enqueue)
			ops.POST("/dispatch/cycles", d.api.RunCycle)
		}

		reports := protected.Group("/reports")
		reports.Use(rbac.RequireAnyRole(rbac.RoleOperator, rbac.RoleViewer))
		{
			reports.GET("/dispatches", d.api.ExportDispatches)
			reports.GET("/summary", d.api.DispatchSummary)
		}

		admin := protected.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.POST("/halt", d.api.HaltPending)
			admin.GET("/lines", d.api.ListLines)
			admin.POST("/lines", d.api.UpsertLine)
			admin.POST("/lines/reset-usage", d.api.ResetLineUsage)
			admin.GET("/audit", d.api.ListAudit)
		}
	}
}
