package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/klaxonhq/klaxon/internal/auth"
	"github.com/klaxonhq/klaxon/internal/http/handler"
)

type Handlers struct {
	Incidents     *handler.IncidentHandler
	Messages      *handler.MessageHandler
	Plans         *handler.PlanHandler
	Notifications *handler.NotificationHandler
	Responses     *handler.ResponseHandler
}

func SetupRoutes(router *gin.Engine, h Handlers, keys auth.AppKeys) {
	router.GET("/healthcheck", func(c *gin.Context) {
		c.String(200, "GOOD")
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v0 := router.Group("/v0")
	v0.Use(auth.HMACMiddleware(keys))
	{
		v0.POST("/incidents", h.Incidents.Create)
		v0.GET("/incidents/:id", h.Incidents.Get)
		v0.POST("/incidents/:id/claim", h.Incidents.Claim)
		v0.POST("/batches/:batch_id/claim", h.Incidents.ClaimBatch)

		v0.GET("/messages/:id", h.Messages.Get)
		v0.GET("/messages/:id/auditlog", h.Messages.Auditlog)

		v0.GET("/plans/:id", h.Plans.Get)
		v0.POST("/plans/:id/activate", h.Plans.Activate)

		v0.POST("/notifications", h.Notifications.Create)

		v0.GET("/response/oneclick", h.Responses.Oneclick)
	}
}
