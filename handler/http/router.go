package http

import (
	nethttp "net/http"

	ginMetrics "github.com/RigelNana/arkstudy/materialcore/pkg/metrics/gin"
	"github.com/gin-gonic/gin"
)

func Setup(h *MaterialHandler, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), ginMetrics.PrometheusMiddleware(serviceName))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(nethttp.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api", RequireUser())
	{
		api.POST("/materials", h.UploadMaterial)
		api.POST("/materials/stream", h.UploadMaterialStream)
		api.GET("/materials", h.ListMaterials)
		api.DELETE("/materials/:id", h.DeleteMaterial)
		api.POST("/materials/:id/assignments", h.AssignMaterial)
	}
	return r
}
