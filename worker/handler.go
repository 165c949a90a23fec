package worker

import (
	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/middleware"
	"github.com/nftfolio/backend/util"
)

func handlersInit(router *gin.Engine, c *Clients) *gin.Engine {

	router.GET("/health", util.HealthCheckHandler())

	queuesGroup := router.Group("/queues", middleware.AdminRequired())
	queuesGroup.GET("/:name/counts", getQueueCounts(c))
	queuesGroup.GET("/:name/jobs/:id", getJobStatus(c))

	return router
}
