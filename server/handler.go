package server

import (
	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/middleware"
	"github.com/nftfolio/backend/util"
)

func handlersInit(router *gin.Engine, c *Clients) *gin.Engine {

	router.GET("/health", util.HealthCheckHandler())

	api := router.Group("/api/v1")

	collectionsGroup := api.Group("/collections")
	collectionsGroup.POST("/batch", middleware.RateLimited(c.BatchLimiter), getBatchCollections(c.Collections))
	collectionsGroup.GET("/:slug", getCollection(c.Collections))

	api.GET("/portfolio/:address", getPortfolioSummary(c.PortfolioCache, c.PortfolioQueue))

	activityGroup := api.Group("/activity")
	activityGroup.GET("/:address", getAccountActivity(c.Activity, c.Syncer))
	activityGroup.GET("/:address/status", getSyncStatus(c.Syncer))

	ensGroup := api.Group("/ens")
	ensGroup.GET("/resolve/:name", resolveEnsName(c.ENS))
	ensGroup.GET("/lookup/:address", lookupEnsName(c.ENS))

	api.GET("/users/:address", getUserProfile(c.Users))

	marketGroup := api.Group("/market")
	marketGroup.GET("/eth-price", getEthPrice(c.Market))
	marketGroup.GET("/gas", getGasPrice(c.Market))

	adminGroup := api.Group("/admin", middleware.AdminRequired())
	adminGroup.POST("/cache/clear", clearCaches(c.Clearable))

	return router
}
