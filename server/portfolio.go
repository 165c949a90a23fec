package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/portfolio"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
)

// Portfolio statuses reported to clients polling the summary endpoint.
const (
	portfolioStatusReady       = "ready"
	portfolioStatusCalculating = "calculating"
	portfolioStatusError       = "error"
)

type portfolioURI struct {
	Address string `uri:"address" binding:"required,eth_addr"`
}

type portfolioOutput struct {
	Status  string             `json:"status"`
	Data    *portfolio.Summary `json:"data"`
	Message string             `json:"message,omitempty"`
}

// getPortfolioSummary serves the cached summary when one exists and otherwise
// queues a calculation, deduplicated by address. Clients poll the same
// endpoint until the status flips to ready.
func getPortfolioSummary(cache *redis.Cache, portfolioQueue *queue.Queue) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input portfolioURI
		if err := c.ShouldBindUri(&input); err != nil {
			c.JSON(http.StatusBadRequest, portfolioOutput{Status: portfolioStatusError, Message: err.Error()})
			return
		}
		address := persist.EthereumAddress(input.Address)

		summary, ok, err := portfolio.ReadCachedSummary(c, cache, address)
		if err != nil {
			// An unreachable cache reads as a miss; the queued job will retry
			// the write.
			logger.For(c).Warnf("failed to read cached summary for %s: %s", address, err)
		}
		if ok {
			c.JSON(http.StatusOK, portfolioOutput{Status: portfolioStatusReady, Data: &summary})
			return
		}

		if _, _, err := portfolioQueue.Add(c, address.String(), portfolio.PortfolioJob{Address: address}); err != nil {
			c.JSON(http.StatusInternalServerError, portfolioOutput{Status: portfolioStatusError, Message: err.Error()})
			return
		}

		c.JSON(http.StatusAccepted, portfolioOutput{
			Status:  portfolioStatusCalculating,
			Message: "portfolio summary is being calculated, poll again shortly",
		})
	}
}
