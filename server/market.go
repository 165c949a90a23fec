package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/market"
)

// Market quote handlers serve the in-process snapshot only; no request ever
// waits on an upstream refresh. Zero-valued quotes mean no refresh has
// completed yet.

func getEthPrice(service *market.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.EthPrices())
	}
}

func getGasPrice(service *market.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, service.GasPrice())
	}
}
