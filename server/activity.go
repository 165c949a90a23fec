package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/activity"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/util"
)

type activityURI struct {
	Address string `uri:"address" binding:"required,eth_addr"`
}

type activityQuery struct {
	Page  int64 `form:"page,default=1" binding:"min=1"`
	Limit int64 `form:"limit,default=20" binding:"min=1,max=100"`
}

type activityPagination struct {
	CurrentPage int64 `json:"currentPage"`
	Limit       int64 `json:"limit"`
	TotalPages  int64 `json:"totalPages"`
	TotalItems  int64 `json:"totalItems"`
}

type activityOutput struct {
	Address    persist.EthereumAddress `json:"address"`
	Pagination activityPagination      `json:"pagination"`
	Events     []persist.ActivityEvent `json:"events"`
}

type syncStatusOutput struct {
	Address persist.EthereumAddress `json:"address"`
	Status  string                  `json:"status"`
}

// getAccountActivity serves the stored timeline snapshot for an account and
// triggers a sync behind the response, so repeat reads converge on the
// marketplace state without ever waiting on it.
func getAccountActivity(repo persist.ActivityRepository, syncer *activity.Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri activityURI
		if err := c.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		var query activityQuery
		if err := c.ShouldBindQuery(&query); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		address := persist.EthereumAddress(uri.Address)

		total, err := repo.CountByAccount(c, address)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		events, err := repo.GetByAccountPaginated(c, address, (query.Page-1)*query.Limit, query.Limit)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		if events == nil {
			events = []persist.ActivityEvent{}
		}

		syncer.SyncInBackground(address)

		c.JSON(http.StatusOK, activityOutput{
			Address: address,
			Pagination: activityPagination{
				CurrentPage: query.Page,
				Limit:       query.Limit,
				TotalPages:  (total + query.Limit - 1) / query.Limit,
				TotalItems:  total,
			},
			Events: events,
		})
	}
}

func getSyncStatus(syncer *activity.Syncer) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri activityURI
		if err := c.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		address := persist.EthereumAddress(uri.Address)

		c.JSON(http.StatusOK, syncStatusOutput{Address: address, Status: syncer.Status(address)})
	}
}
