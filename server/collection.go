package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/collections"
	"github.com/nftfolio/backend/util"
)

type batchCollectionsInput struct {
	Slugs []string `json:"slugs" binding:"required,min=1,max=100,dive,required,collection_slug"`
}

type batchCollectionsOutput struct {
	Data map[string]json.RawMessage `json:"data"`
}

type collectionOutput struct {
	Data json.RawMessage `json:"data"`
}

// getBatchCollections serves cached collection data for up to 100 slugs at
// once. Slugs without cached data come back as {} and are queued for refresh.
func getBatchCollections(service *collections.BatchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input batchCollectionsInput
		if err := c.ShouldBindJSON(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		data, err := service.GetBatchCollectionDataFromCache(c, input.Slugs)
		if err != nil {
			if util.ErrorAs[util.ErrInvalidInput](err) {
				util.ErrResponse(c, http.StatusBadRequest, err)
				return
			}
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, batchCollectionsOutput{Data: data})
	}
}

type collectionURI struct {
	Slug string `uri:"slug" binding:"required,collection_slug"`
}

func getCollection(service *collections.BatchService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var input collectionURI
		if err := c.ShouldBindUri(&input); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		data, err := service.GetCollectionDataFromCache(c, input.Slug)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}

		c.JSON(http.StatusOK, collectionOutput{Data: data})
	}
}
