package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/nftfolio/backend/service/ens"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/usercache"
	"github.com/nftfolio/backend/util"
)

type ensNameURI struct {
	Name string `uri:"name" binding:"required,ens_name"`
}

type ensAddressURI struct {
	Address string `uri:"address" binding:"required,eth_addr"`
}

type ensOutput struct {
	EnsName string                  `json:"ensName"`
	Address persist.EthereumAddress `json:"address"`
}

// ErrNoEnsRecord is returned as a 404 when a name or address has no ENS
// record.
type ErrNoEnsRecord struct {
	Key string
}

func (e ErrNoEnsRecord) Error() string {
	return fmt.Sprintf("no ens record for %s", e.Key)
}

func resolveEnsName(service *ens.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri ensNameURI
		if err := c.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}

		address, ok, err := service.Resolve(c, uri.Name)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			util.ErrResponse(c, http.StatusNotFound, ErrNoEnsRecord{Key: uri.Name})
			return
		}

		c.JSON(http.StatusOK, ensOutput{EnsName: uri.Name, Address: address})
	}
}

func lookupEnsName(service *ens.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri ensAddressURI
		if err := c.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		address := persist.EthereumAddress(uri.Address)

		name, ok, err := service.Lookup(c, address)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			util.ErrResponse(c, http.StatusNotFound, ErrNoEnsRecord{Key: address.String()})
			return
		}

		c.JSON(http.StatusOK, ensOutput{EnsName: name, Address: address})
	}
}

// ErrProfileNotFound is returned as a 404 when the marketplace has no account
// profile for an address.
type ErrProfileNotFound struct {
	Address persist.EthereumAddress
}

func (e ErrProfileNotFound) Error() string {
	return fmt.Sprintf("no profile found for account: %s", e.Address)
}

func getUserProfile(service *usercache.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var uri ensAddressURI
		if err := c.ShouldBindUri(&uri); err != nil {
			util.ErrResponse(c, http.StatusBadRequest, err)
			return
		}
		address := persist.EthereumAddress(uri.Address)

		profile, ok, err := service.GetProfile(c, address)
		if err != nil {
			util.ErrResponse(c, http.StatusInternalServerError, err)
			return
		}
		if !ok {
			util.ErrResponse(c, http.StatusNotFound, ErrProfileNotFound{Address: address})
			return
		}

		c.JSON(http.StatusOK, profile)
	}
}
