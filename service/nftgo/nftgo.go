package nftgo

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

func init() {
	env.RegisterValidation("NFTGO_API_KEY", "required")
}

var baseURL, _ = url.Parse("https://data-api.nftgo.io/eth/v1")

const defaultFetchTimeout = 15 * time.Second

// Client is a client for the NFT data API, used for per-marketplace floor prices
type Client struct {
	httpClient   *http.Client
	fetchTimeout time.Duration
}

// FloorPrice is the per-marketplace floor price breakdown for a contract
type FloorPrice struct {
	MarketplaceFloorPriceList []MarketplaceFloorPrice `json:"marketplace_floor_price_list"`
}

// MarketplaceFloorPrice is one marketplace's floor for a contract
type MarketplaceFloorPrice struct {
	MarketplaceName string  `json:"marketplace_name"`
	FloorPrice      float64 `json:"floor_price"`
}

// NewClient creates a new client for the NFT data API
func NewClient(httpClient *http.Client) *Client {
	c := &Client{httpClient: httpClient, fetchTimeout: defaultFetchTimeout}
	if ms := env.GetInt("FETCH_TIMEOUT_MS"); ms > 0 {
		c.fetchTimeout = time.Duration(ms) * time.Millisecond
	}
	return c
}

// GetFloorPrice fetches the per-marketplace floor prices for a contract
func (c *Client) GetFloorPrice(ctx context.Context, contract persist.EthereumAddress) (FloorPrice, error) {
	url := baseURL.JoinPath("marketplace", contract.String(), "floor-price")

	ctx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	resp, err := c.httpClient.Do(authRequest(ctx, url.String()))
	if err != nil {
		return FloorPrice{}, retry.ErrTransient{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return FloorPrice{}, retry.FromResponse(resp)
	}

	floor := FloorPrice{}
	if err := util.UnmarshalBody(&floor, resp.Body); err != nil {
		return FloorPrice{}, err
	}

	return floor, nil
}

// authRequest returns a http.Request with authorization headers
func authRequest(ctx context.Context, url string) *http.Request {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		panic(err)
	}
	req.Header.Set("X-API-KEY", env.GetString("NFTGO_API_KEY"))
	return req
}

// BestFloor picks the floor to use from the marketplace breakdown. The
// preferred marketplace wins when it has a positive floor; otherwise the
// highest marketplace floor is used. An empty breakdown yields 0.
func (f FloorPrice) BestFloor(preferredMarketplace string) float64 {
	highest := float64(0)
	for _, entry := range f.MarketplaceFloorPriceList {
		if strings.EqualFold(entry.MarketplaceName, preferredMarketplace) && entry.FloorPrice > 0 {
			return entry.FloorPrice
		}
		if entry.FloorPrice > highest {
			highest = entry.FloorPrice
		}
	}
	return highest
}
