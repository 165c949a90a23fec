package nftgo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	original := baseURL
	baseURL, _ = url.Parse(server.URL)
	t.Cleanup(func() { baseURL = original })

	return NewClient(server.Client())
}

func TestGetFloorPrice(t *testing.T) {
	t.Run("decodes the marketplace breakdown", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/marketplace/0xed5af388653567af2f388e6224dc7c4b3241c544/floor-price", r.URL.Path)
			json.NewEncoder(w).Encode(map[string]any{
				"marketplace_floor_price_list": []map[string]any{
					{"marketplace_name": "OpenSea", "floor_price": 5.1},
					{"marketplace_name": "Blur", "floor_price": 5.4},
				},
			})
		}))

		floor, err := client.GetFloorPrice(context.Background(), "0xED5AF388653567Af2F388E6224dC7C4b3241C544")
		require.NoError(t, err)
		require.Len(t, floor.MarketplaceFloorPriceList, 2)
		assert.Equal(t, 5.1, floor.MarketplaceFloorPriceList[0].FloorPrice)
	})

	t.Run("404 maps to a not found error", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"detail":"contract not found"}`, http.StatusNotFound)
		}))

		_, err := client.GetFloorPrice(context.Background(), "0xED5AF388653567Af2F388E6224dC7C4b3241C544")
		assert.True(t, util.ErrorAs[retry.ErrNotFound](err))
	})
}

func TestBestFloor(t *testing.T) {
	t.Run("prefers the requested marketplace case-insensitively", func(t *testing.T) {
		floor := FloorPrice{MarketplaceFloorPriceList: []MarketplaceFloorPrice{
			{MarketplaceName: "Blur", FloorPrice: 5.4},
			{MarketplaceName: "OpenSea", FloorPrice: 5.1},
		}}
		assert.Equal(t, 5.1, floor.BestFloor("opensea"))
	})

	t.Run("falls back to the highest floor", func(t *testing.T) {
		floor := FloorPrice{MarketplaceFloorPriceList: []MarketplaceFloorPrice{
			{MarketplaceName: "Blur", FloorPrice: 5.4},
			{MarketplaceName: "LooksRare", FloorPrice: 4.9},
		}}
		assert.Equal(t, 5.4, floor.BestFloor("opensea"))
	})

	t.Run("skips a zero preferred floor", func(t *testing.T) {
		floor := FloorPrice{MarketplaceFloorPriceList: []MarketplaceFloorPrice{
			{MarketplaceName: "OpenSea", FloorPrice: 0},
			{MarketplaceName: "Blur", FloorPrice: 2.2},
		}}
		assert.Equal(t, 2.2, floor.BestFloor("opensea"))
	})

	t.Run("empty breakdown yields zero", func(t *testing.T) {
		assert.Zero(t, FloorPrice{}.BestFloor("opensea"))
	})
}
