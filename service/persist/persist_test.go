package persist

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEthereumAddress(t *testing.T) {
	t.Run("normalizes to lower case", func(t *testing.T) {
		a := EthereumAddress("0xD8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
		assert.Equal(t, "0xd8da6bf26964af9d7eed9e03e53415d37aa96045", a.String())
	})

	t.Run("rejects addresses that are too short", func(t *testing.T) {
		assert.Equal(t, "", EthereumAddress("0x1234").String())
	})

	t.Run("marshals to the normalized form", func(t *testing.T) {
		a := EthereumAddress("0xD8dA6BF26964aF9D7eEd9e03E53415D37aA96045")
		bs, err := json.Marshal(a)
		require.NoError(t, err)
		assert.Equal(t, `"0xd8da6bf26964af9d7eed9e03e53415d37aa96045"`, string(bs))
	})

	t.Run("unmarshals and normalizes", func(t *testing.T) {
		var a EthereumAddress
		require.NoError(t, json.Unmarshal([]byte(`"0xD8dA6BF26964aF9D7eEd9e03E53415D37aA96045"`), &a))
		assert.Equal(t, EthereumAddress("0xd8da6bf26964af9d7eed9e03e53415d37aa96045"), a)
	})
}

func TestActivityEventValid(t *testing.T) {
	base := func() ActivityEvent {
		return ActivityEvent{
			EventType:   EventTypeTransfer,
			CreatedDate: 1700000000000,
			Transaction: "0xabc",
			Quantity:    1,
			NFT: ActivityNFT{
				Identifier: "123",
				Collection: "cool-cats",
				Contract:   "0xd8da6bf26964af9d7eed9e03e53415d37aa96045",
			},
			FromAccount: ActivityAccount{Address: ZeroAddress},
			ToAccount:   ActivityAccount{Address: "0xd8da6bf26964af9d7eed9e03e53415d37aa96045"},
		}
	}

	t.Run("accepts a complete transfer", func(t *testing.T) {
		assert.True(t, base().Valid())
	})

	t.Run("rejects missing nft identifier", func(t *testing.T) {
		e := base()
		e.NFT.Identifier = ""
		assert.False(t, e.Valid())
	})

	t.Run("rejects missing collection", func(t *testing.T) {
		e := base()
		e.NFT.Collection = ""
		assert.False(t, e.Valid())
	})

	t.Run("rejects sale without payment", func(t *testing.T) {
		e := base()
		e.EventType = EventTypeSale
		assert.False(t, e.Valid())
	})

	t.Run("accepts sale with complete payment", func(t *testing.T) {
		e := base()
		e.EventType = EventTypeSale
		e.Payment = &ActivityPayment{
			Quantity:     "1000000000000000000",
			TokenAddress: ZeroAddress,
			Decimals:     "18",
			Symbol:       "ETH",
		}
		assert.True(t, e.Valid())
	})

	t.Run("rejects sale with partial payment", func(t *testing.T) {
		e := base()
		e.EventType = EventTypeSale
		e.Payment = &ActivityPayment{Quantity: "1", TokenAddress: ZeroAddress}
		assert.False(t, e.Valid())
	})

	t.Run("rejects payment on non-sale", func(t *testing.T) {
		e := base()
		e.Payment = &ActivityPayment{Quantity: "1", TokenAddress: ZeroAddress, Decimals: "18", Symbol: "ETH"}
		assert.False(t, e.Valid())
	})

	t.Run("rejects negative quantity", func(t *testing.T) {
		e := base()
		e.Quantity = -1
		assert.False(t, e.Valid())
	})
}

func TestSortBreakdown(t *testing.T) {
	summary := PortfolioSummary{
		Breakdown: []PortfolioCollection{
			{Slug: "small", TotalValueEth: 1.5},
			{Slug: "big", TotalValueEth: 10},
			{Slug: "alpha-tied", TotalValueEth: 3},
			{Slug: "beta-tied", TotalValueEth: 3},
		},
	}

	summary.SortBreakdown()

	slugs := make([]string, len(summary.Breakdown))
	for i, b := range summary.Breakdown {
		slugs[i] = b.Slug
	}
	assert.Equal(t, []string{"big", "alpha-tied", "beta-tied", "small"}, slugs)
}
