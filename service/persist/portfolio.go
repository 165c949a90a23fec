package persist

import (
	"sort"
	"time"
)

// PortfolioCollection is one collection's slice of an account valuation.
type PortfolioCollection struct {
	Slug            string          `json:"slug"`
	ContractAddress EthereumAddress `json:"contractAddress"`
	Name            string          `json:"name,omitempty"`
	ImageURL        string          `json:"imageUrl,omitempty"`
	SafelistStatus  string          `json:"safelistStatus,omitempty"`
	NFTCount        int             `json:"nftCount"`
	FloorPriceEth   float64         `json:"floorPriceEth"`
	TotalValueEth   float64         `json:"totalValueEth"`
	FloorPriceUSD   *float64        `json:"floorPriceUsd,omitempty"`
	TotalValueUSD   *float64        `json:"totalValueUsd,omitempty"`
}

// PortfolioSummary is the derived, cache-only valuation of an account.
// TotalValueEth always equals the sum over the breakdown, and the breakdown is
// sorted by value descending.
type PortfolioSummary struct {
	Address         EthereumAddress       `json:"address"`
	TotalValueEth   float64               `json:"totalValueEth"`
	TotalValueUSD   *float64              `json:"totalValueUsd,omitempty"`
	NFTCount        int                   `json:"nftCount"`
	CollectionCount int                   `json:"collectionCount"`
	Breakdown       []PortfolioCollection `json:"breakdown"`
	CalculatedAt    time.Time             `json:"calculatedAt"`
	EthPriceUSD     *float64              `json:"ethPriceUsd,omitempty"`
}

// SortBreakdown orders the breakdown by total value descending, breaking ties
// by slug so output is deterministic.
func (p *PortfolioSummary) SortBreakdown() {
	sort.Slice(p.Breakdown, func(i, j int) bool {
		if p.Breakdown[i].TotalValueEth != p.Breakdown[j].TotalValueEth {
			return p.Breakdown[i].TotalValueEth > p.Breakdown[j].TotalValueEth
		}
		return p.Breakdown[i].Slug < p.Breakdown[j].Slug
	})
}
