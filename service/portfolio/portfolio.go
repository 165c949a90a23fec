// Package portfolio values a wallet's NFT holdings. A calculation walks every
// NFT the account owns, groups them by collection, prices each collection
// through the aggregator, and reduces the result into a cached summary.
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/pool"
)

// PortfolioQueue is the queue name portfolio calculations are consumed from.
const PortfolioQueue = "portfolio-queue"

// JobOptions apply to every queued portfolio calculation. The long backoff
// keeps retries from hammering the marketplace after a rate-limited failure.
var JobOptions = queue.JobOptions{
	Attempts:         3,
	Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: time.Minute},
	RemoveOnComplete: queue.Retention{Count: 1000, Age: 24 * time.Hour},
	RemoveOnFail:     queue.Retention{Count: 5000, Age: 7 * 24 * time.Hour},
}

const (
	defaultMaxPages   = 50
	defaultFanOutSize = 10
	defaultSummaryTTL = 4 * time.Hour
	nftPageTTL        = 15 * time.Minute
)

// Progress steps reported on the job record while a summary is calculated.
const (
	StepStarted             = "started"
	StepFetchedNFTs         = "fetched_nfts"
	StepGroupedCollections  = "grouped_collections"
	StepFetchingCollections = "fetching_collections"
	StepFetchedCollections  = "fetched_collections"
	StepCompleted           = "completed"
	StepError               = "error"
)

// PortfolioJob is the queued unit of portfolio work, deduplicated by address.
type PortfolioJob struct {
	Address persist.EthereumAddress `json:"address"`
}

// Progress is the progress payload visible on a running portfolio job.
type Progress struct {
	Step                 string `json:"step"`
	NFTCount             int    `json:"nftCount"`
	CollectionCount      int    `json:"collectionCount"`
	ProcessedCollections int    `json:"processedCollections"`
}

// ProgressFunc receives progress updates during a calculation. It may be nil.
type ProgressFunc func(Progress)

// Summary is a wallet's portfolio valuation. USD fields are zero when no ETH
// quote was available at calculation time.
type Summary struct {
	TotalValueEth   float64   `json:"totalValueEth"`
	TotalValueUSD   float64   `json:"totalValueUsd"`
	NFTCount        int       `json:"nftCount"`
	CollectionCount int       `json:"collectionCount"`
	Breakdown       []Holding `json:"breakdown"`
	CalculatedAt    string    `json:"calculatedAt"`
	EthPriceUSD     float64   `json:"ethPriceUsd"`
}

// Holding is one collection's slice of a portfolio, valued at its floor.
type Holding struct {
	Slug            string                  `json:"slug"`
	ContractAddress persist.EthereumAddress `json:"contractAddress"`
	Name            string                  `json:"name,omitempty"`
	ImageURL        string                  `json:"imageUrl,omitempty"`
	SafelistStatus  string                  `json:"safelistStatus,omitempty"`
	NFTCount        int                     `json:"nftCount"`
	FloorPriceEth   float64                 `json:"floorPriceEth"`
	TotalValueEth   float64                 `json:"totalValueEth"`
	FloorPriceUSD   float64                 `json:"floorPriceUsd,omitempty"`
	TotalValueUSD   float64                 `json:"totalValueUsd,omitempty"`
}

// NFTSource pages through the NFTs an account owns.
type NFTSource interface {
	GetNFTsByAccount(ctx context.Context, address persist.EthereumAddress, next string) (opensea.NFTsPage, error)
}

// CollectionFetcher resolves one collection's metadata and floor price. It
// always settles; full failure yields a default-zero record.
type CollectionFetcher interface {
	FetchCollectionData(ctx context.Context, slug string, contract persist.EthereumAddress) persist.CollectionMetadata
}

// EthPricer reports the current ETH quote in USD, zero when unknown.
type EthPricer interface {
	EthPriceUSD() float64
}

// Calculator computes portfolio summaries and writes them to the summary
// cache. Collection fetches fan out under a fixed-size gate.
type Calculator struct {
	nfts      NFTSource
	fetcher   CollectionFetcher
	ethPrice  EthPricer
	cache     *redis.Cache
	pageCache *redis.Cache
	gate      *pool.Gate

	maxPages   int
	summaryTTL time.Duration
}

// NewCalculator creates a Calculator. ethPrice may be nil, in which case USD
// mirrors are omitted. The fan-out width follows MAX_CONCURRENT_COLLECTION_FETCH,
// the page cap NFT_MAX_PAGES, and the summary lifetime CACHE_TTL_PORTFOLIO_SECONDS.
func NewCalculator(nfts NFTSource, fetcher CollectionFetcher, ethPrice EthPricer, cache *redis.Cache, pageCache *redis.Cache) *Calculator {
	fanOut := defaultFanOutSize
	if width := env.GetInt("MAX_CONCURRENT_COLLECTION_FETCH"); width > 0 {
		fanOut = width
	}

	c := &Calculator{
		nfts:       nfts,
		fetcher:    fetcher,
		ethPrice:   ethPrice,
		cache:      cache,
		pageCache:  pageCache,
		gate:       pool.New(fanOut),
		maxPages:   defaultMaxPages,
		summaryTTL: defaultSummaryTTL,
	}
	if pages := env.GetInt("NFT_MAX_PAGES"); pages > 0 {
		c.maxPages = pages
	}
	if seconds := env.GetInt("CACHE_TTL_PORTFOLIO_SECONDS"); seconds > 0 {
		c.summaryTTL = time.Duration(seconds) * time.Second
	}
	return c
}

// Calculate builds the summary for an address and writes it to the summary
// cache. Collections that cannot be priced are skipped from the breakdown;
// only a failure to list the account's NFTs fails the calculation.
func (c *Calculator) Calculate(ctx context.Context, address persist.EthereumAddress, report ProgressFunc) (Summary, error) {
	progress := Progress{Step: StepStarted}
	c.report(report, progress)

	nfts, err := c.fetchAllNFTs(ctx, address)
	if err != nil {
		progress.Step = StepError
		c.report(report, progress)
		return Summary{}, err
	}
	progress.Step = StepFetchedNFTs
	progress.NFTCount = len(nfts)
	c.report(report, progress)

	if len(nfts) == 0 {
		summary := c.buildSummary(nil, nil, 0)
		if err := c.writeSummary(ctx, address, summary); err != nil {
			progress.Step = StepError
			c.report(report, progress)
			return Summary{}, err
		}
		progress.Step = StepCompleted
		c.report(report, progress)
		return summary, nil
	}

	groups := groupByCollection(nfts)
	progress.Step = StepGroupedCollections
	progress.CollectionCount = len(groups)
	c.report(report, progress)

	progress.Step = StepFetchingCollections
	c.report(report, progress)

	fetched := c.fetchCollections(ctx, groups, func(processed int) {
		progress.ProcessedCollections = processed
		c.report(report, progress)
	})
	progress.Step = StepFetchedCollections
	c.report(report, progress)

	summary := c.buildSummary(groups, fetched, len(nfts))
	if err := c.writeSummary(ctx, address, summary); err != nil {
		progress.Step = StepError
		c.report(report, progress)
		return Summary{}, err
	}

	progress.Step = StepCompleted
	c.report(report, progress)
	return summary, nil
}

// fetchAllNFTs walks the account's NFT pages until exhaustion or the page
// cap. Fetched pages land in the page cache so a retried calculation does not
// refetch what it already walked. Any page failure aborts the listing.
func (c *Calculator) fetchAllNFTs(ctx context.Context, address persist.EthereumAddress) ([]opensea.NFT, error) {
	var nfts []opensea.NFT
	next := ""
	for page := 0; page < c.maxPages; page++ {
		nftsPage, err := c.loadPage(ctx, address, page, next)
		if err != nil {
			return nil, err
		}

		nfts = append(nfts, nftsPage.NFTs...)
		next = nftsPage.Next
		if next == "" {
			break
		}
	}
	return nfts, nil
}

func (c *Calculator) loadPage(ctx context.Context, address persist.EthereumAddress, page int, next string) (opensea.NFTsPage, error) {
	key := fmt.Sprintf("%s:%d", address, page)

	if payload, err := c.pageCache.Get(ctx, key); err == nil {
		cached := opensea.NFTsPage{}
		if err := json.Unmarshal(payload, &cached); err == nil {
			return cached, nil
		}
	}

	nftsPage, err := c.nfts.GetNFTsByAccount(ctx, address, next)
	if err != nil {
		return opensea.NFTsPage{}, err
	}

	if payload, err := json.Marshal(nftsPage); err == nil {
		if err := c.pageCache.Set(ctx, key, payload, nftPageTTL); err != nil {
			logger.For(ctx).Warnf("failed to cache nft page %d for %s: %s", page, address, err)
		}
	}
	return nftsPage, nil
}

// collectionGroup is the per-collection bucket of an account's NFTs.
type collectionGroup struct {
	slug     string
	contract persist.EthereumAddress
	count    int
}

// groupByCollection buckets NFTs by collection slug in first-seen order. NFTs
// without a slug cannot be priced and are left ungrouped.
func groupByCollection(nfts []opensea.NFT) []collectionGroup {
	index := map[string]int{}
	groups := []collectionGroup{}
	for _, nft := range nfts {
		if nft.Collection == "" {
			continue
		}

		i, ok := index[nft.Collection]
		if !ok {
			i = len(groups)
			index[nft.Collection] = i
			groups = append(groups, collectionGroup{slug: nft.Collection, contract: nft.Contract})
		}
		groups[i].count++
		if groups[i].contract.String() == "" {
			groups[i].contract = nft.Contract
		}
	}
	return groups
}

// fetchCollections prices every group under the gate. All fetches settle; a
// group whose fetch yielded no data at all is logged and left out of the
// returned map.
func (c *Calculator) fetchCollections(ctx context.Context, groups []collectionGroup, onProcessed func(int)) map[string]persist.CollectionMetadata {
	var mu sync.Mutex
	fetched := make(map[string]persist.CollectionMetadata, len(groups))
	processed := 0

	wg := conc.NewWaitGroup()
	for i := range groups {
		group := groups[i]
		wg.Go(func() {
			err := c.gate.Do(ctx, func(ctx context.Context) error {
				record := c.fetcher.FetchCollectionData(ctx, group.slug, group.contract)

				mu.Lock()
				defer mu.Unlock()
				if record == persist.DefaultCollectionMetadata(group.slug) {
					logger.For(ctx).Warnf("no data for collection %s, leaving it out of the valuation", group.slug)
				} else {
					fetched[group.slug] = record
				}
				return nil
			})
			if err != nil {
				logger.For(ctx).Warnf("collection fetch for %s did not run: %s", group.slug, err)
			}

			// onProcessed runs under the lock so progress reports are ordered.
			mu.Lock()
			processed++
			onProcessed(processed)
			mu.Unlock()
		})
	}
	wg.Wait()

	return fetched
}

// buildSummary reduces fetched collection records into a summary. Groups with
// no record are counted but carry no value.
func (c *Calculator) buildSummary(groups []collectionGroup, fetched map[string]persist.CollectionMetadata, nftCount int) Summary {
	ethPriceUSD := c.ethPriceUSD()

	summary := Summary{
		NFTCount:        nftCount,
		CollectionCount: len(groups),
		Breakdown:       []Holding{},
		CalculatedAt:    time.Now().UTC().Format(time.RFC3339),
		EthPriceUSD:     ethPriceUSD,
	}

	for _, group := range groups {
		record, ok := fetched[group.slug]
		if !ok {
			continue
		}

		holding := Holding{
			Slug:            group.slug,
			ContractAddress: group.contract,
			Name:            record.Name,
			ImageURL:        record.ImageURL,
			SafelistStatus:  record.SafelistStatus,
			NFTCount:        group.count,
			FloorPriceEth:   record.FloorPriceEth,
			TotalValueEth:   record.FloorPriceEth * float64(group.count),
		}
		if ethPriceUSD > 0 {
			holding.FloorPriceUSD = holding.FloorPriceEth * ethPriceUSD
			holding.TotalValueUSD = holding.TotalValueEth * ethPriceUSD
		}

		summary.TotalValueEth += holding.TotalValueEth
		summary.Breakdown = append(summary.Breakdown, holding)
	}

	if ethPriceUSD > 0 {
		summary.TotalValueUSD = summary.TotalValueEth * ethPriceUSD
	}

	sort.SliceStable(summary.Breakdown, func(i, j int) bool {
		return summary.Breakdown[i].TotalValueEth > summary.Breakdown[j].TotalValueEth
	})

	return summary
}

func (c *Calculator) writeSummary(ctx context.Context, address persist.EthereumAddress, summary Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return err
	}
	return c.cache.Set(ctx, address.String(), payload, c.summaryTTL)
}

func (c *Calculator) ethPriceUSD() float64 {
	if c.ethPrice == nil {
		return 0
	}
	return c.ethPrice.EthPriceUSD()
}

func (c *Calculator) report(report ProgressFunc, progress Progress) {
	if report != nil {
		report(progress)
	}
}

// ReadCachedSummary returns the cached summary for an address. Unparsable
// payloads count as misses.
func ReadCachedSummary(ctx context.Context, cache *redis.Cache, address persist.EthereumAddress) (Summary, bool, error) {
	payload, err := cache.Get(ctx, address.String())
	if err != nil {
		if util.ErrorAs[redis.ErrKeyNotFound](err) {
			return Summary{}, false, nil
		}
		return Summary{}, false, err
	}

	summary := Summary{}
	if err := json.Unmarshal(payload, &summary); err != nil {
		return Summary{}, false, nil
	}
	return summary, true, nil
}
