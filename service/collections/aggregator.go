package collections

import (
	"context"
	"strconv"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/nftgo"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

const (
	// preferredFloorMarketplace is the marketplace whose floor wins when the
	// floor provider reports several.
	preferredFloorMarketplace = "opensea"

	floorPriceTTL = time.Hour

	upsertTimeout = 10 * time.Second
)

// MarketplaceClient is the slice of the marketplace API the aggregator reads.
type MarketplaceClient interface {
	GetCollection(ctx context.Context, slug string) (opensea.Collection, error)
	GetBestListings(ctx context.Context, slug string, limit int) (opensea.BestListings, error)
}

// FloorPriceClient fetches per-marketplace floor prices by contract.
type FloorPriceClient interface {
	GetFloorPrice(ctx context.Context, contract persist.EthereumAddress) (nftgo.FloorPrice, error)
}

// Aggregator combines marketplace metadata and the best available floor price
// into one collection record. Every fetch is best-effort: the aggregator
// always returns a record, falling back to zero values for whatever could not
// be fetched.
type Aggregator struct {
	marketplace MarketplaceClient
	floors      FloorPriceClient
	repo        persist.CollectionRepository
	floorCache  *redis.Cache
	retryPolicy retry.Retry
}

// NewAggregator creates an Aggregator. The retry policy follows the
// MAX_RETRIES, INITIAL_RETRY_DELAY_MS, and MAX_RETRY_DELAY_MS settings.
func NewAggregator(marketplace MarketplaceClient, floors FloorPriceClient, repo persist.CollectionRepository, floorCache *redis.Cache) *Aggregator {
	policy := retry.DefaultRetry
	if tries := env.GetInt("MAX_RETRIES"); tries > 0 {
		policy.Tries = tries
	}
	if ms := env.GetInt("INITIAL_RETRY_DELAY_MS"); ms > 0 {
		policy.Base = time.Duration(ms) * time.Millisecond
	}
	if ms := env.GetInt("MAX_RETRY_DELAY_MS"); ms > 0 {
		policy.Cap = time.Duration(ms) * time.Millisecond
	}

	return &Aggregator{
		marketplace: marketplace,
		floors:      floors,
		repo:        repo,
		floorCache:  floorCache,
		retryPolicy: policy,
	}
}

// FetchCollectionData returns the combined record for a collection. Metadata
// and floor price are fetched in parallel and both always settle; a positive
// floor from the floor path overrides whatever the metadata carried.
func (a *Aggregator) FetchCollectionData(ctx context.Context, slug string, contract persist.EthereumAddress) persist.CollectionMetadata {
	var metadata persist.CollectionMetadata
	var floor float64

	workers := pool.New().WithMaxGoroutines(2)
	workers.Go(func() {
		metadata = a.fetchCollectionInfo(ctx, slug)
	})
	workers.Go(func() {
		floor = a.fetchFloorPrice(ctx, contract, slug)
	})
	workers.Wait()

	if floor > 0 {
		metadata.FloorPriceEth = floor
	}
	return metadata
}

// fetchCollectionInfo serves collection metadata from the record store while
// it is fresh, fetching from the marketplace otherwise. Not-found and
// exhausted retries yield a zero-valued record for the slug.
func (a *Aggregator) fetchCollectionInfo(ctx context.Context, slug string) persist.CollectionMetadata {
	stored, err := a.repo.GetBySlug(ctx, slug)
	if err == nil {
		return stored
	}
	if !util.ErrorAs[persist.ErrCollectionNotFound](err) {
		logger.For(ctx).Warnf("failed to read stored collection %s, fetching upstream: %s", slug, err)
	}

	collection, err := retry.Do(ctx, a.retryPolicy, func(ctx context.Context) (opensea.Collection, error) {
		return a.marketplace.GetCollection(ctx, slug)
	})
	if err != nil {
		if util.ErrorAs[retry.ErrNotFound](err) {
			logger.For(ctx).Infof("collection %s not found upstream, using defaults", slug)
		} else {
			logger.For(ctx).Errorf("failed to fetch collection %s, using defaults: %s", slug, err)
		}
		return persist.DefaultCollectionMetadata(slug)
	}

	metadata := metadataFromCollection(collection)
	a.upsertAsync(metadata)
	return metadata
}

// fetchFloorPrice resolves a best-effort floor in ETH. It never fails: the
// floor provider is tried by contract first, then the marketplace's cheapest
// listing by slug, and full failure yields 0.
func (a *Aggregator) fetchFloorPrice(ctx context.Context, contract persist.EthereumAddress, slug string) float64 {
	cacheKey := contract.String()

	if cacheKey != "" {
		if payload, err := a.floorCache.Get(ctx, cacheKey); err == nil {
			if cached, err := strconv.ParseFloat(string(payload), 64); err == nil {
				return cached
			}
		}

		breakdown, err := retry.Do(ctx, a.retryPolicy, func(ctx context.Context) (nftgo.FloorPrice, error) {
			return a.floors.GetFloorPrice(ctx, contract)
		})
		if err != nil {
			logger.For(ctx).Warnf("floor provider failed for %s, falling back to listings: %s", contract, err)
		} else if best := breakdown.BestFloor(preferredFloorMarketplace); best > 0 {
			a.cacheFloor(ctx, cacheKey, best)
			return best
		}
	}

	listings, err := retry.Do(ctx, a.retryPolicy, func(ctx context.Context) (opensea.BestListings, error) {
		return a.marketplace.GetBestListings(ctx, slug, 1)
	})
	if err != nil {
		logger.For(ctx).Warnf("failed to fetch best listings for %s: %s", slug, err)
		return 0
	}
	if len(listings.Listings) == 0 {
		return 0
	}

	price := listings.Listings[0].EthPrice()
	if price > 0 && cacheKey != "" {
		a.cacheFloor(ctx, cacheKey, price)
	}
	return price
}

func (a *Aggregator) cacheFloor(ctx context.Context, key string, floor float64) {
	value := strconv.FormatFloat(floor, 'f', -1, 64)
	if err := a.floorCache.Set(ctx, key, []byte(value), floorPriceTTL); err != nil {
		logger.For(ctx).Warnf("failed to cache floor price for %s: %s", key, err)
	}
}

// upsertAsync stores a freshly fetched record without blocking the caller.
func (a *Aggregator) upsertAsync(metadata persist.CollectionMetadata) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), upsertTimeout)
		defer cancel()
		if err := a.repo.Upsert(ctx, metadata); err != nil {
			logger.For(ctx).Errorf("failed to store collection record for %s: %s", metadata.Slug, err)
		}
	}()
}

// metadataFromCollection flattens the marketplace response, hoisting the
// lifetime stats rollup onto the record.
func metadataFromCollection(collection opensea.Collection) persist.CollectionMetadata {
	return persist.CollectionMetadata{
		Slug:           collection.Collection,
		Name:           collection.Name,
		Description:    collection.Description,
		ImageURL:       collection.ImageURL,
		SafelistStatus: collection.SafelistStatus,
		TotalSupply:    collection.TotalSupply,
		NumOwners:      collection.Stats.Total.NumOwners,
		TotalVolume:    collection.Stats.Total.Volume,
		MarketCap:      collection.Stats.Total.MarketCap,
	}
}
