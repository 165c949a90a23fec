// Package collections serves combined collection metadata and floor prices,
// reading through a shared cache and deferring upstream fetches to queued
// background work.
package collections

import (
	"context"
	"encoding/json"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/util"
)

const (
	// CollectionFetchQueue is the queue collection refresh jobs run on.
	CollectionFetchQueue = "collection-fetch-queue"

	// maxBatchSlugs bounds one batch read.
	maxBatchSlugs = 100

	enqueueTimeout = 10 * time.Second
)

// FetchJobOptions apply to every queued collection refresh. Finished jobs stay
// readable for a day, failed ones for a week.
var FetchJobOptions = queue.JobOptions{
	Attempts:         4,
	Backoff:          queue.Backoff{Type: queue.BackoffExponential, Delay: time.Second},
	RemoveOnComplete: queue.Retention{Count: 1000, Age: 24 * time.Hour},
	RemoveOnFail:     queue.Retention{Count: 5000, Age: 7 * 24 * time.Hour},
}

// SourceWorkerCache marks cache payloads written by the refresh worker.
const SourceWorkerCache = "worker-cache"

// CollectionFetchJob is the payload of one queued collection refresh. The
// contract address is optional; the refresh resolves it from the marketplace
// record when absent.
type CollectionFetchJob struct {
	Slug            string                  `json:"slug"`
	ContractAddress persist.EthereumAddress `json:"contractAddress,omitempty"`
}

// CachedCollection is the wire shape stored under collection:<slug> and
// returned to clients.
type CachedCollection struct {
	Slug           string  `json:"slug"`
	FloorPrice     float64 `json:"floor_price"`
	Name           string  `json:"name,omitempty"`
	ImageURL       string  `json:"image_url,omitempty"`
	SafelistStatus string  `json:"safelist_status,omitempty"`
	TotalSupply    int64   `json:"total_supply"`
	NumOwners      int64   `json:"num_owners"`
	TotalVolume    float64 `json:"total_volume"`
	MarketCap      float64 `json:"market_cap"`
	LastUpdated    string  `json:"lastUpdated"`
	Source         string  `json:"source"`
}

// CachedFromMetadata converts a stored collection record into the cache wire shape
func CachedFromMetadata(metadata persist.CollectionMetadata, at time.Time, source string) CachedCollection {
	return CachedCollection{
		Slug:           metadata.Slug,
		FloorPrice:     metadata.FloorPriceEth,
		Name:           metadata.Name,
		ImageURL:       metadata.ImageURL,
		SafelistStatus: metadata.SafelistStatus,
		TotalSupply:    metadata.TotalSupply,
		NumOwners:      metadata.NumOwners,
		TotalVolume:    metadata.TotalVolume,
		MarketCap:      metadata.MarketCap,
		LastUpdated:    at.UTC().Format(time.RFC3339),
		Source:         source,
	}
}

// ParseCachedCollection decodes a cache payload in either the flat shape or
// the older {info, price} envelope, flattening the latter. The bool reports
// whether the payload was usable.
func ParseCachedCollection(payload []byte) (CachedCollection, bool) {
	var probe struct {
		CachedCollection
		Info  *CachedCollection `json:"info"`
		Price *float64          `json:"price"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		return CachedCollection{}, false
	}

	if probe.Info != nil {
		flattened := *probe.Info
		if probe.Price != nil {
			flattened.FloorPrice = *probe.Price
		}
		return flattened, flattened.Slug != ""
	}

	return probe.CachedCollection, probe.CachedCollection.Slug != ""
}

// BatchService answers batch collection reads from the cache alone, queueing
// refreshes for anything it cannot serve.
type BatchService struct {
	cache *redis.Cache
	queue *queue.Queue
}

// NewBatchService creates a BatchService on the collection cache and the
// collection fetch queue.
func NewBatchService(cache *redis.Cache, fetchQueue *queue.Queue) *BatchService {
	return &BatchService{cache: cache, queue: fetchQueue}
}

// GetBatchCollectionDataFromCache returns the cached payload for each
// requested slug, with an empty object placeholder for slugs that are not
// cached yet. Misses are queued for refresh without waiting; response time is
// bounded by the cache read.
func (s *BatchService) GetBatchCollectionDataFromCache(ctx context.Context, slugs []string) (map[string]json.RawMessage, error) {
	if len(slugs) == 0 {
		return nil, util.ErrInvalidInput{Reason: "no slugs provided"}
	}
	if len(slugs) > maxBatchSlugs {
		return nil, util.ErrInvalidInput{Reason: "too many slugs requested"}
	}

	payloads, err := s.cache.MGet(ctx, slugs)
	if err != nil {
		return nil, err
	}

	results := make(map[string]json.RawMessage, len(slugs))
	var missing []string
	for i, slug := range slugs {
		if payloads[i] != nil {
			if _, ok := ParseCachedCollection(payloads[i]); ok {
				results[slug] = json.RawMessage(payloads[i])
				continue
			}
		}
		results[slug] = json.RawMessage("{}")
		missing = append(missing, slug)
	}

	if len(missing) > 0 {
		go s.enqueueMissing(missing)
	}

	return results, nil
}

// GetCollectionDataFromCache is the single-slug variant of the batch read
func (s *BatchService) GetCollectionDataFromCache(ctx context.Context, slug string) (json.RawMessage, error) {
	results, err := s.GetBatchCollectionDataFromCache(ctx, []string{slug})
	if err != nil {
		return nil, err
	}
	return results[slug], nil
}

// enqueueMissing queues a refresh job per slug, de-duplicated by slug. It runs
// detached from the request; failures are logged and never surface.
func (s *BatchService) enqueueMissing(slugs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), enqueueTimeout)
	defer cancel()
	ctx = logger.NewContextWithFields(ctx, logrus.Fields{"queue": s.queue.Name()})

	for _, slug := range util.Dedupe(slugs, false) {
		if _, _, err := s.queue.Add(ctx, slug, CollectionFetchJob{Slug: slug}); err != nil {
			logger.For(ctx).Errorf("failed to enqueue collection refresh for %s: %s", slug, err)
		}
	}
}
