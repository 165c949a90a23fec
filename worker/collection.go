package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftfolio/backend/service/collections"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
)

// processCollectionFetch refreshes one collection's cache entry and stored
// record. The fetch itself is best-effort and always settles; only a failure
// to write the result propagates, so the queue retries writes rather than
// upstream fetches.
func processCollectionFetch(aggregator *collections.Aggregator, repo persist.CollectionRepository, cache *redis.Cache, ttl time.Duration) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		payload := collections.CollectionFetchJob{}
		if err := job.UnmarshalData(&payload); err != nil {
			return err
		}

		ctx = logger.NewContextWithFields(ctx, logrus.Fields{"collectionSlug": payload.Slug})

		now := time.Now().UTC()
		metadata := aggregator.FetchCollectionData(ctx, payload.Slug, payload.ContractAddress)
		fetchedNothing := metadata == persist.DefaultCollectionMetadata(payload.Slug)
		if metadata.DataLastFetchedAt.IsZero() {
			metadata.DataLastFetchedAt = now
		}

		cached, err := json.Marshal(collections.CachedFromMetadata(metadata, now, collections.SourceWorkerCache))
		if err != nil {
			return err
		}
		if err := cache.Set(ctx, payload.Slug, cached, ttl); err != nil {
			return fmt.Errorf("failed to cache collection %s: %w", payload.Slug, err)
		}

		// An all-defaults record means nothing could be fetched. The cache entry
		// above still keeps clients from re-queueing the slug on every read, but
		// only real data goes into the record store.
		if fetchedNothing {
			logger.For(ctx).Infof("no data for collection %s, cached defaults only", payload.Slug)
			return nil
		}

		if err := repo.Upsert(ctx, metadata); err != nil {
			return fmt.Errorf("failed to store collection %s: %w", payload.Slug, err)
		}

		logger.For(ctx).Infof("refreshed collection %s with floor %f", payload.Slug, metadata.FloorPriceEth)
		return nil
	}
}
