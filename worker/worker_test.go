package worker

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftfolio/backend/service/auth/basicauth"
	"github.com/nftfolio/backend/service/collections"
	"github.com/nftfolio/backend/service/nftgo"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/portfolio"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/util/retry"
)

const (
	testAccount  = persist.EthereumAddress("0xaaa0000000000000000000000000000000000001")
	testContract = persist.EthereumAddress("0xbbb0000000000000000000000000000000000002")
)

type fakeMarketplace struct {
	mu            sync.Mutex
	collection    opensea.Collection
	collectionErr error
	listings      opensea.BestListings
	listingsErr   error
}

func (f *fakeMarketplace) GetCollection(ctx context.Context, slug string) (opensea.Collection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.collectionErr != nil {
		return opensea.Collection{}, f.collectionErr
	}
	return f.collection, nil
}

func (f *fakeMarketplace) GetBestListings(ctx context.Context, slug string, limit int) (opensea.BestListings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listingsErr != nil {
		return opensea.BestListings{}, f.listingsErr
	}
	return f.listings, nil
}

type fakeFloors struct {
	floor nftgo.FloorPrice
	err   error
}

func (f *fakeFloors) GetFloorPrice(ctx context.Context, contract persist.EthereumAddress) (nftgo.FloorPrice, error) {
	if f.err != nil {
		return nftgo.FloorPrice{}, f.err
	}
	return f.floor, nil
}

type memCollectionRepo struct {
	mu      sync.Mutex
	records map[string]persist.CollectionMetadata
	upserts int
}

func newMemCollectionRepo() *memCollectionRepo {
	return &memCollectionRepo{records: map[string]persist.CollectionMetadata{}}
}

func (r *memCollectionRepo) GetBySlug(ctx context.Context, slug string) (persist.CollectionMetadata, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[slug]
	if !ok {
		return persist.CollectionMetadata{}, persist.ErrCollectionNotFound{Slug: slug}
	}
	return record, nil
}

func (r *memCollectionRepo) Upsert(ctx context.Context, metadata persist.CollectionMetadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[metadata.Slug] = metadata
	r.upserts++
	return nil
}

func (r *memCollectionRepo) upsertCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upserts
}

type fakeNFTSource struct {
	nfts []opensea.NFT
	err  error
}

func (f *fakeNFTSource) GetNFTsByAccount(ctx context.Context, address persist.EthereumAddress, next string) (opensea.NFTsPage, error) {
	if f.err != nil {
		return opensea.NFTsPage{}, f.err
	}
	return opensea.NFTsPage{NFTs: f.nfts}, nil
}

type fakeFetcher struct {
	records map[string]persist.CollectionMetadata
}

func (f *fakeFetcher) FetchCollectionData(ctx context.Context, slug string, contract persist.EthereumAddress) persist.CollectionMetadata {
	if record, ok := f.records[slug]; ok {
		return record
	}
	return persist.DefaultCollectionMetadata(slug)
}

type staticPricer struct {
	usd float64
}

func (s staticPricer) EthPriceUSD() float64 { return s.usd }

func newTestCache(t *testing.T, config redis.CacheConfig) *redis.Cache {
	t.Helper()
	cache := redis.NewCache(config)
	t.Cleanup(func() { cache.Close() })
	return cache
}

func setupRedis(t *testing.T) {
	t.Helper()
	mr := miniredis.RunT(t)
	viper.Set("REDIS_URL", mr.Addr())
	viper.Set("REDIS_PASS", "")
}

func openseaFloor(eth float64) nftgo.FloorPrice {
	return nftgo.FloorPrice{MarketplaceFloorPriceList: []nftgo.MarketplaceFloorPrice{
		{MarketplaceName: "OpenSea", FloorPrice: eth},
	}}
}

func TestProcessCollectionFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("caches and stores a fetched collection", func(t *testing.T) {
		setupRedis(t)
		collectionCache := newTestCache(t, redis.CollectionCache)
		floorCache := newTestCache(t, redis.FloorPriceCache)
		fetchQueue := queue.New(collections.CollectionFetchQueue, newTestCache(t, redis.QueueCache), collections.FetchJobOptions)

		marketplace := &fakeMarketplace{collection: opensea.Collection{
			Collection:     "azuki",
			Name:           "Azuki",
			SafelistStatus: "verified",
			TotalSupply:    10000,
		}}
		repo := newMemCollectionRepo()
		aggregator := collections.NewAggregator(marketplace, &fakeFloors{floor: openseaFloor(12.5)}, repo, floorCache)

		job, created, err := fetchQueue.Add(ctx, "azuki", collections.CollectionFetchJob{Slug: "azuki", ContractAddress: testContract})
		require.NoError(t, err)
		require.True(t, created)

		handler := processCollectionFetch(aggregator, repo, collectionCache, time.Hour)
		require.NoError(t, handler(ctx, job))

		payload, err := collectionCache.Get(ctx, "azuki")
		require.NoError(t, err)
		cached, ok := collections.ParseCachedCollection(payload)
		require.True(t, ok)
		assert.Equal(t, "azuki", cached.Slug)
		assert.Equal(t, "Azuki", cached.Name)
		assert.Equal(t, 12.5, cached.FloorPrice)
		assert.Equal(t, collections.SourceWorkerCache, cached.Source)
		assert.NotEmpty(t, cached.LastUpdated)

		stored, err := repo.GetBySlug(ctx, "azuki")
		require.NoError(t, err)
		assert.Equal(t, 12.5, stored.FloorPriceEth)
		assert.False(t, stored.DataLastFetchedAt.IsZero())
	})

	t.Run("caches defaults without storing when upstream has nothing", func(t *testing.T) {
		setupRedis(t)
		collectionCache := newTestCache(t, redis.CollectionCache)
		floorCache := newTestCache(t, redis.FloorPriceCache)
		fetchQueue := queue.New(collections.CollectionFetchQueue, newTestCache(t, redis.QueueCache), collections.FetchJobOptions)

		marketplace := &fakeMarketplace{
			collectionErr: retry.ErrNotFound{URL: "https://api.opensea.io/api/v2/collections/ghost"},
			listingsErr:   retry.ErrNotFound{URL: "https://api.opensea.io/api/v2/listings/collection/ghost/best"},
		}
		repo := newMemCollectionRepo()
		aggregator := collections.NewAggregator(marketplace, &fakeFloors{err: errors.New("no such contract")}, repo, floorCache)

		job, _, err := fetchQueue.Add(ctx, "ghost", collections.CollectionFetchJob{Slug: "ghost", ContractAddress: testContract})
		require.NoError(t, err)

		handler := processCollectionFetch(aggregator, repo, collectionCache, time.Hour)
		require.NoError(t, handler(ctx, job))

		payload, err := collectionCache.Get(ctx, "ghost")
		require.NoError(t, err)
		cached, ok := collections.ParseCachedCollection(payload)
		require.True(t, ok)
		assert.Equal(t, "ghost", cached.Slug)
		assert.Zero(t, cached.FloorPrice)

		assert.Zero(t, repo.upsertCount())
	})

	t.Run("a cache write failure surfaces so the queue retries", func(t *testing.T) {
		mr := miniredis.RunT(t)
		viper.Set("REDIS_URL", mr.Addr())
		viper.Set("REDIS_PASS", "")

		collectionCache := newTestCache(t, redis.CollectionCache)
		floorCache := newTestCache(t, redis.FloorPriceCache)
		fetchQueue := queue.New(collections.CollectionFetchQueue, newTestCache(t, redis.QueueCache), collections.FetchJobOptions)

		marketplace := &fakeMarketplace{collection: opensea.Collection{Collection: "azuki", Name: "Azuki"}}
		repo := newMemCollectionRepo()
		aggregator := collections.NewAggregator(marketplace, &fakeFloors{err: errors.New("down")}, repo, floorCache)

		job, _, err := fetchQueue.Add(ctx, "azuki", collections.CollectionFetchJob{Slug: "azuki"})
		require.NoError(t, err)

		mr.Close()

		handler := processCollectionFetch(aggregator, repo, collectionCache, time.Hour)
		assert.Error(t, handler(ctx, job))
	})
}

func TestWorkerDrivesCollectionRefreshes(t *testing.T) {
	ctx := context.Background()
	setupRedis(t)

	collectionCache := newTestCache(t, redis.CollectionCache)
	floorCache := newTestCache(t, redis.FloorPriceCache)
	fetchQueue := queue.New(collections.CollectionFetchQueue, newTestCache(t, redis.QueueCache), collections.FetchJobOptions)

	marketplace := &fakeMarketplace{collection: opensea.Collection{Collection: "doodles-official", Name: "Doodles"}}
	repo := newMemCollectionRepo()
	aggregator := collections.NewAggregator(marketplace, &fakeFloors{floor: openseaFloor(3.2)}, repo, floorCache)

	consumer := queue.NewWorker(
		fetchQueue,
		processCollectionFetch(aggregator, repo, collectionCache, time.Hour),
		queue.WorkerOptions{Concurrency: 2, PollInterval: 25 * time.Millisecond},
	)
	consumer.Start(ctx)
	t.Cleanup(consumer.Stop)

	_, _, err := fetchQueue.Add(ctx, "doodles-official", collections.CollectionFetchJob{Slug: "doodles-official", ContractAddress: testContract})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := fetchQueue.GetJob(ctx, "doodles-official")
		return err == nil && job.State == queue.StateCompleted
	}, 5*time.Second, 25*time.Millisecond)

	payload, err := collectionCache.Get(ctx, "doodles-official")
	require.NoError(t, err)
	cached, ok := collections.ParseCachedCollection(payload)
	require.True(t, ok)
	assert.Equal(t, 3.2, cached.FloorPrice)
}

func TestProcessPortfolio(t *testing.T) {
	ctx := context.Background()

	newCalculator := func(t *testing.T, nfts *fakeNFTSource, fetcher *fakeFetcher) (*portfolio.Calculator, *redis.Cache) {
		summaryCache := newTestCache(t, redis.PortfolioCache)
		pageCache := newTestCache(t, redis.NFTPageCache)
		return portfolio.NewCalculator(nfts, fetcher, staticPricer{usd: 2000}, summaryCache, pageCache), summaryCache
	}

	t.Run("calculates and caches a summary with progress on the job", func(t *testing.T) {
		setupRedis(t)
		portfolioQueue := queue.New(portfolio.PortfolioQueue, newTestCache(t, redis.QueueCache), portfolio.JobOptions)

		nfts := &fakeNFTSource{nfts: []opensea.NFT{
			{Identifier: "1", Collection: "azuki", Contract: testContract},
			{Identifier: "2", Collection: "azuki", Contract: testContract},
			{Identifier: "3", Collection: "azuki", Contract: testContract},
		}}
		fetcher := &fakeFetcher{records: map[string]persist.CollectionMetadata{
			"azuki": {Slug: "azuki", Name: "Azuki", FloorPriceEth: 2},
		}}
		calculator, summaryCache := newCalculator(t, nfts, fetcher)

		job, _, err := portfolioQueue.Add(ctx, testAccount.String(), portfolio.PortfolioJob{Address: testAccount})
		require.NoError(t, err)

		require.NoError(t, processPortfolio(calculator)(ctx, job))

		summary, ok, err := portfolio.ReadCachedSummary(ctx, summaryCache, testAccount)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, float64(6), summary.TotalValueEth)
		assert.Equal(t, float64(12000), summary.TotalValueUSD)
		assert.Equal(t, 3, summary.NFTCount)

		snapshot, err := portfolioQueue.GetJob(ctx, testAccount.String())
		require.NoError(t, err)
		progress := portfolio.Progress{}
		require.NoError(t, json.Unmarshal(snapshot.Progress, &progress))
		assert.Equal(t, portfolio.StepCompleted, progress.Step)
		assert.Equal(t, 3, progress.NFTCount)
		assert.Equal(t, 1, progress.CollectionCount)
	})

	t.Run("a listing failure fails the job for retry", func(t *testing.T) {
		setupRedis(t)
		portfolioQueue := queue.New(portfolio.PortfolioQueue, newTestCache(t, redis.QueueCache), portfolio.JobOptions)

		nfts := &fakeNFTSource{err: retry.ErrNotFound{URL: "https://api.opensea.io/api/v2/chain/ethereum/account/x/nfts"}}
		calculator, _ := newCalculator(t, nfts, &fakeFetcher{})

		job, _, err := portfolioQueue.Add(ctx, testAccount.String(), portfolio.PortfolioJob{Address: testAccount})
		require.NoError(t, err)

		assert.Error(t, processPortfolio(calculator)(ctx, job))
	})
}

func TestQueueEndpoints(t *testing.T) {
	ctx := context.Background()
	gin.SetMode(gin.TestMode)

	viper.Set("ADMIN_PASS", "super-secret")
	t.Cleanup(func() { viper.Set("ADMIN_PASS", "") })
	authHeader := map[string]string{"Authorization": basicauth.MakeHeader(nil, "super-secret")}

	newEnv := func(t *testing.T) (*Clients, *gin.Engine) {
		setupRedis(t)
		queueCache := newTestCache(t, redis.QueueCache)
		clients := &Clients{
			FetchQueue:     queue.New(collections.CollectionFetchQueue, queueCache, collections.FetchJobOptions),
			PortfolioQueue: queue.New(portfolio.PortfolioQueue, queueCache, portfolio.JobOptions),
		}
		return clients, handlersInit(gin.New(), clients)
	}

	request := func(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for key, value := range headers {
			req.Header.Set(key, value)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("requires admin credentials", func(t *testing.T) {
		_, router := newEnv(t)

		w := request(router, "/queues/collection-fetch-queue/jobs/azuki", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("unknown queues are a 404", func(t *testing.T) {
		_, router := newEnv(t)

		w := request(router, "/queues/nope/jobs/azuki", authHeader)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("missing jobs are a 404", func(t *testing.T) {
		_, router := newEnv(t)

		w := request(router, "/queues/collection-fetch-queue/jobs/azuki", authHeader)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("reports a queued job's state", func(t *testing.T) {
		clients, router := newEnv(t)
		_, _, err := clients.FetchQueue.Add(ctx, "azuki", collections.CollectionFetchJob{Slug: "azuki"})
		require.NoError(t, err)

		w := request(router, "/queues/collection-fetch-queue/jobs/azuki", authHeader)
		require.Equal(t, http.StatusOK, w.Code)

		out := jobStatusOutput{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, "azuki", out.ID)
		assert.Equal(t, collections.CollectionFetchQueue, out.Queue)
		assert.Equal(t, queue.StateWaiting, out.State)
		assert.Equal(t, 4, out.MaxAttempts)
	})

	t.Run("reports queue counts", func(t *testing.T) {
		clients, router := newEnv(t)
		_, _, err := clients.PortfolioQueue.Add(ctx, testAccount.String(), portfolio.PortfolioJob{Address: testAccount})
		require.NoError(t, err)

		w := request(router, "/queues/portfolio-queue/counts", authHeader)
		require.Equal(t, http.StatusOK, w.Code)

		out := queueCountsOutput{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, portfolio.PortfolioQueue, out.Queue)
		assert.Equal(t, int64(1), out.Counts[queue.StateWaiting])
	})
}
