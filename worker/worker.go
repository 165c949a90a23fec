package worker

import (
	"context"
	"net/http"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/middleware"
	"github.com/nftfolio/backend/service/coingecko"
	"github.com/nftfolio/backend/service/collections"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/market"
	"github.com/nftfolio/backend/service/nftgo"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/persist/mongodb"
	"github.com/nftfolio/backend/service/portfolio"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/service/rpc"
	sentryutil "github.com/nftfolio/backend/service/sentry"
	"github.com/nftfolio/backend/service/tracing"
	"github.com/nftfolio/backend/util"
)

const (
	ethPricePollInterval = time.Minute
	gasPricePollInterval = 30 * time.Second

	portfolioConcurrency = 5

	ensureIndexesTimeout = 30 * time.Second
)

// Init initializes the worker
func Init() *Clients {
	setDefaults()

	logger.InitWithGCPDefaults()
	initSentry()

	ctx := context.Background()
	c := ClientInit(ctx)
	router := CoreInit(ctx, c)

	http.Handle("/", router)
	return c
}

// Clients holds the stores, upstream clients, and queue consumers the worker
// runs. Tests construct one over fakes; ClientInit builds the real thing.
type Clients struct {
	MongoClient *mongo.Client

	Aggregator      *collections.Aggregator
	Calculator      *portfolio.Calculator
	CollectionRepo  persist.CollectionRepository
	CollectionCache *redis.Cache
	Market          *market.Service

	FetchQueue     *queue.Queue
	PortfolioQueue *queue.Queue

	consumers []*queue.Worker
}

// ClientInit connects the real stores and upstream clients and assembles the
// aggregator and calculator on top of them.
func ClientInit(ctx context.Context) *Clients {
	httpClient := &http.Client{Transport: tracing.NewTracingTransport(http.DefaultTransport, true)}

	openseaClient := opensea.NewClient(httpClient)
	nftgoClient := nftgo.NewClient(httpClient)
	coingeckoClient := coingecko.NewClient(httpClient)
	ethClient := rpc.NewEthClient()
	mongoClient := mongodb.NewMongoClient()

	{
		ctx, cancel := context.WithTimeout(ctx, ensureIndexesTimeout)
		defer cancel()
		if err := mongodb.EnsureIndexes(ctx, mongoClient); err != nil {
			logger.For(ctx).Errorf("failed to ensure mongo indexes: %s", err)
		}
	}

	collectionCache := redis.NewCache(redis.CollectionCache)
	portfolioCache := redis.NewCache(redis.PortfolioCache)
	nftPageCache := redis.NewCache(redis.NFTPageCache)
	floorCache := redis.NewCache(redis.FloorPriceCache)
	marketCache := redis.NewCache(redis.MarketCache)
	queueCache := redis.NewCache(redis.QueueCache)

	collectionRepo := mongodb.NewCollectionMongoRepository(mongoClient)
	aggregator := collections.NewAggregator(openseaClient, nftgoClient, collectionRepo, floorCache)

	marketService := market.New(coingeckoClient, ethClient, marketCache)
	marketService.Hydrate(ctx)

	return &Clients{
		MongoClient:     mongoClient,
		Aggregator:      aggregator,
		Calculator:      portfolio.NewCalculator(openseaClient, aggregator, marketService, portfolioCache, nftPageCache),
		CollectionRepo:  collectionRepo,
		CollectionCache: collectionCache,
		Market:          marketService,
		FetchQueue:      queue.New(collections.CollectionFetchQueue, queueCache, collections.FetchJobOptions),
		PortfolioQueue:  queue.New(portfolio.PortfolioQueue, queueCache, portfolio.JobOptions),
	}
}

// CoreInit initializes core worker functionality and starts the queue
// consumers. This is abstracted so tests can also utilize it
func CoreInit(ctx context.Context, c *Clients) *gin.Engine {
	logger.For(nil).Info("initializing worker...")

	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
		logrus.SetLevel(logrus.DebugLevel)
	}

	router := gin.Default()
	router.Use(middleware.Sentry(true), middleware.Tracing(), middleware.HandleCORS(), middleware.ErrLogger())

	c.Market.PollEthPrices(ctx, time.NewTicker(ethPricePollInterval))
	c.Market.PollGasPrice(ctx, time.NewTicker(gasPricePollInterval))

	c.StartConsumers(ctx)

	return handlersInit(router, c)
}

// StartConsumers begins claiming jobs in the background. Collection fetches
// run at most MAX_CONCURRENT_OS_REQUESTS at a time.
func (c *Clients) StartConsumers(ctx context.Context) {
	fetchConcurrency := 5
	if limit := env.GetInt("MAX_CONCURRENT_OS_REQUESTS"); limit > 0 {
		fetchConcurrency = limit
	}

	c.consumers = []*queue.Worker{
		queue.NewWorker(c.FetchQueue, processCollectionFetch(c.Aggregator, c.CollectionRepo, c.CollectionCache, collectionTTL()), queue.WorkerOptions{Concurrency: fetchConcurrency}),
		queue.NewWorker(c.PortfolioQueue, processPortfolio(c.Calculator), queue.WorkerOptions{Concurrency: portfolioConcurrency}),
	}
	for _, consumer := range c.consumers {
		consumer.Start(ctx)
	}

	logger.For(nil).Infof("consuming %s and %s", c.FetchQueue.Name(), c.PortfolioQueue.Name())
}

// Stop stops claiming new jobs and waits for in-flight ones to finish.
func (c *Clients) Stop() {
	for _, consumer := range c.consumers {
		consumer.Stop()
	}
}

func collectionTTL() time.Duration {
	if seconds := env.GetInt("CACHE_TTL_COLLECTION_SECONDS"); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 4 * time.Hour
}

func setDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 6600)
	viper.SetDefault("ALLOWED_ORIGINS", "http://localhost:3000")
	viper.SetDefault("ADMIN_PASS", "TEST_ADMIN_PASS")
	viper.SetDefault("REDIS_URL", "localhost:6379")
	viper.SetDefault("REDIS_PASS", "")
	viper.SetDefault("MONGO_URL", "mongodb://localhost:27017")
	viper.SetDefault("RPC_URL", "https://cloudflare-eth.com")
	viper.SetDefault("OPENSEA_API_KEY", "")
	viper.SetDefault("NFTGO_API_KEY", "")
	viper.SetDefault("CACHE_TTL_COLLECTION_SECONDS", 14400)
	viper.SetDefault("CACHE_TTL_PORTFOLIO_SECONDS", 14400)
	viper.SetDefault("CACHE_TTL_MARKET_SECONDS", 600)
	viper.SetDefault("MAX_CONCURRENT_OS_REQUESTS", 5)
	viper.SetDefault("MAX_CONCURRENT_COLLECTION_FETCH", 10)
	viper.SetDefault("NFT_MAX_PAGES", 50)
	viper.SetDefault("OPENSEA_LIMIT", 50)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("INITIAL_RETRY_DELAY_MS", 1000)
	viper.SetDefault("MAX_RETRY_DELAY_MS", 30000)
	viper.SetDefault("FETCH_TIMEOUT_MS", 15000)
	viper.SetDefault("FETCH_TIMEOUT_NFT_MS", 20000)
	viper.SetDefault("FETCH_TIMEOUT_EVENTS_MS", 40000)
	viper.SetDefault("SENTRY_DSN", "")
	viper.SetDefault("SENTRY_TRACES_SAMPLE_RATE", 0.2)
	viper.SetDefault("VERSION", "")

	viper.AutomaticEnv()

	if env.GetString("ENV") != "local" {
		logger.For(nil).Info("running in non-local environment, skipping environment configuration")
	} else {
		envFile := util.ResolveEnvFile("worker")
		util.LoadEnvFile(envFile)
	}

	if env.GetString("ENV") != "local" {
		util.VarNotSetTo("ADMIN_PASS", "TEST_ADMIN_PASS")
		util.VarNotSetTo("SENTRY_DSN", "")
		util.VarNotSetTo("OPENSEA_API_KEY", "")
		util.VarNotSetTo("NFTGO_API_KEY", "")
		util.VarNotSetTo("RPC_URL", "https://cloudflare-eth.com")
	}
}

func initSentry() {
	if env.GetString("ENV") == "local" {
		logger.For(nil).Info("skipping sentry init")
		return
	}

	logger.For(nil).Info("initializing sentry...")

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              env.GetString("SENTRY_DSN"),
		Environment:      env.GetString("ENV"),
		TracesSampleRate: viper.GetFloat64("SENTRY_TRACES_SAMPLE_RATE"),
		Release:          env.GetString("VERSION"),
		AttachStacktrace: true,
		BeforeSend: func(event *sentry.Event, hint *sentry.EventHint) *sentry.Event {
			event = sentryutil.ScrubEventHeaders(event, hint)
			event = sentryutil.UpdateErrorFingerprints(event, hint)
			return event
		},
	})

	if err != nil {
		logger.For(nil).Fatalf("failed to start sentry: %s", err)
	}
}
