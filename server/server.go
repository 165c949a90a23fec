package server

import (
	"context"
	"net/http"
	"time"

	sentry "github.com/getsentry/sentry-go"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/middleware"
	"github.com/nftfolio/backend/service/activity"
	"github.com/nftfolio/backend/service/coingecko"
	"github.com/nftfolio/backend/service/collections"
	"github.com/nftfolio/backend/service/ens"
	"github.com/nftfolio/backend/service/eth"
	"github.com/nftfolio/backend/service/limiters"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/market"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/persist/mongodb"
	"github.com/nftfolio/backend/service/portfolio"
	"github.com/nftfolio/backend/service/queue"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/service/rpc"
	sentryutil "github.com/nftfolio/backend/service/sentry"
	"github.com/nftfolio/backend/service/throttle"
	"github.com/nftfolio/backend/service/tracing"
	"github.com/nftfolio/backend/service/usercache"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/validate"
)

const (
	syncGuardTTL = 5 * time.Minute

	ethPricePollInterval = time.Minute
	gasPricePollInterval = 30 * time.Second

	// batchRateAmount requests per batchRatePeriod per client IP on the batch
	// collections endpoint.
	batchRateAmount = 60
	batchRatePeriod = time.Minute
)

// Init initializes the server
func Init() {
	setDefaults()

	logger.InitWithGCPDefaults()
	initSentry()

	router := CoreInit(context.Background(), ClientInit(context.Background()))

	http.Handle("/", router)
}

// Clients holds the stores, upstream clients, and services handlers are wired
// with. Tests construct one over fakes; ClientInit builds the real thing.
type Clients struct {
	MongoClient *mongo.Client

	Collections    *collections.BatchService
	Activity       persist.ActivityRepository
	Syncer         *activity.Syncer
	PortfolioCache *redis.Cache
	PortfolioQueue *queue.Queue
	ENS            *ens.Service
	Users          *usercache.Service
	Market         *market.Service
	BatchLimiter   *limiters.KeyRateLimiter

	// Clearable maps each wire-visible key namespace to the cache holding it,
	// for admin invalidation.
	Clearable map[string]*redis.Cache
}

// ClientInit connects the real stores and upstream clients and assembles the
// services on top of them.
func ClientInit(ctx context.Context) *Clients {
	httpClient := &http.Client{Transport: tracing.NewTracingTransport(http.DefaultTransport, true)}

	openseaClient := opensea.NewClient(httpClient)
	coingeckoClient := coingecko.NewClient(httpClient)
	ethClient := rpc.NewEthClient()
	mongoClient := mongodb.NewMongoClient()

	collectionCache := redis.NewCache(redis.CollectionCache)
	portfolioCache := redis.NewCache(redis.PortfolioCache)
	nftPageCache := redis.NewCache(redis.NFTPageCache)
	ensResolveCache := redis.NewCache(redis.EnsResolveCache)
	ensLookupCache := redis.NewCache(redis.EnsLookupCache)
	userCache := redis.NewCache(redis.OpenseaUserCache)
	marketCache := redis.NewCache(redis.MarketCache)
	queueCache := redis.NewCache(redis.QueueCache)

	activityRepo := mongodb.NewActivityMongoRepository(mongoClient)
	syncGuard := throttle.NewThrottleLocker(redis.NewCache(redis.SyncLockCache), syncGuardTTL)

	marketService := market.New(coingeckoClient, ethClient, marketCache)
	marketService.Hydrate(ctx)

	return &Clients{
		MongoClient:    mongoClient,
		Collections:    collections.NewBatchService(collectionCache, queue.New(collections.CollectionFetchQueue, queueCache, collections.FetchJobOptions)),
		Activity:       activityRepo,
		Syncer:         activity.NewSyncer(openseaClient, activityRepo, syncGuard),
		PortfolioCache: portfolioCache,
		PortfolioQueue: queue.New(portfolio.PortfolioQueue, queueCache, portfolio.JobOptions),
		ENS:            ens.NewService(eth.NewResolver(ethClient), ensResolveCache, ensLookupCache),
		Users:          usercache.NewService(openseaClient, userCache),
		Market:         marketService,
		BatchLimiter:   limiters.NewKeyRateLimiter(ctx, redis.NewCache(redis.RateLimitersCache), "batch-collections", batchRateAmount, batchRatePeriod),
		Clearable: map[string]*redis.Cache{
			portfolioCache.Prefix():  portfolioCache,
			collectionCache.Prefix(): collectionCache,
			ensResolveCache.Prefix(): ensResolveCache,
			ensLookupCache.Prefix():  ensLookupCache,
			nftPageCache.Prefix():    nftPageCache,
		},
	}
}

// CoreInit initializes core server functionality. This is abstracted so the
// test server can also utilize it
func CoreInit(ctx context.Context, c *Clients) *gin.Engine {
	logger.For(nil).Info("initializing server...")

	if env.GetString("ENV") != "production" {
		gin.SetMode(gin.DebugMode)
		logrus.SetLevel(logrus.DebugLevel)
	}

	router := gin.Default()
	router.Use(middleware.Sentry(true), middleware.Tracing(), middleware.HandleCORS(), middleware.ErrLogger())

	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		logger.For(nil).Info("registering validation")
		validate.RegisterCustomValidators(v)
	}

	c.Market.PollEthPrices(ctx, time.NewTicker(ethPricePollInterval))
	c.Market.PollGasPrice(ctx, time.NewTicker(gasPricePollInterval))

	return handlersInit(router, c)
}

func setDefaults() {
	viper.SetDefault("ENV", "local")
	viper.SetDefault("PORT", 4000)
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
	viper.SetDefault("CACHE_TTL_ENS_SECONDS", 86400)
	viper.SetDefault("CACHE_TTL_USER_SECONDS", 3600)
	viper.SetDefault("CACHE_TTL_MARKET_SECONDS", 600)
	viper.SetDefault("MAX_CONCURRENT_OS_REQUESTS", 5)
	viper.SetDefault("MAX_CONCURRENT_COLLECTION_FETCH", 10)
	viper.SetDefault("MAX_PAGES_DEFAULT", 20)
	viper.SetDefault("NFT_MAX_PAGES", 50)
	viper.SetDefault("OPENSEA_LIMIT", 50)
	viper.SetDefault("MAX_RETRIES", 3)
	viper.SetDefault("INITIAL_RETRY_DELAY_MS", 1000)
	viper.SetDefault("MAX_RETRY_DELAY_MS", 30000)
	viper.SetDefault("INTER_PAGE_DELAY_MS", 300)
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
		envFile := util.ResolveEnvFile("backend")
		util.LoadEnvFile(envFile)
	}

	if env.GetString("ENV") != "local" {
		util.VarNotSetTo("ADMIN_PASS", "TEST_ADMIN_PASS")
		util.VarNotSetTo("SENTRY_DSN", "")
		util.VarNotSetTo("OPENSEA_API_KEY", "")
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
