// Package limiters provides distributed rate limiting backed by redis token
// buckets, so limits hold across processes.
package limiters

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benny-conn/limiters"
	"github.com/bsm/redislock"

	"github.com/nftfolio/backend/service/redis"
)

// KeyRateLimiter allows rateAmount requests per key, refilled evenly over the
// every duration. Buckets are namespaced by name so several limiters can share
// one cache.
type KeyRateLimiter struct {
	name         string
	rateDuration time.Duration
	rateAmount   int64
	reg          *limiters.Registry
	cache        *redis.Cache
	clock        *limiters.SystemClock
	logger       *limiters.StdLogger
	lock         limiters.DistLocker
}

// NewKeyRateLimiter creates a rate limiter that stores bucket state in the
// given cache.
func NewKeyRateLimiter(ctx context.Context, cache *redis.Cache, name string, rateAmount int64, every time.Duration) *KeyRateLimiter {
	i := &KeyRateLimiter{
		name:         name,
		rateDuration: every,
		rateAmount:   rateAmount,
		reg:          limiters.NewRegistry(),
		clock:        limiters.NewSystemClock(),
		logger:       limiters.NewStdLogger(),
		cache:        cache,
		lock: &globalLock{
			client: redis.NewLockClient(cache),
			key:    fmt.Sprintf("%s:lock", name),
			ttl:    time.Second,
		},
	}

	return i
}

// ForKey reports whether the key is under its limit. When the limit is
// exhausted, the returned duration says how long until the next token.
func (i *KeyRateLimiter) ForKey(ctx context.Context, key string) (bool, time.Duration, error) {
	bucket := i.reg.GetOrCreate(key, func() interface{} {
		return limiters.NewTokenBucket(
			i.rateAmount,
			i.rateDuration,
			i.lock,
			limiters.NewTokenBucketRedis(
				i.cache.Client(),
				fmt.Sprintf("%s:%s:%s", i.cache.Prefix(), i.name, key),
				i.rateDuration, false),
			i.clock,
			i.logger,
		)
	}, i.rateDuration, i.clock.Now())

	w, err := bucket.(*limiters.TokenBucket).Limit(ctx)
	if err == limiters.ErrLimitExhausted {
		return false, w, nil
	} else if err != nil {
		return false, 0, fmt.Errorf("rate limiting err: %s", err)
	}

	return true, 0, nil
}

// Name returns the limiter's bucket namespace.
func (i *KeyRateLimiter) Name() string {
	return i.name
}

// globalLock serializes bucket refills across processes.
type globalLock struct {
	client *redislock.Client
	key    string
	ttl    time.Duration

	mu   sync.Mutex
	held *redislock.Lock
}

func (l *globalLock) Lock(ctx context.Context) error {
	lock, err := l.client.Obtain(ctx, l.key, l.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(10*time.Millisecond), 100),
	})
	if err != nil {
		return err
	}

	l.mu.Lock()
	l.held = lock
	l.mu.Unlock()
	return nil
}

func (l *globalLock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	held := l.held
	l.held = nil
	l.mu.Unlock()

	if held == nil {
		return nil
	}
	return held.Release(ctx)
}
