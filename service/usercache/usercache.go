// Package usercache serves marketplace user profiles through the cache.
// Misses go to the marketplace; profiles the marketplace does not know are
// cached as a "null" sentinel.
package usercache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

const (
	nullSentinel = "null"
	defaultTTL   = time.Hour
)

// AccountSource fetches marketplace user profiles. *opensea.Client satisfies it.
type AccountSource interface {
	GetAccount(ctx context.Context, address persist.EthereumAddress) (opensea.AccountProfile, error)
}

// Service is the cached view of marketplace user profiles.
type Service struct {
	source AccountSource
	cache  *redis.Cache
	ttl    time.Duration
}

// NewService creates a profile lookup service. The cache lifetime follows
// CACHE_TTL_USER_SECONDS.
func NewService(source AccountSource, cache *redis.Cache) *Service {
	s := &Service{source: source, cache: cache, ttl: defaultTTL}
	if seconds := env.GetInt("CACHE_TTL_USER_SECONDS"); seconds > 0 {
		s.ttl = time.Duration(seconds) * time.Second
	}
	return s
}

// GetProfile returns the marketplace profile for an address. ok is false when
// the marketplace does not know the address; an error means the profile could
// not be fetched and nothing was cached.
func (s *Service) GetProfile(ctx context.Context, address persist.EthereumAddress) (opensea.AccountProfile, bool, error) {
	key := address.String()
	if key == "" {
		return opensea.AccountProfile{}, false, nil
	}

	if payload, err := s.cache.Get(ctx, key); err == nil {
		if string(payload) == nullSentinel {
			return opensea.AccountProfile{}, false, nil
		}
		profile := opensea.AccountProfile{}
		if err := json.Unmarshal(payload, &profile); err == nil {
			return profile, true, nil
		}
	}

	profile, err := s.source.GetAccount(ctx, address)
	if util.ErrorAs[retry.ErrNotFound](err) {
		s.cacheValue(ctx, key, []byte(nullSentinel))
		return opensea.AccountProfile{}, false, nil
	}
	if err != nil {
		return opensea.AccountProfile{}, false, err
	}

	if payload, err := json.Marshal(profile); err == nil {
		s.cacheValue(ctx, key, payload)
	}
	return profile, true, nil
}

func (s *Service) cacheValue(ctx context.Context, key string, payload []byte) {
	if err := s.cache.Set(ctx, key, payload, s.ttl); err != nil {
		logger.For(ctx).Warnf("failed to cache profile for %s: %s", key, err)
	}
}
