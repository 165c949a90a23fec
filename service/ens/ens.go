// Package ens serves ENS name resolution through the cache in both
// directions. Misses go to the chain resolver; names that do not resolve are
// cached as a "null" sentinel so repeat lookups skip the chain entirely.
package ens

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/eth"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/redis"
)

const (
	nullSentinel = "null"
	defaultTTL   = 24 * time.Hour
)

// ChainResolver resolves ENS names on chain. *eth.Resolver satisfies it.
type ChainResolver interface {
	Resolve(ctx context.Context, name string) (persist.EthereumAddress, error)
	ReverseResolve(ctx context.Context, address persist.EthereumAddress) (string, error)
}

// Service is the cached view of ENS resolution. Resolutions and reverse
// lookups live in separate cache namespaces so they can be invalidated
// independently.
type Service struct {
	chain   ChainResolver
	resolve *redis.Cache
	lookup  *redis.Cache
	ttl     time.Duration
}

// NewService creates an ENS lookup service. The cache lifetime follows
// CACHE_TTL_ENS_SECONDS.
func NewService(chain ChainResolver, resolveCache *redis.Cache, lookupCache *redis.Cache) *Service {
	s := &Service{chain: chain, resolve: resolveCache, lookup: lookupCache, ttl: defaultTTL}
	if seconds := env.GetInt("CACHE_TTL_ENS_SECONDS"); seconds > 0 {
		s.ttl = time.Duration(seconds) * time.Second
	}
	return s
}

// Resolve returns the address a name points at. ok is false when the name is
// known not to resolve; an error means resolution could not be attempted and
// nothing was cached.
func (s *Service) Resolve(ctx context.Context, name string) (persist.EthereumAddress, bool, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", false, nil
	}

	if payload, err := s.resolve.Get(ctx, key); err == nil {
		if string(payload) == nullSentinel {
			return "", false, nil
		}
		return persist.EthereumAddress(payload), true, nil
	}

	address, err := s.chain.Resolve(ctx, key)
	if errors.Is(err, eth.ErrNoResolution) {
		s.cacheValue(ctx, s.resolve, key, nullSentinel)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	s.cacheValue(ctx, s.resolve, key, address.String())
	return address, true, nil
}

// Lookup returns the name an address reverse-resolves to. ok is false when
// the address has no verified reverse record; an error means the lookup could
// not be attempted and nothing was cached.
func (s *Service) Lookup(ctx context.Context, address persist.EthereumAddress) (string, bool, error) {
	key := address.String()
	if key == "" {
		return "", false, nil
	}

	if payload, err := s.lookup.Get(ctx, key); err == nil {
		if string(payload) == nullSentinel {
			return "", false, nil
		}
		return string(payload), true, nil
	}

	name, err := s.chain.ReverseResolve(ctx, address)
	if errors.Is(err, eth.ErrNoResolution) {
		s.cacheValue(ctx, s.lookup, key, nullSentinel)
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	s.cacheValue(ctx, s.lookup, key, name)
	return name, true, nil
}

func (s *Service) cacheValue(ctx context.Context, cache *redis.Cache, key, value string) {
	if err := cache.Set(ctx, key, []byte(value), s.ttl); err != nil {
		logger.For(ctx).Warnf("failed to cache ens entry %s: %s", key, err)
	}
}
