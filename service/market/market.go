// Package market holds the process's view of current market quotes. Pollers
// refresh the view on a ticker and persist it to the market cache; readers get
// an isolated snapshot copy and see zero values before the first refresh.
package market

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/service/rpc"
)

const (
	ethPriceKey = "eth-price"
	gasPriceKey = "gas-price"

	defaultSnapshotTTL = 10 * time.Minute
)

// EthQuote is the ETH spot price keyed by lower-case fiat currency code.
type EthQuote struct {
	Prices    map[string]float64 `json:"prices"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// GasQuote is the node-suggested gas price.
type GasQuote struct {
	Wei       string    `json:"wei"`
	Gwei      float64   `json:"gwei"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// EthPriceSource fetches ETH spot prices. *coingecko.Client satisfies it.
type EthPriceSource interface {
	GetEthPrice(ctx context.Context, vsCurrencies ...string) (map[string]float64, error)
}

// Service is the in-process market quote singleton. cache may be nil, in which
// case quotes live only in memory.
type Service struct {
	mu  sync.RWMutex
	eth EthQuote
	gas GasQuote

	prices     EthPriceSource
	gasSource  rpc.GasPriceSource
	cache      *redis.Cache
	currencies []string

	snapshotTTL time.Duration
}

// New creates a market quote service quoting the given currencies, defaulting
// to USD. The persisted snapshot lifetime follows CACHE_TTL_MARKET_SECONDS.
func New(prices EthPriceSource, gasSource rpc.GasPriceSource, cache *redis.Cache, currencies ...string) *Service {
	if len(currencies) == 0 {
		currencies = []string{"usd"}
	}

	s := &Service{
		prices:      prices,
		gasSource:   gasSource,
		cache:       cache,
		currencies:  currencies,
		snapshotTTL: defaultSnapshotTTL,
	}
	if seconds := env.GetInt("CACHE_TTL_MARKET_SECONDS"); seconds > 0 {
		s.snapshotTTL = time.Duration(seconds) * time.Second
	}
	return s
}

// EthPrices returns a copy of the current ETH quote.
func (s *Service) EthPrices() EthQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prices := make(map[string]float64, len(s.eth.Prices))
	for code, price := range s.eth.Prices {
		prices[code] = price
	}
	return EthQuote{Prices: prices, UpdatedAt: s.eth.UpdatedAt}
}

// EthPriceUSD returns the current USD quote, zero before the first refresh.
func (s *Service) EthPriceUSD() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.eth.Prices["usd"]
}

// GasPrice returns the current gas quote, zero before the first refresh.
func (s *Service) GasPrice() GasQuote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gas
}

// RefreshEthPrices fetches a fresh ETH quote. The previous quote is kept when
// the fetch fails.
func (s *Service) RefreshEthPrices(ctx context.Context) error {
	prices, err := s.prices.GetEthPrice(ctx, s.currencies...)
	if err != nil {
		return err
	}
	if len(prices) == 0 {
		return errors.New("quote response held no prices")
	}

	s.mu.Lock()
	s.eth = EthQuote{Prices: prices, UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()

	s.persistSnapshot(ctx)
	return nil
}

// RefreshGasPrice fetches a fresh gas quote. The previous quote is kept when
// the fetch fails.
func (s *Service) RefreshGasPrice(ctx context.Context) error {
	wei, err := rpc.GetGasPrice(ctx, s.gasSource)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.gas = GasQuote{Wei: wei.String(), Gwei: rpc.WeiToGwei(wei), UpdatedAt: time.Now().UTC()}
	s.mu.Unlock()

	s.persistSnapshot(ctx)
	return nil
}

// PollEthPrices refreshes ETH quotes immediately and then on every tick until
// the context is done. The caller owns the ticker.
func (s *Service) PollEthPrices(ctx context.Context, ticker *time.Ticker) {
	go s.poll(ctx, ticker, "eth price", s.RefreshEthPrices)
}

// PollGasPrice refreshes the gas quote immediately and then on every tick
// until the context is done. The caller owns the ticker.
func (s *Service) PollGasPrice(ctx context.Context, ticker *time.Ticker) {
	go s.poll(ctx, ticker, "gas price", s.RefreshGasPrice)
}

func (s *Service) poll(ctx context.Context, ticker *time.Ticker, name string, refresh func(context.Context) error) {
	if err := refresh(ctx); err != nil {
		logger.For(ctx).Warnf("failed to refresh %s: %s", name, err)
	}
	for {
		select {
		case <-ticker.C:
			if err := refresh(ctx); err != nil {
				logger.For(ctx).Warnf("failed to refresh %s: %s", name, err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Hydrate adopts the last persisted snapshot so a fresh process can serve
// quotes before its first poll completes. Quotes newer than the snapshot are
// kept.
func (s *Service) Hydrate(ctx context.Context) {
	if s.cache == nil {
		return
	}

	payloads, err := s.cache.MGet(ctx, []string{ethPriceKey, gasPriceKey})
	if err != nil {
		logger.For(ctx).Warnf("market snapshot unavailable: %s", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(payloads) > 0 && payloads[0] != nil {
		eth := EthQuote{}
		if err := json.Unmarshal(payloads[0], &eth); err == nil && eth.UpdatedAt.After(s.eth.UpdatedAt) {
			s.eth = eth
		}
	}
	if len(payloads) > 1 && payloads[1] != nil {
		gas := GasQuote{}
		if err := json.Unmarshal(payloads[1], &gas); err == nil && gas.UpdatedAt.After(s.gas.UpdatedAt) {
			s.gas = gas
		}
	}
}

// persistSnapshot writes the current quotes to the market cache. Quote state
// is replaced wholesale on refresh, so the snapshot is internally consistent.
func (s *Service) persistSnapshot(ctx context.Context) {
	if s.cache == nil {
		return
	}

	s.mu.RLock()
	eth, gas := s.eth, s.gas
	s.mu.RUnlock()

	entries := map[string]any{}
	if !eth.UpdatedAt.IsZero() {
		if payload, err := json.Marshal(eth); err == nil {
			entries[ethPriceKey] = payload
		}
	}
	if !gas.UpdatedAt.IsZero() {
		if payload, err := json.Marshal(gas); err == nil {
			entries[gasPriceKey] = payload
		}
	}
	if len(entries) == 0 {
		return
	}

	if err := s.cache.MSetWithTTL(ctx, entries, s.snapshotTTL); err != nil {
		logger.For(ctx).Warnf("failed to persist market snapshot: %s", err)
	}
}
