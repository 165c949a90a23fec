// Package activity syncs account marketplace timelines into the record store.
// A sync walks the account's event pages newest first, maps each raw event
// onto the stored shape, and bulk-upserts page by page so interrupted syncs
// keep what they already wrote.
package activity

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nftfolio/backend/env"
	"github.com/nftfolio/backend/service/logger"
	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/throttle"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

const (
	defaultMaxPages = 20
	interPageDelay  = 300 * time.Millisecond
)

// syncRetry covers 429 and 5xx page fetches. Anything still failing after the
// last attempt ends the page loop.
var syncRetry = retry.Retry{Base: 5 * time.Second, Cap: 30 * time.Second, Tries: 5}

// Sync status values reported by the status probe.
const (
	StatusSyncing = "syncing"
	StatusIdle    = "idle"
)

// EventSource pages through an account's raw marketplace events. A zero
// occurredAfter means no lower bound; next takes precedence over occurredAfter.
type EventSource interface {
	GetEventsByAccount(ctx context.Context, address persist.EthereumAddress, occurredAfter int64, next string) (opensea.EventsPage, error)
}

// ErrSyncInProgress is returned when a sync for the address is already running.
type ErrSyncInProgress struct {
	Address persist.EthereumAddress
}

func (e ErrSyncInProgress) Error() string {
	return fmt.Sprintf("sync already in progress for account: %s", e.Address)
}

// SyncResult summarizes a completed sync.
type SyncResult struct {
	PagesFetched int
	EventsSeen   int
	EventsValid  int
	Upserted     int64
	Duplicates   int64
}

// Syncer pulls account marketplace events into the record store, at most one
// sync per address at a time within the process. An optional throttle guard
// extends the exclusion across processes.
type Syncer struct {
	source EventSource
	repo   persist.ActivityRepository
	guard  *throttle.Locker

	mu      sync.Mutex
	syncing map[string]bool

	maxPages    int
	pageDelay   time.Duration
	retryPolicy retry.Retry
}

// NewSyncer creates a Syncer. guard may be nil, in which case exclusion is
// process-local only. The page cap follows MAX_PAGES_DEFAULT and the pause
// between pages INTER_PAGE_DELAY_MS.
func NewSyncer(source EventSource, repo persist.ActivityRepository, guard *throttle.Locker) *Syncer {
	s := &Syncer{
		source:      source,
		repo:        repo,
		guard:       guard,
		syncing:     map[string]bool{},
		maxPages:    defaultMaxPages,
		pageDelay:   interPageDelay,
		retryPolicy: syncRetry,
	}
	if pages := env.GetInt("MAX_PAGES_DEFAULT"); pages > 0 {
		s.maxPages = pages
	}
	if delay := env.GetInt("INTER_PAGE_DELAY_MS"); delay > 0 {
		s.pageDelay = time.Duration(delay) * time.Millisecond
	}
	return s
}

// Status reports whether a sync for the address is running in this process.
func (s *Syncer) Status(address persist.EthereumAddress) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.syncing[address.String()] {
		return StatusSyncing
	}
	return StatusIdle
}

// SyncAccountEvents pulls the account's newest marketplace events into the
// record store and reports what it wrote. Events already stored set the lower
// time bound, so repeat syncs only walk the new tail of the timeline.
func (s *Syncer) SyncAccountEvents(ctx context.Context, address persist.EthereumAddress) (SyncResult, error) {
	if !s.acquire(ctx, address) {
		return SyncResult{}, ErrSyncInProgress{Address: address}
	}
	defer s.release(ctx, address)

	result := SyncResult{}

	var occurredAfter int64
	latest, err := s.repo.GetLatestByAccount(ctx, address)
	if err == nil {
		occurredAfter = latest.CreatedDate / 1000
	} else if !util.ErrorAs[persist.ErrEventNotFound](err) {
		return result, err
	}

	next := ""
	for page := 0; page < s.maxPages; page++ {
		eventsPage, err := retry.Do(ctx, s.retryPolicy, func(ctx context.Context) (opensea.EventsPage, error) {
			return s.source.GetEventsByAccount(ctx, address, occurredAfter, next)
		})
		if err != nil {
			if retry.IsRetryable(err) {
				logger.For(ctx).Warnf("event page fetch for %s gave up after retries: %s", address, err)
				return result, nil
			}
			return result, err
		}

		result.PagesFetched++
		result.EventsSeen += len(eventsPage.Events)

		events := make([]persist.ActivityEvent, 0, len(eventsPage.Events))
		for _, raw := range eventsPage.Events {
			event, err := opensea.EventToActivity(raw)
			if err != nil {
				logger.For(ctx).Warnf("dropping event for %s: %s", address, err)
				continue
			}
			events = append(events, event)
		}
		sort.Slice(events, func(i, j int) bool { return events[i].CreatedDate > events[j].CreatedDate })
		result.EventsValid += len(events)

		if len(events) > 0 {
			written, err := s.repo.BulkUpsert(ctx, events)
			if err != nil {
				return result, err
			}
			result.Upserted += written.Upserted
			result.Duplicates += written.Duplicates
			if written.Duplicates > 0 {
				logger.For(ctx).Warnf("skipped %d already stored events for %s", written.Duplicates, address)
			}
		}

		next = eventsPage.Next
		if next == "" {
			break
		}

		if err := sleepContext(ctx, s.pageDelay); err != nil {
			return result, err
		}
	}

	return result, nil
}

// SyncInBackground starts a sync on its own detached context, for callers that
// only want to trigger one. A sync already in flight is not an error.
func (s *Syncer) SyncInBackground(address persist.EthereumAddress) {
	go func() {
		ctx := logger.NewContextWithFields(context.Background(), logrus.Fields{"syncAddress": address})
		result, err := s.SyncAccountEvents(ctx, address)
		if err != nil {
			if !util.ErrorAs[ErrSyncInProgress](err) {
				logger.For(ctx).Errorf("background sync failed for %s: %s", address, err)
			}
			return
		}
		logger.For(ctx).Infof("synced %d events for %s (%d pages, %d duplicates)", result.Upserted, address, result.PagesFetched, result.Duplicates)
	}()
}

// acquire marks the address as syncing. It reports false when another sync
// holds the address, locally or through the guard.
func (s *Syncer) acquire(ctx context.Context, address persist.EthereumAddress) bool {
	key := address.String()

	s.mu.Lock()
	if s.syncing[key] {
		s.mu.Unlock()
		return false
	}
	s.syncing[key] = true
	s.mu.Unlock()

	if s.guard != nil {
		if err := s.guard.Lock(ctx, key); err != nil {
			if util.ErrorAs[throttle.ErrThrottleLocked](err) {
				s.releaseLocal(key)
				return false
			}
			// An unreachable guard store falls back to process-local exclusion.
			logger.For(ctx).Warnf("sync guard unavailable for %s: %s", address, err)
		}
	}

	return true
}

func (s *Syncer) release(ctx context.Context, address persist.EthereumAddress) {
	key := address.String()
	s.releaseLocal(key)

	if s.guard != nil {
		if err := s.guard.Unlock(ctx, key); err != nil {
			logger.For(ctx).Warnf("failed to release sync guard for %s: %s", address, err)
		}
	}
}

func (s *Syncer) releaseLocal(key string) {
	s.mu.Lock()
	delete(s.syncing, key)
	s.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
