package activity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nftfolio/backend/service/opensea"
	"github.com/nftfolio/backend/service/persist"
	"github.com/nftfolio/backend/service/redis"
	"github.com/nftfolio/backend/service/throttle"
	"github.com/nftfolio/backend/util"
	"github.com/nftfolio/backend/util/retry"
)

const testAddress = persist.EthereumAddress("0xccc0000000000000000000000000000000000003")

type eventsCall struct {
	occurredAfter int64
	next          string
}

type pageResponse struct {
	page opensea.EventsPage
	err  error
}

// fakeEventSource serves scripted page responses in call order, repeating the
// last one. A non-nil gate blocks calls until it is closed.
type fakeEventSource struct {
	mu        sync.Mutex
	responses []pageResponse
	calls     []eventsCall
	gate      chan struct{}
}

func (f *fakeEventSource) GetEventsByAccount(ctx context.Context, address persist.EthereumAddress, occurredAfter int64, next string) (opensea.EventsPage, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return opensea.EventsPage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, eventsCall{occurredAfter: occurredAfter, next: next})

	index := len(f.calls) - 1
	if index >= len(f.responses) {
		index = len(f.responses) - 1
	}
	response := f.responses[index]
	return response.page, response.err
}

func (f *fakeEventSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEventSource) call(i int) eventsCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

type fakeActivityRepo struct {
	mu         sync.Mutex
	latest     *persist.ActivityEvent
	batches    [][]persist.ActivityEvent
	upsertErr  error
	duplicates int64
}

func (f *fakeActivityRepo) GetLatestByAccount(ctx context.Context, address persist.EthereumAddress) (persist.ActivityEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.latest == nil {
		return persist.ActivityEvent{}, persist.ErrEventNotFound{Address: address}
	}
	return *f.latest, nil
}

func (f *fakeActivityRepo) CountByAccount(ctx context.Context, address persist.EthereumAddress) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := int64(0)
	for _, batch := range f.batches {
		total += int64(len(batch))
	}
	return total, nil
}

func (f *fakeActivityRepo) GetByAccountPaginated(ctx context.Context, address persist.EthereumAddress, skip, limit int64) ([]persist.ActivityEvent, error) {
	return nil, nil
}

func (f *fakeActivityRepo) BulkUpsert(ctx context.Context, events []persist.ActivityEvent) (persist.BulkUpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.upsertErr != nil {
		return persist.BulkUpsertResult{}, f.upsertErr
	}
	f.batches = append(f.batches, events)
	return persist.BulkUpsertResult{Upserted: int64(len(events)) - f.duplicates, Duplicates: f.duplicates}, nil
}

func (f *fakeActivityRepo) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeActivityRepo) batch(i int) []persist.ActivityEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func newTestSyncer(t *testing.T, source *fakeEventSource, repo *fakeActivityRepo) *Syncer {
	t.Helper()
	s := NewSyncer(source, repo, nil)
	s.pageDelay = time.Millisecond
	s.retryPolicy = retry.Retry{Base: time.Millisecond, Cap: time.Millisecond, Tries: 2}
	return s
}

func rawSaleEvent(transaction, createdDate string) opensea.Event {
	decimals := int64(18)
	return opensea.Event{
		EventType:   "sale",
		CreatedDate: createdDate,
		Chain:       "ethereum",
		Transaction: transaction,
		Quantity:    json.Number("1"),
		NFT: opensea.NFT{
			Identifier: "123",
			Collection: "azuki",
			Contract:   "0xed5af388653567af2f388e6224dc7c4b3241c544",
		},
		Payment: &opensea.Payment{
			Quantity:     "1500000000000000000",
			TokenAddress: persist.ZeroAddress,
			Decimals:     &decimals,
			Symbol:       "ETH",
		},
		Seller: "0xAAA0000000000000000000000000000000000001",
		Buyer:  "0xBBB0000000000000000000000000000000000002",
	}
}

func TestSyncAccountEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("walks pages and upserts each one", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xaaa", "2023-11-14T22:13:21Z")}, Next: "cursor-1"}},
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xbbb", "2023-11-14T22:13:20Z")}}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		assert.Equal(t, 2, result.PagesFetched)
		assert.Equal(t, 2, result.EventsSeen)
		assert.Equal(t, 2, result.EventsValid)
		assert.Equal(t, int64(2), result.Upserted)

		require.Equal(t, 2, source.callCount())
		assert.Equal(t, eventsCall{}, source.call(0), "first request has no cursor and no lower bound")
		assert.Equal(t, eventsCall{next: "cursor-1"}, source.call(1), "cursor carries to the next request")

		require.Equal(t, 2, repo.batchCount())
		assert.Equal(t, "0xaaa", repo.batch(0)[0].Transaction)
		assert.Equal(t, "0xbbb", repo.batch(1)[0].Transaction)
	})

	t.Run("resumes from the latest stored event", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{{page: opensea.EventsPage{}}}}
		repo := &fakeActivityRepo{latest: &persist.ActivityEvent{CreatedDate: 1700000000123}}
		syncer := newTestSyncer(t, source, repo)

		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		require.Equal(t, 1, source.callCount())
		assert.Equal(t, int64(1700000000), source.call(0).occurredAfter, "millisecond timestamp is floored to seconds")
	})

	t.Run("drops unmappable events and sorts batches newest first", func(t *testing.T) {
		older := rawSaleEvent("0xolder", "2023-11-14T22:13:20Z")
		newer := rawSaleEvent("0xnewer", "2023-11-14T22:13:21Z")
		unmappable := opensea.Event{EventType: "order"}

		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{older, unmappable, newer}}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		assert.Equal(t, 3, result.EventsSeen)
		assert.Equal(t, 2, result.EventsValid)

		require.Equal(t, 1, repo.batchCount())
		batch := repo.batch(0)
		require.Len(t, batch, 2)
		assert.Equal(t, "0xnewer", batch[0].Transaction)
		assert.Equal(t, "0xolder", batch[1].Transaction)
	})

	t.Run("counts duplicates without failing", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xaaa", "2023-11-14T22:13:20Z")}}},
		}}
		repo := &fakeActivityRepo{duplicates: 1}
		syncer := newTestSyncer(t, source, repo)

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)
		assert.Equal(t, int64(1), result.Duplicates)
	})

	t.Run("stops at the page cap", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xaaa", "2023-11-14T22:13:20Z")}, Next: "again"}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)
		syncer.maxPages = 3

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		assert.Equal(t, 3, result.PagesFetched)
		assert.Equal(t, 3, source.callCount())
	})

	t.Run("exhausted retries end the sync without an error", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{err: retry.ErrTransient{Err: assert.AnError}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		assert.Zero(t, result.PagesFetched)
		assert.Equal(t, 2, source.callCount(), "retried up to the policy's attempt count")
	})

	t.Run("non-retryable failures surface", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{err: retry.ErrNotFound{URL: "https://api.example.com/events"}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)

		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		assert.True(t, util.ErrorAs[retry.ErrNotFound](err))
	})

	t.Run("pages already written survive a later failure", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xaaa", "2023-11-14T22:13:20Z")}, Next: "cursor-1"}},
			{err: retry.ErrNotFound{URL: "https://api.example.com/events"}},
		}}
		repo := &fakeActivityRepo{}
		syncer := newTestSyncer(t, source, repo)

		result, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.Error(t, err)

		assert.Equal(t, 1, result.PagesFetched)
		assert.Equal(t, int64(1), result.Upserted)
		assert.Equal(t, 1, repo.batchCount())
	})

	t.Run("failed upserts surface", func(t *testing.T) {
		source := &fakeEventSource{responses: []pageResponse{
			{page: opensea.EventsPage{Events: []opensea.Event{rawSaleEvent("0xaaa", "2023-11-14T22:13:20Z")}}},
		}}
		repo := &fakeActivityRepo{upsertErr: assert.AnError}
		syncer := newTestSyncer(t, source, repo)

		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestSyncMutualExclusion(t *testing.T) {
	ctx := context.Background()

	gate := make(chan struct{})
	source := &fakeEventSource{
		responses: []pageResponse{{page: opensea.EventsPage{}}},
		gate:      gate,
	}
	repo := &fakeActivityRepo{}
	syncer := newTestSyncer(t, source, repo)

	assert.Equal(t, StatusIdle, syncer.Status(testAddress))

	done := make(chan error, 1)
	go func() {
		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		done <- err
	}()

	require.Eventually(t, func() bool {
		return syncer.Status(testAddress) == StatusSyncing
	}, 2*time.Second, 10*time.Millisecond)

	_, err := syncer.SyncAccountEvents(ctx, testAddress)
	assert.True(t, util.ErrorAs[ErrSyncInProgress](err))

	upper := persist.EthereumAddress("0xCCC0000000000000000000000000000000000003")
	_, err = syncer.SyncAccountEvents(ctx, upper)
	assert.True(t, util.ErrorAs[ErrSyncInProgress](err), "exclusion ignores address casing")

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, StatusIdle, syncer.Status(testAddress))
}

func TestSyncGuard(t *testing.T) {
	ctx := context.Background()

	mr := miniredis.RunT(t)
	viper.Set("REDIS_URL", mr.Addr())
	viper.Set("REDIS_PASS", "")

	cache := redis.NewCache(redis.SyncLockCache)
	t.Cleanup(func() { cache.Close() })
	guard := throttle.NewThrottleLocker(cache, time.Minute)

	source := &fakeEventSource{responses: []pageResponse{{page: opensea.EventsPage{}}}}
	repo := &fakeActivityRepo{}
	syncer := NewSyncer(source, repo, guard)
	syncer.pageDelay = time.Millisecond
	syncer.retryPolicy = retry.Retry{Base: time.Millisecond, Cap: time.Millisecond, Tries: 2}

	t.Run("a held guard rejects the sync", func(t *testing.T) {
		require.NoError(t, guard.Lock(ctx, testAddress.String()))

		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		assert.True(t, util.ErrorAs[ErrSyncInProgress](err))

		require.NoError(t, guard.Unlock(ctx, testAddress.String()))
	})

	t.Run("the guard is released after a sync", func(t *testing.T) {
		_, err := syncer.SyncAccountEvents(ctx, testAddress)
		require.NoError(t, err)

		locked, err := guard.IsLocked(ctx, testAddress.String())
		require.NoError(t, err)
		assert.False(t, locked)
	})
}
