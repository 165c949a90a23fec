package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGate(t *testing.T) {
	t.Run("bounds concurrent holders", func(t *testing.T) {
		gate := New(3)

		var inFlight, peak int64
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := gate.Do(context.Background(), func(ctx context.Context) error {
					current := atomic.AddInt64(&inFlight, 1)
					for {
						old := atomic.LoadInt64(&peak)
						if current <= old || atomic.CompareAndSwapInt64(&peak, old, current) {
							break
						}
					}
					time.Sleep(5 * time.Millisecond)
					atomic.AddInt64(&inFlight, -1)
					return nil
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		assert.LessOrEqual(t, atomic.LoadInt64(&peak), int64(3))
		assert.Greater(t, atomic.LoadInt64(&peak), int64(0))
	})

	t.Run("cancelled acquire returns the context error", func(t *testing.T) {
		gate := New(1)
		require.NoError(t, gate.Acquire(context.Background()))
		defer gate.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		err := gate.Acquire(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("do releases its permit after the callback", func(t *testing.T) {
		gate := New(1)
		require.NoError(t, gate.Do(context.Background(), func(ctx context.Context) error { return nil }))

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		require.NoError(t, gate.Acquire(ctx))
		gate.Release()
	})

	t.Run("size never drops below one", func(t *testing.T) {
		assert.Equal(t, 1, New(0).Size())
		assert.Equal(t, 1, New(-5).Size())
		assert.Equal(t, 10, New(10).Size())
	})
}
