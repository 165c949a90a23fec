package pool

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Gate bounds how many callers may be inside a fan-out section at once.
// A gate is scoped to a single fan-out site rather than shared globally.
type Gate struct {
	sem     *semaphore.Weighted
	permits int64
}

func New(permits int) *Gate {
	if permits < 1 {
		permits = 1
	}
	return &Gate{sem: semaphore.NewWeighted(int64(permits)), permits: int64(permits)}
}

// Acquire blocks until a permit is available or the context is done.
func (g *Gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

// Release returns a permit. It must pair with a successful Acquire.
func (g *Gate) Release() {
	g.sem.Release(1)
}

// Do runs f while holding a permit, releasing it when f returns.
func (g *Gate) Do(ctx context.Context, f func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)
	return f(ctx)
}

func (g *Gate) Size() int {
	return int(g.permits)
}
