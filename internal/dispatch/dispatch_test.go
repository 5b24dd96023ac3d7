package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitRunsJobsForSameMarketInOrder(t *testing.T) {
	d := New()
	ctx := context.Background()
	d.Run(ctx)

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := d.Submit(ctx, 1, time.Time{}, func(ctx context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
		// Give each submission a head start so arrival order is stable
		// enough to assert on without being flaky about goroutine scheduling.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	require.Len(t, order, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestSubmitAllowsDisjointMarketsConcurrently(t *testing.T) {
	d := New()
	ctx := context.Background()
	d.Run(ctx)

	release := make(chan struct{})
	started := make(chan struct{}, 2)

	go d.Submit(ctx, 1, time.Time{}, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})
	go d.Submit(ctx, 2, time.Time{}, func(ctx context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	})

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(time.Second):
			t.Fatal("disjoint markets must run concurrently, not wait on each other")
		}
	}
	close(release)
}

func TestSubmitTimesOutOnExpiredDeadline(t *testing.T) {
	d := New()
	ctx := context.Background()
	d.Run(ctx)

	var ran atomic.Bool
	err := d.Submit(ctx, 1, time.Now().Add(-time.Second), func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	assert.ErrorIs(t, err, ErrTimeout)
	assert.False(t, ran.Load(), "a job past its deadline must never run")
}
