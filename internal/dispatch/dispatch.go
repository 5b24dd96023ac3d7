// Package dispatch provides the per-market exclusive critical section
// required by spec.md §5: a single-consumer work channel per market,
// adapted from fenrir's own internal/worker.go WorkerPool (tomb-supervised
// goroutines draining a task channel), generalized from a fixed-size pool of
// interchangeable workers to one dedicated worker per market so that
// submissions against the same market are always processed strictly one at
// a time while disjoint markets proceed in parallel.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

// ErrTimeout is returned when a job could not be started before its
// deadline because of queue congestion (spec.md §5).
var ErrTimeout = errors.New("submission timed out waiting for market worker")

const marketQueueDepth = 256

type job struct {
	deadline time.Time
	fn       func(ctx context.Context) error
	done     chan error
}

// marketActor is the single-consumer goroutine serializing all work for one
// market.
type marketActor struct {
	jobs chan job
}

func newMarketActor() *marketActor {
	return &marketActor{jobs: make(chan job, marketQueueDepth)}
}

func (a *marketActor) run(t *tomb.Tomb, ctx context.Context) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case j := <-a.jobs:
			if !j.deadline.IsZero() && time.Now().After(j.deadline) {
				j.done <- ErrTimeout
				continue
			}
			j.done <- j.fn(ctx)
		}
	}
}

// Dispatcher owns one marketActor per market, created lazily on first use.
type Dispatcher struct {
	mu     sync.Mutex
	actors map[uint]*marketActor
	tomb   *tomb.Tomb
	ctx    context.Context
}

// New constructs a Dispatcher. Run must be called before Submit is used.
func New() *Dispatcher {
	return &Dispatcher{actors: make(map[uint]*marketActor)}
}

// Run starts the dispatcher's supervising tomb under ctx. Per-market worker
// goroutines are spawned lazily as markets are first submitted to.
func (d *Dispatcher) Run(ctx context.Context) *tomb.Tomb {
	t, ctx := tomb.WithContext(ctx)
	d.mu.Lock()
	d.tomb = t
	d.ctx = ctx
	d.mu.Unlock()
	return t
}

func (d *Dispatcher) actorFor(marketID uint) *marketActor {
	d.mu.Lock()
	defer d.mu.Unlock()

	actor, ok := d.actors[marketID]
	if !ok {
		actor = newMarketActor()
		d.actors[marketID] = actor
		t, ctx := d.tomb, d.ctx
		t.Go(func() error {
			log.Info().Uint("marketId", marketID).Msg("market worker starting")
			return actor.run(t, ctx)
		})
	}
	return actor
}

// Submit enqueues fn onto marketID's single-consumer work channel and blocks
// until it has run (or the submission times out per deadline). Two
// submissions for the same market are guaranteed FIFO order as required by
// spec.md §5; submissions against disjoint markets never block one another.
func (d *Dispatcher) Submit(ctx context.Context, marketID uint, deadline time.Time, fn func(ctx context.Context) error) error {
	actor := d.actorFor(marketID)
	done := make(chan error, 1)

	select {
	case actor.jobs <- job{deadline: deadline, fn: fn, done: done}:
	default:
		return ErrTimeout
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
