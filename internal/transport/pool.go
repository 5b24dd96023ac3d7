package transport

import (
	"github.com/rs/zerolog/log"
	tomb "gopkg.in/tomb.v2"
)

const taskChanSize = 256

// WorkerFunction processes one task (a net.Conn, here) until it is drained
// or the connection closes.
type WorkerFunction = func(t *tomb.Tomb, task any) error

// WorkerPool is a fixed-size pool of goroutines draining a shared task
// channel, adapted from fenrir's own internal/worker.go to host connection
// handlers instead of order-processing jobs (order processing is now the
// Dispatcher's job, one actor per market).
type WorkerPool struct {
	n     int
	tasks chan any
	work  WorkerFunction
}

// NewWorkerPool constructs a pool of size workers.
func NewWorkerPool(size int) WorkerPool {
	return WorkerPool{tasks: make(chan any, taskChanSize), n: size}
}

// AddTask enqueues a task for the next free worker.
func (pool *WorkerPool) AddTask(task any) {
	pool.tasks <- task
}

// Setup starts pool.n workers under t. Each worker handles one task at a
// time and loops back for the next until t is dying; a worker is never
// replaced, so at most pool.n connections are served at once.
func (pool *WorkerPool) Setup(t *tomb.Tomb, work WorkerFunction) {
	pool.work = work
	log.Info().Int("workers", pool.n).Msg("starting connection worker pool")
	for i := 0; i < pool.n; i++ {
		t.Go(func() error {
			return pool.loop(t)
		})
	}
}

func (pool *WorkerPool) loop(t *tomb.Tomb) error {
	for {
		select {
		case <-t.Dying():
			return nil
		case task := <-pool.tasks:
			if err := pool.work(t, task); err != nil {
				log.Error().Err(err).Msg("connection worker exiting")
			}
		}
	}
}
