package work

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrPoolStopped        = errors.New("worker pool has been stopped")
	ErrQueueFull          = errors.New("task queue is full")
)

// Task is one unit of background work, e.g. an archive upload.
type Task func(ctx context.Context) error

type namedTask struct {
	name string
	run  Task
}

// Pool runs submitted tasks on a fixed set of goroutines. It backs the
// batch archiver so slow uploads never block the harvesting path.
type Pool struct {
	numWorkers int
	tasks      chan namedTask
	quit       chan struct{}
	wg         sync.WaitGroup

	mu      sync.RWMutex
	started bool
	stopped bool
}

// NewPool creates a pool with the given worker count and queue size.
func NewPool(numWorkers, queueSize int) (*Pool, error) {
	if numWorkers <= 0 {
		return nil, ErrInvalidWorkerCount
	}
	if queueSize < 0 {
		queueSize = numWorkers * 2
	}

	p := &Pool{
		numWorkers: numWorkers,
		tasks:      make(chan namedTask, queueSize),
		quit:       make(chan struct{}),
	}
	return p, nil
}

// Start launches the workers. Starting twice is a no-op.
func (p *Pool) Start(ctx context.Context, poolID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.stopped {
		return
	}
	p.started = true

	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(ctx, poolID, i)
	}

	log.Info().Str("poolID", poolID).Int("workers", p.numWorkers).Msg("Worker pool started")
}

// Stop signals the workers to exit and waits up to 10 seconds for the
// tasks they are running; tasks still queued are not run.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.quit)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All pool workers stopped")
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Pool shutdown timeout exceeded")
	}
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(name string, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return ErrPoolStopped
	}

	select {
	case p.tasks <- namedTask{name: name, run: task}:
		return nil
	case <-p.quit:
		return ErrPoolStopped
	default:
		return ErrQueueFull
	}
}

func (p *Pool) runWorker(ctx context.Context, poolID string, workerID int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.quit:
			return
		case task := <-p.tasks:
			start := time.Now()
			if err := task.run(ctx); err != nil {
				log.Error().
					Err(err).
					Str("poolID", poolID).
					Int("workerID", workerID).
					Str("task", task.name).
					Msg("Pool task failed")
				continue
			}
			log.Debug().
				Str("poolID", poolID).
				Str("task", task.name).
				Dur("duration", time.Since(start)).
				Msg("Pool task completed")
		}
	}
}
