package workerpool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/breeze-rmm/deskcap/internal/logging"
	"github.com/breeze-rmm/deskcap/internal/metrics"
)

var log = logging.L("workerpool")

var (
	ErrStopped   = errors.New("workerpool: not accepting tasks")
	ErrQueueFull = errors.New("workerpool: queue full")
)

// Task is a unit of work submitted to the pool. ctx is cancelled once the
// pool has drained.
type Task func(ctx context.Context)

// Pool runs slow request handlers (dialogs, snapshots, file writes) off the
// connection read loops with a fixed number of workers.
type Pool struct {
	queue     chan namedTask
	wg        sync.WaitGroup
	accepting atomic.Bool
	stopOnce  sync.Once
	stopChan  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

type namedTask struct {
	name string
	run  Task
}

// New starts maxWorkers goroutines reading from a queue of queueSize.
func New(maxWorkers, queueSize int) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		queue:    make(chan namedTask, queueSize),
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	p.accepting.Store(true)

	for i := 0; i < maxWorkers; i++ {
		go p.worker()
	}

	log.Debug("worker pool started", "workers", maxWorkers, "queueSize", queueSize)
	return p
}

// Submit enqueues a task without blocking.
func (p *Pool) Submit(name string, task Task) error {
	if !p.accepting.Load() {
		return ErrStopped
	}

	// Add before enqueue so Drain cannot miss the task.
	p.wg.Add(1)
	select {
	case p.queue <- namedTask{name: name, run: task}:
		return nil
	default:
		p.wg.Done()
		metrics.PoolRejected.Inc()
		log.Warn("worker pool queue full, task rejected", "task", name)
		return ErrQueueFull
	}
}

// StopAccepting prevents new tasks from being submitted.
func (p *Pool) StopAccepting() {
	p.accepting.Store(false)
}

// Drain stops accepting work and waits for queued and in-flight tasks until
// ctx expires. The task context is cancelled afterwards either way.
func (p *Pool) Drain(ctx context.Context) {
	p.StopAccepting()
	p.stopOnce.Do(func() {
		close(p.stopChan)
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug("worker pool drained")
	case <-ctx.Done():
		log.Warn("worker pool drain timed out")
	}
	p.cancel()
}

func (p *Pool) worker() {
	for {
		select {
		case task := <-p.queue:
			p.runTask(task)
		case <-p.stopChan:
			for {
				select {
				case task := <-p.queue:
					p.runTask(task)
				default:
					return
				}
			}
		}
	}
}

func (p *Pool) runTask(task namedTask) {
	defer p.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "task", task.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task.run(p.ctx)
}
