// Package workers runs serialized tasks on a small set of background
// goroutines. Workers start on first use and exit after an idle timeout; the
// number of tasks in flight is bounded and callers beyond the bound queue in
// arrival order.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"segmentation3d/pkg/logging"
	"segmentation3d/pkg/metrics"
)

const (
	DefaultCapacity    = 1
	DefaultIdleTimeout = 30 * time.Second
)

var (
	// ErrUnknownTask is returned for a task name with no registered handler.
	ErrUnknownTask = errors.New("unknown task")
	// ErrClosed is returned once the pool has been closed.
	ErrClosed = errors.New("worker pool closed")
)

// Handler executes one task. Payload and result are opaque encoded bytes.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Options configures a Pool.
type Options struct {
	// Capacity bounds the tasks in flight and the number of workers
	Capacity int

	// IdleTimeout is how long a worker waits for a task before exiting
	IdleTimeout time.Duration

	Logger  logging.Logger
	Metrics *metrics.Recorder
}

type job struct {
	task    string
	payload []byte
	handler Handler
	result  chan result
}

type result struct {
	data []byte
	err  error
}

// Pool dispatches tasks to lazily started workers.
type Pool struct {
	capacity int
	idle     time.Duration
	sem      *semaphore.Weighted
	jobs     chan job
	quit     chan struct{}
	log      logging.Logger
	metrics  *metrics.Recorder

	mu       sync.Mutex
	handlers map[string]Handler
	workers  int
	closed   bool
	wg       sync.WaitGroup
}

// NewPool returns a pool with no running workers.
func NewPool(opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	return &Pool{
		capacity: opts.Capacity,
		idle:     opts.IdleTimeout,
		sem:      semaphore.NewWeighted(int64(opts.Capacity)),
		jobs:     make(chan job, opts.Capacity),
		quit:     make(chan struct{}),
		log:      logging.Or(opts.Logger),
		metrics:  opts.Metrics,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task name, replacing any previous one.
func (p *Pool) Register(task string, h Handler) {
	p.mu.Lock()
	p.handlers[task] = h
	p.mu.Unlock()
}

// Registered reports whether task has a handler.
func (p *Pool) Registered(task string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.handlers[task]
	return ok
}

// Workers returns the number of live workers.
func (p *Pool) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Execute queues a task and waits for its result. Cancelling ctx stops the
// wait; a task already handed to a worker still runs to completion.
func (p *Pool) Execute(ctx context.Context, task string, payload []byte) ([]byte, error) {
	p.mu.Lock()
	h, ok := p.handlers[task]
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, task)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	j := job{task: task, payload: payload, handler: h, result: make(chan result, 1)}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return nil, ErrClosed
	}
	for p.workers < p.capacity {
		p.workers++
		p.wg.Add(1)
		p.metrics.WorkerStarted()
		go p.run()
	}
	// never blocks: the semaphore keeps queued jobs within the buffer
	p.jobs <- j
	p.mu.Unlock()

	select {
	case r := <-j.result:
		return r.data, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) run() {
	defer p.wg.Done()
	timer := time.NewTimer(p.idle)
	defer timer.Stop()
	for {
		select {
		case j := <-p.jobs:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			p.do(j)
			timer.Reset(p.idle)
		case <-timer.C:
			p.mu.Lock()
			if len(p.jobs) > 0 {
				p.mu.Unlock()
				timer.Reset(p.idle)
				continue
			}
			p.workers--
			p.mu.Unlock()
			p.metrics.WorkerStopped()
			p.log.Debugf("worker idle for %s, exiting", p.idle)
			return
		case <-p.quit:
			p.mu.Lock()
			p.workers--
			p.mu.Unlock()
			p.metrics.WorkerStopped()
			return
		}
	}
}

func (p *Pool) do(j job) {
	defer p.sem.Release(1)
	start := time.Now()
	data, err := p.call(j)
	elapsed := time.Since(start)
	p.metrics.ObserveTask(j.task, err == nil, elapsed)
	if err != nil {
		p.log.Warningf("task %s failed after %s: %v", j.task, elapsed, err)
	} else {
		p.log.Debugf("task %s: %s in, %s out, %s", j.task,
			humanize.Bytes(uint64(len(j.payload))), humanize.Bytes(uint64(len(data))), elapsed)
	}
	j.result <- result{data: data, err: err}
}

func (p *Pool) call(j job) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", j.task, r)
		}
	}()
	return j.handler(context.Background(), j.payload)
}

// Close stops the workers and rejects new tasks. Tasks still queued fail
// with ErrClosed; a task already running finishes first.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()

	for {
		select {
		case j := <-p.jobs:
			p.sem.Release(1)
			j.result <- result{err: ErrClosed}
		default:
			return
		}
	}
}
