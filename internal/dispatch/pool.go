// Package dispatch implements a fixed-size pool of concurrent senders with
// bounded retries, a FIFO queue and a failure callback. The farm runs one pool
// for STARTTASK delivery and one for concatenation jobs.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ErrNoAttempts is reported when a pool is configured with zero attempts.
var ErrNoAttempts = errors.New("no delivery attempt made")

// Config sizes a pool.
type Config struct {
	Name           string
	Size           int           // concurrent senders
	MaxRetries     int           // delivery attempts per item
	AttemptTimeout time.Duration // bound of a single attempt
	PollInterval   time.Duration // manager loop period
	RetryDelay     time.Duration // pause between attempts
}

// DeliverFunc performs one delivery attempt. A nil error is success.
type DeliverFunc[T any] func(ctx context.Context, item T) error

// Callbacks are invoked from the manager loop, never concurrently with each
// other for the same pool.
type Callbacks[T any] struct {
	OnStart   func(item T)
	OnSuccess func(item T)
	OnFailure func(item T, err error)
}

// slot is owned by the manager loop. The sender only writes err/succeeded
// and then closes done.
type slot[T any] struct {
	item      T
	done      chan struct{}
	succeeded bool
	err       error
}

// Pool is a bounded-concurrency sender.
type Pool[T comparable] struct {
	cfg     Config
	deliver DeliverFunc[T]
	cb      Callbacks[T]
	log     *logrus.Entry

	mu        sync.Mutex
	queue     []T
	cancelled map[T]int

	slots    []*slot[T]
	inflight atomic.Int32

	wg      sync.WaitGroup // senders
	stop    context.CancelFunc
	stopped chan struct{}
}

// New creates a pool. Call Start to run the manager loop.
func New[T comparable](cfg Config, deliver DeliverFunc[T], cb Callbacks[T], log *logrus.Entry) *Pool[T] {
	if cfg.Size <= 0 {
		cfg.Size = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Pool[T]{
		cfg:       cfg,
		deliver:   deliver,
		cb:        cb,
		log:       log.WithField("pool", cfg.Name),
		cancelled: make(map[T]int),
		slots:     make([]*slot[T], cfg.Size),
	}
}

// ─────────────────────────────────────────────
// Public API
// ─────────────────────────────────────────────

// Submit enqueues item. It never blocks on delivery.
func (p *Pool[T]) Submit(item T) {
	p.mu.Lock()
	p.queue = append(p.queue, item)
	p.mu.Unlock()
}

// Cancel marks a queued item to be skipped at dequeue time. It reports
// whether the item was still queued; items already in flight are unaffected.
func (p *Pool[T]) Cancel(item T) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := 0
	for _, q := range p.queue {
		if q == item {
			queued++
		}
	}
	if queued <= p.cancelled[item] {
		return false
	}
	p.cancelled[item]++
	return true
}

// QueueLen returns the number of queued items, cancelled ones included.
func (p *Pool[T]) QueueLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Busy returns the number of senders currently running.
func (p *Pool[T]) Busy() int {
	return int(p.inflight.Load())
}

// Start runs the manager loop until ctx is cancelled or Stop is called.
func (p *Pool[T]) Start(ctx context.Context) {
	ctx, p.stop = context.WithCancel(ctx)
	p.stopped = make(chan struct{})
	go p.manage(ctx)
	p.log.Infof("started with %d slots", p.cfg.Size)
}

// Stop ends the manager loop and waits for running senders.
func (p *Pool[T]) Stop() {
	if p.stop == nil {
		return
	}
	p.stop()
	<-p.stopped
	p.wg.Wait()
	p.log.Info("stopped")
}

// ─────────────────────────────────────────────
// Manager loop
// ─────────────────────────────────────────────

func (p *Pool[T]) manage(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.assign(ctx)
		}
	}
}

// assign reaps finished slots and fills idle ones.
func (p *Pool[T]) assign(ctx context.Context) {
	for i, s := range p.slots {
		if s != nil {
			select {
			case <-s.done:
			default:
				continue // still running; never preempted
			}
			p.slots[i] = nil
			p.inflight.Add(-1)
			p.complete(s)
		}

		item, ok := p.dequeue()
		if !ok {
			continue
		}
		next := &slot[T]{item: item, done: make(chan struct{})}
		p.slots[i] = next
		p.inflight.Add(1)
		if p.cb.OnStart != nil {
			p.cb.OnStart(item)
		}
		p.wg.Add(1)
		go p.send(ctx, next)
	}
}

func (p *Pool[T]) complete(s *slot[T]) {
	if s.succeeded {
		if p.cb.OnSuccess != nil {
			p.cb.OnSuccess(s.item)
		}
		return
	}
	p.log.Warnf("delivery of %v failed: %v", s.item, s.err)
	if p.cb.OnFailure != nil {
		p.cb.OnFailure(s.item, s.err)
	}
}

// dequeue pops the first item not marked cancelled.
func (p *Pool[T]) dequeue() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.queue) > 0 {
		item := p.queue[0]
		var zero T
		p.queue[0] = zero
		p.queue = p.queue[1:]
		if n := p.cancelled[item]; n > 0 {
			if n == 1 {
				delete(p.cancelled, item)
			} else {
				p.cancelled[item] = n - 1
			}
			p.log.Debugf("dropped cancelled item %v", item)
			continue
		}
		return item, true
	}
	var zero T
	return zero, false
}

// ─────────────────────────────────────────────
// Sender
// ─────────────────────────────────────────────

func (p *Pool[T]) send(ctx context.Context, s *slot[T]) {
	defer p.wg.Done()
	defer close(s.done)

	err := ErrNoAttempts
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		err = p.attempt(ctx, s.item)
		if err == nil {
			s.succeeded = true
			return
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < p.cfg.MaxRetries {
			p.log.Infof("retrying %v (attempt %d/%d): %v", s.item, attempt, p.cfg.MaxRetries, err)
			select {
			case <-time.After(p.cfg.RetryDelay):
			case <-ctx.Done():
			}
		}
	}
	s.err = err
}

func (p *Pool[T]) attempt(ctx context.Context, item T) error {
	if p.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AttemptTimeout)
		defer cancel()
	}
	return p.deliver(ctx, item)
}
