package tmdb

import (
	"context"
	"sync"
	"time"
)

// localError is an admission failure originating in this process, not
// upstream. The cache facade recognizes the marker and never stores
// these as negative entries.
type localError string

func (e localError) Error() string  { return string(e) }
func (localError) NoNegativeCache() {}

var (
	// ErrQueueFull is returned when the waiter queue is at capacity.
	ErrQueueFull = localError("token bucket: waiter queue full")
	// ErrAcquireTimeout is returned when a waiter is not granted a token
	// within the wait timeout.
	ErrAcquireTimeout = localError("token bucket: acquire timed out")
	// ErrShutdown is returned to waiters drained during shutdown.
	ErrShutdown = localError("token bucket: shutting down")
)

const (
	refillTick     = 100 * time.Millisecond
	maxWaiters     = 500
	acquireTimeout = 10 * time.Second
)

// Bucket is a token-bucket rate limiter with a bounded FIFO waiter queue.
// Capacity and refill rate both equal the configured requests per second;
// refill happens in discrete ticks. State is only mutated by the acquire
// and refill paths.
type Bucket struct {
	mu      sync.Mutex
	tokens  float64
	rate    float64
	waiters []chan error
	closed  bool
	stop    chan struct{}
	stopped sync.Once
}

// NewBucket creates a bucket refilling at rps tokens per second, starting
// full, and starts its refill loop.
func NewBucket(rps float64) *Bucket {
	if rps <= 0 {
		rps = 35
	}
	b := &Bucket{
		tokens: rps,
		rate:   rps,
		stop:   make(chan struct{}),
	}
	go b.refillLoop()
	return b
}

func (b *Bucket) refillLoop() {
	ticker := time.NewTicker(refillTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.refill()
		case <-b.stop:
			return
		}
	}
}

func (b *Bucket) refill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	b.tokens += b.rate * refillTick.Seconds()
	if b.tokens > b.rate {
		b.tokens = b.rate
	}

	// Grant queued waiters in arrival order while tokens last.
	for len(b.waiters) > 0 && b.tokens >= 1 {
		b.tokens--
		b.waiters[0] <- nil
		b.waiters = b.waiters[1:]
	}
}

// Acquire takes one token, queueing as a waiter when none are available.
// Waiter number 501 observes ErrQueueFull immediately; queued waiters time
// out with ErrAcquireTimeout after 10 seconds.
func (b *Bucket) Acquire(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrShutdown
	}
	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return nil
	}
	if len(b.waiters) >= maxWaiters {
		b.mu.Unlock()
		return ErrQueueFull
	}
	grant := make(chan error, 1)
	b.waiters = append(b.waiters, grant)
	b.mu.Unlock()

	timer := time.NewTimer(acquireTimeout)
	defer timer.Stop()

	select {
	case err := <-grant:
		return err
	case <-timer.C:
		return b.abandon(grant, ErrAcquireTimeout)
	case <-ctx.Done():
		return b.abandon(grant, ctx.Err())
	}
}

// abandon removes a waiter from the queue. If the refill loop granted a
// token in the meantime, the token is returned to the pool.
func (b *Bucket) abandon(grant chan error, reason error) error {
	b.mu.Lock()
	for i, w := range b.waiters {
		if w == grant {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			return reason
		}
	}
	b.mu.Unlock()

	// Already removed from the queue: a grant or shutdown raced us.
	if err := <-grant; err != nil {
		return err
	}
	b.mu.Lock()
	if b.tokens < b.rate {
		b.tokens++
	}
	b.mu.Unlock()
	return reason
}

// QueueDepth returns the current number of queued waiters.
func (b *Bucket) QueueDepth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.waiters)
}

// Tokens returns the current token count.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}

// Close stops the refill loop and drains every queued waiter with
// ErrShutdown. Subsequent Acquire calls fail immediately.
func (b *Bucket) Close() {
	b.stopped.Do(func() { close(b.stop) })

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, w := range b.waiters {
		w <- ErrShutdown
	}
	b.waiters = nil
}
