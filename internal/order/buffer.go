// Package order implements the ordered delivery buffer that reassembles
// out-of-order results into strict sequence-index order.
//
// Two instances exist per turn: one on the generation side coalescing
// synthesis results before they reach the transport, and one on the playback
// side coalescing received chunks before they reach the playback engine,
// because network delivery can itself reorder or interleave chunks.
//
// A Buffer serves exactly one turn. Results enter via [Buffer.Offer] keyed by
// sequence index and leave on the single-consumer channel returned by
// [Buffer.Out] in strictly increasing index order with no gaps. Early arrivals
// are held; the channel closes once the index announced via [Buffer.Finish]
// has been released, or immediately on [Buffer.Close] (cancellation).
package order

import (
	"log/slog"
	"sync"
)

// defaultOutBuf is the buffer depth of the release channel. Sized to absorb a
// burst of early arrivals without blocking the release goroutine while the
// consumer is busy playing the current unit.
const defaultOutBuf = 16

// Item is one released result: the value together with its sequence index.
type Item[T any] struct {
	Index int
	Value T
}

// Buffer reassembles results offered in arbitrary index order and releases
// them in strict 0,1,2,... order on a single-consumer channel.
//
// Buffer is safe for concurrent use. Offer, Finish and Close may be called
// from any goroutine; Out must be consumed by a single goroutine.
type Buffer[T any] struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending map[int]T
	next    int // next index to release
	total   int // index count announced by Finish, -1 while stream is open
	closed  bool

	out  chan Item[T]
	stop chan struct{}
}

// Option is a functional option for configuring a Buffer.
type Option func(*config)

type config struct {
	logger *slog.Logger
	outBuf int
}

// WithLogger sets the logger used for dropped-result warnings.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithOutputBuffer sets the release channel's buffer depth. Default is 16.
func WithOutputBuffer(n int) Option {
	return func(c *config) { c.outBuf = n }
}

// New constructs a Buffer for one turn and starts its release goroutine.
// Callers must eventually call Finish or Close, or the goroutine leaks.
func New[T any](opts ...Option) *Buffer[T] {
	cfg := config{
		logger: slog.Default(),
		outBuf: defaultOutBuf,
	}
	for _, o := range opts {
		o(&cfg)
	}

	b := &Buffer[T]{
		logger:  cfg.logger,
		pending: make(map[int]T),
		total:   -1,
		out:     make(chan Item[T], cfg.outBuf),
		stop:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// Offer stores the result for the given sequence index. A result for an
// already-released index, a duplicate of a pending one, or an index at or
// beyond the announced total is ignored with a warning rather than corrupting
// the release order.
func (b *Buffer[T]) Offer(index int, value T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	switch {
	case index < b.next:
		b.logger.Warn("ordered buffer: dropping stale result", "index", index, "next", b.next)
		return
	case b.total >= 0 && index >= b.total:
		b.logger.Warn("ordered buffer: dropping result beyond finish", "index", index, "total", b.total)
		return
	}
	if _, dup := b.pending[index]; dup {
		b.logger.Warn("ordered buffer: dropping duplicate result", "index", index)
		return
	}

	b.pending[index] = value
	b.cond.Broadcast()
}

// Finish announces that the upstream stream is complete and exactly total
// indices (0..total-1) will be offered. Once all of them have been released,
// the output channel is closed, which is the turn's completion signal.
// Finish with a total equal to the number of already-released items closes the
// channel immediately.
func (b *Buffer[T]) Finish(total int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || b.total >= 0 {
		return
	}
	b.total = total
	b.cond.Broadcast()
}

// Close cancels the buffer: pending results are discarded and the output
// channel is closed without releasing them. Used on turn cancellation.
// Close is idempotent and safe to call concurrently with Offer.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.pending = make(map[int]T)
	close(b.stop)
	b.cond.Broadcast()
}

// Out returns the single-consumer channel of in-order releases. The channel
// is closed when the turn completes (all indices through Finish's total have
// been released) or when the buffer is closed.
func (b *Buffer[T]) Out() <-chan Item[T] {
	return b.out
}

// Len reports the number of results currently held waiting for their turn.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// NextIndex reports the next sequence index the buffer will release.
func (b *Buffer[T]) NextIndex() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// run is the single release goroutine. It waits until the next expected index
// is pending, removes it under the lock, and sends it without holding the
// lock so a slow consumer never blocks Offer or Close.
func (b *Buffer[T]) run() {
	for {
		b.mu.Lock()
		for !b.closed && !b.releasableLocked() && !b.finishedLocked() {
			b.cond.Wait()
		}
		if b.closed {
			b.mu.Unlock()
			close(b.out)
			return
		}
		if b.finishedLocked() {
			b.closed = true
			b.mu.Unlock()
			close(b.out)
			return
		}
		value := b.pending[b.next]
		delete(b.pending, b.next)
		item := Item[T]{Index: b.next, Value: value}
		b.next++
		b.mu.Unlock()

		select {
		case b.out <- item:
		case <-b.stop:
			close(b.out)
			return
		}
	}
}

// releasableLocked reports whether the next expected index is pending.
// Callers must hold mu.
func (b *Buffer[T]) releasableLocked() bool {
	_, ok := b.pending[b.next]
	return ok
}

// finishedLocked reports whether every announced index has been released.
// Callers must hold mu.
func (b *Buffer[T]) finishedLocked() bool {
	return b.total >= 0 && b.next >= b.total
}
