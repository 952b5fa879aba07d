package runtime

import (
	"sync"
)

// SubQueue buffers items for one slow subscriber. Producers never block:
// once the backlog reaches its limit the oldest item is discarded.
type SubQueue[T any] struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []T
	limit   int
	dropped uint64
	closed  bool

	outCh  chan T
	quit   chan struct{}
	paused bool // held until the subscriber has sent its initial state
}

// NewSubQueue returns a paused queue. limit bounds the backlog held behind
// the out channel; zero or less means unbounded.
func NewSubQueue[T any](outBuf, limit int) *SubQueue[T] {
	sq := &SubQueue[T]{
		outCh:  make(chan T, outBuf),
		quit:   make(chan struct{}),
		limit:  limit,
		paused: true,
	}
	sq.cond = sync.NewCond(&sq.mu)
	go sq.dispatch()
	return sq
}

func (sq *SubQueue[T]) Chan() <-chan T { return sq.outCh }

// Enqueue appends to the backlog and wakes the dispatcher.
func (sq *SubQueue[T]) Enqueue(ev T) {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	if sq.limit > 0 && len(sq.queue) >= sq.limit {
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.dropped++
	}
	sq.queue = append(sq.queue, ev)
	sq.cond.Signal()
}

// Dropped reports how many items were discarded because the backlog was full.
func (sq *SubQueue[T]) Dropped() uint64 {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.dropped
}

func (sq *SubQueue[T]) SetPaused(v bool) {
	sq.mu.Lock()
	sq.paused = v
	sq.cond.Broadcast()
	sq.mu.Unlock()
}

// Close stops the dispatcher and closes the out channel. Items still in the
// backlog are discarded.
func (sq *SubQueue[T]) Close() {
	sq.mu.Lock()
	defer sq.mu.Unlock()
	if sq.closed {
		return
	}
	sq.closed = true
	close(sq.quit)
	sq.cond.Broadcast()
}

func (sq *SubQueue[T]) dispatch() {
	for {
		sq.mu.Lock()
		for !sq.closed && (sq.paused || len(sq.queue) == 0) {
			sq.cond.Wait()
		}
		if sq.closed {
			sq.queue = nil
			sq.mu.Unlock()
			close(sq.outCh)
			return
		}
		ev := sq.queue[0]
		var zero T
		sq.queue[0] = zero
		sq.queue = sq.queue[1:]
		sq.mu.Unlock()

		select {
		case sq.outCh <- ev:
		case <-sq.quit:
			close(sq.outCh)
			return
		}
	}
}
