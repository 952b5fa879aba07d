package api

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dmdmdm-nz/ipreachd/internal/runtime"
)

const (
	subscriberBuffer  = 8
	subscriberBacklog = 64
)

// Events fans loss events out to subscribers. Publish is called from the
// monitor callback and never blocks on a slow subscriber.
type Events struct {
	mu     sync.Mutex
	subs   map[int]*runtime.SubQueue[LossEvent]
	nextID int
	closed bool
}

func NewEvents() *Events {
	return &Events{subs: make(map[int]*runtime.SubQueue[LossEvent])}
}

func (e *Events) Publish(ev LossEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sub := range e.subs {
		before := sub.Dropped()
		sub.Enqueue(ev)
		if sub.Dropped() != before {
			log.WithField("subscriber", id).Warn("Subscriber is falling behind, dropped oldest loss event")
		}
	}
}

// Subscribe returns a channel of loss events published from now on and a
// function that cancels the subscription. The channel is closed when the
// hub closes or the subscription is cancelled.
func (e *Events) Subscribe() (<-chan LossEvent, func()) {
	sub := runtime.NewSubQueue[LossEvent](subscriberBuffer, subscriberBacklog)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Close()
		return sub.Chan(), func() {}
	}
	id := e.nextID
	e.nextID++
	e.subs[id] = sub
	e.mu.Unlock()

	sub.SetPaused(false)

	unsub := func() {
		e.mu.Lock()
		if q, ok := e.subs[id]; ok {
			delete(e.subs, id)
			q.Close()
		}
		e.mu.Unlock()
	}
	return sub.Chan(), unsub
}

func (e *Events) Subscribers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.subs)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (e *Events) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for id, q := range e.subs {
		q.Close()
		delete(e.subs, id)
	}
	return nil
}
