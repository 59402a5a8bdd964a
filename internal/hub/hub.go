// Package hub fans live snapshots out to in-process subscribers.
package hub

import (
	"slices"
	"sync"
	"sync/atomic"

	"codeberg.org/mutker/telesync/internal/logger"
	"codeberg.org/mutker/telesync/internal/telemetry"
)

// Callback receives snapshots. It must not block. It may publish,
// subscribe or unsubscribe; a snapshot published from a callback is
// delivered once the current round of callbacks has finished.
type Callback func(telemetry.Snapshot)

// Subscription is one registered callback. It remembers the newest
// timestamp it was handed so it never sees a duplicate or a regression.
type Subscription struct {
	id     uint64
	cb     Callback
	active atomic.Bool

	// Only touched by the goroutine draining the queue.
	last int64
	seen bool
}

// ID identifies the subscription within its Hub.
func (s *Subscription) ID() uint64 {
	return s.id
}

// delivery is one snapshot queued for a set of subscribers.
type delivery struct {
	subs []*Subscription
	snap telemetry.Snapshot
}

// Hub caches the latest snapshot and delivers every newer one to its
// subscribers in registration order. Deliveries are queued and run by one
// goroutine at a time, so callbacks never overlap.
type Hub struct {
	logger logger.Logger

	mu         sync.Mutex
	latest     telemetry.Snapshot
	hasLatest  bool
	subs       []*Subscription
	nextID     uint64
	queue      []delivery
	delivering bool
}

func New(log logger.Logger) *Hub {
	return &Hub{logger: log}
}

// Subscribe registers cb and, when a snapshot is cached, hands it to cb.
// Unless another goroutine is delivering at the time, that happens before
// Subscribe returns. The returned function unsubscribes and may be called
// any number of times.
func (h *Hub) Subscribe(cb Callback) func() {
	h.mu.Lock()
	h.nextID++
	sub := &Subscription{id: h.nextID, cb: cb}
	sub.active.Store(true)
	h.subs = append(h.subs, sub)
	if h.hasLatest {
		h.queue = append(h.queue, delivery{subs: []*Subscription{sub}, snap: h.latest})
	}
	h.mu.Unlock()

	h.logger.Debug().Uint64("subscription", sub.id).Msg("Subscriber added")
	h.drain()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.unsubscribe(sub)
		})
	}
}

func (h *Hub) unsubscribe(sub *Subscription) {
	sub.active.Store(false)

	h.mu.Lock()
	h.subs = slices.DeleteFunc(h.subs, func(s *Subscription) bool {
		return s == sub
	})
	h.mu.Unlock()

	h.logger.Debug().Uint64("subscription", sub.id).Msg("Subscriber removed")
}

// Publish offers snap to the hub. A snapshot older than the cached one is
// dropped. One with the same timestamp replaces the cache without being
// delivered. A newer one is cached and queued for every subscriber. It
// reports whether snap was accepted for delivery.
func (h *Hub) Publish(snap telemetry.Snapshot) bool {
	h.mu.Lock()
	if h.hasLatest && snap.Timestamp < h.latest.Timestamp {
		cached := h.latest.Timestamp
		h.mu.Unlock()
		h.logger.Debug().
			Int64("timestamp", snap.Timestamp).
			Int64("cached", cached).
			Msg("Dropped out-of-order snapshot")
		return false
	}

	duplicate := h.hasLatest && snap.Timestamp == h.latest.Timestamp
	h.latest = snap
	h.hasLatest = true
	if duplicate {
		h.mu.Unlock()
		return false
	}

	h.queue = append(h.queue, delivery{subs: slices.Clone(h.subs), snap: snap})
	h.mu.Unlock()

	h.drain()
	return true
}

// Latest returns the cached snapshot.
func (h *Hub) Latest() (telemetry.Snapshot, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// drain runs queued deliveries unless another goroutine, or a callback
// further up this one's stack, is already doing so.
func (h *Hub) drain() {
	h.mu.Lock()
	if h.delivering {
		h.mu.Unlock()
		return
	}
	h.delivering = true

	for len(h.queue) > 0 {
		d := h.queue[0]
		h.queue[0] = delivery{}
		h.queue = h.queue[1:]
		h.mu.Unlock()

		for _, sub := range d.subs {
			h.deliver(sub, d.snap)
		}

		h.mu.Lock()
	}

	h.queue = nil
	h.delivering = false
	h.mu.Unlock()
}

func (h *Hub) deliver(sub *Subscription, snap telemetry.Snapshot) {
	if !sub.active.Load() || (sub.seen && snap.Timestamp <= sub.last) {
		return
	}
	sub.last = snap.Timestamp
	sub.seen = true

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error().
				Uint64("subscription", sub.id).
				Int64("timestamp", snap.Timestamp).
				Interface("panic", r).
				Msg("Subscriber panicked")
		}
	}()

	sub.cb(snap)
}
