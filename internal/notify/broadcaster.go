// SPDX-License-Identifier: MIT

// Package notify fans locker state deltas out to subscribed observers.
//
// Delivery is best-effort: a slow subscriber never back-pressures the
// mutation path. Each subscriber owns a bounded buffer; when it fills, the
// oldest update is dropped and the subscriber is expected to re-read
// authoritative state after reconnecting.
package notify

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	xlog "github.com/kiosknet/lockerd/internal/log"
	"github.com/kiosknet/lockerd/internal/metrics"
)

// Update is one locker state delta.
type Update struct {
	KioskID   string    `json:"kiosk_id"`
	LockerID  int       `json:"locker_id"`
	Status    string    `json:"status"`
	OwnerType string    `json:"owner_type,omitempty"`
	Trigger   string    `json:"trigger"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultBufferSize bounds per-subscriber queues.
const DefaultBufferSize = 64

// Broadcaster maintains the subscriber set.
type Broadcaster struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	bufSize int
	logger  zerolog.Logger
}

// New creates a broadcaster with the given per-subscriber buffer size.
// Sizes below one fall back to DefaultBufferSize.
func New(bufSize int) *Broadcaster {
	if bufSize < 1 {
		bufSize = DefaultBufferSize
	}
	return &Broadcaster{
		subs:    make(map[*Subscription]struct{}),
		bufSize: bufSize,
		logger:  xlog.WithComponent("notify"),
	}
}

// Subscription is one observer's bounded delivery queue.
type Subscription struct {
	b      *Broadcaster
	ch     chan []byte
	closed bool
	mu     sync.Mutex
}

// C returns the delivery channel carrying serialized updates.
func (s *Subscription) C() <-chan []byte { return s.ch }

// Close removes the subscription and closes its channel. Safe to call twice.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.b.mu.Lock()
	delete(s.b.subs, s)
	s.b.mu.Unlock()
	close(s.ch)
}

// Subscribe registers a new observer.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{b: b, ch: make(chan []byte, b.bufSize)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Broadcast serializes the update once and delivers it to every subscriber
// without blocking. On a full buffer the oldest queued update is discarded
// in favour of the new one.
func (b *Broadcaster) Broadcast(u Update) {
	payload, err := json.Marshal(u)
	if err != nil {
		b.logger.Error().Err(err).Str("event", "notify.marshal_failed").
			Msg("failed to serialize update")
		return
	}

	b.mu.RLock()
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
}

func (s *Subscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- payload:
			return
		default:
		}
		// Buffer full: drop the oldest update to make room.
		select {
		case <-s.ch:
			metrics.IncBroadcastDrop("buffer_full")
		default:
		}
	}
}
