// Package relay fans patrol lifecycle events out to in-process consumers
// and keeps a bounded replay ring for poll-style consumers. Publishing
// never blocks: a subscriber that cannot keep up loses the newest event
// and the loss is counted, so the patrol loop is never back-pressured by
// a slow listener.
package relay

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrBusClosed         = errors.New("relay: bus closed")
	ErrSubscriberExists  = errors.New("relay: subscriber id already registered")
	ErrUnknownSubscriber = errors.New("relay: unknown subscriber id")
)

// Event type tags published by the patrol layer.
const (
	TypeTransition = "transition"
	TypeViolation  = "violation"
	TypeControl    = "control"
)

// Event is the relay payload consumed by the excluded UI layer.
type Event struct {
	Seq           uint64         `json:"seq"`
	PatrolID      string         `json:"patrol_id"`
	RobotID       string         `json:"robot_id"`
	Type          string         `json:"event_type"`
	State         string         `json:"state"`
	WaypointIndex int            `json:"waypoint_index"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// SubscriberStats counts per-subscriber delivery outcomes.
type SubscriberStats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// BusStats is an aggregate snapshot for observability.
type BusStats struct {
	Published   uint64                     `json:"published"`
	Subscribers map[string]SubscriberStats `json:"subscribers"`
}

type subscriber struct {
	id    string
	ch    chan Event
	stats *SubscriberStats
}

// Bus is a non-blocking fan-out of patrol events with a bounded history.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	history     []Event
	historyCap  int
	nextSeq     uint64
	published   uint64
	closed      bool
}

// NewBus creates a bus retaining up to historyCap events for replay.
// Non-positive capacities fall back to 256.
func NewBus(historyCap int) *Bus {
	if historyCap <= 0 {
		historyCap = 256
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		history:     make([]Event, 0, historyCap),
		historyCap:  historyCap,
	}
}

// Subscribe registers a consumer and returns its inbox. The inbox holds
// up to buffer events; when it is full the newest event for this
// subscriber is dropped and counted.
func (b *Bus) Subscribe(id string, buffer int) (<-chan Event, error) {
	if buffer <= 0 {
		buffer = 16
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, ok := b.subscribers[id]; ok {
		return nil, ErrSubscriberExists
	}

	sub := &subscriber{
		id:    id,
		ch:    make(chan Event, buffer),
		stats: &SubscriberStats{},
	}
	b.subscribers[id] = sub
	return sub.ch, nil
}

// Unsubscribe removes a consumer and closes its inbox.
func (b *Bus) Unsubscribe(id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[id]
	if !ok {
		return ErrUnknownSubscriber
	}
	delete(b.subscribers, id)
	close(sub.ch)
	return nil
}

// Publish stamps the event with the next sequence number, appends it to
// the history ring and offers it to every subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.nextSeq++
	ev.Seq = b.nextSeq
	b.published++

	if len(b.history) == b.historyCap {
		n := copy(b.history, b.history[1:])
		b.history = b.history[:n]
	}
	b.history = append(b.history, ev)

	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
			atomic.AddUint64(&sub.stats.Sent, 1)
		default:
			atomic.AddUint64(&sub.stats.Dropped, 1)
		}
	}
}

// EventsSince returns up to limit events with Seq > afterSeq, oldest
// first. A zero afterSeq returns from the start of the retained history.
func (b *Bus) EventsSince(afterSeq uint64, limit int) []Event {
	if limit <= 0 {
		limit = 100
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	start := 0
	for start < len(b.history) && b.history[start].Seq <= afterSeq {
		start++
	}
	end := start + limit
	if end > len(b.history) {
		end = len(b.history)
	}

	out := make([]Event, end-start)
	copy(out, b.history[start:end])
	return out
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// Stats returns a snapshot of delivery counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := BusStats{
		Published:   b.published,
		Subscribers: make(map[string]SubscriberStats, len(b.subscribers)),
	}
	for id, sub := range b.subscribers {
		out.Subscribers[id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&sub.stats.Sent),
			Dropped: atomic.LoadUint64(&sub.stats.Dropped),
		}
	}
	return out
}

// Close shuts the bus down and closes all subscriber inboxes.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		delete(b.subscribers, id)
		close(sub.ch)
	}
}
