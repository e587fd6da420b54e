// Package eventbus fans out topology and transition events to handlers on a bounded worker pool.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Topic names a stream of events.
type Topic string

const (
	// TopicTopologyChanged carries no payload; the multi-room zone layout changed.
	TopicTopologyChanged Topic = "topology_changed"
	// TopicTransition carries a controller.Transition after every transition attempt.
	TopicTransition Topic = "transition"
)

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 16
)

// Event is delivered to every handler subscribed to its topic.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

// Handler processes one event. Handlers run on pool workers, never on the publisher.
type Handler func(Event)

// Stats counts deliveries since the bus was created.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
	Panics    int64 `json:"panics"`
}

type delivery struct {
	event   Event
	handler Handler
}

// subscriber is a pool handler, or a serial one with its own queue and goroutine.
type subscriber struct {
	handler Handler
	serial  chan Event
}

// Bus routes events to subscribers. Publish never blocks; deliveries that do not fit
// in the queue are dropped and counted.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic]map[uint64]subscriber
	nextID uint64
	closed bool

	queue     chan delivery
	queueSize int
	wg        sync.WaitGroup

	published atomic.Int64
	delivered atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
}

// New starts a bus with the given pool size. Non-positive values fall back to the defaults.
func New(workers, queueSize int) *Bus {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		subs:      make(map[Topic]map[uint64]subscriber),
		queue:     make(chan delivery, queueSize),
		queueSize: queueSize,
	}
	b.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go b.work(i)
	}

	log.Debug().Int("workers", workers).Int("queue_size", queueSize).Msg("Event bus started")
	return b
}

func (b *Bus) work(id int) {
	defer b.wg.Done()
	for d := range b.queue {
		b.dispatch(id, d)
	}
}

func (b *Bus) dispatch(worker int, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			log.Error().
				Interface("panic", r).
				Str("topic", string(d.event.Topic)).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	d.handler(d.event)
	b.delivered.Add(1)
}

// Subscribe registers h for topic on the worker pool and returns a func that removes it.
// Pool handlers may run concurrently and out of publish order.
func (b *Bus) Subscribe(topic Topic, h Handler) (unsubscribe func()) {
	return b.add(topic, subscriber{handler: h})
}

// SubscribeSerial registers h for topic on a dedicated goroutine. h sees events
// one at a time in publish order.
func (b *Bus) SubscribeSerial(topic Topic, h Handler) (unsubscribe func()) {
	return b.add(topic, subscriber{handler: h, serial: make(chan Event, b.queueSize)})
}

func (b *Bus) add(topic Topic, sub subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	if sub.serial != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for e := range sub.serial {
				b.dispatch(-1, delivery{event: e, handler: sub.handler})
			}
		}()
	}

	b.nextID++
	id := b.nextID
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[uint64]subscriber)
	}
	b.subs[topic][id] = sub

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subs[topic][id]; ok {
			delete(b.subs[topic], id)
			if s.serial != nil && !b.closed {
				close(s.serial)
			}
		}
	}
}

// Publish queues payload for every subscriber of topic and returns how many deliveries were queued.
func (b *Bus) Publish(topic Topic, payload any) int {
	// Held across the sends so Close cannot close the queue underneath them
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		log.Debug().Str("topic", string(topic)).Msg("Event bus closed, dropping event")
		return 0
	}
	b.published.Add(1)

	event := Event{Topic: topic, At: time.Now(), Payload: payload}
	queued := 0
	for _, sub := range b.subs[topic] {
		var ok bool
		if sub.serial != nil {
			ok = trySend(sub.serial, event)
		} else {
			ok = trySend(b.queue, delivery{event: event, handler: sub.handler})
		}
		if !ok {
			b.dropped.Add(1)
			log.Warn().Str("topic", string(topic)).Msg("Event bus queue full, dropping event")
			continue
		}
		queued++
	}
	return queued
}

func trySend[T any](ch chan T, v T) bool {
	select {
	case ch <- v:
		return true
	default:
		return false
	}
}

// Stats returns the delivery counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
		Panics:    b.panics.Load(),
	}
}

// Close stops accepting events and waits for queued deliveries to finish.
// It returns ctx.Err() if ctx expires first. Safe to call more than once.
func (b *Bus) Close(ctx context.Context) error {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
		for _, subs := range b.subs {
			for _, sub := range subs {
				if sub.serial != nil {
					close(sub.serial)
				}
			}
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, queued events lost")
		return ctx.Err()
	}
}
