// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package stream delivers run and project events to live subscribers. The
// broker is best effort: a subscriber that stops draining loses events rather
// than blocking publishers or buffering without bound.
package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	hclog "github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

const (
	subscriptionStateOpen uint32 = 0

	subscriptionStateClosed uint32 = 1

	// defaultSubscriptionBuffer is the per-subscriber channel depth.
	defaultSubscriptionBuffer = 256
)

// ErrSubscriptionClosed signals the broker closed the subscription, typically
// because its key reached a terminal state. The client should resubscribe if
// it still cares.
var ErrSubscriptionClosed = errors.New("subscription closed by server")

// BrokerConfig configures a Broker.
type BrokerConfig struct {
	Logger hclog.Logger

	// Name labels the broker in logs and metrics.
	Name string

	// SubscriptionBuffer is the per-subscriber channel depth. Defaults to
	// defaultSubscriptionBuffer.
	SubscriptionBuffer int
}

// Broker fans events out to subscribers by key. Keys are run ids for the run
// feed and project ids for the project feed.
type Broker[T any] struct {
	logger hclog.Logger
	name   string
	buf    int

	// mu guards subs.
	mu   sync.Mutex
	subs map[string]map[*Subscription[T]]struct{}
}

// NewBroker returns a broker ready for use.
func NewBroker[T any](c *BrokerConfig) *Broker[T] {
	buf := c.SubscriptionBuffer
	if buf <= 0 {
		buf = defaultSubscriptionBuffer
	}
	return &Broker[T]{
		logger: c.Logger.Named("stream").With("feed", c.Name),
		name:   c.Name,
		buf:    buf,
		subs:   make(map[string]map[*Subscription[T]]struct{}),
	}
}

// Subscribe registers a subscriber for the key. The caller must either drain
// the subscription or Unsubscribe.
func (b *Broker[T]) Subscribe(key string) *Subscription[T] {
	sub := &Subscription[T]{
		key:         key,
		events:      make(chan T, b.buf),
		forceClosed: make(chan struct{}),
	}
	sub.unsub = func() { b.unsubscribe(key, sub) }

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[key] == nil {
		b.subs[key] = make(map[*Subscription[T]]struct{})
	}
	b.subs[key][sub] = struct{}{}
	return sub
}

func (b *Broker[T]) unsubscribe(key string, sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !atomic.CompareAndSwapUint32(&sub.state, subscriptionStateOpen, subscriptionStateClosed) {
		return
	}
	close(sub.forceClosed)

	delete(b.subs[key], sub)
	if len(b.subs[key]) == 0 {
		delete(b.subs, key)
	}
}

// Publish delivers the event to every subscriber on the key. Subscribers with
// a full buffer miss the event.
func (b *Broker[T]) Publish(key string, event T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[key] {
		select {
		case sub.events <- event:
		default:
			metrics.IncrCounter([]string{"proctor", "stream", b.name, "dropped"}, 1)
			b.logger.Debug("dropping event for slow subscriber", "key", key)
		}
	}
}

// CloseKey force-closes every subscription on the key. Pending Next calls
// return ErrSubscriptionClosed once the buffer drains.
func (b *Broker[T]) CloseKey(key string) {
	b.mu.Lock()
	subs := make([]*Subscription[T], 0, len(b.subs[key]))
	for sub := range b.subs[key] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.unsub()
	}
}

// SubscriberCount reports the live subscriptions on a key.
func (b *Broker[T]) SubscriberCount(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

// Subscription is one subscriber's view of a key's feed.
type Subscription[T any] struct {
	// state must be accessed atomically.
	state uint32

	key    string
	events chan T

	// forceClosed is closed when the broker cancels the subscription so a
	// blocked Next returns.
	forceClosed chan struct{}

	// unsub frees broker resources. Idempotent and safe from multiple
	// goroutines.
	unsub func()
}

// Next blocks until an event arrives, the subscription closes, or ctx ends.
// Buffered events are drained before the closed error is reported.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T

	// Drain anything already buffered, even after a close.
	select {
	case event := <-s.events:
		return event, nil
	default:
	}

	if atomic.LoadUint32(&s.state) == subscriptionStateClosed {
		return zero, ErrSubscriptionClosed
	}

	select {
	case event := <-s.events:
		return event, nil
	case <-s.forceClosed:
		// A publish may have raced the close.
		select {
		case event := <-s.events:
			return event, nil
		default:
		}
		return zero, ErrSubscriptionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Unsubscribe frees the subscription. Safe to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.unsub()
}
