// Package events is the in-process publish/subscribe channel connecting
// settings, delivery gating and the digest scheduler.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Topic names a channel and fixes the payload type carried on it
type Topic[T any] struct {
	Name string
}

func NewTopic[T any](name string) Topic[T] {
	return Topic[T]{Name: name}
}

type subscriber struct {
	id      uint64
	handler func(context.Context, any) error
}

// Bus delivers published values synchronously to every subscriber of a
// topic, in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscriber
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]subscriber)}
}

// Subscribe registers handler on topic and returns a func that removes it
func Subscribe[T any](b *Bus, topic Topic[T], handler func(context.Context, T) error) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs[topic.Name] = append(b.subs[topic.Name], subscriber{
		id: id,
		handler: func(ctx context.Context, v any) error {
			return handler(ctx, v.(T))
		},
	})

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(topic.Name, id) })
	}
}

func (b *Bus) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			b.subs[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish hands value to each subscriber of topic. Every subscriber runs even
// when an earlier one fails; the failures are joined.
func Publish[T any](ctx context.Context, b *Bus, topic Topic[T], value T) error {
	b.mu.RLock()
	subs := b.subs[topic.Name]
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", topic.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Subscribers returns how many handlers are registered on a topic
func (b *Bus) Subscribers(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[name])
}
