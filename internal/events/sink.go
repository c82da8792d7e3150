package events

import "context"

// BusSink publishes delivered values on a topic
type BusSink[T any] struct {
	bus   *Bus
	topic Topic[T]
}

func NewBusSink[T any](bus *Bus, topic Topic[T]) *BusSink[T] {
	return &BusSink[T]{bus: bus, topic: topic}
}

func (s *BusSink[T]) Deliver(ctx context.Context, v T) error {
	return Publish(ctx, s.bus, s.topic, v)
}
