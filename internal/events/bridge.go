package events

import (
	"context"

	"practice-portal/notification-service/pkg/pubsub"
)

// Mirror republishes every value published on topic to a redis channel.
// It returns the unsubscribe func of the bus subscription.
func Mirror[T any](b *Bus, topic Topic[T], ps *pubsub.TypedPubSub[T], channel string) func() {
	return Subscribe(b, topic, func(ctx context.Context, v T) error {
		return ps.Publish(ctx, channel, v)
	})
}

// Ingest publishes values received on a redis channel onto topic until ctx
// is done.
func Ingest[T any](ctx context.Context, b *Bus, topic Topic[T], ps *pubsub.TypedPubSub[T], channel string, ready chan<- struct{}) error {
	return ps.Subscribe(ctx, channel, ready, func(ctx context.Context, v T) error {
		return Publish(ctx, b, topic, v)
	})
}
