package notifications

import (
	"context"

	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/notifications/websocket"
)

// StreamTo forwards resolved deliveries and flushed digests to the user's
// open websocket connections. The returned func detaches both subscriptions.
func StreamTo(bus *events.Bus, hub *websocket.Manager) func() {
	stopDeliveries := events.Subscribe(bus, TopicDelivery, func(_ context.Context, d ResolvedDelivery) error {
		hub.SendToUser(d.UserID, websocket.Message{
			Type:      websocket.MessageTypeDelivery,
			Data:      d,
			Timestamp: d.ResolvedAt,
		})
		return nil
	})
	stopBatches := events.Subscribe(bus, digest.TopicBatch, func(_ context.Context, b digest.Batch) error {
		hub.SendToUser(b.UserID, websocket.Message{
			Type:      websocket.MessageTypeDigest,
			Data:      b,
			Timestamp: b.FlushedAt,
		})
		return nil
	})
	return func() {
		stopDeliveries()
		stopBatches()
	}
}
