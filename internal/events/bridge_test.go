package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"practice-portal/notification-service/pkg/pubsub"
)

func TestRedisBridgeRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := pubsub.NewClient(context.Background(), pubsub.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ps := pubsub.NewTypedPubSub[ping](client, zap.NewNop())

	// one process mirrors its bus out, another ingests into its own bus
	source, sink := NewBus(), NewBus()
	stop := Mirror(source, topicPing, ps, "test:ping")
	defer stop()

	got := make(chan ping, 1)
	Subscribe(sink, topicPing, func(_ context.Context, p ping) error {
		got <- p
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() { _ = Ingest(ctx, sink, topicPing, ps, "test:ping", ready) }()
	<-ready

	require.NoError(t, Publish(context.Background(), source, topicPing, ping{N: 42}))

	select {
	case p := <-got:
		assert.Equal(t, 42, p.N)
	case <-time.After(5 * time.Second):
		t.Fatal("bridged value not received")
	}
}
