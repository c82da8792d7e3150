package notifications

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/settings"
)

type fixture struct {
	bus        *events.Bus
	store      *settings.Store
	scheduler  *digest.Scheduler
	dispatcher *Dispatcher
	history    History

	mu         sync.Mutex
	now        time.Time
	deliveries []ResolvedDelivery
	batches    []digest.Batch
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	f := &fixture{bus: events.NewBus(), now: now}

	f.store = settings.NewStore(settings.NewMemoryRepository(), catalog.Default(), f.bus, nil, zap.NewNop())

	cfg := digest.DefaultSchedulerConfig()
	cfg.Clock = f.clock
	scheduler, err := digest.NewScheduler(digest.NewMemoryStore(), events.NewBusSink(f.bus, digest.TopicBatch), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	f.scheduler = scheduler

	f.history = NewMemoryHistory()
	f.dispatcher = NewDispatcher(f.store, f.scheduler, f.history, f.bus, nil, zap.NewNop()).WithClock(f.clock)
	f.dispatcher.Subscribe()
	t.Cleanup(f.dispatcher.Close)

	events.Subscribe(f.bus, TopicDelivery, func(_ context.Context, d ResolvedDelivery) error {
		f.mu.Lock()
		f.deliveries = append(f.deliveries, d)
		f.mu.Unlock()
		return nil
	})
	events.Subscribe(f.bus, digest.TopicBatch, func(_ context.Context, b digest.Batch) error {
		f.mu.Lock()
		f.batches = append(f.batches, b)
		f.mu.Unlock()
		return nil
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) setNow(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}

func (f *fixture) flushed() []digest.Batch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]digest.Batch(nil), f.batches...)
}

func (f *fixture) mutate(t *testing.T, userID string, fn func(*settings.Resolver, *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error)) {
	t.Helper()
	_, err := f.store.Mutate(context.Background(), userID, "test", func(s *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error) {
		return fn(f.store.Resolver(), s)
	})
	require.NoError(t, err)
}

func (f *fixture) enableQuietHours(t *testing.T, userID string) {
	f.mutate(t, userID, func(r *settings.Resolver, s *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error) {
		return r.UpdateQuietHours(s, settings.QuietHours{Enabled: true, Start: 22 * 60, End: 8 * 60, AllowUrgent: true})
	})
}

func day(d, h, m int) time.Time {
	return time.Date(2026, 10, d, h, m, 0, 0, time.UTC)
}

func TestDispatchAllowsImmediateChannels(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{
		ID:     "n-1",
		UserID: "user-1",
		TypeID: "task-assigned",
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionAllowed, out.Decision)
	assert.Equal(t, catalog.CategoryTask, out.Category)
	assert.Equal(t, catalog.PriorityImportant, out.Priority)
	assert.Equal(t, settings.SourceDefault, out.Source)
	assert.Equal(t, catalog.NewChannelSet(catalog.ChannelPopup, catalog.ChannelEmail), out.Channels)
	assert.False(t, out.PopupSound)
	assert.Nil(t, out.Digest)

	require.Len(t, f.deliveries, 1)
	assert.Equal(t, "n-1", f.deliveries[0].NotificationID)

	log, err := f.history.Get(context.Background(), "n-1")
	require.NoError(t, err)
	assert.Equal(t, "allowed", log.Decision)
}

func TestDispatchBatchesDigestLegPerCategory(t *testing.T) {
	f := newFixture(t, day(14, 9, 10))
	ctx := context.Background()

	for i, ts := range []time.Time{day(14, 9, 10), day(14, 10, 0), day(14, 11, 59)} {
		f.setNow(ts)
		out, err := f.dispatcher.Dispatch(ctx, NotificationEvent{
			ID:     string(rune('a' + i)),
			UserID: "user-1",
			TypeID: "project-created",
		})
		require.NoError(t, err)
		assert.Equal(t, DecisionAllowed, out.Decision)
		assert.True(t, out.Channels.IsEmpty())
		require.NotNil(t, out.Digest)
		assert.Equal(t, "user-1:category:project", out.Digest.BucketKey)
		assert.True(t, day(14, 12, 0).Equal(out.Digest.DueAt))
	}

	n, err := f.scheduler.Tick(ctx, day(14, 11, 59))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, f.flushed())

	n, err = f.scheduler.Tick(ctx, day(14, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batches := f.flushed()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0].Items, 3)
	assert.Equal(t, settings.FrequencyEvery4h, batches[0].Frequency)
}

func TestDispatchUsesTypeBucketForOverrides(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))
	f.mutate(t, "user-1", func(r *settings.Resolver, s *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error) {
		return r.ToggleTypeChannel(s, "project-created", catalog.CategoryProject, catalog.ChannelPopup)
	})

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{
		ID:     "n-1",
		UserID: "user-1",
		TypeID: "project-created",
	})
	require.NoError(t, err)

	assert.Equal(t, settings.SourceOverride, out.Source)
	assert.Equal(t, catalog.NewChannelSet(catalog.ChannelPopup), out.Channels)
	require.NotNil(t, out.Digest)
	assert.Equal(t, "user-1:type:project-created", out.Digest.BucketKey)
}

func TestDispatchDuringQuietHours(t *testing.T) {
	f := newFixture(t, day(14, 23, 30))
	f.enableQuietHours(t, "user-1")
	ctx := context.Background()

	urgent, err := f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-urgent", UserID: "user-1", TypeID: "task-overdue"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, urgent.Decision)
	assert.Equal(t, ReasonUrgentBypass, urgent.Reason)
	assert.False(t, urgent.Channels.IsEmpty())

	security, err := f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-security", UserID: "user-1", TypeID: "security-new-device-login"})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, security.Decision)
	assert.Equal(t, catalog.AllChannelSet, security.Channels)
	assert.True(t, security.PopupSound)

	deferred, err := f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-normal", UserID: "user-1", TypeID: "task-assigned"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeferred, deferred.Decision)
	assert.True(t, deferred.Channels.IsEmpty())
	require.NotNil(t, deferred.Digest)
	assert.Equal(t, string(digest.ScopeQuietHours), deferred.Digest.Scope)
	assert.True(t, day(15, 8, 0).Equal(deferred.Digest.DueAt))

	// a digest-enabled type is held for the morning summary too, not its own cadence
	held, err := f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-project", UserID: "user-1", TypeID: "project-created"})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeferred, held.Decision)
	assert.Equal(t, deferred.Digest.BucketKey, held.Digest.BucketKey)

	n, err := f.scheduler.Tick(ctx, day(15, 7, 59))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = f.scheduler.Tick(ctx, day(15, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batches := f.flushed()
	require.Len(t, batches, 1)
	assert.Equal(t, digest.ScopeQuietHours, batches[0].Scope)
	assert.Len(t, batches[0].Items, 2)
}

func TestDispatchGatesOnOccurrenceTime(t *testing.T) {
	f := newFixture(t, day(15, 10, 0))
	f.enableQuietHours(t, "user-1")
	ctx := context.Background()

	late, err := f.dispatcher.Dispatch(ctx, NotificationEvent{
		ID:         "n-night",
		UserID:     "user-1",
		TypeID:     "task-assigned",
		OccurredAt: day(14, 23, 30),
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionDeferred, late.Decision)
	assert.Equal(t, ReasonQuietHoursDigest, late.Reason)
	require.NotNil(t, late.Digest)
	assert.True(t, late.Digest.DueAt.After(day(15, 10, 0)))
	assert.True(t, day(15, 10, 0).Equal(late.ResolvedAt))

	f.setNow(day(15, 23, 30))
	daytime, err := f.dispatcher.Dispatch(ctx, NotificationEvent{
		ID:         "n-day",
		UserID:     "user-1",
		TypeID:     "task-assigned",
		OccurredAt: day(15, 10, 0),
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAllowed, daytime.Decision)
	assert.Equal(t, ReasonOutsideWindow, daytime.Reason)
	assert.Nil(t, daytime.Digest)
}

func TestDispatchSuppressesWithoutEmailDuringQuietHours(t *testing.T) {
	f := newFixture(t, day(14, 23, 30))
	f.enableQuietHours(t, "user-1")
	f.mutate(t, "user-1", func(r *settings.Resolver, s *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error) {
		return r.ToggleCategoryChannel(s, catalog.CategoryTask, catalog.ChannelEmail)
	})

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{ID: "n-1", UserID: "user-1", TypeID: "task-assigned"})
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressed, out.Decision)
	assert.Equal(t, ReasonQuietHoursMuted, out.Reason)
	assert.True(t, out.Channels.IsEmpty())
	assert.Nil(t, out.Digest)

	pending, err := f.scheduler.Pending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestDispatchSuppressesDisabledCategory(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))
	f.mutate(t, "user-1", func(r *settings.Resolver, s *settings.UserNotificationSettings) (*settings.UserNotificationSettings, error) {
		return r.ToggleCategoryChannel(s, catalog.CategoryProject, catalog.ChannelEmail)
	})

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{ID: "n-1", UserID: "user-1", TypeID: "project-created"})
	require.NoError(t, err)
	assert.Equal(t, DecisionSuppressed, out.Decision)
	assert.Equal(t, ReasonNoChannels, out.Reason)
}

func TestDispatchUnknownTypeFallsBack(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{ID: "n-1", UserID: "user-1", TypeID: "retired-type"})
	require.NoError(t, err)
	assert.Equal(t, settings.SourceFallback, out.Source)
	assert.Equal(t, catalog.PriorityNormal, out.Priority)
	assert.Equal(t, catalog.NewChannelSet(catalog.ChannelPopup), out.Channels)
	assert.Nil(t, out.Digest)
}

func TestDispatchAssignsIDs(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))

	out, err := f.dispatcher.Dispatch(context.Background(), NotificationEvent{UserID: "user-1", TypeID: "task-assigned"})
	require.NoError(t, err)
	assert.NotEmpty(t, out.NotificationID)
	assert.True(t, day(14, 10, 0).Equal(out.OccurredAt))

	_, err = f.dispatcher.Dispatch(context.Background(), NotificationEvent{TypeID: "task-assigned"})
	assert.Error(t, err)
}

func TestEventsPublishedOnBusAreDispatched(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))

	err := events.Publish(context.Background(), f.bus, TopicEvent, NotificationEvent{ID: "n-1", UserID: "user-1", TypeID: "invoice-paid"})
	require.NoError(t, err)

	require.Len(t, f.deliveries, 1)
	assert.Equal(t, catalog.CategoryInvoice, f.deliveries[0].Category)
}

func TestDeletingSettingsDropsPendingState(t *testing.T) {
	f := newFixture(t, day(14, 10, 0))
	ctx := context.Background()

	_, err := f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-1", UserID: "user-1", TypeID: "project-created"})
	require.NoError(t, err)
	_, err = f.dispatcher.Dispatch(ctx, NotificationEvent{ID: "n-2", UserID: "user-2", TypeID: "project-created"})
	require.NoError(t, err)

	require.NoError(t, f.store.Delete(ctx, "user-1"))

	pending, err := f.scheduler.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	_, err = f.history.Get(ctx, "n-1")
	assert.ErrorIs(t, err, ErrDeliveryNotFound)

	n, err := f.scheduler.Tick(ctx, day(14, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	batches := f.flushed()
	require.Len(t, batches, 1)
	assert.Equal(t, "user-2", batches[0].UserID)
}
