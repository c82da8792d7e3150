package digest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/settings"
)

// MockSink is a mock implementation of the Sink interface
type MockSink struct {
	mock.Mock
}

func (m *MockSink) Deliver(ctx context.Context, batch Batch) error {
	args := m.Called(ctx, batch)
	return args.Error(0)
}

// recordingSink keeps every delivered batch
type recordingSink struct {
	mu      sync.Mutex
	batches []Batch
	during  func(Batch)
}

func (r *recordingSink) Deliver(_ context.Context, batch Batch) error {
	r.mu.Lock()
	r.batches = append(r.batches, batch)
	during := r.during
	r.mu.Unlock()
	if during != nil {
		during(batch)
	}
	return nil
}

func (r *recordingSink) delivered() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func newTestScheduler(t *testing.T, sink Sink, clock *fakeClock) (*Scheduler, BucketStore) {
	t.Helper()
	store := NewMemoryStore()
	cfg := DefaultSchedulerConfig()
	cfg.Clock = clock.Now
	s, err := NewScheduler(store, sink, cfg, nil, zap.NewNop())
	require.NoError(t, err)
	return s, store
}

func invoiceItem(id string, occurred time.Time) Item {
	return Item{
		NotificationID: id,
		TypeID:         "invoice-paid",
		Category:       catalog.CategoryInvoice,
		Priority:       catalog.PriorityNormal,
		OccurredAt:     occurred,
	}
}

func every4h(userID string, item Item) EnqueueRequest {
	return EnqueueRequest{
		UserID:    userID,
		Scope:     ScopeCategory,
		ScopeID:   string(catalog.CategoryInvoice),
		Frequency: settings.FrequencyEvery4h,
		Item:      item,
	}
}

func TestSchedulerFlushesOneBatchAtBoundary(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{}
	s, _ := newTestScheduler(t, sink, clock)
	ctx := context.Background()

	for i, ts := range []time.Time{at(14, 9, 10), at(14, 10, 0), at(14, 11, 59)} {
		clock.Set(ts)
		b, err := s.Enqueue(ctx, every4h("user-1", invoiceItem(string(rune('a'+i)), ts)))
		require.NoError(t, err)
		assert.True(t, at(14, 12, 0).Equal(b.DueAt))
		assert.Len(t, b.Items, i+1)
	}

	n, err := s.Tick(ctx, at(14, 11, 59).Add(59*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Empty(t, sink.delivered())

	n, err = s.Tick(ctx, at(14, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batches := sink.delivered()
	require.Len(t, batches, 1)
	assert.Equal(t, "user-1", batches[0].UserID)
	assert.Equal(t, 1, batches[0].Attempt)
	assert.NotEmpty(t, batches[0].ID)
	require.Len(t, batches[0].Items, 3)
	assert.Equal(t, "a", batches[0].Items[0].NotificationID)
	assert.Equal(t, "c", batches[0].Items[2].NotificationID)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	n, err = s.Tick(ctx, at(14, 16, 0))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Len(t, sink.delivered(), 1)
}

func TestSchedulerDeduplicatesNotifications(t *testing.T) {
	clock := &fakeClock{now: at(14, 9, 0)}
	s, _ := newTestScheduler(t, &recordingSink{}, clock)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-1", at(14, 9, 0))))
	require.NoError(t, err)
	b, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-1", at(14, 9, 0))))
	require.NoError(t, err)
	assert.Len(t, b.Items, 1)
}

func TestSchedulerEnqueueRequiresIDs(t *testing.T) {
	s, _ := newTestScheduler(t, &recordingSink{}, &fakeClock{now: at(14, 9, 0)})

	_, err := s.Enqueue(context.Background(), every4h("", invoiceItem("n-1", at(14, 9, 0))))
	assert.Error(t, err)
	_, err = s.Enqueue(context.Background(), every4h("user-1", Item{}))
	assert.Error(t, err)
}

func TestSchedulerRetriesFailedFlushWithSameBatch(t *testing.T) {
	sink := new(MockSink)
	clock := &fakeClock{now: at(14, 9, 0)}
	s, _ := newTestScheduler(t, sink, clock)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-1", at(14, 9, 0))))
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, every4h("user-1", invoiceItem("n-2", at(14, 9, 5))))
	require.NoError(t, err)

	var attempts []Batch
	record := func(args mock.Arguments) { attempts = append(attempts, args.Get(1).(Batch)) }
	sink.On("Deliver", mock.Anything, mock.AnythingOfType("digest.Batch")).
		Return(errors.New("smtp unavailable")).Run(record).Once()
	sink.On("Deliver", mock.Anything, mock.AnythingOfType("digest.Batch")).
		Return(nil).Run(record).Once()

	n, err := s.Tick(ctx, at(14, 12, 0))
	assert.Error(t, err)
	assert.Equal(t, 0, n)

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// a repeat of a queued notification does not grow the retry
	clock.Set(at(14, 12, 0))
	_, err = s.Enqueue(ctx, every4h("user-1", invoiceItem("n-2", at(14, 9, 5))))
	require.NoError(t, err)

	n, err = s.Tick(ctx, at(14, 12, 1))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, attempts, 2)
	assert.Equal(t, attempts[0].ID, attempts[1].ID)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.Len(t, attempts[1].Items, 2)

	pending, err = s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	sink.AssertExpectations(t)
}

func TestSchedulerKeepsItemsArrivingDuringFlush(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{now: at(14, 9, 0)}
	s, _ := newTestScheduler(t, sink, clock)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-1", at(14, 9, 0))))
	require.NoError(t, err)

	once := sync.Once{}
	sink.during = func(Batch) {
		once.Do(func() {
			clock.Set(at(14, 12, 0))
			_, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-2", at(14, 12, 0))))
			assert.NoError(t, err)
		})
	}

	n, err := s.Tick(ctx, at(14, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// the late item waits for the following boundary
	n, err = s.Tick(ctx, at(14, 15, 59))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Tick(ctx, at(14, 16, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	batches := sink.delivered()
	require.Len(t, batches, 2)
	require.Len(t, batches[1].Items, 1)
	assert.Equal(t, "n-2", batches[1].Items[0].NotificationID)
	assert.NotEqual(t, batches[0].ID, batches[1].ID)
}

func TestSchedulerFlushesStaleBuckets(t *testing.T) {
	sink := &recordingSink{}
	s, store := newTestScheduler(t, sink, &fakeClock{now: at(14, 9, 0)})
	ctx := context.Background()

	// a bucket whose due time was pushed far out still flushes once stale
	_, _, err := store.Add(ctx, Bucket{
		Key:       BucketKey("user-1", ScopeCategory, "invoice"),
		UserID:    "user-1",
		Scope:     ScopeCategory,
		ScopeID:   "invoice",
		Frequency: settings.FrequencyEvery4h,
		OpenedAt:  at(14, 1, 0),
		DueAt:     at(20, 0, 0),
		StaleAt:   at(14, 9, 0),
	}, invoiceItem("n-1", at(14, 1, 0)))
	require.NoError(t, err)

	n, err := s.Tick(ctx, at(14, 9, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, sink.delivered(), 1)
}

func TestSchedulerStaleAt(t *testing.T) {
	clock := &fakeClock{now: at(14, 9, 10)}
	s, _ := newTestScheduler(t, &recordingSink{}, clock)

	b, err := s.Enqueue(context.Background(), every4h("user-1", invoiceItem("n-1", at(14, 9, 10))))
	require.NoError(t, err)
	assert.True(t, at(14, 17, 10).Equal(b.StaleAt))

	// never earlier than the due time
	b, err = s.Enqueue(context.Background(), EnqueueRequest{
		UserID:  "user-1",
		Scope:   ScopeQuietHours,
		ScopeID: "quiet-hours",
		DueAt:   at(20, 8, 0),
		Item:    invoiceItem("n-2", at(14, 9, 10)),
	})
	require.NoError(t, err)
	assert.True(t, at(20, 8, 0).Equal(b.DueAt))
	assert.True(t, at(20, 8, 0).Equal(b.StaleAt))
}

func TestSchedulerQuietHoursLeftoversAreDueImmediately(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{now: at(14, 23, 30)}
	s, store := newTestScheduler(t, sink, clock)
	ctx := context.Background()

	req := EnqueueRequest{
		UserID:  "user-1",
		Scope:   ScopeQuietHours,
		ScopeID: "quiet-hours",
		DueAt:   at(15, 8, 0),
		Item:    invoiceItem("n-1", at(14, 23, 30)),
	}
	_, err := s.Enqueue(ctx, req)
	require.NoError(t, err)

	sink.during = func(Batch) {
		late := req
		late.Item = invoiceItem("n-2", at(15, 8, 0))
		_, _, err := store.Add(ctx, Bucket{Key: BucketKey("user-1", ScopeQuietHours, "quiet-hours")}, late.Item)
		assert.NoError(t, err)
		sink.during = nil
	}

	n, err := s.Tick(ctx, at(15, 8, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	due, err := store.Due(ctx, at(15, 8, 0))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "n-2", due[0].Items[0].NotificationID)
}

func TestSchedulerCancelUser(t *testing.T) {
	sink := &recordingSink{}
	clock := &fakeClock{now: at(14, 9, 0)}
	s, _ := newTestScheduler(t, sink, clock)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, every4h("user-1", invoiceItem("n-1", at(14, 9, 0))))
	require.NoError(t, err)
	req := every4h("user-1", invoiceItem("n-2", at(14, 9, 0)))
	req.Scope, req.ScopeID = ScopeType, "invoice-paid"
	_, err = s.Enqueue(ctx, req)
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, every4h("user-2", invoiceItem("n-3", at(14, 9, 0))))
	require.NoError(t, err)

	n, err := s.CancelUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.CancelUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	flushed, err := s.Tick(ctx, at(14, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	batches := sink.delivered()
	require.Len(t, batches, 1)
	assert.Equal(t, "user-2", batches[0].UserID)
}

func TestSchedulerStopDoesNotFlush(t *testing.T) {
	sink := new(MockSink)
	clock := &fakeClock{now: at(14, 9, 0)}
	store := NewMemoryStore()
	s, err := NewScheduler(store, sink, SchedulerConfig{
		Tick:     "@every 1h",
		Schedule: DefaultSchedule(),
		Clock:    clock.Now,
	}, nil, zap.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	req := every4h("user-1", invoiceItem("n-1", at(14, 9, 0)))
	req.DueAt = at(14, 8, 0)
	_, err = s.Enqueue(ctx, req)
	require.NoError(t, err)

	require.NoError(t, s.Start(ctx))
	assert.Error(t, s.Start(ctx))
	s.Stop()
	s.Stop()

	pending, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)
	sink.AssertNotCalled(t, "Deliver", mock.Anything, mock.Anything)

	// restartable after a stop
	require.NoError(t, s.Start(ctx))
	s.Stop()
}

func TestNewSchedulerRejectsBadTick(t *testing.T) {
	_, err := NewScheduler(NewMemoryStore(), &recordingSink{}, SchedulerConfig{Tick: "sometimes"}, nil, nil)
	assert.Error(t, err)
}
