package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/metrics"
	"practice-portal/notification-service/internal/settings"
)

// quietHoursScopeID names the single summary bucket per user
const quietHoursScopeID = "summary"

// Dispatcher turns notification events into resolved deliveries: it reads
// the user's settings snapshot, applies the quiet-hours gate and routes
// digest legs into the scheduler.
type Dispatcher struct {
	store     *settings.Store
	scheduler *digest.Scheduler
	history   History
	bus       *events.Bus
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	unsubscribe []func()
}

func NewDispatcher(store *settings.Store, scheduler *digest.Scheduler, history History,
	bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		scheduler: scheduler,
		history:   history,
		bus:       bus,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock replaces time.Now, for tests
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Subscribe attaches the dispatcher to the bus: events are dispatched and
// deleted users have their pending digests and history dropped.
func (d *Dispatcher) Subscribe() {
	d.unsubscribe = append(d.unsubscribe,
		events.Subscribe(d.bus, TopicEvent, func(ctx context.Context, e NotificationEvent) error {
			_, err := d.Dispatch(ctx, e)
			return err
		}),
		events.Subscribe(d.bus, settings.TopicDeleted, d.forgetUser),
	)
}

// Close detaches from the bus
func (d *Dispatcher) Close() {
	for _, fn := range d.unsubscribe {
		fn()
	}
	d.unsubscribe = nil
}

// Dispatch resolves one event and publishes the outcome on TopicDelivery
func (d *Dispatcher) Dispatch(ctx context.Context, e NotificationEvent) (ResolvedDelivery, error) {
	if e.UserID == "" || e.TypeID == "" {
		return ResolvedDelivery{}, fmt.Errorf("notification event needs a user and a type")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	now := d.now()
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.Category, e.Priority = d.classify(e)

	snapshot, err := d.store.Load(ctx, e.UserID)
	if err != nil {
		return ResolvedDelivery{}, fmt.Errorf("failed to load settings for %s: %w", e.UserID, err)
	}
	effective := d.store.Resolver().Effective(snapshot, e.TypeID, e.Category)

	// the gate judges when the event happened; due times count from now
	local := d.scheduler.Schedule().In(now)
	gate := Evaluate(GateInput{
		Priority:   e.Priority,
		Category:   e.Category,
		Channels:   effective.Channels,
		QuietHours: snapshot.QuietHours,
		At:         d.scheduler.Schedule().In(e.OccurredAt),
	})

	out := ResolvedDelivery{
		NotificationID: e.ID,
		UserID:         e.UserID,
		TypeID:         e.TypeID,
		Category:       e.Category,
		Priority:       e.Priority,
		Source:         effective.Source,
		Decision:       gate.Decision,
		Reason:         gate.Reason,
		Title:          e.Title,
		Body:           e.Body,
		OccurredAt:     e.OccurredAt,
		ResolvedAt:     now,
	}

	switch gate.Decision {
	case DecisionAllowed:
		out.Channels = effective.Channels
		if effective.DigestEnabled && effective.Channels.Has(catalog.ChannelEmail) {
			placement, err := d.enqueueDigest(ctx, e, effective)
			if err != nil {
				return ResolvedDelivery{}, err
			}
			out.Channels = out.Channels.Without(catalog.ChannelEmail)
			out.Digest = placement
		}
	case DecisionDeferred:
		placement, err := d.enqueueQuietHours(ctx, e, snapshot.QuietHours, local)
		if err != nil {
			return ResolvedDelivery{}, err
		}
		out.Digest = placement
	}
	out.PopupSound = effective.PopupSound && out.Channels.Has(catalog.ChannelPopup)

	d.metrics.GateDecision(string(out.Decision))
	d.logger.Debug("Resolved notification",
		zap.String("notification_id", out.NotificationID),
		zap.String("user_id", out.UserID),
		zap.String("type_id", out.TypeID),
		zap.String("decision", string(out.Decision)),
		zap.String("reason", out.Reason),
		zap.Stringer("channels", out.Channels))

	if d.history != nil {
		if err := d.history.Record(ctx, out); err != nil {
			d.logger.Warn("Failed to record delivery", zap.String("notification_id", out.NotificationID), zap.Error(err))
		}
	}
	if err := events.Publish(ctx, d.bus, TopicDelivery, out); err != nil {
		return out, fmt.Errorf("delivery subscribers failed: %w", err)
	}
	return out, nil
}

// classify fills category and priority from the catalog. Unknown types keep
// what the producer sent and default to normal priority.
func (d *Dispatcher) classify(e NotificationEvent) (catalog.Category, catalog.Priority) {
	category, priority := e.Category, e.Priority
	if t, ok := d.store.Catalog().Type(e.TypeID); ok {
		if category == "" {
			category = t.Category
		}
		if priority == "" {
			priority = t.Priority
		}
	}
	if priority == "" {
		priority = catalog.PriorityNormal
	}
	return category, priority
}

func itemOf(e NotificationEvent) digest.Item {
	return digest.Item{
		NotificationID: e.ID,
		TypeID:         e.TypeID,
		Category:       e.Category,
		Priority:       e.Priority,
		Title:          e.Title,
		Body:           e.Body,
		OccurredAt:     e.OccurredAt,
	}
}

// enqueueDigest batches the email leg per type when the type has its own
// override, otherwise per category.
func (d *Dispatcher) enqueueDigest(ctx context.Context, e NotificationEvent, effective settings.Resolved) (*DigestPlacement, error) {
	scope, scopeID := digest.ScopeCategory, string(e.Category)
	if effective.Source == settings.SourceOverride || e.Category == "" {
		scope, scopeID = digest.ScopeType, e.TypeID
	}
	b, err := d.scheduler.Enqueue(ctx, digest.EnqueueRequest{
		UserID:    e.UserID,
		Scope:     scope,
		ScopeID:   scopeID,
		Frequency: effective.DigestFrequency,
		Weekday:   effective.DigestWeekday,
		Item:      itemOf(e),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to queue digest item: %w", err)
	}
	return &DigestPlacement{BucketKey: b.Key, Scope: string(b.Scope), Frequency: b.Frequency, DueAt: b.DueAt}, nil
}

// enqueueQuietHours holds the event for the one summary sent when quiet
// hours end.
func (d *Dispatcher) enqueueQuietHours(ctx context.Context, e NotificationEvent, q settings.QuietHours, local time.Time) (*DigestPlacement, error) {
	due := d.scheduler.Schedule().NextClock(q.End, local)
	b, err := d.scheduler.Enqueue(ctx, digest.EnqueueRequest{
		UserID:  e.UserID,
		Scope:   digest.ScopeQuietHours,
		ScopeID: quietHoursScopeID,
		DueAt:   due,
		Item:    itemOf(e),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to defer notification: %w", err)
	}
	return &DigestPlacement{BucketKey: b.Key, Scope: string(b.Scope), DueAt: b.DueAt}, nil
}

func (d *Dispatcher) forgetUser(ctx context.Context, userID string) error {
	n, err := d.scheduler.CancelUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to cancel digests for %s: %w", userID, err)
	}
	if d.history != nil {
		if _, err := d.history.DeleteUser(ctx, userID); err != nil {
			return err
		}
	}
	d.logger.Info("Dropped notification state for deleted user",
		zap.String("user_id", userID),
		zap.Int("digest_buckets", n))
	return nil
}
