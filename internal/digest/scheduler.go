package digest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"practice-portal/notification-service/internal/metrics"
	"practice-portal/notification-service/internal/settings"
)

// Sink receives flushed batches. A returned error keeps the items queued for
// the next tick.
type Sink interface {
	Deliver(ctx context.Context, batch Batch) error
}

// SchedulerConfig configures the digest scheduler
type SchedulerConfig struct {
	// Tick is a cron spec; the default checks every minute so that daily
	// boundaries and quiet-hours ends are hit on time.
	Tick     string
	Schedule Schedule
	// Clock replaces time.Now in tests
	Clock func() time.Time
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Tick:     "@every 1m",
		Schedule: DefaultSchedule(),
	}
}

// Scheduler batches digest-eligible notifications and flushes each bucket
// at its boundary.
type Scheduler struct {
	cron     *cron.Cron
	store    BucketStore
	sink     Sink
	schedule Schedule
	tick     string
	now      func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.Mutex
	running bool

	// flushMu keeps ticks and cancellations from interleaving
	flushMu sync.Mutex
}

func NewScheduler(store BucketStore, sink Sink, cfg SchedulerConfig, m *metrics.Metrics, logger *zap.Logger) (*Scheduler, error) {
	if cfg.Tick == "" {
		cfg.Tick = DefaultSchedulerConfig().Tick
	}
	if err := ParseTick(cfg.Tick); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(cfg.Schedule.location())),
		store:    store,
		sink:     sink,
		schedule: cfg.Schedule,
		tick:     cfg.Tick,
		now:      cfg.Clock,
		metrics:  m,
		logger:   logger,
	}, nil
}

func (s *Scheduler) Schedule() Schedule { return s.schedule }

// Enqueue adds an item to its bucket. The returned bucket carries the due
// time actually in effect, which for an existing bucket is the one set when
// it was opened.
func (s *Scheduler) Enqueue(ctx context.Context, req EnqueueRequest) (Bucket, error) {
	if req.UserID == "" || req.Item.NotificationID == "" {
		return Bucket{}, errors.New("digest item needs a user and a notification id")
	}

	now := s.now()
	due := req.DueAt
	if due.IsZero() {
		due = s.schedule.Next(req.Frequency, req.Weekday, now)
	}
	header := Bucket{
		Key:       BucketKey(req.UserID, req.Scope, req.ScopeID),
		UserID:    req.UserID,
		Scope:     req.Scope,
		ScopeID:   req.ScopeID,
		Frequency: req.Frequency,
		Weekday:   req.Weekday,
		OpenedAt:  now,
		DueAt:     due,
		StaleAt:   s.staleAt(req.Frequency, now, due),
	}

	b, added, err := s.store.Add(ctx, header, req.Item)
	if err != nil {
		return Bucket{}, err
	}
	if added {
		s.logger.Debug("Queued digest item",
			zap.String("bucket", b.Key),
			zap.String("notification_id", req.Item.NotificationID),
			zap.Time("due_at", b.DueAt))
	}
	s.reportPending(ctx)
	return b, nil
}

// staleAt is two cycles past the opening time, and never before the bucket
// is due.
func (s *Scheduler) staleAt(freq settings.Frequency, opened, due time.Time) time.Time {
	stale := opened.Add(2 * Cycle(freq))
	if stale.Before(due) {
		return due
	}
	return stale
}

// Tick flushes every bucket due at now and returns how many were delivered
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	buckets, err := s.store.Due(ctx, now)
	if err != nil {
		return 0, err
	}

	var (
		flushed int
		errs    []error
	)
	for _, b := range buckets {
		if err := s.flush(ctx, b, now); err != nil {
			errs = append(errs, err)
			continue
		}
		flushed++
	}
	s.reportPending(ctx)
	return flushed, errors.Join(errs...)
}

func (s *Scheduler) flush(ctx context.Context, b Bucket, now time.Time) error {
	batchID := b.BatchID
	if batchID == "" {
		batchID = uuid.New().String()
	}
	batch := Batch{
		ID:        batchID,
		BucketKey: b.Key,
		UserID:    b.UserID,
		Scope:     b.Scope,
		ScopeID:   b.ScopeID,
		Frequency: b.Frequency,
		Items:     b.Items,
		Attempt:   b.Attempts + 1,
		FlushedAt: now,
	}

	if err := s.sink.Deliver(ctx, batch); err != nil {
		s.metrics.DigestFlushFailed()
		attempts, markErr := s.store.MarkFailed(ctx, b.Key, batchID)
		if markErr != nil {
			s.logger.Error("Failed to record digest flush failure",
				zap.String("bucket", b.Key),
				zap.Error(markErr))
		}
		s.logger.Error("Digest flush failed, keeping items for next tick",
			zap.String("bucket", b.Key),
			zap.Int("attempts", attempts),
			zap.Int("items", len(b.Items)),
			zap.Error(err))
		return fmt.Errorf("flush %s: %w", b.Key, err)
	}

	s.metrics.DigestFlushed(len(b.Items))
	remaining, err := s.store.Ack(ctx, b.Key, b.itemIDs())
	if err != nil {
		return fmt.Errorf("ack %s: %w", b.Key, err)
	}
	if remaining > 0 {
		// items that arrived during the flush start a new period
		due := s.schedule.Next(b.Frequency, b.Weekday, now)
		if b.Scope == ScopeQuietHours {
			due = now
		}
		if err := s.store.Reschedule(ctx, b.Key, now, due, s.staleAt(b.Frequency, now, due)); err != nil {
			return fmt.Errorf("reschedule %s: %w", b.Key, err)
		}
	}

	s.logger.Info("Flushed digest",
		zap.String("bucket", b.Key),
		zap.String("batch_id", batchID),
		zap.Int("items", len(b.Items)))
	return nil
}

// CancelUser drops every pending bucket of a user. Dropped items are never
// delivered.
func (s *Scheduler) CancelUser(ctx context.Context, userID string) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	n, err := s.store.DeleteUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("Discarded pending digests",
			zap.String("user_id", userID),
			zap.Int("buckets", n))
	}
	s.reportPending(ctx)
	return n, nil
}

// Pending returns the number of open buckets
func (s *Scheduler) Pending(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

func (s *Scheduler) reportPending(ctx context.Context) {
	if n, err := s.store.Count(ctx); err == nil {
		s.metrics.PendingBuckets(n)
	}
}

// Start runs Tick on the configured cron spec until Stop
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("digest scheduler already running")
	}

	if _, err := s.cron.AddFunc(s.tick, func() {
		if _, err := s.Tick(ctx, s.now()); err != nil {
			s.logger.Warn("Digest tick finished with errors", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule digest tick: %w", err)
	}

	s.logger.Info("Starting digest scheduler", zap.String("tick", s.tick))
	s.cron.Start()
	s.running = true
	return nil
}

// Stop halts the timer and waits for a running tick. Pending buckets are left
// in the store for the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	s.logger.Info("Stopping digest scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()

	for _, e := range s.cron.Entries() {
		s.cron.Remove(e.ID)
	}
	s.running = false
}
