package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/metrics"
)

// TopicDeleted carries the id of a user whose settings were removed
var TopicDeleted = events.NewTopic[string]("settings.deleted")

// Store owns the persisted settings of every user and a cache of the latest
// snapshot per user. Snapshots handed out are never modified in place.
type Store struct {
	repo     Repository
	catalog  *catalog.Catalog
	resolver *Resolver
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// writeMu serializes read-modify-write cycles
	writeMu sync.Mutex

	mu    sync.RWMutex
	cache map[string]*UserNotificationSettings
}

func NewStore(repo Repository, cat *catalog.Catalog, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:     repo,
		catalog:  cat,
		resolver: NewResolver(cat),
		bus:      bus,
		metrics:  m,
		logger:   logger,
		cache:    make(map[string]*UserNotificationSettings),
	}
}

func (s *Store) Resolver() *Resolver { return s.resolver }

func (s *Store) Catalog() *catalog.Catalog { return s.catalog }

// Load returns the user's settings. A user with nothing stored gets generated
// defaults, which are persisted. A stored document that cannot be parsed is
// replaced in memory by defaults and overwritten on the next save.
func (s *Store) Load(ctx context.Context, userID string) (*UserNotificationSettings, error) {
	s.mu.RLock()
	cached, ok := s.cache[userID]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return s.load(ctx, userID)
}

func (s *Store) load(ctx context.Context, userID string) (*UserNotificationSettings, error) {
	rec, err := s.repo.Get(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.create(ctx, userID)
	case err != nil:
		return nil, err
	}

	settings, err := Decode(userID, rec.Payload, s.catalog)
	if err != nil {
		var perr *ParseError
		if !errors.As(err, &perr) {
			return nil, err
		}
		s.logger.Warn("Stored notification settings unreadable, using defaults",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		s.metrics.SettingsRecovered()
		settings = NewDefaultSettings(userID, s.catalog)
	}
	settings.Revision = rec.Version
	s.remember(settings)
	return settings, nil
}

func (s *Store) create(ctx context.Context, userID string) (*UserNotificationSettings, error) {
	settings := NewDefaultSettings(userID, s.catalog)
	payload, err := Encode(settings, s.catalog)
	if err != nil {
		return nil, err
	}

	version, err := s.repo.Put(ctx, userID, payload, 0)
	if errors.Is(err, ErrVersionConflict) {
		// created concurrently; read the winner
		return s.load(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	settings.Revision = version
	s.remember(settings)
	s.logger.Info("Generated default notification settings", zap.String("user_id", userID))
	return settings, nil
}

// Save persists settings written against the revision they were loaded at
func (s *Store) Save(ctx context.Context, settings *UserNotificationSettings) (*UserNotificationSettings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.save(ctx, settings)
}

func (s *Store) save(ctx context.Context, settings *UserNotificationSettings) (*UserNotificationSettings, error) {
	payload, err := Encode(settings, s.catalog)
	if err != nil {
		return nil, err
	}

	version, err := s.repo.Put(ctx, settings.UserID, payload, settings.Revision)
	if err != nil {
		if errors.Is(err, ErrVersionConflict) {
			s.forget(settings.UserID)
		}
		return nil, err
	}

	saved := settings.Clone()
	saved.Revision = version
	s.remember(saved)
	return saved, nil
}

// Mutate applies fn to the current snapshot and persists the result. fn must
// return a new value rather than modify its argument.
func (s *Store) Mutate(ctx context.Context, userID, operation string,
	fn func(*UserNotificationSettings) (*UserNotificationSettings, error)) (*UserNotificationSettings, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	out, err := s.mutate(ctx, userID, fn)
	s.metrics.SettingsMutation(operation, err)
	if err != nil {
		s.logger.Debug("Notification settings mutation rejected",
			zap.String("user_id", userID),
			zap.String("operation", operation),
			zap.Error(err),
		)
	}
	return out, err
}

func (s *Store) mutate(ctx context.Context, userID string,
	fn func(*UserNotificationSettings) (*UserNotificationSettings, error)) (*UserNotificationSettings, error) {
	current, err := s.Load(ctx, userID)
	if err != nil {
		return nil, err
	}
	next, err := fn(current)
	if err != nil {
		return nil, err
	}
	next.Revision = current.Revision
	return s.save(ctx, next)
}

// Reset replaces the user's settings with freshly generated defaults. The
// stored role survives.
func (s *Store) Reset(ctx context.Context, userID string) (*UserNotificationSettings, error) {
	return s.Mutate(ctx, userID, "reset", func(cur *UserNotificationSettings) (*UserNotificationSettings, error) {
		next := NewDefaultSettings(userID, s.catalog)
		if cur.Role != "" {
			next.Role = cur.Role
		}
		return next, nil
	})
}

// Delete removes the user's settings and announces the removal so pending
// digests can be dropped.
func (s *Store) Delete(ctx context.Context, userID string) error {
	s.writeMu.Lock()
	err := s.repo.Delete(ctx, userID)
	if err == nil {
		s.forget(userID)
	}
	s.writeMu.Unlock()
	if err != nil {
		return err
	}

	s.logger.Info("Deleted notification settings", zap.String("user_id", userID))
	if s.bus != nil {
		if err := events.Publish(ctx, s.bus, TopicDeleted, userID); err != nil {
			return fmt.Errorf("settings deleted but subscribers failed: %w", err)
		}
	}
	return nil
}

func (s *Store) remember(settings *UserNotificationSettings) {
	s.mu.Lock()
	s.cache[settings.UserID] = settings
	s.mu.Unlock()
}

func (s *Store) forget(userID string) {
	s.mu.Lock()
	delete(s.cache, userID)
	s.mu.Unlock()
}
