// Package bootstrap builds the shared runtime pieces of the service
// binaries from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"practice-portal/notification-service/internal/catalog"
	"practice-portal/notification-service/internal/config"
	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/notifications"
	"practice-portal/notification-service/internal/settings"
	"practice-portal/notification-service/pkg/pubsub"
)

// NewLogger builds a production logger, or a development one when asked
func NewLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = level
	}
	return zc.Build()
}

// LoadCatalog returns the embedded catalog unless a file is configured
func LoadCatalog(cfg config.CatalogConfig) (*catalog.Catalog, error) {
	if cfg.Path == "" {
		return catalog.Default(), nil
	}
	return catalog.LoadFile(cfg.Path)
}

func BuildSchedule(cfg config.DigestConfig) (digest.Schedule, error) {
	s := digest.Schedule{Location: cfg.Location()}
	clocks := []struct {
		name  string
		value string
		dst   *settings.ClockTime
	}{
		{"beginning_of_day", cfg.BeginningOfDay, &s.BeginningOfDay},
		{"end_of_day", cfg.EndOfDay, &s.EndOfDay},
		{"weekly_at", cfg.WeeklyAt, &s.WeeklyAt},
	}
	for _, c := range clocks {
		v, err := settings.ParseClockTime(c.value)
		if err != nil {
			return digest.Schedule{}, fmt.Errorf("invalid digest %s: %w", c.name, err)
		}
		*c.dst = v
	}
	return s, nil
}

// SchedulerConfig combines the tick spec with the parsed schedule
func SchedulerConfig(cfg config.DigestConfig) (digest.SchedulerConfig, error) {
	schedule, err := BuildSchedule(cfg)
	if err != nil {
		return digest.SchedulerConfig{}, err
	}
	if err := digest.ParseTick(cfg.Tick); err != nil {
		return digest.SchedulerConfig{}, err
	}
	return digest.SchedulerConfig{Tick: cfg.Tick, Schedule: schedule}, nil
}

// Stores holds the persistence backends picked by the storage driver
type Stores struct {
	Settings settings.Repository
	Buckets  digest.BucketStore
	History  notifications.History

	closers []func() error
}

// Close releases the database pool, if any
func (s *Stores) Close() error {
	var errs []error
	for _, fn := range s.closers {
		errs = append(errs, fn())
	}
	return errors.Join(errs...)
}

// OpenStores connects and migrates the configured storage. The postgres
// driver shares one connection pool between sqlx and gorm.
func OpenStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Stores, error) {
	if cfg.Storage.Driver != config.StoragePostgres {
		logger.Info("Using in-memory storage")
		return &Stores{
			Settings: settings.NewMemoryRepository(),
			Buckets:  digest.NewMemoryStore(),
			History:  notifications.NewMemoryHistory(),
		}, nil
	}

	logger.Info("Connecting to database",
		zap.String("host", cfg.Database.Host),
		zap.String("db", cfg.Database.DBName))
	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Database.GetDatabaseURL())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConnections)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Database.MaxLifetime)

	stores, err := postgresStores(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return stores, nil
}

func postgresStores(ctx context.Context, db *sqlx.DB) (*Stores, error) {
	if err := settings.Migrate(ctx, db); err != nil {
		return nil, err
	}

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: db.DB}), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm: %w", err)
	}
	if err := digest.MigrateGorm(gdb); err != nil {
		return nil, err
	}
	if err := notifications.MigrateHistory(gdb); err != nil {
		return nil, err
	}

	return &Stores{
		Settings: settings.NewRepository(db),
		Buckets:  digest.NewGormStore(gdb),
		History:  notifications.NewGormHistory(gdb),
		closers:  []func() error{db.Close},
	}, nil
}

// Relay connects bus topics to redis channels so that several processes
// see each other's events.
type Relay struct {
	client goredis.UniversalClient
	cfg    config.RedisConfig
	bus    *events.Bus
	logger *zap.Logger

	mu     sync.Mutex
	unsubs []func()
	wg     sync.WaitGroup
}

func NewRelay(ctx context.Context, cfg config.RedisConfig, bus *events.Bus, logger *zap.Logger) (*Relay, error) {
	client, err := pubsub.NewClient(ctx, pubsub.Config{
		Addrs:    cfg.Addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err != nil {
		return nil, err
	}
	return newRelay(client, cfg, bus, logger), nil
}

func newRelay(client goredis.UniversalClient, cfg config.RedisConfig, bus *events.Bus, logger *zap.Logger) *Relay {
	return &Relay{client: client, cfg: cfg, bus: bus, logger: logger}
}

// Outbound publishes every value of topic to its redis channel
func Outbound[T any](r *Relay, topic events.Topic[T]) {
	ps := pubsub.NewTypedPubSub[T](r.client, r.logger)
	unsub := events.Mirror(r.bus, topic, ps, r.cfg.Channel(topic.Name))
	r.mu.Lock()
	r.unsubs = append(r.unsubs, unsub)
	r.mu.Unlock()
}

// Inbound publishes values from the topic's redis channel onto the bus until
// ctx is done. It returns once the redis subscription is active.
func Inbound[T any](ctx context.Context, r *Relay, topic events.Topic[T]) {
	ps := pubsub.NewTypedPubSub[T](r.client, r.logger)
	channel := r.cfg.Channel(topic.Name)
	ready := make(chan struct{})
	done := make(chan struct{})

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(done)
		if err := events.Ingest(ctx, r.bus, topic, ps, channel, ready); err != nil {
			r.logger.Error("Redis relay stopped", zap.String("channel", channel), zap.Error(err))
		}
	}()

	select {
	case <-ready:
		r.logger.Info("Relaying from redis", zap.String("channel", channel))
	case <-done:
	}
}

// Close detaches outbound topics, waits for inbound loops to see their
// context end and closes the client.
func (r *Relay) Close() error {
	r.mu.Lock()
	for _, fn := range r.unsubs {
		fn()
	}
	r.unsubs = nil
	r.mu.Unlock()

	r.wg.Wait()
	return r.client.Close()
}
