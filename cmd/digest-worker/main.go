package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"practice-portal/notification-service/internal/bootstrap"
	"practice-portal/notification-service/internal/config"
	"practice-portal/notification-service/internal/digest"
	"practice-portal/notification-service/internal/events"
	"practice-portal/notification-service/internal/metrics"
)

// DigestWorker flushes due digest buckets from shared storage, so that API
// replicas can run with the scheduler disabled.
type DigestWorker struct {
	scheduler *digest.Scheduler
	logger    *zap.Logger
}

func NewDigestWorker(scheduler *digest.Scheduler, logger *zap.Logger) *DigestWorker {
	return &DigestWorker{scheduler: scheduler, logger: logger}
}

// Start ticks on the scheduler's cron spec until ctx is done
func (w *DigestWorker) Start(ctx context.Context) error {
	if err := w.scheduler.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	w.logger.Info("Digest worker shutting down")
	w.scheduler.Stop()
	return nil
}

// RunOnce flushes whatever is due now and returns
func (w *DigestWorker) RunOnce(ctx context.Context) error {
	n, err := w.scheduler.Tick(ctx, time.Now())
	w.logger.Info("Digest pass finished", zap.Int("flushed", n))
	return err
}

// logBatches records every flushed batch
func logBatches(bus *events.Bus, logger *zap.Logger) func() {
	return events.Subscribe(bus, digest.TopicBatch, func(_ context.Context, b digest.Batch) error {
		logger.Info("Digest batch flushed",
			zap.String("batch_id", b.ID),
			zap.String("user_id", b.UserID),
			zap.String("bucket", b.BucketKey),
			zap.Int("items", len(b.Items)))
		return nil
	})
}

func main() {
	configPath := flag.String("config", "config.json", "path to the JSON config file")
	once := flag.Bool("once", false, "flush due buckets once and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := bootstrap.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, *once, logger); err != nil {
		logger.Fatal("Digest worker failed", zap.Error(err))
	}
	logger.Info("Digest worker stopped")
}

func run(cfg *config.Config, once bool, logger *zap.Logger) error {
	if cfg.Storage.Driver != config.StoragePostgres {
		logger.Warn("Digest worker is using in-memory storage; it will not see buckets queued by the API")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedulerCfg, err := bootstrap.SchedulerConfig(cfg.Digest)
	if err != nil {
		return err
	}
	stores, err := bootstrap.OpenStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stores.Close()

	bus := events.NewBus()
	defer logBatches(bus, logger)()

	if cfg.Redis.Enabled {
		relay, err := bootstrap.NewRelay(ctx, cfg.Redis, bus, logger)
		if err != nil {
			return err
		}
		defer relay.Close()
		bootstrap.Outbound(relay, digest.TopicBatch)
	} else {
		logger.Warn("Redis is disabled; flushed batches are only logged")
	}

	scheduler, err := digest.NewScheduler(stores.Buckets, events.NewBusSink(bus, digest.TopicBatch),
		schedulerCfg, metrics.New("digest_worker"), logger)
	if err != nil {
		return err
	}

	worker := NewDigestWorker(scheduler, logger)
	if once {
		return worker.RunOnce(ctx)
	}
	logger.Info("Digest worker starting", zap.String("tick", schedulerCfg.Tick))
	return worker.Start(ctx)
}
