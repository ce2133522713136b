package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/maintenance-scheduler/internal/config"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/monitor"
	"github.com/t77yq/maintenance-scheduler/internal/notify"
	"github.com/t77yq/maintenance-scheduler/internal/queue"
	"github.com/t77yq/maintenance-scheduler/internal/scheduler"
	"github.com/t77yq/maintenance-scheduler/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	nc := connectNATS(cfg, logger)
	defer nc.Close()

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	store, err := storage.NewSQLiteStore(logger, cfg.Database.Path)
	if err != nil {
		logger.Fatal("Failed to open schedule store", zap.Error(err))
	}
	defer store.Close()

	streamStorage := nats.FileStorage
	if cfg.NATS.Storage == "memory" {
		streamStorage = nats.MemoryStorage
	}

	jobQueue, err := queue.NewJetStreamQueue(js, queue.Config{
		ConsumerGroup: cfg.Queue.ConsumerGroup,
		Concurrency:   cfg.Worker.Concurrency,
		AckWait:       cfg.Queue.AckWait,
		MaxNakDelay:   cfg.Queue.MaxNakDelay,
		MaxAckPending: cfg.Queue.MaxAckPending,
		Duplicates:    cfg.Queue.Duplicates,
		Storage:       streamStorage,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create job queue", zap.Error(err))
	}

	notifier, err := notify.NewJetStreamNotifier(js, notify.Config{Storage: streamStorage}, logger)
	if err != nil {
		logger.Fatal("Failed to create notifier", zap.Error(err))
	}

	engine, err := scheduler.NewEngine(scheduler.Dependencies{
		Store:    store,
		Queue:    jobQueue,
		Tasks:    store,
		Notifier: notifier,
		Clock:    scheduler.SystemClock{},
	}, scheduler.Config{SweepConcurrency: cfg.Sweep.Concurrency}, logger)
	if err != nil {
		logger.Fatal("Failed to create scheduling engine", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := jobQueue.Start(ctx, engine.ProcessJob); err != nil {
		logger.Fatal("Failed to start job consumer", zap.Error(err))
	}

	var recovery *scheduler.RecoveryCron
	if cfg.Sweep.Enabled {
		recovery, err = scheduler.NewRecoveryCron(engine, cfg.Sweep.Schedule, cfg.Sweep.Timeout, logger)
		if err != nil {
			logger.Fatal("Failed to create recovery sweep", zap.Error(err))
		}
		if err := recovery.Start(ctx); err != nil {
			logger.Fatal("Failed to start recovery sweep", zap.Error(err))
		}
		if cfg.Sweep.OnStartup {
			// Catch up on occurrences that came due while no worker was running
			go func() {
				if _, err := recovery.RunNow(ctx); err != nil {
					logger.Error("Startup sweep failed", zap.Error(err))
				}
			}()
		}
	}

	var (
		collector *monitor.MetricsCollector
		alerts    *monitor.AlertManager
	)
	if cfg.Metrics.Enabled {
		collector, err = monitor.NewMetricsCollector(js, engine, cfg.App.Instance, cfg.Metrics.Interval, logger)
		if err != nil {
			logger.Fatal("Failed to create metrics collector", zap.Error(err))
		}
		if err := collector.Start(ctx); err != nil {
			logger.Fatal("Failed to start metrics collector", zap.Error(err))
		}

		if cfg.Metrics.Alerts {
			alerts = startAlerts(ctx, js, cfg.Metrics, logger)
		}
	}

	logger.Info("Maintenance scheduler started",
		zap.String("instance", cfg.App.Instance),
		zap.String("consumer_group", cfg.Queue.ConsumerGroup),
		zap.Int("concurrency", cfg.Worker.Concurrency))

	<-ctx.Done()

	logger.Info("Shutting down")

	if recovery != nil {
		recovery.Stop()
	}

	done := make(chan struct{})
	go func() {
		jobQueue.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		logger.Warn("Shutdown timeout reached, in-flight jobs will be redelivered")
	}

	if collector != nil {
		collector.Stop()
	}
	if alerts != nil {
		alerts.Stop()
	}

	stats := engine.Stats()
	logger.Info("Server shut down gracefully",
		zap.Int64("occurrences_processed", stats.OccurrencesProcessed),
		zap.Int64("tasks_created", stats.TasksCreated),
		zap.Int64("jobs_skipped", stats.JobsSkipped))
}

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		zapCfg.Level = zap.NewAtomicLevelAt(level)
	}
	return zapCfg.Build()
}

func connectNATS(cfg *config.Config, logger *zap.Logger) *nats.Conn {
	opts := []nats.Option{
		nats.Name(cfg.App.Name + "/" + cfg.App.Instance),
		nats.MaxReconnects(cfg.NATS.MaxReconnects),
		nats.ReconnectWait(cfg.NATS.ReconnectWait),
		nats.Timeout(cfg.NATS.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	var (
		nc  *nats.Conn
		err error
	)
	retries := cfg.NATS.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(cfg.NATS.URL, opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))
	return nc
}

func startAlerts(ctx context.Context, js nats.JetStreamContext, cfg config.MetricsConfig, logger *zap.Logger) *monitor.AlertManager {
	alerts, err := monitor.NewAlertManager(js, logger)
	if err != nil {
		logger.Fatal("Failed to create alert manager", zap.Error(err))
	}

	rules := []*model.AlertRule{
		{Name: "Dead-lettered job", Type: model.AlertTypeJobFailure, Severity: model.AlertSeverityCritical},
		{Name: "Pending occurrence backlog", Type: model.AlertTypePendingBacklog, Threshold: cfg.PendingThreshold},
		{Name: "Task creation failures", Type: model.AlertTypeTaskFailures, Threshold: cfg.TaskFailureIncrease},
	}
	for _, rule := range rules {
		if err := alerts.AddRule(rule); err != nil {
			logger.Fatal("Failed to add alert rule", zap.String("rule", rule.Name), zap.Error(err))
		}
	}

	if err := alerts.Start(ctx); err != nil {
		logger.Fatal("Failed to start alert manager", zap.Error(err))
	}
	return alerts
}
