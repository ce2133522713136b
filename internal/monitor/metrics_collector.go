package monitor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

const (
	MetricsStreamName    = "MAINTENANCE_METRICS"
	MetricsSubjectPrefix = "maintenance.metrics."
)

// StatsSource is the engine whose counters are published
type StatsSource interface {
	Stats() model.EngineStats
	PendingCount(ctx context.Context, orgID string) (int, error)
}

// MetricsCollector publishes this instance's engine and host stats and keeps
// the latest snapshot of every instance publishing to the same stream
type MetricsCollector struct {
	logger   *zap.Logger
	js       nats.JetStreamContext
	source   StatsSource
	instance string
	interval time.Duration

	mu       sync.RWMutex
	metrics  map[string]*model.EngineStats
	sub      *nats.Subscription
	stop     chan struct{}
	stopOnce sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(js nats.JetStreamContext, source StatsSource, instance string, interval time.Duration, logger *zap.Logger) (*MetricsCollector, error) {
	if instance == "" || strings.ContainsAny(instance, ".*> ") {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "invalid instance name %q", instance)
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if err := ensureMetricsStream(js); err != nil {
		return nil, err
	}

	return &MetricsCollector{
		logger:   logger.Named("metrics-collector"),
		js:       js,
		source:   source,
		instance: instance,
		interval: interval,
		metrics:  make(map[string]*model.EngineStats),
		stop:     make(chan struct{}),
	}, nil
}

func ensureMetricsStream(js nats.JetStreamContext) error {
	_, err := js.StreamInfo(MetricsStreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:              MetricsStreamName,
			Subjects:          []string{MetricsSubjectPrefix + "*"},
			Retention:         nats.LimitsPolicy,
			MaxAge:            24 * time.Hour,
			MaxMsgsPerSubject: 100,
			Storage:           nats.MemoryStorage,
		})
	}
	return errors.Wrap(err, "failed to setup metrics stream")
}

// Start starts the metrics collector
func (c *MetricsCollector) Start(ctx context.Context) error {
	c.logger.Info("Starting metrics collector", zap.String("instance", c.instance))

	sub, err := c.js.Subscribe(MetricsSubjectPrefix+"*", c.handleInstanceStats, nats.DeliverLastPerSubject())
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to instance metrics")
	}
	c.sub = sub

	go c.collectLoop(ctx)

	return nil
}

// Stop stops the metrics collector
func (c *MetricsCollector) Stop() {
	c.stopOnce.Do(func() {
		c.logger.Info("Stopping metrics collector")
		close(c.stop)
		if c.sub != nil {
			if err := c.sub.Unsubscribe(); err != nil {
				c.logger.Warn("Failed to unsubscribe from metrics", zap.Error(err))
			}
		}
	})
}

// handleInstanceStats records the latest stats of one instance
// Subject format: maintenance.metrics.<instance>
func (c *MetricsCollector) handleInstanceStats(msg *nats.Msg) {
	var stats model.EngineStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		c.logger.Error("Failed to unmarshal instance stats", zap.Error(err))
		return
	}

	instance := strings.TrimPrefix(msg.Subject, MetricsSubjectPrefix)
	if instance == "" || instance == msg.Subject {
		c.logger.Error("Invalid metrics subject", zap.String("subject", msg.Subject))
		return
	}

	c.mu.Lock()
	c.metrics[instance] = &stats
	c.mu.Unlock()
}

func (c *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			if _, err := c.Collect(ctx); err != nil {
				c.logger.Error("Failed to collect metrics", zap.Error(err))
			}
		}
	}
}

// Collect takes a snapshot and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*model.EngineStats, error) {
	stats := c.source.Stats()
	stats.Instance = c.instance
	stats.CollectedAt = time.Now().UTC()

	pending, err := c.source.PendingCount(ctx, "")
	if err != nil {
		c.logger.Warn("Failed to count pending occurrences", zap.Error(err))
	} else {
		stats.PendingOccurrences = pending
	}

	// Host stats are best-effort
	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		c.logger.Warn("Failed to get CPU usage", zap.Error(err))
	} else if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}
	if memInfo, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		c.logger.Warn("Failed to get memory usage", zap.Error(err))
	} else {
		stats.MemoryUsage = memInfo.UsedPercent
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metrics")
	}

	if _, err := c.js.Publish(MetricsSubjectPrefix+c.instance, data, nats.Context(ctx)); err != nil {
		return nil, errors.Wrap(err, "failed to publish metrics")
	}

	c.logger.Debug("Metrics collected",
		zap.Int64("occurrences_processed", stats.OccurrencesProcessed),
		zap.Int("pending_occurrences", stats.PendingOccurrences),
		zap.Float64("cpu_usage", stats.CPUUsage),
		zap.Float64("memory_usage", stats.MemoryUsage))
	return &stats, nil
}

// GetMetrics returns the latest stats per instance
func (c *MetricsCollector) GetMetrics() map[string]*model.EngineStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	metrics := make(map[string]*model.EngineStats, len(c.metrics))
	for id, stats := range c.metrics {
		metrics[id] = stats
	}
	return metrics
}
