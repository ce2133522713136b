package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/queue"
)

const (
	AlertStreamName    = "MAINTENANCE_ALERTS"
	AlertSubjectPrefix = "maintenance.alert."
)

// AlertManager evaluates alert rules against dead-lettered jobs and
// published engine metrics
type AlertManager struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	rules  sync.Map

	mu           sync.Mutex
	lastFailures map[string]int64
	firing       map[string]bool

	subs []*nats.Subscription
}

// NewAlertManager creates a new alert manager and its stream
func NewAlertManager(js nats.JetStreamContext, logger *zap.Logger) (*AlertManager, error) {
	_, err := js.StreamInfo(AlertStreamName)
	if errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:     AlertStreamName,
			Subjects: []string{AlertSubjectPrefix + "*"},
			MaxAge:   7 * 24 * time.Hour,
			Storage:  nats.FileStorage,
		})
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to setup alert stream")
	}
	if err := ensureMetricsStream(js); err != nil {
		return nil, err
	}

	return &AlertManager{
		logger:       logger.Named("alert-manager"),
		js:           js,
		lastFailures: make(map[string]int64),
		firing:       make(map[string]bool),
	}, nil
}

// Start subscribes to dead letters and metrics
func (m *AlertManager) Start(ctx context.Context) error {
	deadLetters, err := m.js.Subscribe(queue.DeadLetterSubject, m.handleDeadLetter, nats.DeliverNew())
	if err != nil {
		return errors.Wrap(err, "failed to subscribe to dead letters")
	}
	metrics, err := m.js.Subscribe(MetricsSubjectPrefix+"*", m.handleMetrics, nats.DeliverNew())
	if err != nil {
		_ = deadLetters.Unsubscribe()
		return errors.Wrap(err, "failed to subscribe to metrics")
	}
	m.subs = []*nats.Subscription{deadLetters, metrics}

	m.logger.Info("Alert manager started")
	return nil
}

// Stop stops the alert manager
func (m *AlertManager) Stop() {
	for _, sub := range m.subs {
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	m.subs = nil
}

// GetRule returns a rule by ID
func (m *AlertManager) GetRule(id string) (*model.AlertRule, error) {
	value, ok := m.rules.Load(id)
	if !ok {
		return nil, errors.Wrapf(errors.ErrNotFound, "alert rule %s", id)
	}
	return value.(*model.AlertRule), nil
}

// AddRule adds a new alert rule
func (m *AlertManager) AddRule(rule *model.AlertRule) error {
	switch rule.Type {
	case model.AlertTypeJobFailure, model.AlertTypePendingBacklog, model.AlertTypeTaskFailures:
	default:
		return errors.Wrapf(errors.ErrInvalidRequest, "unknown alert type %q", rule.Type)
	}
	if rule.Threshold < 0 {
		return errors.Wrap(errors.ErrInvalidRequest, "alert threshold must not be negative")
	}
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Severity == "" {
		rule.Severity = model.AlertSeverityWarning
	}
	rule.CreatedAt = time.Now().UTC()
	rule.UpdatedAt = rule.CreatedAt
	m.rules.Store(rule.ID, rule)
	return nil
}

// UpdateRule updates an existing alert rule
func (m *AlertManager) UpdateRule(rule *model.AlertRule) error {
	if _, ok := m.rules.Load(rule.ID); !ok {
		return errors.Wrapf(errors.ErrNotFound, "alert rule %s", rule.ID)
	}
	rule.UpdatedAt = time.Now().UTC()
	m.rules.Store(rule.ID, rule)
	return nil
}

// DeleteRule deletes an alert rule
func (m *AlertManager) DeleteRule(id string) error {
	if _, ok := m.rules.Load(id); !ok {
		return errors.Wrapf(errors.ErrNotFound, "alert rule %s", id)
	}
	m.rules.Delete(id)
	return nil
}

func (m *AlertManager) rulesOfType(t model.AlertType) []*model.AlertRule {
	var rules []*model.AlertRule
	m.rules.Range(func(key, value interface{}) bool {
		rule := value.(*model.AlertRule)
		if rule.Type == t && !rule.Silenced {
			rules = append(rules, rule)
		}
		return true
	})
	return rules
}

// createAlert creates and publishes a new alert
func (m *AlertManager) createAlert(rule *model.AlertRule, message string, data map[string]interface{}) (*model.Alert, error) {
	alert := &model.Alert{
		ID:        uuid.New().String(),
		RuleID:    rule.ID,
		Type:      rule.Type,
		Severity:  rule.Severity,
		Message:   message,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	alertData, err := json.Marshal(alert)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal alert")
	}

	if _, err := m.js.Publish(AlertSubjectPrefix+string(alert.Type), alertData); err != nil {
		return nil, errors.Wrap(err, "failed to publish alert")
	}

	m.logger.Info("Alert created",
		zap.String("id", alert.ID),
		zap.String("rule_id", alert.RuleID),
		zap.String("type", string(alert.Type)),
		zap.String("severity", string(alert.Severity)))

	return alert, nil
}

func (m *AlertManager) raise(rule *model.AlertRule, message string, data map[string]interface{}) {
	if _, err := m.createAlert(rule, message, data); err != nil {
		m.logger.Error("Failed to create alert", zap.String("rule_id", rule.ID), zap.Error(err))
	}
}

// handleDeadLetter raises job failure alerts
func (m *AlertManager) handleDeadLetter(msg *nats.Msg) {
	var letter queue.DeadLetter
	if err := json.Unmarshal(msg.Data, &letter); err != nil {
		m.logger.Error("Failed to unmarshal dead letter", zap.Error(err))
		return
	}

	data := map[string]interface{}{
		"subject": letter.Subject,
		"error":   letter.Error,
	}
	if letter.Job != nil {
		data["schedule_id"] = letter.Job.ScheduleID
		data["organization_id"] = letter.Job.OrganizationID
	}

	for _, rule := range m.rulesOfType(model.AlertTypeJobFailure) {
		m.raise(rule, fmt.Sprintf("Maintenance job failed: %s", letter.Error), data)
	}
}

// handleMetrics evaluates threshold rules against one instance snapshot
func (m *AlertManager) handleMetrics(msg *nats.Msg) {
	var stats model.EngineStats
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		m.logger.Error("Failed to unmarshal metrics", zap.Error(err))
		return
	}
	instance := strings.TrimPrefix(msg.Subject, MetricsSubjectPrefix)

	for _, rule := range m.rulesOfType(model.AlertTypePendingBacklog) {
		// Only the transition into the backlog state alerts
		over := float64(stats.PendingOccurrences) > rule.Threshold
		key := rule.ID + "/" + instance
		m.mu.Lock()
		wasFiring := m.firing[key]
		m.firing[key] = over
		m.mu.Unlock()

		if over && !wasFiring {
			m.raise(rule, fmt.Sprintf("%d occurrences pending on %s", stats.PendingOccurrences, instance),
				map[string]interface{}{
					"instance":            instance,
					"pending_occurrences": stats.PendingOccurrences,
				})
		}
	}

	m.mu.Lock()
	previous, seen := m.lastFailures[instance]
	m.lastFailures[instance] = stats.TaskFailures
	m.mu.Unlock()
	if !seen || stats.TaskFailures < previous {
		// First snapshot or restarted instance
		return
	}

	delta := stats.TaskFailures - previous
	for _, rule := range m.rulesOfType(model.AlertTypeTaskFailures) {
		if float64(delta) > rule.Threshold {
			m.raise(rule, fmt.Sprintf("%d task creations failed on %s", delta, instance),
				map[string]interface{}{
					"instance":      instance,
					"task_failures": delta,
				})
		}
	}
}
