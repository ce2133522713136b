package monitor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/queue"
	"github.com/t77yq/maintenance-scheduler/internal/testutil"
)

func metricsMsg(t *testing.T, instance string, stats model.EngineStats) *nats.Msg {
	t.Helper()
	data, err := json.Marshal(stats)
	require.NoError(t, err)
	return &nats.Msg{Subject: MetricsSubjectPrefix + instance, Data: data}
}

func TestAlertRules(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	m, err := NewAlertManager(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	rule := &model.AlertRule{Name: "Backlog", Type: model.AlertTypePendingBacklog, Threshold: 10}
	require.NoError(t, m.AddRule(rule))
	assert.NotEmpty(t, rule.ID)
	assert.Equal(t, model.AlertSeverityWarning, rule.Severity)

	got, err := m.GetRule(rule.ID)
	require.NoError(t, err)
	assert.Equal(t, "Backlog", got.Name)

	assert.True(t, errors.Is(m.AddRule(&model.AlertRule{Type: "disk_full"}), errors.ErrInvalidRequest))
	assert.True(t, errors.Is(m.AddRule(&model.AlertRule{Type: model.AlertTypeTaskFailures, Threshold: -1}), errors.ErrInvalidRequest))

	rule.Threshold = 20
	require.NoError(t, m.UpdateRule(rule))
	assert.True(t, errors.IsNotFound(m.UpdateRule(&model.AlertRule{ID: "missing"})))

	require.NoError(t, m.DeleteRule(rule.ID))
	_, err = m.GetRule(rule.ID)
	assert.True(t, errors.IsNotFound(err))
	assert.True(t, errors.IsNotFound(m.DeleteRule(rule.ID)))
}

func TestAlertEvaluation(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	m, err := NewAlertManager(js, zaptest.NewLogger(t))
	require.NoError(t, err)

	t.Run("Pending backlog alerts on transition", func(t *testing.T) {
		require.NoError(t, m.AddRule(&model.AlertRule{
			ID:        "backlog",
			Type:      model.AlertTypePendingBacklog,
			Threshold: 10,
			Severity:  model.AlertSeverityCritical,
		}))

		m.handleMetrics(metricsMsg(t, "node-1", model.EngineStats{PendingOccurrences: 5}))
		m.handleMetrics(metricsMsg(t, "node-1", model.EngineStats{PendingOccurrences: 15}))
		m.handleMetrics(metricsMsg(t, "node-1", model.EngineStats{PendingOccurrences: 25}))

		msg := testutil.NextMessage(t, js, AlertSubjectPrefix+string(model.AlertTypePendingBacklog), 5*time.Second)
		var alert model.Alert
		require.NoError(t, json.Unmarshal(msg.Data, &alert))
		assert.Equal(t, "backlog", alert.RuleID)
		assert.Equal(t, model.AlertSeverityCritical, alert.Severity)
		assert.EqualValues(t, 15, alert.Data["pending_occurrences"])

		assert.Equal(t, uint64(1), testutil.CountMessages(t, js, AlertStreamName))
	})

	t.Run("Task failures alert on growth", func(t *testing.T) {
		before := testutil.CountMessages(t, js, AlertStreamName)
		require.NoError(t, m.AddRule(&model.AlertRule{ID: "failures", Type: model.AlertTypeTaskFailures}))

		m.handleMetrics(metricsMsg(t, "node-2", model.EngineStats{TaskFailures: 3}))
		m.handleMetrics(metricsMsg(t, "node-2", model.EngineStats{TaskFailures: 3}))
		assert.Equal(t, before, testutil.CountMessages(t, js, AlertStreamName))

		m.handleMetrics(metricsMsg(t, "node-2", model.EngineStats{TaskFailures: 5}))
		assert.Equal(t, before+1, testutil.CountMessages(t, js, AlertStreamName))

		// A restarted instance resets its counters
		m.handleMetrics(metricsMsg(t, "node-2", model.EngineStats{TaskFailures: 0}))
		assert.Equal(t, before+1, testutil.CountMessages(t, js, AlertStreamName))
	})

	t.Run("Silenced rules do not alert", func(t *testing.T) {
		before := testutil.CountMessages(t, js, AlertStreamName)
		require.NoError(t, m.AddRule(&model.AlertRule{ID: "quiet", Type: model.AlertTypeJobFailure, Silenced: true}))

		data, err := json.Marshal(queue.DeadLetter{Subject: "maintenance.job.process-schedule", Error: "boom"})
		require.NoError(t, err)
		m.handleDeadLetter(&nats.Msg{Data: data})
		assert.Equal(t, before, testutil.CountMessages(t, js, AlertStreamName))
	})
}

func TestAlertManagerDeadLetters(t *testing.T) {
	js, cleanup := testutil.SetupJetStream(t)
	defer cleanup()

	_, err := queue.NewJetStreamQueue(js, queue.Config{Storage: nats.MemoryStorage}, zaptest.NewLogger(t))
	require.NoError(t, err)

	m, err := NewAlertManager(js, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, m.AddRule(&model.AlertRule{ID: "jobs", Type: model.AlertTypeJobFailure}))
	require.NoError(t, m.Start(context.Background()))
	defer m.Stop()

	data, err := json.Marshal(queue.DeadLetter{
		Subject: "maintenance.job.process-schedule",
		Job:     &model.ScheduleJob{ScheduleID: "sched-1", OrganizationID: "org-1"},
		Error:   "database is locked",
	})
	require.NoError(t, err)
	_, err = js.Publish(queue.DeadLetterSubject, data)
	require.NoError(t, err)

	msg := testutil.NextMessage(t, js, AlertSubjectPrefix+string(model.AlertTypeJobFailure), 5*time.Second)
	var alert model.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &alert))
	assert.Equal(t, "jobs", alert.RuleID)
	assert.Equal(t, "sched-1", alert.Data["schedule_id"])
	assert.Contains(t, alert.Message, "database is locked")
}
