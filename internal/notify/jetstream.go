// Package notify delivers user notifications for generated maintenance tasks
// by publishing them to a JetStream stream read by the notification service.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

const (
	StreamName    = "MAINTENANCE_NOTIFICATIONS"
	SubjectPrefix = "maintenance.notification."

	defaultMaxAge = 7 * 24 * time.Hour
)

// Config tunes the notification stream
type Config struct {
	MaxAge  time.Duration
	Storage nats.StorageType
}

// JetStreamNotifier publishes notifications to maintenance.notification.<type>
type JetStreamNotifier struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	now    func() time.Time
}

// NewJetStreamNotifier creates the notifier and makes sure its stream exists
func NewJetStreamNotifier(js nats.JetStreamContext, cfg Config, logger *zap.Logger) (*JetStreamNotifier, error) {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	n := &JetStreamNotifier{
		logger: logger.Named("notify"),
		js:     js,
		now:    time.Now,
	}

	stream := &nats.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Retention:  nats.LimitsPolicy,
		MaxAge:     cfg.MaxAge,
		Storage:    cfg.Storage,
		Replicas:   1,
		Duplicates: time.Hour,
	}

	_, err := js.StreamInfo(StreamName)
	switch {
	case errors.Is(err, nats.ErrStreamNotFound):
		if _, err := js.AddStream(stream); err != nil {
			return nil, errors.Wrap(err, "failed to create notification stream")
		}
		n.logger.Info("Created stream", zap.String("name", StreamName))
	case err != nil:
		return nil, errors.Wrap(err, "failed to get notification stream info")
	default:
		if _, err := js.UpdateStream(stream); err != nil {
			return nil, errors.Wrap(err, "failed to update notification stream")
		}
	}

	return n, nil
}

// CreateNotification publishes one notification. The notification id doubles
// as the message id, so a re-published notification is stored once.
func (n *JetStreamNotifier) CreateNotification(ctx context.Context, notification model.Notification) error {
	if notification.UserID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "notification has no recipient")
	}
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = n.now().UTC()
	}

	data, err := json.Marshal(notification)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	msg := nats.NewMsg(SubjectPrefix + string(notification.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, notification.ID)

	if _, err := n.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return errors.Wrapf(err, "failed to publish notification for user %s", notification.UserID)
	}

	n.logger.Debug("Published notification",
		zap.String("notification_id", notification.ID),
		zap.String("user_id", notification.UserID),
		zap.String("type", string(notification.Type)))
	return nil
}
