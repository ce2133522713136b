// Package queue is the delayed job queue behind the occurrence dispatcher,
// built on a NATS JetStream work-queue stream.
package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

const (
	JobStreamName        = "MAINTENANCE_JOBS"
	jobSubjectPrefix     = "maintenance.job."
	jobStreamSubjects    = "maintenance.job.*"
	DeadLetterStreamName = "MAINTENANCE_DEADLETTER"
	DeadLetterSubject    = "maintenance.deadletter"

	// NotBeforeHeader carries the earliest time a job may be handled
	NotBeforeHeader = "Maint-Not-Before"

	defaultConsumerGroup = "maintenance-workers"
	defaultConcurrency   = 4
	defaultAckWait       = 5 * time.Minute
	defaultMaxNakDelay   = time.Hour
	defaultDuplicates    = time.Hour
	operationTimeout     = 30 * time.Second
)

// Handler processes one job. A returned error is terminal for the job.
type Handler func(ctx context.Context, job model.ScheduleJob) error

// Config tunes the queue
type Config struct {
	ConsumerGroup string
	Concurrency   int
	AckWait       time.Duration
	// MaxNakDelay caps how long a not-yet-due job is held before it is
	// redelivered and re-checked
	MaxNakDelay time.Duration
	// MaxAckPending of -1 (the default) is unlimited. Jobs waiting for their
	// run time count as pending, so a small limit stalls delivery.
	MaxAckPending int
	Duplicates    time.Duration
	Storage       nats.StorageType
}

func (c *Config) setDefaults() {
	if c.ConsumerGroup == "" {
		c.ConsumerGroup = defaultConsumerGroup
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.AckWait <= 0 {
		c.AckWait = defaultAckWait
	}
	if c.MaxNakDelay <= 0 {
		c.MaxNakDelay = defaultMaxNakDelay
	}
	if c.MaxAckPending == 0 {
		c.MaxAckPending = -1
	}
	if c.Duplicates <= 0 {
		c.Duplicates = defaultDuplicates
	}
}

// DeadLetter is published for jobs whose handling failed
type DeadLetter struct {
	Subject  string             `json:"subject"`
	Job      *model.ScheduleJob `json:"job,omitempty"`
	Payload  json.RawMessage    `json:"payload,omitempty"`
	Error    string             `json:"error"`
	FailedAt time.Time          `json:"failed_at"`
}

// JetStreamQueue implements the scheduler's JobQueue on JetStream
type JetStreamQueue struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	cfg    Config
	now    func() time.Time

	mu     sync.Mutex
	sub    *nats.Subscription
	sem    chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewJetStreamQueue creates the queue and makes sure its streams exist
func NewJetStreamQueue(js nats.JetStreamContext, cfg Config, logger *zap.Logger) (*JetStreamQueue, error) {
	cfg.setDefaults()
	q := &JetStreamQueue{
		logger: logger.Named("queue"),
		js:     js,
		cfg:    cfg,
		now:    time.Now,
		sem:    make(chan struct{}, cfg.Concurrency),
	}

	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()

	if err := q.setupStreams(ctx); err != nil {
		return nil, errors.Wrap(err, "failed to setup streams")
	}
	return q, nil
}

func (q *JetStreamQueue) setupStreams(ctx context.Context) error {
	streams := []nats.StreamConfig{
		{
			Name:       JobStreamName,
			Subjects:   []string{jobStreamSubjects},
			Retention:  nats.WorkQueuePolicy,
			MaxMsgs:    -1,
			MaxBytes:   -1,
			Discard:    nats.DiscardOld,
			MaxMsgSize: 64 * 1024,
			Storage:    q.cfg.Storage,
			Replicas:   1,
			Duplicates: q.cfg.Duplicates,
		},
		{
			Name:      DeadLetterStreamName,
			Subjects:  []string{DeadLetterSubject},
			Retention: nats.LimitsPolicy,
			MaxAge:    30 * 24 * time.Hour,
			MaxMsgs:   -1,
			Storage:   q.cfg.Storage,
			Replicas:  1,
		},
	}

	for i := range streams {
		stream := streams[i]
		info, err := q.js.StreamInfo(stream.Name, nats.Context(ctx))
		if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
			return errors.Wrapf(err, "failed to get stream info for %s", stream.Name)
		}

		if info == nil {
			if _, err := q.js.AddStream(&stream, nats.Context(ctx)); err != nil {
				return errors.Wrapf(err, "failed to create stream %s", stream.Name)
			}
			q.logger.Info("Created stream", zap.String("name", stream.Name))
			continue
		}

		// Retention and storage cannot change on an existing stream
		config := info.Config
		config.Subjects = stream.Subjects
		config.Duplicates = stream.Duplicates
		config.MaxAge = stream.MaxAge
		if _, err := q.js.UpdateStream(&config, nats.Context(ctx)); err != nil {
			return errors.Wrapf(err, "failed to update stream %s", stream.Name)
		}
		q.logger.Info("Using existing stream", zap.String("name", stream.Name))
	}
	return nil
}

// Enqueue publishes a job that becomes due after delay. Enqueuing the same
// job for the same fire time twice within the duplicate window stores it
// once.
func (q *JetStreamQueue) Enqueue(ctx context.Context, job model.ScheduleJob, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "failed to marshal job")
	}

	if delay < 0 {
		delay = 0
	}
	fireAt := q.now().Add(delay).UTC()

	msg := nats.NewMsg(jobSubjectPrefix + string(job.Type))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, job.DedupKey(fireAt))
	msg.Header.Set(NotBeforeHeader, fireAt.Format(time.RFC3339Nano))

	ack, err := q.js.PublishMsg(msg, nats.Context(ctx))
	if err != nil {
		return errors.Wrap(err, "failed to publish job")
	}

	q.logger.Debug("Enqueued job",
		zap.String("schedule_id", job.ScheduleID),
		zap.String("job_type", string(job.Type)),
		zap.Time("fire_at", fireAt),
		zap.Bool("duplicate", ack.Duplicate))
	return nil
}

// Start consumes jobs with the handler until ctx is done or Stop is called
func (q *JetStreamQueue) Start(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.sub != nil {
		return errors.New("queue consumer already started")
	}

	if err := q.ensureConsumer(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub, err := q.js.QueueSubscribe(
		jobStreamSubjects,
		q.cfg.ConsumerGroup,
		func(msg *nats.Msg) {
			q.handleMsg(ctx, msg, handler)
		},
		nats.Bind(JobStreamName, q.cfg.ConsumerGroup),
		nats.ManualAck(),
	)
	if err != nil {
		cancel()
		return errors.Wrap(err, "failed to subscribe to jobs")
	}

	q.sub = sub
	q.cancel = cancel
	q.logger.Info("Started job consumer",
		zap.String("consumer", q.cfg.ConsumerGroup),
		zap.Int("concurrency", q.cfg.Concurrency))
	return nil
}

// ensureConsumer creates the durable consumer up front so that it survives
// unsubscribing
func (q *JetStreamQueue) ensureConsumer() error {
	_, err := q.js.ConsumerInfo(JobStreamName, q.cfg.ConsumerGroup)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrConsumerNotFound) {
		return errors.Wrap(err, "failed to get consumer info")
	}

	_, err = q.js.AddConsumer(JobStreamName, &nats.ConsumerConfig{
		Durable:        q.cfg.ConsumerGroup,
		DeliverSubject: nats.NewInbox(),
		DeliverGroup:   q.cfg.ConsumerGroup,
		DeliverPolicy:  nats.DeliverAllPolicy,
		AckPolicy:      nats.AckExplicitPolicy,
		AckWait:        q.cfg.AckWait,
		MaxDeliver:     -1,
		MaxAckPending:  q.cfg.MaxAckPending,
		FilterSubject:  jobStreamSubjects,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create consumer")
	}
	q.logger.Info("Created consumer", zap.String("name", q.cfg.ConsumerGroup))
	return nil
}

// Stop stops consuming and waits for running handlers
func (q *JetStreamQueue) Stop() {
	q.mu.Lock()
	sub, cancel := q.sub, q.cancel
	q.sub, q.cancel = nil, nil
	q.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil {
			q.logger.Warn("Failed to unsubscribe", zap.Error(err))
		}
	}
	q.wg.Wait()
	if cancel != nil {
		cancel()
	}
}

func (q *JetStreamQueue) handleMsg(ctx context.Context, msg *nats.Msg, handler Handler) {
	if remaining := q.untilDue(msg); remaining > 0 {
		if remaining > q.cfg.MaxNakDelay {
			remaining = q.cfg.MaxNakDelay
		}
		if err := msg.NakWithDelay(remaining); err != nil {
			q.logger.Error("Failed to delay job", zap.Error(err))
		}
		return
	}

	var job model.ScheduleJob
	if err := json.Unmarshal(msg.Data, &job); err != nil {
		q.logger.Error("Failed to unmarshal job", zap.Error(err))
		q.deadLetter(msg, nil, err)
		return
	}

	select {
	case q.sem <- struct{}{}:
	case <-ctx.Done():
		// Redelivered after AckWait
		return
	}

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer func() { <-q.sem }()

		if err := handler(ctx, job); err != nil {
			q.logger.Error("Job failed",
				zap.String("schedule_id", job.ScheduleID),
				zap.String("job_type", string(job.Type)),
				zap.Error(err))
			q.deadLetter(msg, &job, err)
			return
		}

		if err := msg.Ack(); err != nil {
			q.logger.Error("Failed to acknowledge job", zap.Error(err))
		}
	}()
}

// untilDue returns how long until the message may be handled
func (q *JetStreamQueue) untilDue(msg *nats.Msg) time.Duration {
	value := msg.Header.Get(NotBeforeHeader)
	if value == "" {
		return 0
	}
	notBefore, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		q.logger.Warn("Ignoring malformed not-before header", zap.String("value", value))
		return 0
	}
	return notBefore.Sub(q.now())
}

// deadLetter records a failed job and terminates it so it is never redelivered
func (q *JetStreamQueue) deadLetter(msg *nats.Msg, job *model.ScheduleJob, cause error) {
	letter := DeadLetter{
		Subject:  msg.Subject,
		Job:      job,
		Error:    cause.Error(),
		FailedAt: q.now().UTC(),
	}
	if job == nil {
		letter.Payload = json.RawMessage(msg.Data)
		if !json.Valid(msg.Data) {
			quoted, _ := json.Marshal(string(msg.Data))
			letter.Payload = quoted
		}
	}

	data, err := json.Marshal(letter)
	if err != nil {
		q.logger.Error("Failed to marshal dead letter", zap.Error(err))
	} else if _, err := q.js.Publish(DeadLetterSubject, data); err != nil {
		q.logger.Error("Failed to publish to dead letter queue", zap.Error(err))
	}

	if err := msg.Term(); err != nil {
		q.logger.Error("Failed to terminate job", zap.Error(err))
	}
}
