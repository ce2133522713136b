package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

// DefaultSweepExpression runs the recovery sweep every five minutes
const DefaultSweepExpression = "0 */5 * * * *"

// Sweeper runs a recovery sweep
type Sweeper interface {
	ProcessPendingOccurrences(ctx context.Context, orgID string) (*SweepReport, error)
}

// RecoveryCron periodically sweeps every organization for occurrences the
// queue never delivered
type RecoveryCron struct {
	logger     *zap.Logger
	sweeper    Sweeper
	cron       *cron.Cron
	expression string
	timeout    time.Duration

	mu         sync.Mutex
	ctx        context.Context
	lastReport *SweepReport
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NewRecoveryCron creates a recovery cron. The expression has a seconds
// field; empty means DefaultSweepExpression. Each sweep is bounded by
// timeout when it is positive.
func NewRecoveryCron(sweeper Sweeper, expression string, timeout time.Duration, logger *zap.Logger) (*RecoveryCron, error) {
	if expression == "" {
		expression = DefaultSweepExpression
	}
	if _, err := cronParser.Parse(expression); err != nil {
		return nil, errors.Wrapf(err, "invalid sweep cron expression %q", expression)
	}

	cl := &cronLogger{logger: logger.Named("cron")}
	return &RecoveryCron{
		logger:     logger.Named("recovery"),
		sweeper:    sweeper,
		expression: expression,
		timeout:    timeout,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
	}, nil
}

// Start schedules the sweep. Sweeps run under ctx until Stop is called.
func (r *RecoveryCron) Start(ctx context.Context) error {
	r.mu.Lock()
	r.ctx = ctx
	r.mu.Unlock()

	if _, err := r.cron.AddFunc(r.expression, r.run); err != nil {
		return errors.Wrap(err, "failed to schedule recovery sweep")
	}
	r.cron.Start()

	r.logger.Info("Recovery sweep scheduled", zap.String("expression", r.expression))
	return nil
}

// Stop stops scheduling and waits for a running sweep to finish
func (r *RecoveryCron) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// RunNow sweeps every organization immediately
func (r *RecoveryCron) RunNow(ctx context.Context) (*SweepReport, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	report, err := r.sweeper.ProcessPendingOccurrences(ctx, "")
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.lastReport = report
	r.mu.Unlock()
	return report, nil
}

// LastReport returns the report of the most recent sweep, if any
func (r *RecoveryCron) LastReport() *SweepReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastReport
}

func (r *RecoveryCron) run() {
	r.mu.Lock()
	ctx := r.ctx
	r.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}

	if _, err := r.RunNow(ctx); err != nil {
		r.logger.Error("Recovery sweep failed", zap.Error(err))
	}
}
