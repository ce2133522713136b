package scheduler

import (
	"context"
	"time"

	"github.com/t77yq/maintenance-scheduler/internal/model"
)

// ScheduleStore persists schedules and their occurrence bookkeeping
type ScheduleStore interface {
	CreateSchedule(ctx context.Context, schedule *model.Schedule) error

	// GetSchedule is unscoped and only used by the worker
	GetSchedule(ctx context.Context, id string) (*model.Schedule, error)
	GetScheduleForOrg(ctx context.Context, orgID, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, filter model.ScheduleFilter) ([]*model.Schedule, int, error)
	UpdateSchedule(ctx context.Context, schedule *model.Schedule) error
	SetActive(ctx context.Context, orgID, id string, active bool, now time.Time) error
	DeleteSchedule(ctx context.Context, orgID, id string) error

	// RecordOccurrence applies only when the occurrence is newer than the
	// stored last occurrence and reports whether it did
	RecordOccurrence(ctx context.Context, id string, rec model.OccurrenceRecord) (bool, error)
	// AdvanceNext applies only while the stored next occurrence equals stale
	AdvanceNext(ctx context.Context, id string, stale time.Time, next, nextRunAt *time.Time, now time.Time) (bool, error)
	UpdateUsage(ctx context.Context, id string, usage float64, occurrence *time.Time, now time.Time) error

	ListDue(ctx context.Context, orgID string, now time.Time) ([]*model.Schedule, error)
	CountDue(ctx context.Context, orgID string, now time.Time) (int, error)

	AssetBelongsTo(ctx context.Context, orgID, assetID string) (bool, error)
}

// JobQueue delivers a job to a worker once delay has elapsed
type JobQueue interface {
	Enqueue(ctx context.Context, job model.ScheduleJob, delay time.Duration) error
}

// TaskCreator creates maintenance tasks. Creating a second task for the same
// schedule occurrence must fail with an error wrapping errors.ErrConflict.
type TaskCreator interface {
	CreateTask(ctx context.Context, req model.TaskRequest) (*model.Task, error)
}

// Notifier delivers user notifications
type Notifier interface {
	CreateNotification(ctx context.Context, n model.Notification) error
}

// Clock supplies the current time
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock
type SystemClock struct{}

// Now returns the current UTC time
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
