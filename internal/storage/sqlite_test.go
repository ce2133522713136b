package storage

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

func setupStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(zap.NewNop(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newSchedule(orgID string, start time.Time) *model.Schedule {
	now := date(2024, 1, 1)
	next := start.AddDate(0, 0, 30)
	return &model.Schedule{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Name:           "Filter change",
		ScheduleType:   model.ScheduleTypeFixedInterval,
		StartDate:      start,
		IntervalDays:   30,
		NextOccurrence: &next,
		TaskTemplate: model.TaskTemplate{
			Title:         "Replace filter",
			Priority:      model.TaskPriorityHigh,
			AssignUserIDs: []string{"user-1"},
		},
		AutoCreateAdvance: 7,
		IsActive:          true,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func TestScheduleStore(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	t.Run("Create and Get", func(t *testing.T) {
		end := date(2025, 1, 1)
		schedule := newSchedule("org-1", date(2024, 1, 1))
		schedule.AssetID = "asset-1"
		schedule.EndDate = &end
		schedule.RecurrenceType = model.RecurrenceSeasonal
		schedule.SeasonalMonths = []int{3, 9}
		cost := 120.5
		schedule.TaskTemplate.EstimatedCost = &cost

		require.NoError(t, store.CreateSchedule(ctx, schedule))

		got, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, schedule.OrganizationID, got.OrganizationID)
		assert.Equal(t, "asset-1", got.AssetID)
		assert.Equal(t, model.ScheduleTypeFixedInterval, got.ScheduleType)
		assert.Equal(t, model.RecurrenceSeasonal, got.RecurrenceType)
		assert.Equal(t, schedule.StartDate, got.StartDate)
		require.NotNil(t, got.EndDate)
		assert.Equal(t, end, *got.EndDate)
		require.NotNil(t, got.NextOccurrence)
		assert.Equal(t, *schedule.NextOccurrence, *got.NextOccurrence)
		assert.Nil(t, got.LastOccurrence)
		assert.Equal(t, []int{3, 9}, got.SeasonalMonths)
		assert.Equal(t, schedule.TaskTemplate, got.TaskTemplate)
		assert.Equal(t, 7, got.AutoCreateAdvance)
		assert.True(t, got.IsActive)
	})

	t.Run("Duplicate ID", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))
		err := store.CreateSchedule(ctx, schedule)
		assert.True(t, errors.IsConflict(err))
	})

	t.Run("Get scoped to organization", func(t *testing.T) {
		schedule := newSchedule("org-2", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))

		_, err := store.GetScheduleForOrg(ctx, "org-1", schedule.ID)
		assert.True(t, errors.IsNotFound(err))

		got, err := store.GetScheduleForOrg(ctx, "org-2", schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, schedule.ID, got.ID)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := store.GetSchedule(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("Update", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))

		schedule.Name = "Quarterly filter change"
		schedule.IntervalDays = 90
		schedule.IsActive = false
		schedule.NextOccurrence = nil
		require.NoError(t, store.UpdateSchedule(ctx, schedule))

		got, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, "Quarterly filter change", got.Name)
		assert.Equal(t, 90, got.IntervalDays)
		assert.False(t, got.IsActive)
		assert.Nil(t, got.NextOccurrence)

		schedule.OrganizationID = "other-org"
		err = store.UpdateSchedule(ctx, schedule)
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("Update from a stale read", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		schedule.CurrentUsage = 12
		require.NoError(t, store.CreateSchedule(ctx, schedule))
		stale, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)

		next := date(2024, 3, 1)
		applied, err := store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{
			Occurrence:     date(2024, 1, 31),
			NextOccurrence: &next,
			RunAt:          date(2024, 1, 24),
		})
		require.NoError(t, err)
		require.True(t, applied)

		stale.Name = "Renamed"
		err = store.UpdateSchedule(ctx, stale)
		assert.True(t, errors.IsConflict(err))

		got, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, "Filter change", got.Name)
		assert.Equal(t, next, *got.NextOccurrence)

		// A fresh read applies and leaves the usage counter alone
		got.Name = "Renamed"
		got.CurrentUsage = 0
		require.NoError(t, store.UpdateSchedule(ctx, got))
		got, err = store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, next, *got.NextOccurrence)
		assert.Equal(t, 12.0, got.CurrentUsage)
	})

	t.Run("Advance next", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))
		stale := *schedule.NextOccurrence

		next := stale.AddDate(0, 0, 30)
		runAt := next.AddDate(0, 0, -7)
		applied, err := store.AdvanceNext(ctx, schedule.ID, stale, &next, &runAt, date(2024, 2, 1))
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.Equal(t, next, *got.NextOccurrence)
		assert.Equal(t, runAt, *got.NextRunAt)

		// Only the value that was read is replaced
		applied, err = store.AdvanceNext(ctx, schedule.ID, stale, nil, nil, date(2024, 2, 1))
		require.NoError(t, err)
		assert.False(t, applied)
	})

	t.Run("Set active", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))

		require.NoError(t, store.SetActive(ctx, "org-1", schedule.ID, false, date(2024, 2, 1)))
		got, err := store.GetSchedule(ctx, schedule.ID)
		require.NoError(t, err)
		assert.False(t, got.IsActive)
		assert.Equal(t, date(2024, 2, 1), got.UpdatedAt)

		err = store.SetActive(ctx, "org-2", schedule.ID, true, date(2024, 2, 1))
		assert.True(t, errors.IsNotFound(err))
	})

	t.Run("Delete", func(t *testing.T) {
		schedule := newSchedule("org-1", date(2024, 1, 1))
		require.NoError(t, store.CreateSchedule(ctx, schedule))

		assert.True(t, errors.IsNotFound(store.DeleteSchedule(ctx, "org-2", schedule.ID)))
		require.NoError(t, store.DeleteSchedule(ctx, "org-1", schedule.ID))

		_, err := store.GetSchedule(ctx, schedule.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestListSchedules(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	for i := 0; i < 5; i++ {
		schedule := newSchedule("org-list", date(2024, 1, 1))
		schedule.CreatedAt = date(2024, 1, 1+i)
		schedule.AssetID = "asset-a"
		if i%2 == 1 {
			schedule.AssetID = "asset-b"
			schedule.IsActive = false
		}
		require.NoError(t, store.CreateSchedule(ctx, schedule))
	}
	require.NoError(t, store.CreateSchedule(ctx, newSchedule("org-other", date(2024, 1, 1))))

	schedules, total, err := store.ListSchedules(ctx, model.ScheduleFilter{OrganizationID: "org-list"})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, schedules, 5)

	schedules, total, err = store.ListSchedules(ctx, model.ScheduleFilter{OrganizationID: "org-list", AssetID: "asset-b"})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, schedules, 2)

	active := true
	_, total, err = store.ListSchedules(ctx, model.ScheduleFilter{OrganizationID: "org-list", IsActive: &active})
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	page, total, err := store.ListSchedules(ctx, model.ScheduleFilter{OrganizationID: "org-list", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 1)
	assert.Equal(t, date(2024, 1, 5), page[0].CreatedAt)
}

func TestRecordOccurrence(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	schedule := newSchedule("org-1", date(2024, 1, 1))
	require.NoError(t, store.CreateSchedule(ctx, schedule))

	occurrence := date(2024, 1, 31)
	next := date(2024, 3, 1)
	runAt := date(2024, 1, 24)

	applied, err := store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{
		Occurrence:     occurrence,
		NextOccurrence: &next,
		RunAt:          runAt,
	})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err := store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastOccurrence)
	assert.Equal(t, occurrence, *got.LastOccurrence)
	require.NotNil(t, got.NextOccurrence)
	assert.Equal(t, next, *got.NextOccurrence)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, runAt, *got.LastRunAt)

	// Replaying the same occurrence, or an older one, changes nothing
	applied, err = store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{Occurrence: occurrence, RunAt: runAt})
	require.NoError(t, err)
	assert.False(t, applied)

	applied, err = store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{Occurrence: date(2024, 1, 1), RunAt: runAt})
	require.NoError(t, err)
	assert.False(t, applied)

	got, err = store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, next, *got.NextOccurrence)

	applied, err = store.RecordOccurrence(ctx, schedule.ID, model.OccurrenceRecord{Occurrence: next, RunAt: runAt})
	require.NoError(t, err)
	assert.True(t, applied)

	got, err = store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextOccurrence)
}

func TestListDue(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	mk := func(orgID string, next *time.Time, active bool) *model.Schedule {
		schedule := newSchedule(orgID, date(2024, 1, 1))
		schedule.NextOccurrence = next
		schedule.IsActive = active
		require.NoError(t, store.CreateSchedule(ctx, schedule))
		return schedule
	}

	d1, d2, d3 := date(2024, 2, 1), date(2024, 1, 15), date(2024, 6, 1)
	later := mk("org-1", &d1, true)
	earlier := mk("org-1", &d2, true)
	mk("org-1", &d3, true)
	mk("org-1", &d2, false)
	mk("org-1", nil, true)
	other := mk("org-2", &d2, true)

	now := date(2024, 3, 1)
	due, err := store.ListDue(ctx, "org-1", now)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, earlier.ID, due[0].ID)
	assert.Equal(t, later.ID, due[1].ID)

	count, err := store.CountDue(ctx, "org-1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	all, err := store.ListDue(ctx, "", now)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Contains(t, []string{all[0].ID, all[1].ID}, other.ID)

	// Boundary is inclusive
	count, err = store.CountDue(ctx, "org-1", d2)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateUsage(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	schedule := newSchedule("org-1", date(2024, 1, 1))
	schedule.ScheduleType = ""
	schedule.RecurrenceType = model.RecurrenceUsageBased
	schedule.UsageThreshold = 1000
	schedule.NextOccurrence = nil
	require.NoError(t, store.CreateSchedule(ctx, schedule))

	now := date(2024, 5, 1)
	require.NoError(t, store.UpdateUsage(ctx, schedule.ID, 999, nil, now))

	got, err := store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 999.0, got.CurrentUsage)
	assert.Nil(t, got.LastOccurrence)

	require.NoError(t, store.UpdateUsage(ctx, schedule.ID, 1000, &now, now))
	got, err = store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 1000.0, got.CurrentUsage)
	require.NotNil(t, got.LastOccurrence)
	assert.Equal(t, now, *got.LastOccurrence)

	// A late reading resets the counter but never moves the occurrence back
	earlier := date(2024, 4, 1)
	require.NoError(t, store.UpdateUsage(ctx, schedule.ID, 0, &earlier, now))
	got, err = store.GetSchedule(ctx, schedule.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.CurrentUsage)
	assert.Equal(t, now, *got.LastOccurrence)

	err = store.UpdateUsage(ctx, "missing", 1, nil, now)
	assert.True(t, errors.IsNotFound(err))
}

func TestTaskStore(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	minutes := 45
	req := model.TaskRequest{
		OrganizationID:   "org-1",
		Title:            "Replace filter",
		DueDate:          date(2024, 1, 31),
		Priority:         model.TaskPriorityHigh,
		EstimatedMinutes: &minutes,
		AssetID:          "asset-1",
		ScheduleID:       "schedule-1",
		AssignUserIDs:    []string{"user-2", "user-1", "user-1"},
	}

	task, err := store.CreateTask(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, model.TaskStatusOpen, task.Status)
	assert.Len(t, task.Assignments, 2)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "Replace filter", got.Title)
	assert.Equal(t, date(2024, 1, 31), got.DueDate)
	require.NotNil(t, got.EstimatedMinutes)
	assert.Equal(t, 45, *got.EstimatedMinutes)
	assert.Nil(t, got.EstimatedCost)
	require.Len(t, got.Assignments, 2)
	assert.Equal(t, "user-1", got.Assignments[0].UserID)

	t.Run("Same occurrence conflicts", func(t *testing.T) {
		existing, err := store.CreateTask(ctx, req)
		assert.True(t, errors.IsConflict(err))
		require.NotNil(t, existing)
		assert.Equal(t, task.ID, existing.ID)

		tasks, err := store.ListTasksBySchedule(ctx, "schedule-1")
		require.NoError(t, err)
		assert.Len(t, tasks, 1)
	})

	t.Run("Next occurrence is a new task", func(t *testing.T) {
		next := req
		next.DueDate = date(2024, 3, 1)
		_, err := store.CreateTask(ctx, next)
		require.NoError(t, err)

		tasks, err := store.ListTasksBySchedule(ctx, "schedule-1")
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, date(2024, 1, 31), tasks[0].DueDate)
		assert.Equal(t, date(2024, 3, 1), tasks[1].DueDate)
	})

	t.Run("Tasks without a schedule never conflict", func(t *testing.T) {
		adhoc := model.TaskRequest{OrganizationID: "org-1", Title: "Inspect", DueDate: date(2024, 1, 31)}
		_, err := store.CreateTask(ctx, adhoc)
		require.NoError(t, err)
		second, err := store.CreateTask(ctx, adhoc)
		require.NoError(t, err)
		assert.Equal(t, model.TaskPriorityMedium, second.Priority)
	})

	t.Run("Get missing", func(t *testing.T) {
		_, err := store.GetTask(ctx, "missing")
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestAssetStore(t *testing.T) {
	ctx := context.Background()
	store := setupStore(t)

	require.NoError(t, store.UpsertAsset(ctx, "org-1", "asset-1", "Boiler"))

	ok, err := store.AssetBelongsTo(ctx, "org-1", "asset-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AssetBelongsTo(ctx, "org-2", "asset-1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.UpsertAsset(ctx, "org-2", "asset-1", "Boiler"))
	ok, err = store.AssetBelongsTo(ctx, "org-2", "asset-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordOccurrence_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStore(db, zap.NewNop())
	occurrence := date(2024, 1, 31)

	mock.ExpectExec(`UPDATE schedules SET`).
		WithArgs(
			formatTime(occurrence),
			nil, // next_occurrence
			nil, // next_run_at
			sqlmock.AnyArg(),
			sqlmock.AnyArg(),
			"schedule-1",
			formatTime(occurrence),
		).
		WillReturnResult(sqlmock.NewResult(0, 0))

	applied, err := store.RecordOccurrence(context.Background(), "schedule-1", model.OccurrenceRecord{
		Occurrence: occurrence,
		RunAt:      date(2024, 1, 24),
	})
	require.NoError(t, err)
	assert.False(t, applied)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountDue_Sqlmock(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := newSQLiteStore(db, zap.NewNop())
	now := date(2024, 3, 1)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM schedules WHERE is_active = 1`).
		WithArgs(formatTime(now), "org-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := store.CountDue(context.Background(), "org-1", now)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM schedules`).
		WillReturnError(errors.New("database is locked"))

	_, err = store.CountDue(context.Background(), "", now)
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}
