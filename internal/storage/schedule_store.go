package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

const scheduleColumns = `
	id, organization_id, asset_id, name, schedule_type, recurrence_type,
	start_date, end_date, interval_days, interval_months, custom_rrule,
	recurrence_rule, monthly_day_of_month, seasonal_months, usage_threshold,
	current_usage, next_occurrence, last_occurrence, next_run_at, last_run_at,
	task_template, auto_create_advance, is_active, created_at, updated_at`

// maxDueBatch bounds one recovery sweep page
const maxDueBatch = 500

// CreateSchedule inserts a new schedule
func (s *SQLiteStore) CreateSchedule(ctx context.Context, schedule *model.Schedule) error {
	months, template, err := encodeScheduleJSON(schedule)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		schedule.ID,
		schedule.OrganizationID,
		nullString(schedule.AssetID),
		schedule.Name,
		string(schedule.ScheduleType),
		string(schedule.RecurrenceType),
		formatTime(schedule.StartDate),
		nullTime(schedule.EndDate),
		schedule.IntervalDays,
		schedule.IntervalMonths,
		schedule.CustomRRule,
		schedule.RecurrenceRule,
		schedule.MonthlyDayOfMonth,
		months,
		schedule.UsageThreshold,
		schedule.CurrentUsage,
		nullTime(schedule.NextOccurrence),
		nullTime(schedule.LastOccurrence),
		nullTime(schedule.NextRunAt),
		nullTime(schedule.LastRunAt),
		template,
		schedule.AutoCreateAdvance,
		schedule.IsActive,
		formatTime(schedule.CreatedAt),
		formatTime(schedule.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(errors.ErrConflict, "schedule %s already exists", schedule.ID)
		}
		return errors.Wrap(err, "failed to create schedule")
	}
	return nil
}

// GetSchedule retrieves a schedule by ID regardless of organization
func (s *SQLiteStore) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
		}
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return schedule, nil
}

// GetScheduleForOrg retrieves a schedule by ID within an organization
func (s *SQLiteStore) GetScheduleForOrg(ctx context.Context, orgID, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ? AND organization_id = ?`, id, orgID)
	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "schedule %s", id)
		}
		return nil, errors.Wrap(err, "failed to get schedule")
	}
	return schedule, nil
}

// ListSchedules returns one page of schedules matching the filter and the
// total number of matches
func (s *SQLiteStore) ListSchedules(ctx context.Context, filter model.ScheduleFilter) ([]*model.Schedule, int, error) {
	where, args := scheduleFilterClause(filter)

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schedules"+where, args...).Scan(&total); err != nil {
		return nil, 0, errors.Wrap(err, "failed to count schedules")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + scheduleColumns + " FROM schedules" + where + " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	args = append(args, limit, filter.Offset)

	schedules, err := s.querySchedules(ctx, query, args...)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list schedules")
	}
	return schedules, total, nil
}

// UpdateSchedule overwrites the mutable fields of a schedule. It only
// applies while the stored last occurrence still equals schedule's, so an
// occurrence recorded after the schedule was read is never overwritten with
// a stale next occurrence; that case fails with errors.ErrConflict. Usage
// readings are written by UpdateUsage only.
func (s *SQLiteStore) UpdateSchedule(ctx context.Context, schedule *model.Schedule) error {
	months, template, err := encodeScheduleJSON(schedule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			asset_id = ?,
			name = ?,
			schedule_type = ?,
			recurrence_type = ?,
			start_date = ?,
			end_date = ?,
			interval_days = ?,
			interval_months = ?,
			custom_rrule = ?,
			recurrence_rule = ?,
			monthly_day_of_month = ?,
			seasonal_months = ?,
			usage_threshold = ?,
			next_occurrence = ?,
			next_run_at = ?,
			task_template = ?,
			auto_create_advance = ?,
			is_active = ?,
			updated_at = ?
		WHERE id = ? AND organization_id = ? AND last_occurrence IS ?`,
		nullString(schedule.AssetID),
		schedule.Name,
		string(schedule.ScheduleType),
		string(schedule.RecurrenceType),
		formatTime(schedule.StartDate),
		nullTime(schedule.EndDate),
		schedule.IntervalDays,
		schedule.IntervalMonths,
		schedule.CustomRRule,
		schedule.RecurrenceRule,
		schedule.MonthlyDayOfMonth,
		months,
		schedule.UsageThreshold,
		nullTime(schedule.NextOccurrence),
		nullTime(schedule.NextRunAt),
		template,
		schedule.AutoCreateAdvance,
		schedule.IsActive,
		formatTime(schedule.UpdatedAt),
		schedule.ID,
		schedule.OrganizationID,
		nullTime(schedule.LastOccurrence),
	)
	if err != nil {
		return errors.Wrap(err, "failed to update schedule")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected rows")
	}
	if affected > 0 {
		return nil
	}
	exists, err := s.scheduleExists(ctx, schedule.OrganizationID, schedule.ID)
	if err != nil {
		return err
	}
	if !exists {
		return errors.Wrapf(errors.ErrNotFound, "schedule %s", schedule.ID)
	}
	return errors.Wrapf(errors.ErrConflict, "schedule %s recorded an occurrence concurrently", schedule.ID)
}

func (s *SQLiteStore) scheduleExists(ctx context.Context, orgID, id string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schedules WHERE id = ? AND organization_id = ?", id, orgID).Scan(&count)
	if err != nil {
		return false, errors.Wrap(err, "failed to check schedule")
	}
	return count > 0, nil
}

// SetActive toggles whether a schedule generates tasks
func (s *SQLiteStore) SetActive(ctx context.Context, orgID, id string, active bool, now time.Time) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE schedules SET is_active = ?, updated_at = ? WHERE id = ? AND organization_id = ?",
		active, formatTime(now), id, orgID)
	if err != nil {
		return errors.Wrap(err, "failed to set schedule active state")
	}
	return expectAffected(result, "schedule", id)
}

// DeleteSchedule removes a schedule. Outstanding queue jobs are not touched.
func (s *SQLiteStore) DeleteSchedule(ctx context.Context, orgID, id string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM schedules WHERE id = ? AND organization_id = ?", id, orgID)
	if err != nil {
		return errors.Wrap(err, "failed to delete schedule")
	}
	return expectAffected(result, "schedule", id)
}

// RecordOccurrence writes the outcome of a processed occurrence. It only
// applies when the occurrence is newer than the stored last occurrence, and
// reports whether it did.
func (s *SQLiteStore) RecordOccurrence(ctx context.Context, id string, rec model.OccurrenceRecord) (bool, error) {
	occurrence := formatTime(rec.Occurrence)
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			last_occurrence = ?,
			next_occurrence = ?,
			next_run_at = ?,
			last_run_at = ?,
			updated_at = ?
		WHERE id = ? AND (last_occurrence IS NULL OR last_occurrence < ?)`,
		occurrence,
		nullTime(rec.NextOccurrence),
		nullTime(rec.NextRunAt),
		formatTime(rec.RunAt),
		formatTime(rec.RunAt),
		id,
		occurrence,
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to record occurrence")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get affected rows")
	}
	return affected > 0, nil
}

// AdvanceNext replaces a next occurrence that is no longer ahead of the last
// recorded one. It only applies while the stored next occurrence still
// equals stale, and reports whether it did.
func (s *SQLiteStore) AdvanceNext(ctx context.Context, id string, stale time.Time, next, nextRunAt *time.Time, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET
			next_occurrence = ?,
			next_run_at = ?,
			updated_at = ?
		WHERE id = ? AND next_occurrence = ?`,
		nullTime(next),
		nullTime(nextRunAt),
		formatTime(now),
		id,
		formatTime(stale),
	)
	if err != nil {
		return false, errors.Wrap(err, "failed to advance next occurrence")
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get affected rows")
	}
	return affected > 0, nil
}

// UpdateUsage stores a usage reading. When occurrence is set the reading
// triggered a task and the occurrence is recorded as well, unless a later
// occurrence is already stored.
func (s *SQLiteStore) UpdateUsage(ctx context.Context, id string, usage float64, occurrence *time.Time, now time.Time) error {
	var (
		result sql.Result
		err    error
	)
	if occurrence == nil {
		result, err = s.db.ExecContext(ctx,
			"UPDATE schedules SET current_usage = ?, updated_at = ? WHERE id = ?",
			usage, formatTime(now), id)
	} else {
		at := formatTime(*occurrence)
		result, err = s.db.ExecContext(ctx, `
			UPDATE schedules SET
				current_usage = ?,
				last_occurrence = CASE
					WHEN last_occurrence IS NULL OR last_occurrence < ? THEN ?
					ELSE last_occurrence
				END,
				last_run_at = ?,
				updated_at = ?
			WHERE id = ?`,
			usage, at, at, formatTime(now), formatTime(now), id)
	}
	if err != nil {
		return errors.Wrap(err, "failed to update usage")
	}
	return expectAffected(result, "schedule", id)
}

// ListDue returns active schedules whose next occurrence is at or before now,
// oldest first. An empty orgID covers every organization.
func (s *SQLiteStore) ListDue(ctx context.Context, orgID string, now time.Time) ([]*model.Schedule, error) {
	query := "SELECT " + scheduleColumns + " FROM schedules WHERE is_active = 1 AND next_occurrence IS NOT NULL AND next_occurrence <= ?"
	args := []interface{}{formatTime(now)}
	if orgID != "" {
		query += " AND organization_id = ?"
		args = append(args, orgID)
	}
	query += " ORDER BY next_occurrence ASC LIMIT ?"
	args = append(args, maxDueBatch)

	schedules, err := s.querySchedules(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	return schedules, nil
}

// CountDue counts what ListDue would return, without the batch limit
func (s *SQLiteStore) CountDue(ctx context.Context, orgID string, now time.Time) (int, error) {
	query := "SELECT COUNT(*) FROM schedules WHERE is_active = 1 AND next_occurrence IS NOT NULL AND next_occurrence <= ?"
	args := []interface{}{formatTime(now)}
	if orgID != "" {
		query += " AND organization_id = ?"
		args = append(args, orgID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "failed to count due schedules")
	}
	return count, nil
}

func (s *SQLiteStore) querySchedules(ctx context.Context, query string, args ...interface{}) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	schedules := make([]*model.Schedule, 0)
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error during row iteration")
	}
	return schedules, nil
}

func scheduleFilterClause(filter model.ScheduleFilter) (string, []interface{}) {
	var conditions []string
	var args []interface{}

	if filter.OrganizationID != "" {
		conditions = append(conditions, "organization_id = ?")
		args = append(args, filter.OrganizationID)
	}
	if filter.AssetID != "" {
		conditions = append(conditions, "asset_id = ?")
		args = append(args, filter.AssetID)
	}
	if filter.ScheduleType != "" {
		conditions = append(conditions, "schedule_type = ?")
		args = append(args, string(filter.ScheduleType))
	}
	if filter.RecurrenceType != "" {
		conditions = append(conditions, "recurrence_type = ?")
		args = append(args, string(filter.RecurrenceType))
	}
	if filter.IsActive != nil {
		conditions = append(conditions, "is_active = ?")
		args = append(args, *filter.IsActive)
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSchedule(row rowScanner) (*model.Schedule, error) {
	var schedule model.Schedule
	var scheduleType, recurrenceType, startDate, template, createdAt, updatedAt string
	var assetID, endDate, months, nextOccurrence, lastOccurrence, nextRunAt, lastRunAt sql.NullString

	err := row.Scan(
		&schedule.ID,
		&schedule.OrganizationID,
		&assetID,
		&schedule.Name,
		&scheduleType,
		&recurrenceType,
		&startDate,
		&endDate,
		&schedule.IntervalDays,
		&schedule.IntervalMonths,
		&schedule.CustomRRule,
		&schedule.RecurrenceRule,
		&schedule.MonthlyDayOfMonth,
		&months,
		&schedule.UsageThreshold,
		&schedule.CurrentUsage,
		&nextOccurrence,
		&lastOccurrence,
		&nextRunAt,
		&lastRunAt,
		&template,
		&schedule.AutoCreateAdvance,
		&schedule.IsActive,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.ScheduleType = model.ScheduleType(scheduleType)
	schedule.RecurrenceType = model.RecurrenceType(recurrenceType)
	if assetID.Valid {
		schedule.AssetID = assetID.String
	}

	if schedule.StartDate, err = parseTime("start_date", startDate); err != nil {
		return nil, err
	}
	if schedule.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	if schedule.UpdatedAt, err = parseTime("updated_at", updatedAt); err != nil {
		return nil, err
	}
	if schedule.EndDate, err = parseNullTime("end_date", endDate); err != nil {
		return nil, err
	}
	if schedule.NextOccurrence, err = parseNullTime("next_occurrence", nextOccurrence); err != nil {
		return nil, err
	}
	if schedule.LastOccurrence, err = parseNullTime("last_occurrence", lastOccurrence); err != nil {
		return nil, err
	}
	if schedule.NextRunAt, err = parseNullTime("next_run_at", nextRunAt); err != nil {
		return nil, err
	}
	if schedule.LastRunAt, err = parseNullTime("last_run_at", lastRunAt); err != nil {
		return nil, err
	}

	if months.Valid && months.String != "" {
		if err := json.Unmarshal([]byte(months.String), &schedule.SeasonalMonths); err != nil {
			return nil, errors.Wrapf(err, "failed to decode seasonal months for schedule %s", schedule.ID)
		}
	}
	if err := json.Unmarshal([]byte(template), &schedule.TaskTemplate); err != nil {
		return nil, errors.Wrapf(err, "failed to decode task template for schedule %s", schedule.ID)
	}

	return &schedule, nil
}

func encodeScheduleJSON(schedule *model.Schedule) (sql.NullString, string, error) {
	var months sql.NullString
	if len(schedule.SeasonalMonths) > 0 {
		data, err := json.Marshal(schedule.SeasonalMonths)
		if err != nil {
			return months, "", errors.Wrap(err, "failed to encode seasonal months")
		}
		months = sql.NullString{String: string(data), Valid: true}
	}

	template, err := json.Marshal(schedule.TaskTemplate)
	if err != nil {
		return months, "", errors.Wrap(err, "failed to encode task template")
	}
	return months, string(template), nil
}

func expectAffected(result sql.Result, resource, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get affected rows")
	}
	if affected == 0 {
		return errors.Wrapf(errors.ErrNotFound, "%s %s", resource, id)
	}
	return nil
}
