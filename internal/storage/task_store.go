package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

const taskColumns = `
	id, organization_id, title, description, status, priority, due_date,
	estimated_cost, estimated_minutes, asset_id, schedule_id, created_at`

// CreateTask creates a task and its assignments in one transaction.
//
// A schedule yields at most one task per occurrence date. When the task for
// that occurrence already exists it is returned together with an error
// wrapping errors.ErrConflict.
func (s *SQLiteStore) CreateTask(ctx context.Context, req model.TaskRequest) (*model.Task, error) {
	task := &model.Task{
		ID:               uuid.New().String(),
		OrganizationID:   req.OrganizationID,
		Title:            req.Title,
		Description:      req.Description,
		Status:           model.TaskStatusOpen,
		Priority:         req.Priority,
		DueDate:          req.DueDate.UTC(),
		EstimatedCost:    req.EstimatedCost,
		EstimatedMinutes: req.EstimatedMinutes,
		AssetID:          req.AssetID,
		ScheduleID:       req.ScheduleID,
		CreatedAt:        time.Now().UTC(),
	}
	if task.Priority == "" {
		task.Priority = model.TaskPriorityMedium
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var cost sql.NullFloat64
	if task.EstimatedCost != nil {
		cost = sql.NullFloat64{Float64: *task.EstimatedCost, Valid: true}
	}
	var minutes sql.NullInt64
	if task.EstimatedMinutes != nil {
		minutes = sql.NullInt64{Int64: int64(*task.EstimatedMinutes), Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.OrganizationID,
		task.Title,
		task.Description,
		string(task.Status),
		string(task.Priority),
		formatTime(task.DueDate),
		cost,
		minutes,
		nullString(task.AssetID),
		nullString(task.ScheduleID),
		formatTime(task.CreatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) && task.ScheduleID != "" {
			tx.Rollback()
			existing, getErr := s.taskForOccurrence(ctx, task.ScheduleID, task.DueDate)
			if getErr != nil {
				return nil, errors.Wrap(getErr, "failed to load existing task")
			}
			return existing, errors.Wrapf(errors.ErrConflict,
				"task for schedule %s at %s", task.ScheduleID, formatTime(task.DueDate))
		}
		return nil, errors.Wrap(err, "failed to create task")
	}

	seen := make(map[string]bool, len(req.AssignUserIDs))
	for _, userID := range req.AssignUserIDs {
		if userID == "" || seen[userID] {
			continue
		}
		seen[userID] = true
		_, err := tx.ExecContext(ctx,
			"INSERT INTO task_assignments (task_id, user_id) VALUES (?, ?)",
			task.ID, userID)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to assign task to user %s", userID)
		}
		task.Assignments = append(task.Assignments, model.TaskAssignment{TaskID: task.ID, UserID: userID})
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit task")
	}

	s.logger.Debug("Created task",
		zap.String("task_id", task.ID),
		zap.String("schedule_id", task.ScheduleID),
		zap.Time("due_date", task.DueDate))

	return task, nil
}

// GetTask retrieves a task and its assignments by ID
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(errors.ErrNotFound, "task %s", id)
		}
		return nil, errors.Wrap(err, "failed to get task")
	}

	if task.Assignments, err = s.assignments(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

// ListTasksBySchedule returns the tasks generated for a schedule, ordered by
// due date
func (s *SQLiteStore) ListTasksBySchedule(ctx context.Context, scheduleID string) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE schedule_id = ? ORDER BY due_date ASC`, scheduleID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list tasks")
	}
	defer rows.Close()

	tasks := make([]*model.Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan task")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error during row iteration")
	}

	for _, task := range tasks {
		if task.Assignments, err = s.assignments(ctx, task.ID); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *SQLiteStore) taskForOccurrence(ctx context.Context, scheduleID string, dueDate time.Time) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE schedule_id = ? AND due_date = ?`,
		scheduleID, formatTime(dueDate))
	task, err := scanTask(row)
	if err != nil {
		return nil, err
	}
	if task.Assignments, err = s.assignments(ctx, task.ID); err != nil {
		return nil, err
	}
	return task, nil
}

func (s *SQLiteStore) assignments(ctx context.Context, taskID string) ([]model.TaskAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT task_id, user_id FROM task_assignments WHERE task_id = ? ORDER BY user_id", taskID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load task assignments")
	}
	defer rows.Close()

	var assignments []model.TaskAssignment
	for rows.Next() {
		var a model.TaskAssignment
		if err := rows.Scan(&a.TaskID, &a.UserID); err != nil {
			return nil, errors.Wrap(err, "failed to scan task assignment")
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

func scanTask(row rowScanner) (*model.Task, error) {
	var task model.Task
	var status, priority, dueDate, createdAt string
	var cost sql.NullFloat64
	var minutes sql.NullInt64
	var assetID, scheduleID sql.NullString

	err := row.Scan(
		&task.ID,
		&task.OrganizationID,
		&task.Title,
		&task.Description,
		&status,
		&priority,
		&dueDate,
		&cost,
		&minutes,
		&assetID,
		&scheduleID,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	task.Priority = model.TaskPriority(priority)
	if cost.Valid {
		task.EstimatedCost = &cost.Float64
	}
	if minutes.Valid {
		m := int(minutes.Int64)
		task.EstimatedMinutes = &m
	}
	if assetID.Valid {
		task.AssetID = assetID.String
	}
	if scheduleID.Valid {
		task.ScheduleID = scheduleID.String
	}

	if task.DueDate, err = parseTime("due_date", dueDate); err != nil {
		return nil, err
	}
	if task.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, err
	}
	return &task, nil
}
