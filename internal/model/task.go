package model

import (
	"time"
)

// TaskStatus represents the status of a generated maintenance task
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusCanceled   TaskStatus = "canceled"
)

// TaskRequest carries everything the task collaborator needs to create a
// task for one schedule occurrence
type TaskRequest struct {
	OrganizationID   string
	Title            string
	Description      string
	DueDate          time.Time
	Priority         TaskPriority
	EstimatedCost    *float64
	EstimatedMinutes *int
	AssetID          string
	ScheduleID       string
	AssignUserIDs    []string
}

// TaskAssignment links a task to a user
type TaskAssignment struct {
	TaskID string `json:"task_id"`
	UserID string `json:"user_id"`
}

// Task is a unit of maintenance work created from a schedule
type Task struct {
	ID               string           `json:"id"`
	OrganizationID   string           `json:"organization_id"`
	Title            string           `json:"title"`
	Description      string           `json:"description,omitempty"`
	Status           TaskStatus       `json:"status"`
	Priority         TaskPriority     `json:"priority"`
	DueDate          time.Time        `json:"due_date"`
	EstimatedCost    *float64         `json:"estimated_cost,omitempty"`
	EstimatedMinutes *int             `json:"estimated_minutes,omitempty"`
	AssetID          string           `json:"asset_id,omitempty"`
	ScheduleID       string           `json:"schedule_id,omitempty"`
	Assignments      []TaskAssignment `json:"assignments,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}
