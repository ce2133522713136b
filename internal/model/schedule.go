package model

import (
	"time"
)

// ScheduleType is the primary recurrence taxonomy of a schedule
type ScheduleType string

const (
	ScheduleTypeOneOff        ScheduleType = "ONE_OFF"
	ScheduleTypeFixedInterval ScheduleType = "FIXED_INTERVAL"
	ScheduleTypeCustom        ScheduleType = "CUSTOM"
)

// Valid reports whether t is a known primary schedule type
func (t ScheduleType) Valid() bool {
	switch t {
	case ScheduleTypeOneOff, ScheduleTypeFixedInterval, ScheduleTypeCustom:
		return true
	}
	return false
}

// RecurrenceType is the secondary recurrence taxonomy (the legacy "type"
// column) used by the occurrence listing path
type RecurrenceType string

const (
	RecurrenceInterval   RecurrenceType = "INTERVAL"
	RecurrenceCalendar   RecurrenceType = "CALENDAR"
	RecurrenceMonthly    RecurrenceType = "MONTHLY"
	RecurrenceSeasonal   RecurrenceType = "SEASONAL"
	RecurrenceUsageBased RecurrenceType = "USAGE_BASED"
)

// Valid reports whether t is a known secondary recurrence type
func (t RecurrenceType) Valid() bool {
	switch t {
	case RecurrenceInterval, RecurrenceCalendar, RecurrenceMonthly, RecurrenceSeasonal, RecurrenceUsageBased:
		return true
	}
	return false
}

// TaskPriority represents the priority of a generated maintenance task
type TaskPriority string

const (
	TaskPriorityLow    TaskPriority = "low"
	TaskPriorityMedium TaskPriority = "medium"
	TaskPriorityHigh   TaskPriority = "high"
	TaskPriorityUrgent TaskPriority = "urgent"
)

// Valid reports whether p is a known priority
func (p TaskPriority) Valid() bool {
	switch p {
	case TaskPriorityLow, TaskPriorityMedium, TaskPriorityHigh, TaskPriorityUrgent:
		return true
	}
	return false
}

// TaskTemplate is stamped out into a task for every occurrence
type TaskTemplate struct {
	Title            string       `json:"title"`
	Description      string       `json:"description,omitempty"`
	Priority         TaskPriority `json:"priority,omitempty"`
	EstimatedCost    *float64     `json:"estimated_cost,omitempty"`
	EstimatedMinutes *int         `json:"estimated_minutes,omitempty"`
	AssignUserIDs    []string     `json:"assign_user_ids,omitempty"`
}

// Schedule is a recurring (or one-off) maintenance plan owned by an organization
type Schedule struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	AssetID        string `json:"asset_id,omitempty"`
	Name           string `json:"name"`

	ScheduleType   ScheduleType   `json:"schedule_type,omitempty"`
	RecurrenceType RecurrenceType `json:"type,omitempty"`

	// Recurrence parameters, populated depending on the type
	StartDate         time.Time  `json:"start_date"`
	EndDate           *time.Time `json:"end_date,omitempty"`
	IntervalDays      int        `json:"interval_days,omitempty"`
	IntervalMonths    int        `json:"interval_months,omitempty"`
	CustomRRule       string     `json:"custom_rrule,omitempty"`
	RecurrenceRule    string     `json:"recurrence_rule,omitempty"`
	MonthlyDayOfMonth int        `json:"monthly_day_of_month,omitempty"`
	SeasonalMonths    []int      `json:"seasonal_months,omitempty"`
	UsageThreshold    float64    `json:"usage_threshold,omitempty"`
	CurrentUsage      float64    `json:"current_usage,omitempty"`

	// Computed state
	NextOccurrence *time.Time `json:"next_occurrence,omitempty"`
	LastOccurrence *time.Time `json:"last_occurrence,omitempty"`
	NextRunAt      *time.Time `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`

	TaskTemplate      TaskTemplate `json:"task_template"`
	AutoCreateAdvance int          `json:"auto_create_advance"`
	IsActive          bool         `json:"is_active"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ScheduleFilter narrows a schedule listing
type ScheduleFilter struct {
	OrganizationID string
	AssetID        string
	ScheduleType   ScheduleType
	RecurrenceType RecurrenceType
	IsActive       *bool
	Limit          int
	Offset         int
}
