package scheduler

import (
	"fmt"

	"github.com/t77yq/maintenance-scheduler/internal/model"
	"github.com/t77yq/maintenance-scheduler/internal/recurrence"
)

// ValidateScheduleConfig checks that a schedule can be stored. It returns a
// *ValidationError naming the first offending field.
func ValidateScheduleConfig(s *model.Schedule) error {
	if s.OrganizationID == "" {
		return invalid("organization_id", "is required")
	}
	if s.StartDate.IsZero() {
		return invalid("start_date", "is required")
	}
	if s.EndDate != nil && s.EndDate.Before(s.StartDate) {
		return invalid("end_date", "must not be before start_date")
	}
	if s.AutoCreateAdvance < 0 {
		return invalid("auto_create_advance", "must not be negative")
	}

	if s.ScheduleType == "" && s.RecurrenceType == "" {
		return invalid("schedule_type", "schedule_type or type is required")
	}
	if s.ScheduleType != "" && !s.ScheduleType.Valid() {
		return invalid("schedule_type", fmt.Sprintf("unknown value %q", s.ScheduleType))
	}
	if s.RecurrenceType != "" && !s.RecurrenceType.Valid() {
		return invalid("type", fmt.Sprintf("unknown value %q", s.RecurrenceType))
	}

	if err := validateRecurrence(s); err != nil {
		return err
	}
	return validateTaskTemplate(s.TaskTemplate)
}

func validateRecurrence(s *model.Schedule) error {
	d := recurrence.FromSchedule(s)

	switch d.Kind() {
	case recurrence.KindFixedInterval:
		if s.IntervalDays < 0 {
			return invalid("interval_days", "must not be negative")
		}
		if s.IntervalMonths < 0 {
			return invalid("interval_months", "must not be negative")
		}
		if (s.IntervalDays > 0) == (s.IntervalMonths > 0) {
			return invalid("interval_days", "exactly one of interval_days or interval_months is required")
		}

	case recurrence.KindCustom:
		if s.CustomRRule == "" {
			return invalid("custom_rrule", "is required")
		}
		if err := recurrence.Validate(d); err != nil {
			return invalid("custom_rrule", err.Error())
		}

	case recurrence.KindInterval:
		if s.IntervalDays <= 0 {
			return invalid("interval_days", "must be positive")
		}

	case recurrence.KindCalendar:
		if s.RecurrenceRule == "" {
			return invalid("recurrence_rule", "is required")
		}
		if err := recurrence.Validate(d); err != nil {
			return invalid("recurrence_rule", err.Error())
		}

	case recurrence.KindMonthly:
		if s.MonthlyDayOfMonth < 1 || s.MonthlyDayOfMonth > 31 {
			return invalid("monthly_day_of_month", "must be between 1 and 31")
		}

	case recurrence.KindSeasonal:
		if len(s.SeasonalMonths) == 0 {
			return invalid("seasonal_months", "is required")
		}
		for _, m := range s.SeasonalMonths {
			if m < 1 || m > 12 {
				return invalid("seasonal_months", fmt.Sprintf("month %d must be between 1 and 12", m))
			}
		}
		if s.IntervalDays < 0 {
			return invalid("interval_days", "must not be negative")
		}
		if s.MonthlyDayOfMonth < 0 || s.MonthlyDayOfMonth > 31 {
			return invalid("monthly_day_of_month", "must be between 1 and 31")
		}

	case recurrence.KindUsageBased:
		if s.UsageThreshold <= 0 {
			return invalid("usage_threshold", "must be positive")
		}
		if s.CurrentUsage < 0 {
			return invalid("current_usage", "must not be negative")
		}
	}

	return nil
}

func validateTaskTemplate(t model.TaskTemplate) error {
	if t.Title == "" {
		return invalid("task_template.title", "is required")
	}
	if t.Priority != "" && !t.Priority.Valid() {
		return invalid("task_template.priority", fmt.Sprintf("unknown value %q", t.Priority))
	}
	if t.EstimatedCost != nil && *t.EstimatedCost < 0 {
		return invalid("task_template.estimated_cost", "must not be negative")
	}
	if t.EstimatedMinutes != nil && *t.EstimatedMinutes < 0 {
		return invalid("task_template.estimated_minutes", "must not be negative")
	}
	for _, id := range t.AssignUserIDs {
		if id == "" {
			return invalid("task_template.assign_user_ids", "must not contain empty ids")
		}
	}
	return nil
}
