package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
	"github.com/t77yq/maintenance-scheduler/internal/model"
)

func TestValidateScheduleConfig(t *testing.T) {
	valid := func() *model.Schedule {
		return &model.Schedule{
			OrganizationID: "org-1",
			StartDate:      date(2024, 1, 1),
			ScheduleType:   model.ScheduleTypeFixedInterval,
			IntervalDays:   30,
			TaskTemplate:   model.TaskTemplate{Title: "Inspect"},
		}
	}
	negative := -1.0
	negativeMinutes := -5
	before := date(2023, 12, 31)

	tests := []struct {
		name   string
		mutate func(s *model.Schedule)
		field  string
	}{
		{"valid", func(s *model.Schedule) {}, ""},
		{"missing organization", func(s *model.Schedule) { s.OrganizationID = "" }, "organization_id"},
		{"missing start date", func(s *model.Schedule) { s.StartDate = time.Time{} }, "start_date"},
		{"end before start", func(s *model.Schedule) { s.EndDate = &before }, "end_date"},
		{"negative advance", func(s *model.Schedule) { s.AutoCreateAdvance = -1 }, "auto_create_advance"},
		{"no type", func(s *model.Schedule) { s.ScheduleType = "" }, "schedule_type"},
		{"unknown schedule type", func(s *model.Schedule) { s.ScheduleType = "HOURLY" }, "schedule_type"},
		{"unknown secondary type", func(s *model.Schedule) { s.RecurrenceType = "WEEKLY" }, "type"},

		{"fixed interval without interval", func(s *model.Schedule) { s.IntervalDays = 0 }, "interval_days"},
		{"fixed interval with both", func(s *model.Schedule) { s.IntervalMonths = 3 }, "interval_days"},
		{"fixed interval months", func(s *model.Schedule) { s.IntervalDays = 0; s.IntervalMonths = 3 }, ""},
		{"negative interval months", func(s *model.Schedule) { s.IntervalDays = 0; s.IntervalMonths = -3 }, "interval_months"},

		{"one off", func(s *model.Schedule) { s.ScheduleType = model.ScheduleTypeOneOff; s.IntervalDays = 0 }, ""},

		{"custom without rule", func(s *model.Schedule) { s.ScheduleType = model.ScheduleTypeCustom }, "custom_rrule"},
		{"custom malformed", func(s *model.Schedule) {
			s.ScheduleType = model.ScheduleTypeCustom
			s.CustomRRule = "FREQ=SOMETIMES"
		}, "custom_rrule"},
		{"custom rule set", func(s *model.Schedule) {
			s.ScheduleType = model.ScheduleTypeCustom
			s.CustomRRule = "RRULE:FREQ=WEEKLY\nEXDATE:20240108T000000Z"
		}, "custom_rrule"},
		{"custom weekly", func(s *model.Schedule) {
			s.ScheduleType = model.ScheduleTypeCustom
			s.CustomRRule = "RRULE:FREQ=WEEKLY;BYDAY=MO"
		}, ""},

		{"interval", func(s *model.Schedule) { s.ScheduleType = ""; s.RecurrenceType = model.RecurrenceInterval }, ""},
		{"interval without days", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceInterval
			s.IntervalDays = 0
		}, "interval_days"},

		{"calendar without rule", func(s *model.Schedule) { s.ScheduleType = ""; s.RecurrenceType = model.RecurrenceCalendar }, "recurrence_rule"},
		{"calendar", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceCalendar
			s.RecurrenceRule = "FREQ=YEARLY;BYMONTH=4;BYMONTHDAY=1"
		}, ""},

		{"monthly day out of range", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceMonthly
			s.MonthlyDayOfMonth = 32
		}, "monthly_day_of_month"},
		{"monthly", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceMonthly
			s.MonthlyDayOfMonth = 31
		}, ""},

		{"seasonal without months", func(s *model.Schedule) { s.ScheduleType = ""; s.RecurrenceType = model.RecurrenceSeasonal }, "seasonal_months"},
		{"seasonal month out of range", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceSeasonal
			s.SeasonalMonths = []int{4, 13}
		}, "seasonal_months"},
		{"seasonal", func(s *model.Schedule) {
			s.ScheduleType = ""
			s.RecurrenceType = model.RecurrenceSeasonal
			s.SeasonalMonths = []int{4, 10}
		}, ""},

		{"usage without threshold", func(s *model.Schedule) { s.ScheduleType = ""; s.RecurrenceType = model.RecurrenceUsageBased }, "usage_threshold"},

		{"primary type wins", func(s *model.Schedule) { s.RecurrenceType = model.RecurrenceCalendar }, ""},

		{"template without title", func(s *model.Schedule) { s.TaskTemplate.Title = "" }, "task_template.title"},
		{"template priority", func(s *model.Schedule) { s.TaskTemplate.Priority = "critical" }, "task_template.priority"},
		{"template cost", func(s *model.Schedule) { s.TaskTemplate.EstimatedCost = &negative }, "task_template.estimated_cost"},
		{"template minutes", func(s *model.Schedule) { s.TaskTemplate.EstimatedMinutes = &negativeMinutes }, "task_template.estimated_minutes"},
		{"template assignee", func(s *model.Schedule) { s.TaskTemplate.AssignUserIDs = []string{"user-1", ""} }, "task_template.assign_user_ids"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(s)
			err := ValidateScheduleConfig(s)

			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tt.field, validation.Field)
			assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
		})
	}
}

func TestDispatchDelay(t *testing.T) {
	occurrence := date(2024, 1, 31)

	assert.Equal(t, days(23), dispatchDelay(occurrence, 7, date(2024, 1, 1)))
	assert.Equal(t, days(30), dispatchDelay(occurrence, 0, date(2024, 1, 1)))
	assert.Equal(t, time.Duration(0), dispatchDelay(occurrence, 7, date(2024, 1, 24)))
	assert.Equal(t, time.Duration(0), dispatchDelay(occurrence, 7, date(2024, 1, 30)))

	assert.Nil(t, runAtFor(nil, 7))
	assert.Equal(t, date(2024, 1, 24), *runAtFor(&occurrence, 7))
}
