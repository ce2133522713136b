// Package recurrence computes maintenance occurrence dates from a schedule's
// recurrence parameters. It performs no I/O.
package recurrence

import (
	"time"

	"github.com/t77yq/maintenance-scheduler/internal/model"
)

// Kind is the resolved recurrence semantics of a descriptor. It unifies the
// primary schedule types and the secondary recurrence types.
type Kind string

const (
	KindNone          Kind = ""
	KindOneOff        Kind = "ONE_OFF"
	KindFixedInterval Kind = "FIXED_INTERVAL"
	KindCustom        Kind = "CUSTOM"
	KindInterval      Kind = "INTERVAL"
	KindCalendar      Kind = "CALENDAR"
	KindMonthly       Kind = "MONTHLY"
	KindSeasonal      Kind = "SEASONAL"
	KindUsageBased    Kind = "USAGE_BASED"
)

// Descriptor holds the recurrence parameters of a schedule
type Descriptor struct {
	ScheduleType      model.ScheduleType
	RecurrenceType    model.RecurrenceType
	StartDate         time.Time
	EndDate           *time.Time
	IntervalDays      int
	IntervalMonths    int
	CustomRRule       string
	RecurrenceRule    string
	MonthlyDayOfMonth int
	SeasonalMonths    []int
}

// FromSchedule extracts the recurrence descriptor of a schedule
func FromSchedule(s *model.Schedule) Descriptor {
	return Descriptor{
		ScheduleType:      s.ScheduleType,
		RecurrenceType:    s.RecurrenceType,
		StartDate:         s.StartDate,
		EndDate:           s.EndDate,
		IntervalDays:      s.IntervalDays,
		IntervalMonths:    s.IntervalMonths,
		CustomRRule:       s.CustomRRule,
		RecurrenceRule:    s.RecurrenceRule,
		MonthlyDayOfMonth: s.MonthlyDayOfMonth,
		SeasonalMonths:    s.SeasonalMonths,
	}
}

// Kind resolves which calculator applies. The primary schedule type wins
// when both taxonomies are set.
func (d Descriptor) Kind() Kind {
	switch d.ScheduleType {
	case model.ScheduleTypeOneOff:
		return KindOneOff
	case model.ScheduleTypeFixedInterval:
		return KindFixedInterval
	case model.ScheduleTypeCustom:
		return KindCustom
	}

	switch d.RecurrenceType {
	case model.RecurrenceInterval:
		return KindInterval
	case model.RecurrenceCalendar:
		return KindCalendar
	case model.RecurrenceMonthly:
		return KindMonthly
	case model.RecurrenceSeasonal:
		return KindSeasonal
	case model.RecurrenceUsageBased:
		return KindUsageBased
	}

	return KindNone
}

// TimingEqual reports whether two descriptors produce the same occurrences
func (d Descriptor) TimingEqual(o Descriptor) bool {
	if d.ScheduleType != o.ScheduleType ||
		d.RecurrenceType != o.RecurrenceType ||
		!d.StartDate.Equal(o.StartDate) ||
		d.IntervalDays != o.IntervalDays ||
		d.IntervalMonths != o.IntervalMonths ||
		d.CustomRRule != o.CustomRRule ||
		d.RecurrenceRule != o.RecurrenceRule ||
		d.MonthlyDayOfMonth != o.MonthlyDayOfMonth {
		return false
	}

	if (d.EndDate == nil) != (o.EndDate == nil) {
		return false
	}
	if d.EndDate != nil && !d.EndDate.Equal(*o.EndDate) {
		return false
	}

	if len(d.SeasonalMonths) != len(o.SeasonalMonths) {
		return false
	}
	for i := range d.SeasonalMonths {
		if d.SeasonalMonths[i] != o.SeasonalMonths[i] {
			return false
		}
	}
	return true
}
