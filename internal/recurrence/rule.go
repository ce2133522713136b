package recurrence

import (
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

var (
	// ErrMalformedRule is returned when recurrence rule text cannot be parsed
	ErrMalformedRule = errors.New("malformed recurrence rule")

	// ErrRuleSet is returned when a rule set is given where a single rule is required
	ErrRuleSet = errors.New("recurrence rule sets are not supported")

	// ErrInvalidParameters is returned when the descriptor fields cannot form a series
	ErrInvalidParameters = errors.New("invalid recurrence parameters")

	// ErrIterationLimit is returned when a rule does not reach the requested
	// window within the iteration budget
	ErrIterationLimit = errors.New("recurrence iteration limit reached")
)

// ParseRule parses a single RFC 5545 recurrence rule. The text may be a bare
// "FREQ=...;..." value, an "RRULE:" line, or a "DTSTART:" line followed by an
// "RRULE:" line. When the rule has no DTSTART, dtstart is used; when it has no
// UNTIL or COUNT, until (if any) bounds the series.
func ParseRule(text string, dtstart time.Time, until *time.Time) (*rrule.RRule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.Wrap(ErrMalformedRule, "empty rule")
	}

	var dtstartLine, ruleLine string
	rules := 0
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		upper := strings.ToUpper(line)
		switch {
		case strings.HasPrefix(upper, "RDATE"),
			strings.HasPrefix(upper, "EXDATE"),
			strings.HasPrefix(upper, "EXRULE"):
			return nil, ErrRuleSet
		case strings.HasPrefix(upper, "DTSTART"):
			if dtstartLine != "" {
				return nil, errors.Wrap(ErrMalformedRule, "duplicate DTSTART")
			}
			dtstartLine = line
		case strings.HasPrefix(upper, "RRULE:"),
			!strings.Contains(upper, ":") && strings.Contains(upper, "FREQ="):
			rules++
			ruleLine = line
		default:
			return nil, errors.Wrapf(ErrMalformedRule, "unexpected line %q", line)
		}
	}

	if rules == 0 {
		return nil, errors.Wrap(ErrMalformedRule, "no RRULE found")
	}
	if rules > 1 {
		return nil, ErrRuleSet
	}

	if i := strings.Index(ruleLine, ":"); i >= 0 {
		ruleLine = ruleLine[i+1:]
	}
	opt, err := rrule.StrToROption(ruleLine)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedRule, "%v", err)
	}

	if dtstartLine != "" {
		opt.Dtstart, err = parseDTStart(dtstartLine)
		if err != nil {
			return nil, err
		}
	} else if opt.Dtstart.IsZero() {
		opt.Dtstart = dtstart
	}
	if opt.Interval == 0 {
		opt.Interval = 1
	}
	if until != nil && opt.Until.IsZero() && opt.Count == 0 {
		opt.Until = *until
	}

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformedRule, "%v", err)
	}
	return r, nil
}

var dtstartLayouts = []string{
	"20060102T150405Z",
	"20060102T150405",
	"20060102",
}

// parseDTStart parses "DTSTART:20240105T090000Z" or
// "DTSTART;TZID=Europe/Berlin:20240105T090000".
func parseDTStart(line string) (time.Time, error) {
	i := strings.Index(line, ":")
	if i < 0 {
		return time.Time{}, errors.Wrapf(ErrMalformedRule, "invalid DTSTART %q", line)
	}
	params, value := line[:i], strings.TrimSpace(line[i+1:])

	loc := time.UTC
	for _, param := range strings.Split(params, ";")[1:] {
		key, val, ok := strings.Cut(param, "=")
		if ok && strings.EqualFold(key, "TZID") {
			l, err := time.LoadLocation(val)
			if err != nil {
				return time.Time{}, errors.Wrapf(ErrMalformedRule, "unknown TZID %q", val)
			}
			loc = l
		}
	}

	for _, layout := range dtstartLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrMalformedRule, "invalid DTSTART value %q", value)
}

// buildRule turns a descriptor into the rule that generates its occurrences.
// ONE_OFF, INTERVAL and USAGE_BASED are not rule-based and return nil.
func buildRule(d Descriptor) (*rrule.RRule, error) {
	var until time.Time
	if d.EndDate != nil {
		until = *d.EndDate
	}

	switch d.Kind() {
	case KindFixedInterval:
		opt := rrule.ROption{
			Freq:     rrule.DAILY,
			Interval: d.IntervalDays,
			Dtstart:  d.StartDate,
			Until:    until,
		}
		if d.IntervalMonths > 0 {
			opt.Freq = rrule.MONTHLY
			opt.Interval = d.IntervalMonths
		}
		if opt.Interval <= 0 {
			opt.Interval = 1
		}
		return newRule(opt)

	case KindCustom:
		return ParseRule(d.CustomRRule, d.StartDate, d.EndDate)

	case KindCalendar:
		return ParseRule(d.RecurrenceRule, d.StartDate, d.EndDate)

	case KindMonthly:
		if d.MonthlyDayOfMonth < 1 || d.MonthlyDayOfMonth > 31 {
			return nil, errors.Wrapf(ErrInvalidParameters, "monthly day of month %d", d.MonthlyDayOfMonth)
		}
		return newRule(rrule.ROption{
			Freq:       rrule.MONTHLY,
			Interval:   1,
			Dtstart:    d.StartDate,
			Until:      until,
			Bymonthday: []int{d.MonthlyDayOfMonth},
		})

	case KindSeasonal:
		if len(d.SeasonalMonths) == 0 {
			return nil, errors.Wrap(ErrInvalidParameters, "no seasonal months")
		}
		for _, m := range d.SeasonalMonths {
			if m < 1 || m > 12 {
				return nil, errors.Wrapf(ErrInvalidParameters, "seasonal month %d", m)
			}
		}
		if d.IntervalDays > 0 {
			return newRule(rrule.ROption{
				Freq:     rrule.DAILY,
				Interval: d.IntervalDays,
				Dtstart:  d.StartDate,
				Until:    until,
				Bymonth:  d.SeasonalMonths,
			})
		}
		day := d.MonthlyDayOfMonth
		if day == 0 {
			day = d.StartDate.Day()
		}
		return newRule(rrule.ROption{
			Freq:       rrule.MONTHLY,
			Interval:   1,
			Dtstart:    d.StartDate,
			Until:      until,
			Bymonth:    d.SeasonalMonths,
			Bymonthday: []int{day},
		})
	}

	return nil, nil
}

func newRule(opt rrule.ROption) (*rrule.RRule, error) {
	r, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidParameters, "%v", err)
	}
	return r, nil
}

// rebase moves the rule's DTSTART forward by whole periods so iteration starts
// shortly before pivot instead of at the original start. The BYxxx values the
// rule derives from its DTSTART are pinned first, so every occurrence from
// the new start on is unchanged. Rules with COUNT are left alone: the count
// runs from the original start.
func rebase(r *rrule.RRule, pivot time.Time) {
	opt := r.OrigOptions
	start := opt.Dtstart
	if opt.Count > 0 || start.IsZero() || !pivot.After(start) {
		return
	}
	interval := opt.Interval
	if interval < 1 {
		interval = 1
	}
	pivot = pivot.In(start.Location())
	elapsed := pivot.Sub(start)

	var periods int
	switch opt.Freq {
	case rrule.YEARLY:
		periods = pivot.Year() - start.Year()
	case rrule.MONTHLY:
		periods = (pivot.Year()-start.Year())*12 + int(pivot.Month()) - int(start.Month())
	case rrule.WEEKLY:
		periods = int(elapsed / (7 * 24 * time.Hour))
	case rrule.DAILY:
		periods = int(elapsed / (24 * time.Hour))
	case rrule.HOURLY:
		periods = int(elapsed / time.Hour)
	case rrule.MINUTELY:
		periods = int(elapsed / time.Minute)
	default:
		periods = int(elapsed / time.Second)
	}

	// Keep one interval of slack before pivot
	jumps := periods/interval - 1
	if jumps <= 0 {
		return
	}
	n := jumps * interval

	implicit := len(opt.Byweekno) == 0 && len(opt.Byyearday) == 0 &&
		len(opt.Bymonthday) == 0 && len(opt.Byweekday) == 0 && len(opt.Byeaster) == 0
	hour, minute, second := start.Clock()

	var moved time.Time
	switch opt.Freq {
	case rrule.YEARLY:
		if implicit {
			if len(opt.Bymonth) == 0 {
				opt.Bymonth = []int{int(start.Month())}
			}
			opt.Bymonthday = []int{start.Day()}
		}
		moved = time.Date(start.Year()+n, time.January, 1, hour, minute, second, 0, start.Location())
	case rrule.MONTHLY:
		if implicit {
			opt.Bymonthday = []int{start.Day()}
		}
		moved = time.Date(start.Year(), start.Month()+time.Month(n), 1, hour, minute, second, 0, start.Location())
	case rrule.WEEKLY:
		moved = start.AddDate(0, 0, 7*n)
	case rrule.DAILY:
		moved = start.AddDate(0, 0, n)
	case rrule.HOURLY:
		moved = start.Add(time.Duration(n) * time.Hour)
	case rrule.MINUTELY:
		moved = start.Add(time.Duration(n) * time.Minute)
	default:
		moved = start.Add(time.Duration(n) * time.Second)
	}

	r.OrigOptions = opt
	r.DTStart(moved)
}
