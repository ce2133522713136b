package recurrence

import (
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/maintenance-scheduler/internal/errors"
)

const (
	// DefaultUpcomingLimit is used when a caller passes a non-positive limit
	DefaultUpcomingLimit = 10
	// MaxUpcomingLimit caps every occurrence listing
	MaxUpcomingLimit = 500

	defaultMaxIterations = 100000
)

// Calculator computes occurrence dates. Failures never escape: they are
// logged and degrade to "no occurrence".
type Calculator struct {
	logger        *zap.Logger
	maxIterations int
}

// Option configures a Calculator
type Option func(*Calculator)

// WithMaxIterations bounds how many candidate dates a single computation may
// generate before giving up
func WithMaxIterations(n int) Option {
	return func(c *Calculator) {
		if n > 0 {
			c.maxIterations = n
		}
	}
}

// NewCalculator creates a new recurrence calculator
func NewCalculator(logger *zap.Logger, opts ...Option) *Calculator {
	c := &Calculator{
		logger:        logger.Named("recurrence"),
		maxIterations: defaultMaxIterations,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Next returns the first occurrence strictly after the given time, or nil
// when the series is exhausted or cannot be computed.
func (c *Calculator) Next(d Descriptor, after time.Time) *time.Time {
	s, err := c.series(d, after)
	if err != nil {
		c.logger.Warn("Failed to compute next occurrence",
			zap.String("kind", string(d.Kind())),
			zap.Time("after", after),
			zap.Error(err))
		return nil
	}
	if s == nil {
		return nil
	}

	next, ok := s()
	if !ok {
		return nil
	}
	return &next
}

// Upcoming lists occurrences within [from, to], at most limit of them.
func (c *Calculator) Upcoming(d Descriptor, from, to time.Time, limit int) []time.Time {
	if limit <= 0 {
		limit = DefaultUpcomingLimit
	}
	if limit > MaxUpcomingLimit {
		limit = MaxUpcomingLimit
	}
	if to.Before(from) {
		return []time.Time{}
	}

	s, err := c.series(d, from.Add(-time.Nanosecond))
	if err != nil {
		c.logger.Warn("Failed to list upcoming occurrences",
			zap.String("kind", string(d.Kind())),
			zap.Time("from", from),
			zap.Time("to", to),
			zap.Error(err))
		return []time.Time{}
	}

	occurrences := make([]time.Time, 0, limit)
	if s == nil {
		return occurrences
	}
	for len(occurrences) < limit {
		t, ok := s()
		if !ok || t.After(to) {
			break
		}
		occurrences = append(occurrences, t)
	}
	return occurrences
}

// Validate checks that a descriptor can produce a series, surfacing the parse
// error that Next and Upcoming would otherwise swallow.
func Validate(d Descriptor) error {
	switch d.Kind() {
	case KindNone:
		return errors.Wrap(ErrInvalidParameters, "no recurrence type")
	case KindInterval:
		if d.IntervalDays <= 0 {
			return errors.Wrap(ErrInvalidParameters, "interval days must be positive")
		}
		return nil
	case KindOneOff, KindUsageBased:
		return nil
	}
	_, err := buildRule(d)
	return err
}

// sequence yields occurrences in ascending order
type sequence func() (time.Time, bool)

// series returns a sequence positioned at the first occurrence strictly after
// pivot. A nil sequence means the descriptor has no dated occurrences.
func (c *Calculator) series(d Descriptor, pivot time.Time) (sequence, error) {
	var gen sequence

	switch d.Kind() {
	case KindNone:
		return nil, errors.Wrap(ErrInvalidParameters, "no recurrence type")

	case KindUsageBased:
		return nil, nil

	case KindOneOff:
		done := false
		gen = func() (time.Time, bool) {
			if done {
				return time.Time{}, false
			}
			done = true
			return d.StartDate, true
		}

	case KindInterval:
		if d.IntervalDays <= 0 {
			return nil, errors.Wrap(ErrInvalidParameters, "interval days must be positive")
		}
		gen = intervalSequence(d, pivot)

	default:
		r, err := buildRule(d)
		if err != nil {
			return nil, err
		}
		// The start date anchors a fixed interval: the first occurrence is
		// one interval after it.
		if d.Kind() == KindFixedInterval && pivot.Before(d.StartDate) {
			pivot = d.StartDate
		}
		rebase(r, pivot)
		gen = sequence(r.Iterator())
	}

	b := newBudgeted(gen, d.EndDate, c.maxIterations)
	for {
		t, ok := b.next()
		if !ok {
			if b.overrun {
				return nil, ErrIterationLimit
			}
			return emptySequence, nil
		}
		if t.After(pivot) {
			return prepend(t, b.next), nil
		}
	}
}

// budgeted wraps a sequence with an iteration budget and an end date
type budgeted struct {
	gen       sequence
	end       *time.Time
	remaining int
	overrun   bool
}

func newBudgeted(gen sequence, end *time.Time, budget int) *budgeted {
	return &budgeted{gen: gen, end: end, remaining: budget}
}

func (b *budgeted) next() (time.Time, bool) {
	if b.remaining <= 0 {
		b.overrun = true
		return time.Time{}, false
	}
	b.remaining--

	t, ok := b.gen()
	if !ok {
		return time.Time{}, false
	}
	if b.end != nil && t.After(*b.end) {
		return time.Time{}, false
	}
	return t, true
}

func emptySequence() (time.Time, bool) {
	return time.Time{}, false
}

func prepend(first time.Time, rest sequence) sequence {
	used := false
	return func() (time.Time, bool) {
		if !used {
			used = true
			return first, true
		}
		return rest()
	}
}

// intervalSequence steps by IntervalDays from the start date. The start date
// is the anchor, not an occurrence. Iteration begins just before pivot.
func intervalSequence(d Descriptor, pivot time.Time) sequence {
	step := d.IntervalDays
	cursor := d.StartDate
	if pivot.After(cursor) {
		days := int(pivot.Sub(cursor).Hours() / 24)
		steps := days/step - 1
		if steps > 0 {
			cursor = cursor.AddDate(0, 0, steps*step)
		}
	}

	return func() (time.Time, bool) {
		cursor = cursor.AddDate(0, 0, step)
		return cursor, true
	}
}
