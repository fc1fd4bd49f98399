// Package schedule parses job schedule strings into recurrence rules.
//
// Two forms are accepted: "interval:<N><unit>" with unit m, h or d, and a
// standard five-field cron expression evaluated against the local clock.
package schedule

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidSchedule is returned when a schedule string cannot be parsed.
var ErrInvalidSchedule = errors.New("invalid schedule")

// IntervalPrefix marks an interval schedule string.
const IntervalPrefix = "interval:"

// Kind distinguishes the two rule variants.
type Kind int

const (
	// KindCron is a five-field calendar rule.
	KindCron Kind = iota
	// KindInterval is a fixed-period rule.
	KindInterval
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	default:
		return "unknown"
	}
}

// Unit is the time unit of an interval rule.
type Unit string

const (
	UnitMinutes Unit = "m"
	UnitHours   Unit = "h"
	UnitDays    Unit = "d"
)

// Duration returns the length of one unit.
func (u Unit) Duration() time.Duration {
	switch u {
	case UnitMinutes:
		return time.Minute
	case UnitHours:
		return time.Hour
	case UnitDays:
		return 24 * time.Hour
	default:
		return 0
	}
}

var intervalPattern = regexp.MustCompile(`^([0-9]+)([mhd])$`)

// cronParser accepts exactly five fields and no descriptors.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Rule is a parsed schedule. Only the fields of its Kind are meaningful.
type Rule struct {
	Kind Kind
	Spec string

	// Interval variant.
	Unit  Unit
	Count int64

	// Cron variant.
	cron cron.Schedule
}

// Parse parses a schedule string into a Rule.
func Parse(spec string) (Rule, error) {
	if rest, ok := strings.CutPrefix(spec, IntervalPrefix); ok {
		return parseInterval(spec, rest)
	}
	return parseCron(spec)
}

func parseInterval(spec, rest string) (Rule, error) {
	m := intervalPattern.FindStringSubmatch(rest)
	if m == nil {
		return Rule{}, fmt.Errorf("%w: %q: expected interval:<N>m|h|d", ErrInvalidSchedule, spec)
	}

	count, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}
	if count <= 0 {
		return Rule{}, fmt.Errorf("%w: %q: interval must be positive", ErrInvalidSchedule, spec)
	}

	unit := Unit(m[2])
	if count > math.MaxInt64/int64(unit.Duration()) {
		return Rule{}, fmt.Errorf("%w: %q: interval too large", ErrInvalidSchedule, spec)
	}

	return Rule{
		Kind:  KindInterval,
		Spec:  spec,
		Unit:  unit,
		Count: count,
	}, nil
}

func parseCron(spec string) (Rule, error) {
	trimmed := strings.TrimSpace(spec)
	if trimmed == "" {
		return Rule{}, fmt.Errorf("%w: empty schedule", ErrInvalidSchedule)
	}
	// Host local time only.
	if strings.HasPrefix(trimmed, "TZ=") || strings.HasPrefix(trimmed, "CRON_TZ=") {
		return Rule{}, fmt.Errorf("%w: %q: time zones are not supported", ErrInvalidSchedule, spec)
	}

	sched, err := cronParser.Parse(trimmed)
	if err != nil {
		return Rule{}, fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	return Rule{
		Kind: KindCron,
		Spec: spec,
		cron: sched,
	}, nil
}

// Validate reports whether spec parses.
func Validate(spec string) error {
	_, err := Parse(spec)
	return err
}

// Interval returns the period of an interval rule, or zero for cron rules.
func (r Rule) Interval() time.Duration {
	if r.Kind != KindInterval {
		return 0
	}
	return time.Duration(r.Count) * r.Unit.Duration()
}

// Next returns the first fire time strictly after t. It has no side effects.
// The zero time is returned for an unparsed Rule.
func (r Rule) Next(t time.Time) time.Time {
	switch r.Kind {
	case KindInterval:
		d := r.Interval()
		if d <= 0 {
			return time.Time{}
		}
		// Fire on whole seconds, like cron.ConstantDelaySchedule.
		return t.Add(d - time.Duration(t.Nanosecond())*time.Nanosecond)
	case KindCron:
		if r.cron == nil {
			return time.Time{}
		}
		return r.cron.Next(t)
	default:
		return time.Time{}
	}
}

// String returns the original schedule string.
func (r Rule) String() string {
	return r.Spec
}

// Describe returns a short human readable form of the rule.
func (r Rule) Describe() string {
	if r.Kind == KindInterval {
		return "every " + r.Interval().String()
	}
	return "cron " + strings.TrimSpace(r.Spec)
}

var _ cron.Schedule = Rule{}
