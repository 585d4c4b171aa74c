package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// starBit mirrors robfig/cron's marker for fields written as "*" or "?".
const starBit = 1 << 63

var standardParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseStandard accepts classic crontab syntax: five fields, six fields with
// a leading second, or a descriptor such as "@hourly". Month and weekday
// names are allowed. The result has a wildcard year.
//
// "@every" intervals, CRON_TZ prefixes and specs that restrict both
// day-of-month and day-of-week (which crontab ORs) are rejected.
func ParseStandard(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "@every") {
		return nil, fmt.Errorf("%w: %q is an interval, not a calendar pattern", ErrInvalidExpression, expr)
	}
	parsed, err := standardParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidExpression, err)
	}
	spec, ok := parsed.(*cron.SpecSchedule)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not a calendar pattern", ErrInvalidExpression, expr)
	}
	if spec.Location != time.Local {
		return nil, fmt.Errorf("%w: time zone prefixes are not supported in %q", ErrInvalidExpression, expr)
	}
	if spec.Dom&starBit == 0 && spec.Dow&starBit == 0 {
		return nil, fmt.Errorf("%w: %q restricts both day-of-month and day-of-week", ErrInvalidExpression, expr)
	}

	s := &Schedule{}
	s.fields[Second] = fromBits(spec.Second, fieldBounds[Second])
	s.fields[Minute] = fromBits(spec.Minute, fieldBounds[Minute])
	s.fields[Hour] = fromBits(spec.Hour, fieldBounds[Hour])
	s.fields[DayOfMonth] = fromBits(spec.Dom, fieldBounds[DayOfMonth])
	s.fields[Month] = fromBits(spec.Month, fieldBounds[Month])
	s.fields[DayOfWeek] = fromBits(spec.Dow, fieldBounds[DayOfWeek])
	s.fields[Year] = pattern{any: true}
	return s, nil
}

func fromBits(bits uint64, b bounds) pattern {
	if bits&starBit != 0 {
		return pattern{any: true}
	}
	var values []int
	for v := b.min; v <= b.max; v++ {
		if bits&(1<<uint(v)) != 0 {
			values = append(values, v)
		}
	}
	if len(values) == b.max-b.min+1 {
		return pattern{any: true}
	}
	return pattern{values: values}
}

// ParseAny tries the seven-field form first and falls back to ParseStandard
// for expressions with fewer fields or a leading '@'.
func ParseAny(expr string) (*Schedule, error) {
	trimmed := strings.TrimSpace(expr)
	if strings.HasPrefix(trimmed, "@") || len(strings.Fields(trimmed)) < int(numFields) {
		return ParseStandard(trimmed)
	}
	return Parse(trimmed)
}
