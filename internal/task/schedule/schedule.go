package schedule

import (
	"fmt"
	"strings"
	"time"
)

type Schedule struct {
	fields [numFields]pattern
}

// Parse parses a seven-field expression.
func Parse(expr string) (*Schedule, error) {
	parts := strings.Fields(expr)
	if len(parts) != int(numFields) {
		return nil, fmt.Errorf("%w: want %d fields, got %d in %q", ErrInvalidExpression, numFields, len(parts), expr)
	}
	s := &Schedule{}
	for i, raw := range parts {
		p, err := parseField(Field(i), raw)
		if err != nil {
			return nil, err
		}
		s.fields[i] = p
	}
	return s, nil
}

// MustParse is Parse for expressions known at compile time.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// Matches reports whether t, viewed in loc, satisfies every field.
// A nil loc means UTC.
func (s *Schedule) Matches(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	t = t.In(loc)
	return s.fields[Year].has(t.Year()) &&
		s.fields[Month].has(int(t.Month())) &&
		s.fields[DayOfMonth].has(t.Day()) &&
		s.fields[DayOfWeek].has(int(t.Weekday())) &&
		s.fields[Hour].has(t.Hour()) &&
		s.fields[Minute].has(t.Minute()) &&
		s.fields[Second].has(t.Second())
}

// String returns the normalized expression.
func (s *Schedule) String() string {
	parts := make([]string, numFields)
	for i, p := range s.fields {
		parts[i] = p.String()
	}
	return strings.Join(parts, " ")
}
