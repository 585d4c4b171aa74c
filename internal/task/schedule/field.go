package schedule

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

type Field int

const (
	Second Field = iota
	Minute
	Hour
	DayOfMonth
	Month
	DayOfWeek
	Year

	numFields
)

type bounds struct {
	name     string
	min, max int
}

var fieldBounds = [numFields]bounds{
	Second:     {"second", 0, 59},
	Minute:     {"minute", 0, 59},
	Hour:       {"hour", 0, 23},
	DayOfMonth: {"day-of-month", 1, 31},
	Month:      {"month", 1, 12},
	DayOfWeek:  {"day-of-week", 0, 6},
	Year:       {"year", 1970, 9999},
}

func (f Field) String() string {
	if f < 0 || f >= numFields {
		return "field(" + strconv.Itoa(int(f)) + ")"
	}
	return fieldBounds[f].name
}

// pattern is either a wildcard or a sorted, duplicate-free value set.
type pattern struct {
	any    bool
	values []int
}

func (p pattern) has(v int) bool {
	if p.any {
		return true
	}
	_, ok := slices.BinarySearch(p.values, v)
	return ok
}

// ceil returns the smallest member >= v.
func (p pattern) ceil(v int, b bounds) (int, bool) {
	if p.any {
		if v < b.min {
			return b.min, true
		}
		return v, v <= b.max
	}
	i, _ := slices.BinarySearch(p.values, v)
	if i == len(p.values) {
		return 0, false
	}
	return p.values[i], true
}

func (p pattern) String() string {
	if p.any {
		return "*"
	}
	var sb strings.Builder
	for i := 0; i < len(p.values); {
		j := i
		for j+1 < len(p.values) && p.values[j+1] == p.values[j]+1 {
			j++
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		switch {
		case j-i >= 2:
			fmt.Fprintf(&sb, "%d-%d", p.values[i], p.values[j])
		case j == i+1:
			fmt.Fprintf(&sb, "%d,%d", p.values[i], p.values[j])
		default:
			sb.WriteString(strconv.Itoa(p.values[i]))
		}
		i = j + 1
	}
	return sb.String()
}

func parseField(f Field, raw string) (pattern, error) {
	b := fieldBounds[f]
	if raw == "*" {
		return pattern{any: true}, nil
	}

	seen := make(map[int]struct{})
	wild := false
	for _, item := range strings.Split(raw, ",") {
		if item == "*" {
			wild = true
			continue
		}
		lo, hi, step, err := parseItem(b, item)
		if err != nil {
			return pattern{}, err
		}
		for v := lo; v <= hi; v += step {
			seen[v] = struct{}{}
		}
	}

	// every item is validated before a list star widens the field
	if wild {
		return pattern{any: true}, nil
	}

	values := make([]int, 0, len(seen))
	for v := range seen {
		values = append(values, v)
	}
	slices.Sort(values)
	if len(values) == b.max-b.min+1 {
		return pattern{any: true}, nil
	}
	return pattern{values: values}, nil
}

// parseItem handles one list item: N, A-B, A-B/S or */S.
func parseItem(b bounds, item string) (lo, hi, step int, err error) {
	rng, stepStr, stepped := strings.Cut(item, "/")
	step = 1
	if stepped {
		step, err = parseNumber(b, stepStr)
		if err != nil {
			return 0, 0, 0, err
		}
		if step == 0 {
			return 0, 0, 0, fmt.Errorf("%w: %s step must be positive: %q", ErrInvalidExpression, b.name, item)
		}
	}

	if rng == "*" {
		return b.min, b.max, step, nil
	}

	loStr, hiStr, ranged := strings.Cut(rng, "-")
	if lo, err = parseValue(b, loStr); err != nil {
		return 0, 0, 0, err
	}
	hi = lo
	if ranged {
		if hi, err = parseValue(b, hiStr); err != nil {
			return 0, 0, 0, err
		}
		if hi < lo {
			return 0, 0, 0, fmt.Errorf("%w: %s range is reversed: %q", ErrInvalidExpression, b.name, item)
		}
	} else if stepped {
		return 0, 0, 0, fmt.Errorf("%w: %s step needs a range or *: %q", ErrInvalidExpression, b.name, item)
	}
	return lo, hi, step, nil
}

func parseValue(b bounds, s string) (int, error) {
	v, err := parseNumber(b, s)
	if err != nil {
		return 0, err
	}
	if v < b.min || v > b.max {
		return 0, fmt.Errorf("%w: %s %d not in [%d,%d]", ErrInvalidFieldValue, b.name, v, b.min, b.max)
	}
	return v, nil
}

func parseNumber(b bounds, s string) (int, error) {
	if s == "" || len(s) > 9 {
		return 0, fmt.Errorf("%w: %s: bad number %q", ErrInvalidExpression, b.name, s)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("%w: %s: bad number %q", ErrInvalidExpression, b.name, s)
		}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: bad number %q", ErrInvalidExpression, b.name, s)
	}
	return v, nil
}
