// Package schedule parses and evaluates seven-field cron patterns.
//
// Fields, in order: second minute hour day-of-month month day-of-week year.
//
//	second        0-59
//	minute        0-59
//	hour          0-23
//	day-of-month  1-31
//	month         1-12
//	day-of-week   0-6 (0 = Sunday)
//	year          1970-9999
//
// Each field is "*" or a comma-separated list whose items are a value, a
// range "a-b", a stepped range "a-b/n" or a stepped wildcard "*/n".
// An instant matches when every field matches; day-of-month and day-of-week
// are ANDed like the rest.
//
// A Schedule is immutable after Parse and safe for concurrent use.
package schedule
