package schedule

import "errors"

var (
	// ErrInvalidExpression reports a wrong field count or a malformed token.
	ErrInvalidExpression = errors.New("invalid cron expression")
	// ErrInvalidFieldValue reports a well-formed value outside its field's domain.
	ErrInvalidFieldValue = errors.New("cron field value out of range")
)
